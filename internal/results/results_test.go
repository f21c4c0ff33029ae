package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobdispatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStore(sqlx.NewDb(db, "postgres"), testLogger()), mock
}

func TestStore_EnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS job_results").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveResult(t *testing.T) {
	tests := []struct {
		name    string
		execErr error
		wantErr bool
	}{
		{name: "upsert succeeds"},
		{name: "database error", execErr: errors.New("connection reset"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)

			exp := mock.ExpectExec("INSERT INTO job_results .* ON CONFLICT \\(job_kind, correlation_id\\) DO UPDATE").
				WithArgs("profiling", "ds-1", `{"rows":10}`, "msg-1")
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, 1))
			}

			err := store.SaveResult(context.Background(), "profiling", "ds-1", json.RawMessage(`{"rows":10}`), "msg-1")
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.execErr)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_GetResult(t *testing.T) {
	completed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	columns := []string{"job_kind", "correlation_id", "body", "message_id", "completed_at", "updated_at"}

	t.Run("found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM job_results").
			WithArgs("report", "r-9").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("report", "r-9", []byte(`{"pages":3}`), "msg-9", completed, completed))

		got, err := store.GetResult(context.Background(), "report", "r-9")
		require.NoError(t, err)
		assert.Equal(t, "r-9", got.CorrelationID)
		assert.JSONEq(t, `{"pages":3}`, string(got.Body))
		assert.Equal(t, "msg-9", got.MessageID)
		assert.Equal(t, completed, got.CompletedAt)
	})

	t.Run("missing", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM job_results").
			WithArgs("report", "nope").
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetResult(context.Background(), "report", "nope")
		assert.ErrorIs(t, err, ErrResultNotFound)
	})
}

// fakeRedis records commands the notifier issues
type fakeRedis struct {
	mu         sync.Mutex
	values     map[string]string
	ttls       map[string]time.Duration
	published  []string
	setErr     error
	publishErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return redis.NewIntResult(0, f.publishErr)
	}
	if channel == CompletedChannel {
		f.published = append(f.published, string(message.([]byte)))
	}
	return redis.NewIntResult(1, nil)
}

func TestNotifier_NotifyCompleted(t *testing.T) {
	rdb := newFakeRedis()
	n := NewNotifier(rdb, time.Hour, testLogger())
	ctx := context.Background()

	status, err := n.Status(ctx, "training", "m-1")
	require.NoError(t, err)
	assert.Empty(t, status)

	completedAt := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, n.NotifyCompleted(ctx, Completion{Kind: "training", ID: "m-1", MessageID: "abc", CompletedAt: completedAt}))

	status, err = n.Status(ctx, "training", "m-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, time.Hour, rdb.ttls["jobdispatch:status:training:m-1"])

	require.Len(t, rdb.published, 1)
	assert.JSONEq(t,
		`{"kind":"training","id":"m-1","message_id":"abc","completed_at":"2026-05-06T07:08:09Z"}`,
		rdb.published[0],
	)
}

func TestNotifier_Errors(t *testing.T) {
	tests := []struct {
		name       string
		setErr     error
		publishErr error
		wantMsg    string
	}{
		{name: "set fails", setErr: errors.New("READONLY"), wantMsg: "failed to set completion status"},
		{name: "publish fails", publishErr: errors.New("i/o timeout"), wantMsg: "failed to publish completion"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb := newFakeRedis()
			rdb.setErr = tt.setErr
			rdb.publishErr = tt.publishErr

			err := NewNotifier(rdb, 0, testLogger()).NotifyCompleted(context.Background(), Completion{Kind: "report", ID: "r"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestNewNotifier_DefaultTTL(t *testing.T) {
	rdb := newFakeRedis()
	require.NoError(t, NewNotifier(rdb, 0, testLogger()).NotifyCompleted(context.Background(), Completion{Kind: "report", ID: "r"}))
	assert.Equal(t, DefaultStatusTTL, rdb.ttls[StatusKey("report", "r")])
}

type saverFunc func(ctx context.Context, kind, id string, body json.RawMessage, messageID string) error

func (f saverFunc) SaveResult(ctx context.Context, kind, id string, body json.RawMessage, messageID string) error {
	return f(ctx, kind, id, body, messageID)
}

type notifierFunc func(ctx context.Context, c Completion) error

func (f notifierFunc) NotifyCompleted(ctx context.Context, c Completion) error {
	return f(ctx, c)
}

func TestHandler(t *testing.T) {
	result := domain.Result{
		Queue:     "dataset_profiling_result",
		ID:        "ds-42",
		Body:      json.RawMessage(`{"columns":4}`),
		MessageID: "msg-42",
	}

	tests := []struct {
		name          string
		saveErr       error
		notifyErr     error
		wantErr       bool
		wantRetryable bool
		wantNotified  bool
	}{
		{name: "stores and notifies", wantNotified: true},
		{name: "store failure is retryable", saveErr: errors.New("deadlock detected"), wantErr: true, wantRetryable: true},
		{name: "notify failure is swallowed", notifyErr: errors.New("redis down"), wantNotified: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var saved []string
			var notified []Completion

			store := saverFunc(func(_ context.Context, kind, id string, body json.RawMessage, messageID string) error {
				if tt.saveErr != nil {
					return tt.saveErr
				}
				saved = append(saved, kind+"/"+id+"/"+string(body)+"/"+messageID)
				return nil
			})
			notifier := notifierFunc(func(_ context.Context, c Completion) error {
				notified = append(notified, c)
				return tt.notifyErr
			})

			err := NewHandler("profiling", store, notifier, testLogger()).Handle(context.Background(), result)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantRetryable, domain.IsRetryable(err))
				assert.ErrorIs(t, err, tt.saveErr)
				assert.Empty(t, notified)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, []string{`profiling/ds-42/{"columns":4}/msg-42`}, saved)
			if tt.wantNotified {
				require.Len(t, notified, 1)
				assert.Equal(t, "profiling", notified[0].Kind)
				assert.Equal(t, "ds-42", notified[0].ID)
				assert.False(t, notified[0].CompletedAt.IsZero())
			}
		})
	}
}

func TestHandler_WithoutNotifier(t *testing.T) {
	calls := 0
	store := saverFunc(func(context.Context, string, string, json.RawMessage, string) error {
		calls++
		return nil
	})

	h := NewHandler("report", store, nil, testLogger())
	require.NoError(t, h.Handle(context.Background(), domain.Result{ID: "r", Body: json.RawMessage(`{}`)}))
	assert.Equal(t, 1, calls)
}
