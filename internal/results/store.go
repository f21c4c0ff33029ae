// Package results applies worker results: it stores them and announces completion.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrResultNotFound is returned when no result was stored for a job
var ErrResultNotFound = errors.New("result not found")

const schema = `
	CREATE TABLE IF NOT EXISTS job_results (
		job_kind       TEXT        NOT NULL,
		correlation_id TEXT        NOT NULL,
		body           JSONB       NOT NULL,
		message_id     TEXT        NOT NULL DEFAULT '',
		completed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (job_kind, correlation_id)
	)
`

// StoredResult is a row of job_results
type StoredResult struct {
	Kind          string          `db:"job_kind"`
	CorrelationID string          `db:"correlation_id"`
	Body          json.RawMessage `db:"body"`
	MessageID     string          `db:"message_id"`
	CompletedAt   time.Time       `db:"completed_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// Store persists result bodies keyed by job kind and correlation id
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the results table when missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create job_results table: %w", err)
	}
	return nil
}

// SaveResult upserts the result body. Storing the same result again overwrites it.
func (s *Store) SaveResult(ctx context.Context, kind, id string, body json.RawMessage, messageID string) error {
	query := `
		INSERT INTO job_results (job_kind, correlation_id, body, message_id, completed_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, NOW(), NOW())
		ON CONFLICT (job_kind, correlation_id) DO UPDATE
		SET body = EXCLUDED.body,
		    message_id = EXCLUDED.message_id,
		    updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, kind, id, string(body), messageID); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	s.logger.Debug("Result stored",
		slog.String("job_kind", kind),
		slog.String("id", id),
	)

	return nil
}

// GetResult retrieves a stored result
func (s *Store) GetResult(ctx context.Context, kind, id string) (*StoredResult, error) {
	query := `
		SELECT job_kind, correlation_id, body, message_id, completed_at, updated_at
		FROM job_results
		WHERE job_kind = $1 AND correlation_id = $2
	`

	var result StoredResult
	if err := s.db.GetContext(ctx, &result, query, kind, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	return &result, nil
}
