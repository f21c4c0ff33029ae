package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobdispatch/internal/domain"
	"github.com/cuongbtq/jobdispatch/internal/queues"
	"github.com/cuongbtq/jobdispatch/shared/rabbitmq"
	"github.com/cuongbtq/jobdispatch/shared/rabbitmq/rabbitmqtest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	broker *rabbitmqtest.Broker
	mgr    *rabbitmq.Manager
	set    *Set
	queue  queues.Queue
}

func setup(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry, err := queues.New(queues.Config{})
	require.NoError(t, err)

	q, err := registry.Get(queues.DatasetProfilingResult)
	require.NoError(t, err)

	broker := rabbitmqtest.New()
	mgr := rabbitmq.NewManager(&rabbitmq.Config{
		URLs:                     []string{"amqp://localhost:5672"},
		ReconnectInitialInterval: 5 * time.Millisecond,
		ReconnectMaxInterval:     20 * time.Millisecond,
	}, logger, rabbitmq.WithDialer(broker.Dial))
	require.NoError(t, mgr.Connect(context.Background()))

	set := NewSet(mgr, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = set.Stop(ctx)
		_ = mgr.Close()
	})

	return &fixture{broker: broker, mgr: mgr, set: set, queue: q}
}

func (f *fixture) start(t *testing.T, handler Handler, opts Options) *Consumer {
	t.Helper()

	opts.Queue = f.queue
	c, err := f.set.Start(context.Background(), f.queue.Physical, handler, opts)
	require.NoError(t, err)
	return c
}

func (f *fixture) publish(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, f.broker.Publish(f.queue.Physical, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         []byte(body),
	}))
}

func (f *fixture) settled() bool {
	return f.broker.Ready(f.queue.Physical) == 0 && f.broker.Unacked(f.queue.Physical) == 0
}

func (f *fixture) deadLettered() int {
	return f.broker.Ready(f.queue.DeadLetter)
}

type recorder struct {
	mu      sync.Mutex
	results []domain.Result
	fn      func(ctx context.Context, r domain.Result) error
}

func (r *recorder) Handle(ctx context.Context, result domain.Result) error {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()

	if r.fn != nil {
		return r.fn(ctx, result)
	}
	return nil
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) get(i int) domain.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[i]
}

func TestConsumer_AcksAfterSuccessfulHandler(t *testing.T) {
	f := setup(t)
	rec := &recorder{}
	f.start(t, rec, Options{})

	assert.True(t, f.broker.QueueDurable(f.queue.Physical))
	f.publish(t, `{"id":"ds-1","report":{"rows":10}}`)

	require.Eventually(t, func() bool { return rec.calls() == 1 && f.settled() }, waitFor, tick)

	got := rec.get(0)
	assert.Equal(t, "ds-1", got.ID)
	assert.Equal(t, f.queue.Physical, got.Queue)
	assert.JSONEq(t, `{"rows":10}`, string(got.Body))
	assert.False(t, got.Redelivered)
	assert.Equal(t, 0, f.deadLettered())
}

func TestConsumer_HandlerFailure(t *testing.T) {
	tests := []struct {
		name             string
		opts             Options
		wantDeadLettered int
	}{
		{name: "dead-lettered by default", opts: Options{}, wantDeadLettered: 1},
		{name: "acked when configured", opts: Options{AckOnHandlerFailure: true}, wantDeadLettered: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			rec := &recorder{fn: func(context.Context, domain.Result) error {
				return errors.New("dataset not found")
			}}
			f.start(t, rec, tt.opts)

			f.publish(t, `{"id":"ds-1","report":{}}`)

			require.Eventually(t, func() bool {
				return rec.calls() == 1 && f.settled() && f.deadLettered() == tt.wantDeadLettered
			}, waitFor, tick)

			// never retried
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, 1, rec.calls())
		})
	}
}

func TestConsumer_DecodeFailure(t *testing.T) {
	tests := []struct {
		name             string
		body             string
		next             string
		opts             Options
		wantDeadLettered int
	}{
		{name: "not json", body: `not json`, wantDeadLettered: 1},
		{name: "queue keeps flowing afterwards", body: `not json`, next: `{"id":"ds-2","report":{"rows":2}}`, wantDeadLettered: 1},
		{name: "json array", body: `[1,2]`, wantDeadLettered: 1},
		{name: "acked when configured", body: `not json`, opts: Options{AckOnDecodeFailure: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			rec := &recorder{}
			f.start(t, rec, tt.opts)

			f.publish(t, tt.body)
			wantCalls := 0
			if tt.next != "" {
				f.publish(t, tt.next)
				wantCalls = 1
			}

			require.Eventually(t, func() bool {
				return rec.calls() == wantCalls && f.settled() && f.deadLettered() == tt.wantDeadLettered
			}, waitFor, tick)

			if tt.next != "" {
				assert.Equal(t, "ds-2", rec.get(0).ID)
				assert.JSONEq(t, `{"rows":2}`, string(rec.get(0).Body))
			}
		})
	}
}

func TestConsumer_InvalidEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing id", body: `{"report":{}}`},
		{name: "missing body field", body: `{"id":"ds-1"}`},
		{name: "null body field", body: `{"id":"ds-1","report":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			rec := &recorder{}
			f.start(t, rec, Options{})

			f.publish(t, tt.body)

			require.Eventually(t, func() bool { return f.settled() && f.deadLettered() == 1 }, waitFor, tick)
			assert.Equal(t, 0, rec.calls())
		})
	}
}

func TestConsumer_CustomBodyField(t *testing.T) {
	f := setup(t)
	rec := &recorder{}
	f.start(t, rec, Options{BodyField: "selected_features"})

	f.publish(t, `{"id":"fs-1","selected_features":["a","b"]}`)

	require.Eventually(t, func() bool { return rec.calls() == 1 && f.settled() }, waitFor, tick)
	assert.JSONEq(t, `["a","b"]`, string(rec.get(0).Body))
}

func TestConsumer_RetryableErrorRequeuesOnce(t *testing.T) {
	f := setup(t)
	rec := &recorder{fn: func(context.Context, domain.Result) error {
		return domain.NewRetryableError(errors.New("database is down"))
	}}
	f.start(t, rec, Options{})

	f.publish(t, `{"id":"ds-1","report":{}}`)

	require.Eventually(t, func() bool {
		return rec.calls() == 2 && f.settled() && f.deadLettered() == 1
	}, waitFor, tick)

	assert.False(t, rec.get(0).Redelivered)
	assert.True(t, rec.get(1).Redelivered)
}

func TestConsumer_RecoversHandlerPanic(t *testing.T) {
	f := setup(t)
	rec := &recorder{fn: func(_ context.Context, r domain.Result) error {
		if r.ID == "boom" {
			panic("nil map")
		}
		return nil
	}}
	f.start(t, rec, Options{})

	f.publish(t, `{"id":"boom","report":{}}`)
	f.publish(t, `{"id":"fine","report":{}}`)

	require.Eventually(t, func() bool {
		return rec.calls() == 2 && f.settled() && f.deadLettered() == 1
	}, waitFor, tick)
	assert.Equal(t, "fine", rec.get(1).ID)
}

func TestConsumer_SerializedByDefault(t *testing.T) {
	f := setup(t)

	var active, maxActive atomic.Int32
	rec := &recorder{fn: func(context.Context, domain.Result) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			current := maxActive.Load()
			if n <= current || maxActive.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil
	}}
	f.start(t, rec, Options{})

	const total = 10
	for i := 0; i < total; i++ {
		f.publish(t, fmt.Sprintf(`{"id":"%d","report":{}}`, i))
	}

	require.Eventually(t, func() bool { return rec.calls() == total && f.settled() }, waitFor, tick)
	assert.Equal(t, int32(1), maxActive.Load())
	for i := 0; i < total; i++ {
		assert.Equal(t, fmt.Sprint(i), rec.get(i).ID, "deliveries are handled in queue order")
	}
}

func TestConsumer_ConcurrentDeliveries(t *testing.T) {
	f := setup(t)

	const workers = 4
	var active atomic.Int32
	release := make(chan struct{})
	rec := &recorder{fn: func(ctx context.Context, _ domain.Result) error {
		active.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	f.start(t, rec, Options{MaxConcurrentDeliveries: workers})

	for i := 0; i < workers; i++ {
		f.publish(t, fmt.Sprintf(`{"id":"%d","report":{}}`, i))
	}

	require.Eventually(t, func() bool { return active.Load() == workers }, waitFor, tick)
	close(release)
	require.Eventually(t, func() bool { return rec.calls() == workers && f.settled() }, waitFor, tick)
}

func TestConsumer_RedeliveryAfterConnectionLoss(t *testing.T) {
	f := setup(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)

	rec := &recorder{fn: func(context.Context, domain.Result) error {
		if first.CompareAndSwap(true, false) {
			started <- struct{}{}
			<-release
		}
		return nil
	}}
	f.start(t, rec, Options{})

	f.publish(t, `{"id":"ds-1","report":{}}`)
	<-started

	// the connection dies while the handler still holds the message
	f.broker.DropConnections()
	close(release)

	require.Eventually(t, func() bool { return rec.calls() == 2 && f.settled() }, waitFor, tick)
	assert.Equal(t, "ds-1", rec.get(1).ID)
	assert.True(t, rec.get(1).Redelivered)
}

func TestConsumer_ResumesAfterBrokerRestart(t *testing.T) {
	f := setup(t)
	rec := &recorder{}
	c := f.start(t, rec, Options{})

	f.broker.Restart()
	f.publish(t, `{"id":"after-restart","report":{}}`)

	require.Eventually(t, func() bool { return rec.calls() == 1 && f.settled() }, waitFor, tick)
	assert.Equal(t, "after-restart", rec.get(0).ID)
	require.Eventually(t, c.Ready, waitFor, tick)
	assert.Equal(t, 1, f.broker.Consumers(f.queue.Physical), "exactly one subscription after reconnect")
}

func TestSet_DuplicateStart(t *testing.T) {
	f := setup(t)
	f.start(t, &recorder{}, Options{})

	_, err := f.set.Start(context.Background(), f.queue.Physical, &recorder{}, Options{Queue: f.queue})
	require.Error(t, err)
	assert.True(t, domain.IsConfigurationError(err))
	assert.Equal(t, 1, f.broker.Consumers(f.queue.Physical))
}

func TestSet_StartValidation(t *testing.T) {
	f := setup(t)

	_, err := f.set.Start(context.Background(), "", &recorder{}, Options{})
	assert.True(t, domain.IsConfigurationError(err))

	_, err = f.set.Start(context.Background(), "results", nil, Options{})
	assert.True(t, domain.IsConfigurationError(err))

	// the declared queue and the consumed queue must be the same
	_, err = f.set.Start(context.Background(), "other_results", &recorder{}, Options{Queue: f.queue})
	require.Error(t, err)
	assert.True(t, domain.IsConfigurationError(err))
	assert.False(t, f.broker.QueueExists("other_results"))
	assert.Empty(t, f.set.Queues())
}

func TestConsumer_GracefulStop(t *testing.T) {
	f := setup(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	rec := &recorder{fn: func(context.Context, domain.Result) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}}
	c := f.start(t, rec, Options{PrefetchCount: 2})

	f.publish(t, `{"id":"in-flight","report":{}}`)
	f.publish(t, `{"id":"waiting","report":{}}`)
	<-started

	stopped := make(chan error, 1)
	go func() {
		stopped <- c.Stop(context.Background())
	}()

	// the delivery that never reached a worker goes back to the queue
	require.Eventually(t, func() bool { return f.broker.Ready(f.queue.Physical) == 1 }, waitFor, tick)

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was still running")
	default:
	}

	close(release)
	require.NoError(t, <-stopped)

	assert.Equal(t, 1, rec.calls())
	assert.Equal(t, 0, f.broker.Unacked(f.queue.Physical))
	assert.Equal(t, 1, f.broker.Ready(f.queue.Physical))
	assert.Equal(t, 0, f.broker.Consumers(f.queue.Physical))
	assert.Empty(t, f.set.Queues())
}

func TestConsumer_StopDeadlineAbandonsInFlight(t *testing.T) {
	f := setup(t)

	started := make(chan struct{}, 1)
	rec := &recorder{fn: func(ctx context.Context, _ domain.Result) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}
	c := f.start(t, rec, Options{})

	f.publish(t, `{"id":"slow","report":{}}`)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return f.broker.Ready(f.queue.Physical) == 1 }, waitFor, tick)
	msgs := f.broker.Messages(f.queue.Physical)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Redelivered, "abandoned deliveries come back as redelivered")
}
