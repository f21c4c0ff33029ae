// Package dispatch publishes job requests onto work queues.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobdispatch/internal/domain"
	"github.com/cuongbtq/jobdispatch/internal/metrics"
	"github.com/cuongbtq/jobdispatch/internal/queues"
	"github.com/cuongbtq/jobdispatch/shared/rabbitmq"
)

const (
	channelName = "dispatcher"

	// DefaultSummaryLimit bounds the payload excerpt written to logs and errors
	DefaultSummaryLimit = 256
)

// Publisher is the managed channel the dispatcher sends through
type Publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
	IsReady() bool
	Close() error
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithSummaryLimit sets the maximum payload excerpt size in bytes
func WithSummaryLimit(n int) Option {
	return func(d *Dispatcher) {
		d.summaryLimit = n
	}
}

// Dispatcher sends job payloads to registered queues as durable, persistent messages.
// It never retries on its own; a failed send is reported to the caller.
type Dispatcher struct {
	publisher    Publisher
	registry     *queues.Registry
	logger       *slog.Logger
	summaryLimit int
}

// New opens the dispatcher channel on mgr. The channel setup declares every
// resolved queue of the registry and is replayed after each reconnect.
func New(ctx context.Context, mgr *rabbitmq.Manager, registry *queues.Registry, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	d := newDispatcher(registry, logger, opts...)

	ch, err := mgr.CreateChannel(ctx, channelName, func(_ context.Context, ch rabbitmq.AMQPChannel) error {
		return registry.DeclareAll(ch, d.logger)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher channel: %w", err)
	}
	d.publisher = ch

	return d, nil
}

// NewWithPublisher builds a dispatcher over an existing publisher
func NewWithPublisher(publisher Publisher, registry *queues.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := newDispatcher(registry, logger, opts...)
	d.publisher = publisher
	return d
}

func newDispatcher(registry *queues.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		logger:       logger.With(slog.String("component", "dispatcher")),
		summaryLimit: DefaultSummaryLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send publishes payload to the physical queue and waits for the broker to confirm it.
// An empty or unregistered queue is a ConfigurationError and nothing is published.
// Any publish failure is returned as a *domain.DispatchError.
func (d *Dispatcher) Send(ctx context.Context, queue string, payload domain.Payload) error {
	if queue == "" {
		return domain.NewConfigurationError("queue name is empty")
	}

	q, ok := d.registry.Lookup(queue)
	if !ok {
		return &domain.ConfigurationError{
			Reason: fmt.Sprintf("queue %q", queue),
			Err:    domain.ErrUnknownQueue,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &domain.DispatchError{
			Queue:   queue,
			Summary: "<unencodable>",
			Err:     fmt.Errorf("failed to encode payload: %w", err),
		}
	}
	summary := truncateString(string(body), d.summaryLimit)

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         string(q.Name),
		Body:         body,
	}

	start := time.Now()
	if err := d.publisher.Publish(ctx, queue, msg); err != nil {
		metrics.ObserveDispatch(queue, metrics.ResultError, time.Since(start))
		d.logger.Error("Failed to send message to queue",
			slog.String("queue", queue),
			slog.String("payload", summary),
			slog.Any("error", err),
		)
		return &domain.DispatchError{
			Queue:     queue,
			Summary:   summary,
			Retriable: isRetriable(err),
			Err:       err,
		}
	}

	metrics.ObserveDispatch(queue, metrics.ResultSuccess, time.Since(start))
	d.logger.Info("Message sent to queue",
		slog.String("queue", queue),
		slog.String("message_id", msg.MessageId),
		slog.String("payload", summary),
	)
	return nil
}

// SendJob resolves a logical queue and sends payload to it
func (d *Dispatcher) SendJob(ctx context.Context, name queues.Name, payload domain.Payload) error {
	physical, err := d.registry.Resolve(name)
	if err != nil {
		return err
	}
	return d.Send(ctx, physical, payload)
}

// Ready reports whether the dispatcher channel is open
func (d *Dispatcher) Ready() bool {
	return d.publisher != nil && d.publisher.IsReady()
}

// Close releases the dispatcher channel
func (d *Dispatcher) Close() error {
	if d.publisher == nil {
		return nil
	}
	return d.publisher.Close()
}

func isRetriable(err error) bool {
	return rabbitmq.IsTemporary(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, amqp.ErrClosed)
}

// truncateString cuts s to at most maxBytes without splitting a UTF-8 sequence
func truncateString(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	b := []byte(s[:maxBytes])
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b) + "..."
}
