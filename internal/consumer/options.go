package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobdispatch/internal/domain"
	"github.com/cuongbtq/jobdispatch/internal/queues"
)

// DefaultBodyField is the envelope field read when neither the options nor the queue name one
const DefaultBodyField = "report"

// Handler applies one decoded result to application state
type Handler interface {
	Handle(ctx context.Context, result domain.Result) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, result domain.Result) error

// Handle calls f(ctx, result)
func (f HandlerFunc) Handle(ctx context.Context, result domain.Result) error {
	return f(ctx, result)
}

// Options tune a single queue consumer
type Options struct {
	// BodyField is the envelope field handed to the handler. Defaults to the
	// queue's body field, then DefaultBodyField.
	BodyField string

	// MaxConcurrentDeliveries bounds concurrent handler invocations. 1 serializes the queue.
	MaxConcurrentDeliveries int

	// PrefetchCount is the broker-side unacked window. Defaults to MaxConcurrentDeliveries.
	PrefetchCount int

	// AckOnHandlerFailure acknowledges messages whose handler failed instead of dead-lettering them
	AckOnHandlerFailure bool

	// AckOnDecodeFailure acknowledges undecodable messages instead of rejecting them
	AckOnDecodeFailure bool

	// HandlerTimeout bounds a single handler call; zero means no limit
	HandlerTimeout time.Duration

	// Queue carries the registry declaration so the consumer asserts the queue
	// with the same arguments as every other declarer
	Queue queues.Queue

	// ConsumerTag identifies the consumer on the broker; generated when empty
	ConsumerTag string
}

func (o Options) withDefaults(queue string) Options {
	if o.BodyField == "" {
		o.BodyField = o.Queue.BodyField
	}
	if o.BodyField == "" {
		o.BodyField = DefaultBodyField
	}
	if o.MaxConcurrentDeliveries <= 0 {
		o.MaxConcurrentDeliveries = 1
	}
	if o.PrefetchCount <= 0 {
		o.PrefetchCount = o.MaxConcurrentDeliveries
	}
	if o.ConsumerTag == "" {
		o.ConsumerTag = fmt.Sprintf("jobdispatch-%s-%s", queue, uuid.NewString())
	}
	return o
}
