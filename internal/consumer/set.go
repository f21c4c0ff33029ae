package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/cuongbtq/jobdispatch/internal/domain"
	"github.com/cuongbtq/jobdispatch/shared/rabbitmq"
)

// Set tracks the consumers of this process, at most one per queue
type Set struct {
	mgr    *rabbitmq.Manager
	logger *slog.Logger

	mu        sync.Mutex
	consumers map[string]*Consumer
}

// NewSet creates an empty consumer set bound to mgr
func NewSet(mgr *rabbitmq.Manager, logger *slog.Logger) *Set {
	return &Set{
		mgr:       mgr,
		logger:    logger.With(slog.String("component", "consumer")),
		consumers: make(map[string]*Consumer),
	}
}

// Start subscribes handler to queue with manual acknowledgement.
// A second Start for the same queue is a ConfigurationError.
func (s *Set) Start(ctx context.Context, queue string, handler Handler, opts Options) (*Consumer, error) {
	if queue == "" {
		return nil, domain.NewConfigurationError("queue name is empty")
	}
	if handler == nil {
		return nil, domain.NewConfigurationError("no handler for queue %q", queue)
	}
	if opts.Queue.Resolved() && opts.Queue.Physical != queue {
		return nil, domain.NewConfigurationError("queue %q does not match declaration %s (%q)", queue, opts.Queue.Name, opts.Queue.Physical)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.consumers[queue]; exists {
		return nil, domain.NewConfigurationError("a consumer is already running for queue %q", queue)
	}

	c := newConsumer(queue, handler, opts.withDefaults(queue), s.logger)
	c.release = func() { s.remove(queue, c) }

	if err := c.start(ctx, s.mgr); err != nil {
		return nil, err
	}

	s.consumers[queue] = c
	return c, nil
}

// Queues lists the queues with a running consumer
func (s *Set) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.consumers))
	for q := range s.consumers {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Ready reports whether every consumer holds an active subscription
func (s *Set) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.consumers {
		if !c.Ready() {
			return false
		}
	}
	return true
}

// Stop stops every consumer concurrently, sharing the ctx deadline
func (s *Set) Stop(ctx context.Context) error {
	s.mu.Lock()
	consumers := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range consumers {
		wg.Add(1)
		go func(c *Consumer) {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (s *Set) remove(queue string, c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumers[queue] == c {
		delete(s.consumers, queue)
	}
}
