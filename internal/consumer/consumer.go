// Package consumer receives worker results from queues and hands them to completion handlers.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobdispatch/internal/queues"
	"github.com/cuongbtq/jobdispatch/shared/rabbitmq"
)

// Consumer owns the subscription to one result queue.
// The subscription is re-established by the connection manager after every reconnect.
type Consumer struct {
	queue   string
	handler Handler
	opts    Options
	logger  *slog.Logger

	channel *rabbitmq.Channel

	jobsChan chan amqp.Delivery
	stopChan chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	release  func()

	wg    sync.WaitGroup
	fwdWg sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc
}

func newConsumer(queue string, handler Handler, opts Options, logger *slog.Logger) *Consumer {
	runCtx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		queue:    queue,
		handler:  handler,
		opts:     opts,
		logger:   logger.With(slog.String("queue", queue)),
		jobsChan: make(chan amqp.Delivery),
		stopChan: make(chan struct{}),
		stopped:  make(chan struct{}),
		runCtx:   runCtx,
		cancel:   cancel,
	}
}

// Queue returns the physical queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// Ready reports whether the subscription is currently active on the broker
func (c *Consumer) Ready() bool {
	return c.channel != nil && c.channel.IsReady()
}

// start spawns the worker pool and opens the consuming channel
func (c *Consumer) start(ctx context.Context, mgr *rabbitmq.Manager) error {
	c.spawnWorkerPool()

	ch, err := mgr.CreateChannel(ctx, "consumer:"+c.queue, c.setupConsumer)
	if err != nil {
		close(c.stopChan)
		c.wg.Wait()
		c.cancel()
		return fmt.Errorf("failed to start consumer for %s: %w", c.queue, err)
	}
	c.channel = ch

	c.logger.Info("Result consumer started",
		slog.String("consumer_tag", c.opts.ConsumerTag),
		slog.Int("max_concurrent_deliveries", c.opts.MaxConcurrentDeliveries),
		slog.Int("prefetch_count", c.opts.PrefetchCount),
	)
	return nil
}

// setupConsumer declares the queue, sets QoS and subscribes. It runs again after every reconnect.
func (c *Consumer) setupConsumer(_ context.Context, ch rabbitmq.AMQPChannel) error {
	select {
	case <-c.stopChan:
		return nil
	default:
	}

	if c.opts.Queue.Resolved() {
		if err := queues.Declare(ch, c.opts.Queue); err != nil {
			return err
		}
	} else if _, err := ch.QueueDeclare(
		c.queue, // name
		true,    // durable
		false,   // auto-delete
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}

	// prefetch_count: number of unacknowledged messages per consumer
	if err := ch.Qos(
		c.opts.PrefetchCount, // prefetch count
		0,                    // prefetch size
		false,                // global
	); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// auto-ack: false (manual acknowledgment for reliability)
	deliveries, err := ch.Consume(
		c.queue,            // queue
		c.opts.ConsumerTag, // consumer
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.fwdWg.Add(1)
	go c.forward(deliveries)

	c.logger.Debug("Subscribed to queue", slog.String("consumer_tag", c.opts.ConsumerTag))
	return nil
}

// forward hands deliveries to the worker pool until the broker closes the subscription.
// Once stopping, anything not yet picked up by a worker goes back to the queue.
func (c *Consumer) forward(deliveries <-chan amqp.Delivery) {
	defer c.fwdWg.Done()

	for delivery := range deliveries {
		select {
		case <-c.stopChan:
			c.requeue(delivery)
			continue
		default:
		}

		select {
		case c.jobsChan <- delivery:
		case <-c.stopChan:
			c.requeue(delivery)
		}
	}

	c.logger.Debug("Delivery channel closed")
}

// Stop cancels the subscription, lets in-flight handlers finish and closes the channel.
// If ctx ends first the remaining deliveries are left unacknowledged and the broker
// redelivers them once the channel is gone.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error

	c.stopOnce.Do(func() {
		defer close(c.stopped)
		if c.release != nil {
			defer c.release()
		}

		c.logger.Info("Stopping result consumer")

		if c.channel != nil {
			if err := c.channel.Do(func(ch rabbitmq.AMQPChannel) error {
				return ch.Cancel(c.opts.ConsumerTag, false)
			}); err != nil {
				c.logger.Warn("Failed to cancel consumer", slog.Any("error", err))
			}
		}

		close(c.stopChan)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warn("Shutdown deadline reached, abandoning in-flight deliveries")
			stopErr = ctx.Err()
		}

		// closing the channel hands unacknowledged deliveries back to the broker
		// before abandoned handlers see their context canceled
		if c.channel != nil {
			if err := c.channel.Close(); err != nil && stopErr == nil {
				stopErr = err
			}
		}
		c.cancel()
		c.fwdWg.Wait()

		c.logger.Info("Result consumer stopped")
	})

	<-c.stopped
	return stopErr
}
