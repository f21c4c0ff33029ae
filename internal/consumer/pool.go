package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobdispatch/internal/domain"
	"github.com/cuongbtq/jobdispatch/internal/metrics"
)

const maxLoggedBody = 512

// spawnWorkerPool spawns MaxConcurrentDeliveries worker goroutines
func (c *Consumer) spawnWorkerPool() {
	for i := 0; i < c.opts.MaxConcurrentDeliveries; i++ {
		c.wg.Add(1)
		go c.workerLoop(i)
	}

	c.logger.Debug("Worker pool spawned", slog.Int("worker_count", c.opts.MaxConcurrentDeliveries))
}

// workerLoop processes deliveries one at a time until the consumer stops
func (c *Consumer) workerLoop(workerNum int) {
	defer c.wg.Done()

	for {
		// stop wins over a pending hand-off
		select {
		case <-c.stopChan:
			c.logger.Debug("Worker goroutine stopping", slog.Int("worker_num", workerNum))
			return
		default:
		}

		select {
		case <-c.stopChan:
			c.logger.Debug("Worker goroutine stopping", slog.Int("worker_num", workerNum))
			return

		case delivery := <-c.jobsChan:
			c.handleDelivery(delivery)
		}
	}
}

// handleDelivery runs the per-message state machine: decode, process, then
// exactly one of ack, reject with requeue or reject without requeue
func (c *Consumer) handleDelivery(delivery amqp.Delivery) {
	defer metrics.TrackInFlight(c.queue)()

	envelope, err := domain.DecodeEnvelope(delivery.Body)
	if err != nil {
		c.logger.Error("Failed to decode result message",
			slog.String("message_id", delivery.MessageId),
			slog.String("body", truncateBody(delivery.Body)),
			slog.Any("error", err),
		)
		if c.opts.AckOnDecodeFailure {
			c.ack(delivery, "")
		} else {
			c.reject(delivery, "", false)
		}
		return
	}

	err = c.process(delivery, envelope)
	if err == nil {
		c.ack(delivery, envelope.ID)
		c.logger.Info("Result processed",
			slog.String("id", envelope.ID),
			slog.String("message_id", delivery.MessageId),
		)
		return
	}

	c.logger.Error("Result handler failed",
		slog.String("id", envelope.ID),
		slog.Bool("redelivered", delivery.Redelivered),
		slog.Any("error", err),
	)

	switch {
	case c.shouldRequeue(delivery, err):
		c.reject(delivery, envelope.ID, true)
	case c.opts.AckOnHandlerFailure:
		c.ack(delivery, envelope.ID)
	default:
		c.reject(delivery, envelope.ID, false)
	}
}

// process validates the envelope and invokes the handler, turning panics into errors
func (c *Consumer) process(delivery amqp.Delivery, envelope *domain.Envelope) (err error) {
	body, err := envelope.Validate(c.opts.BodyField)
	if err != nil {
		return &domain.HandlerError{ID: envelope.ID, Err: err}
	}

	result := domain.Result{
		Queue:       c.queue,
		ID:          envelope.ID,
		Body:        body,
		MessageID:   delivery.MessageId,
		Redelivered: delivery.Redelivered,
	}

	ctx := c.runCtx
	if c.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		metrics.ObserveHandler(c.queue, time.Since(start))
		if r := recover(); r != nil {
			err = &domain.HandlerError{ID: envelope.ID, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	if err := c.handler.Handle(ctx, result); err != nil {
		return &domain.HandlerError{ID: envelope.ID, Err: err}
	}
	return nil
}

// shouldRequeue gives transient failures exactly one more attempt
func (c *Consumer) shouldRequeue(delivery amqp.Delivery, err error) bool {
	if delivery.Redelivered {
		return false
	}
	return domain.IsRetryable(err)
}

func (c *Consumer) ack(delivery amqp.Delivery, id string) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK message",
			slog.String("id", id),
			slog.Any("error", err),
		)
		return
	}
	metrics.ObserveDelivery(c.queue, metrics.OutcomeAcked)
}

func (c *Consumer) reject(delivery amqp.Delivery, id string, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK message",
			slog.String("id", id),
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
		return
	}

	outcome := metrics.OutcomeRejectedDropped
	if requeue {
		outcome = metrics.OutcomeRejectedRequeued
	}
	metrics.ObserveDelivery(c.queue, outcome)

	c.logger.Info("Message NACKed",
		slog.String("id", id),
		slog.Bool("requeue", requeue),
	)
}

// requeue returns a delivery that was never started to the queue
func (c *Consumer) requeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		c.logger.Warn("Failed to requeue message on shutdown", slog.Any("error", err))
		return
	}
	metrics.ObserveDelivery(c.queue, metrics.OutcomeRejectedRequeued)
}

func truncateBody(body []byte) string {
	if len(body) <= maxLoggedBody {
		return string(body)
	}
	return string(body[:maxLoggedBody]) + "..."
}
