package queues

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declarer is the subset of an AMQP channel needed to assert queues
type Declarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// Arguments returns the queue arguments every declarer of q must use.
// Redeclaring a queue with different arguments is rejected by the broker.
func (q Queue) Arguments() amqp.Table {
	if q.DeadLetter == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DeadLetter,
	}
}

// Declare asserts q (and its dead-letter queue) as durable. Safe to repeat.
func Declare(ch Declarer, q Queue) error {
	if !q.Resolved() {
		return fmt.Errorf("queue %s has no physical name", q.Name)
	}

	if q.DeadLetter != "" {
		if _, err := ch.QueueDeclare(
			q.DeadLetter, // name
			true,         // durable
			false,        // auto-delete
			false,        // exclusive
			false,        // no-wait
			nil,          // arguments
		); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue %s: %w", q.DeadLetter, err)
		}
	}

	if _, err := ch.QueueDeclare(
		q.Physical,    // name
		true,          // durable
		false,         // auto-delete
		false,         // exclusive
		false,         // no-wait
		q.Arguments(), // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.Physical, err)
	}

	return nil
}

// DeclareAll asserts every resolved queue. Unresolved optional queues are logged and skipped.
func (r *Registry) DeclareAll(ch Declarer, logger *slog.Logger) error {
	for _, q := range r.queues {
		if !q.Resolved() {
			logger.Warn("Queue name is not defined, skipping declaration",
				slog.String("queue", string(q.Name)),
				slog.String("env", q.EnvVar),
			)
			continue
		}

		logger.Debug("Asserting queue",
			slog.String("queue", q.Physical),
			slog.String("direction", q.Direction.String()),
		)

		if err := Declare(ch, q); err != nil {
			return err
		}
	}
	return nil
}
