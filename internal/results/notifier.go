package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CompletedChannel is the pub/sub channel completion notifications are published on
	CompletedChannel = "jobdispatch:completed"

	// StatusCompleted is the value stored under a job's status key once its result is stored
	StatusCompleted = "completed"

	// DefaultStatusTTL bounds how long a completion status stays observable
	DefaultStatusTTL = 24 * time.Hour
)

// RedisClient is the subset of go-redis the notifier uses
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Completion is the notification published once a result is stored
type Completion struct {
	Kind        string    `json:"kind"`
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Notifier announces completed jobs over redis
type Notifier struct {
	rdb    RedisClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewNotifier creates a notifier. A non-positive ttl uses DefaultStatusTTL.
func NewNotifier(rdb RedisClient, ttl time.Duration, logger *slog.Logger) *Notifier {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &Notifier{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// StatusKey returns the redis key holding a job's completion status
func StatusKey(kind, id string) string {
	return fmt.Sprintf("jobdispatch:status:%s:%s", kind, id)
}

// NotifyCompleted marks the job completed and publishes a Completion
func (n *Notifier) NotifyCompleted(ctx context.Context, c Completion) error {
	if err := n.rdb.Set(ctx, StatusKey(c.Kind, c.ID), StatusCompleted, n.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set completion status: %w", err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}

	receivers, err := n.rdb.Publish(ctx, CompletedChannel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish completion: %w", err)
	}

	n.logger.Debug("Completion published",
		slog.String("job_kind", c.Kind),
		slog.String("id", c.ID),
		slog.Int64("receivers", receivers),
	)

	return nil
}

// Status returns the stored completion status, or "" when none is recorded
func (n *Notifier) Status(ctx context.Context, kind, id string) (string, error) {
	status, err := n.rdb.Get(ctx, StatusKey(kind, id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get completion status: %w", err)
	}
	return status, nil
}
