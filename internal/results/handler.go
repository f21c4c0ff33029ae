package results

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobdispatch/internal/consumer"
	"github.com/cuongbtq/jobdispatch/internal/domain"
)

// ResultSaver persists a result body
type ResultSaver interface {
	SaveResult(ctx context.Context, kind, id string, body json.RawMessage, messageID string) error
}

// CompletionNotifier announces a stored result
type CompletionNotifier interface {
	NotifyCompleted(ctx context.Context, c Completion) error
}

// NewHandler returns the completion handler for one job kind.
// A failed save is retryable; a failed notification is logged and the message still acknowledged.
func NewHandler(kind string, store ResultSaver, notifier CompletionNotifier, logger *slog.Logger) consumer.Handler {
	logger = logger.With(slog.String("job_kind", kind))

	return consumer.HandlerFunc(func(ctx context.Context, result domain.Result) error {
		if err := store.SaveResult(ctx, kind, result.ID, result.Body, result.MessageID); err != nil {
			return domain.NewRetryableError(err)
		}

		if notifier == nil {
			return nil
		}

		if err := notifier.NotifyCompleted(ctx, Completion{
			Kind:        kind,
			ID:          result.ID,
			MessageID:   result.MessageID,
			CompletedAt: time.Now().UTC(),
		}); err != nil {
			logger.Warn("Failed to notify completion",
				slog.String("id", result.ID),
				slog.Any("error", err),
			)
		}

		return nil
	})
}
