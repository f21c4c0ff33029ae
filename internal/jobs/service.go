package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/jobdispatch/internal/domain"
	"github.com/cuongbtq/jobdispatch/internal/queues"
)

var (
	// ErrUnknownKind is returned when a job kind has no route
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrMissingJobID is returned when a submission carries no correlation id
	ErrMissingJobID = errors.New("job id is required")
)

// Sender publishes a payload onto a logical queue
type Sender interface {
	SendJob(ctx context.Context, name queues.Name, payload domain.Payload) error
}

// Service turns job submissions into work messages
type Service struct {
	sender Sender
	logger *slog.Logger
}

// NewService creates a new job submission service
func NewService(sender Sender, logger *slog.Logger) *Service {
	return &Service{
		sender: sender,
		logger: logger,
	}
}

// Submit sends a job request for kind. The payload is params plus the correlation id,
// which the worker echoes back in its result.
func (s *Service) Submit(ctx context.Context, kind Kind, id string, params map[string]any) error {
	route, ok := RouteFor(kind)
	if !ok {
		return &domain.ConfigurationError{Reason: fmt.Sprintf("job kind %q", kind), Err: ErrUnknownKind}
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return ErrMissingJobID
	}

	payload := make(domain.Payload, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["id"] = id

	if err := s.sender.SendJob(ctx, route.Request, payload); err != nil {
		return fmt.Errorf("failed to submit %s job %s: %w", kind, id, err)
	}

	s.logger.Info("Job submitted",
		slog.String("job_kind", string(kind)),
		slog.String("id", id),
	)
	return nil
}
