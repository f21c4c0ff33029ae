package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobdispatch/internal/jobs"
)

// JobSubmitter sends job requests to workers
type JobSubmitter interface {
	Submit(ctx context.Context, kind jobs.Kind, id string, params map[string]any) error
}

// StatusReader reports the completion status recorded for a job
type StatusReader interface {
	Status(ctx context.Context, kind, id string) (string, error)
}

// ReadinessChecker reports whether a dependency can currently serve requests
type ReadinessChecker interface {
	Ready() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Jobs       JobSubmitter
	Dispatcher ReadinessChecker
	// Statuses is optional; without it the status endpoint is not mounted
	Statuses StatusReader
	// RetryAfter is advertised when the broker cannot take a job
	RetryAfter time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	jobs       JobSubmitter
	statuses   StatusReader
	retryAfter time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	retryAfter := deps.RetryAfter
	if retryAfter <= 0 {
		retryAfter = 5 * time.Second
	}

	return &JobHandler{
		logger:     deps.Logger,
		jobs:       deps.Jobs,
		statuses:   deps.Statuses,
		retryAfter: retryAfter,
	}
}
