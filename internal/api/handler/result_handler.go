package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobdispatch/internal/api/dto"
	"github.com/cuongbtq/jobdispatch/internal/jobs"
	"github.com/cuongbtq/jobdispatch/internal/results"
)

// ResultReader loads stored worker results
type ResultReader interface {
	GetResult(ctx context.Context, kind, id string) (*results.StoredResult, error)
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ResultDependencies holds what the result service routes need
type ResultDependencies struct {
	Logger    *slog.Logger
	Consumers ReadinessChecker
	Database  HealthChecker
	Results   ResultReader
}

// ResultHandler serves stored results
type ResultHandler struct {
	logger  *slog.Logger
	results ResultReader
}

// NewResultHandler creates a new ResultHandler instance
func NewResultHandler(deps *ResultDependencies) *ResultHandler {
	return &ResultHandler{
		logger:  deps.Logger,
		results: deps.Results,
	}
}

// GetJobResult handles GET /api/v1/results/:kind/:id
func (h *ResultHandler) GetJobResult(c *gin.Context) {
	kind := jobs.Kind(c.Param("kind"))
	id := c.Param("id")

	if _, ok := jobs.RouteFor(kind); !ok {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Unknown job kind"})
		return
	}

	result, err := h.results.GetResult(c.Request.Context(), string(kind), id)
	if err != nil {
		if errors.Is(err, results.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Result not found"})
			return
		}
		h.logger.Error("Failed to read job result",
			slog.String("job_kind", string(kind)),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to read job result"})
		return
	}

	c.JSON(http.StatusOK, dto.JobResultResponse{
		ID:          result.CorrelationID,
		Kind:        result.Kind,
		MessageID:   result.MessageID,
		CompletedAt: result.CompletedAt,
		Result:      result.Body,
	})
}
