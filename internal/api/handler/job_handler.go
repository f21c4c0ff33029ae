package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobdispatch/internal/api/dto"
	"github.com/cuongbtq/jobdispatch/internal/domain"
	"github.com/cuongbtq/jobdispatch/internal/jobs"
)

// SubmitJob handles POST /api/v1/jobs/:kind
// Publishes a job request; the result arrives later on the kind's result queue
func (h *JobHandler) SubmitJob(c *gin.Context) {
	kind := jobs.Kind(c.Param("kind"))

	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	err := h.jobs.Submit(c.Request.Context(), kind, req.ID, req.Params)
	if err != nil {
		h.writeSubmitError(c, kind, req.ID, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		ID:     req.ID,
		Kind:   string(kind),
		Status: "queued",
	})
}

func (h *JobHandler) writeSubmitError(c *gin.Context, kind jobs.Kind, id string, err error) {
	_ = c.Error(err)

	var dispatchErr *domain.DispatchError
	switch {
	case errors.Is(err, jobs.ErrUnknownKind):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Unknown job kind"})
	case errors.Is(err, jobs.ErrMissingJobID):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "id is required"})
	case errors.As(err, &dispatchErr):
		h.logger.Error("Failed to dispatch job",
			slog.String("job_kind", string(kind)),
			slog.String("id", id),
			slog.Bool("retriable", dispatchErr.Temporary()),
			slog.String("error", err.Error()),
		)
		c.Header("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "Job queue is unavailable"})
	default:
		h.logger.Error("Failed to submit job",
			slog.String("job_kind", string(kind)),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to submit job"})
	}
}

// GetJobStatus handles GET /api/v1/jobs/:kind/:id/status
// Reports "completed" once the result has been stored, "pending" otherwise
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	kind := jobs.Kind(c.Param("kind"))
	id := c.Param("id")

	if _, ok := jobs.RouteFor(kind); !ok {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Unknown job kind"})
		return
	}

	status, err := h.statuses.Status(c.Request.Context(), string(kind), id)
	if err != nil {
		h.logger.Error("Failed to read job status",
			slog.String("job_kind", string(kind)),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to read job status"})
		return
	}
	if status == "" {
		status = "pending"
	}

	c.JSON(http.StatusOK, dto.JobStatusResponse{
		ID:     id,
		Kind:   string(kind),
		Status: status,
	})
}
