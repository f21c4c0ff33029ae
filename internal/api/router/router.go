package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/jobdispatch/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint reflects broker connectivity
	r.GET("/health", func(c *gin.Context) {
		if deps.Dispatcher == nil || !deps.Dispatcher.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "job-api-service",
				"broker":  "disconnected",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "job-api-service",
			"broker":  "connected",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs/:kind - Submit a job of the given kind
			jobs.POST("/:kind", jobHandler.SubmitJob)

			// GET /api/v1/jobs/:kind/:id/status - Completion status of a job
			if deps.Statuses != nil {
				jobs.GET("/:kind/:id/status", jobHandler.GetJobStatus)
			}
		}
	}

	return r
}
