package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/jobdispatch/internal/api/handler"
)

// SetupResultRouter configures the result service routes: health, metrics and stored results
func SetupResultRouter(deps *handler.ResultDependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))

	// Healthy once every consumer is subscribed and the database answers
	r.GET("/health", func(c *gin.Context) {
		consumersReady := deps.Consumers != nil && deps.Consumers.Ready()
		dbErr := deps.Database.HealthCheck(c.Request.Context())

		if !consumersReady || dbErr != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "unhealthy",
				"service":   "job-result-service",
				"consumers": consumersReady,
				"database":  dbErr == nil,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "job-result-service",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	resultHandler := handler.NewResultHandler(deps)

	v1 := r.Group("/api/v1")
	{
		// GET /api/v1/results/:kind/:id - Stored result of a completed job
		v1.GET("/results/:kind/:id", resultHandler.GetJobResult)
	}

	return r
}
