package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/quernworks/quern/internal/health"
	"github.com/quernworks/quern/internal/transport/http/handler"
	"github.com/quernworks/quern/internal/transport/http/middleware"
)

// NewRouter assembles the inspection API: health endpoints open, job and
// worker routes behind the JWT bearer check.
func NewRouter(
	logger *slog.Logger,
	jobHandler *handler.JobHandler,
	workerHandler *handler.WorkerHandler,
	checker *health.Checker,
	jwtKey []byte,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	r.GET("/livez", func(c *gin.Context) {
		result := checker.Liveness(c.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	})
	r.GET("/readyz", func(c *gin.Context) {
		result := checker.Readiness(c.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	})

	authMW := middleware.Auth(jwtKey)

	jobs := r.Group("/jobs", authMW)
	jobs.POST("", jobHandler.Create)
	jobs.GET("", jobHandler.List)
	jobs.GET("/:id", jobHandler.GetByID)
	jobs.GET("/:id/errors", jobHandler.ListErrors)
	jobs.POST("/:id/cancel", jobHandler.Cancel)

	workers := r.Group("/workers", authMW)
	workers.GET("", workerHandler.List)

	return r
}
