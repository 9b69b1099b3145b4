package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mesikahq/postop-tracker/internal/config"
	"github.com/mesikahq/postop-tracker/internal/metrics"
	"github.com/mesikahq/postop-tracker/internal/middleware"
)

type Router struct {
	handler *Handler
	metrics *metrics.Metrics
}

func NewRouter(handler *Handler, m *metrics.Metrics) *Router {
	return &Router{
		handler: handler,
		metrics: m,
	}
}

func (r *Router) SetupRouter(logger *zap.Logger, cfg config.ServerConfig) *gin.Engine {
	router := gin.New()

	// Apply global middleware
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.SecurityHeadersMiddleware(),
		middleware.RecoveryMiddleware(logger),
		middleware.LoggerMiddleware(logger),
		middleware.MetricsMiddleware(r.metrics),
	)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(r.metrics.Handler()))

	// API routes
	api := router.Group("/api")
	api.Use(middleware.TimeoutMiddleware(cfg.Timeout))
	if cfg.RateLimitRPS > 0 {
		api.Use(middleware.RateLimitMiddleware(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst))
	}
	{
		patients := api.Group("/patients")
		{
			patients.GET("", r.handler.ListPatients)
			patients.POST("", r.handler.CreatePatient)
			patients.GET("/:id", r.handler.GetPatient)
			patients.PUT("/:id", r.handler.UpdatePatient)
			patients.DELETE("/:id", r.handler.DeletePatient)

			patients.POST("/:id/vitals", r.handler.AddVitalEntry)
			patients.DELETE("/:id/vitals/:entryId", r.handler.DeleteVitalEntry)
			patients.POST("/:id/labs", r.handler.AddLabEntry)
			patients.DELETE("/:id/labs/:entryId", r.handler.DeleteLabEntry)

			patients.GET("/:id/alerts", r.handler.GetAlerts)
			patients.GET("/:id/trends", r.handler.GetTrends)
		}

		api.GET("/thresholds", r.handler.GetThresholds)
		api.GET("/stats", r.handler.GetStats)
	}

	// NoRoute handler for 404
	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
