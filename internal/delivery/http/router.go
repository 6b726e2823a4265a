package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/delivery/http/middleware"
)

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(
	registry ScanRegistry,
	checkers map[string]Checker,
	logger *zap.Logger,
	rateLimitPerMin int,
) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))

	// Health and metrics (no rate limiting)
	healthHandler := NewHealthHandler(checkers, logger)
	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		scanHandler := NewScanHandler(registry, logger)
		v1.GET("/scans", scanHandler.List)
		v1.POST("/scans/:source/:mode", middleware.RateLimiter(rateLimitPerMin), scanHandler.Start)
	}

	return router
}
