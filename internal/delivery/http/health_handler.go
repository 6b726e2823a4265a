package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Checker reports the health of one dependency.
type Checker func(ctx context.Context) error

// HealthHandler handles health check requests.
type HealthHandler struct {
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. Each checker is run with a
// shared timeout on every request.
func NewHealthHandler(checkers map[string]Checker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checkers: checkers, timeout: 2 * time.Second, logger: logger}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	services := gin.H{}
	status, code := "ok", http.StatusOK
	for _, name := range names {
		if err := h.checkers[name](ctx); err != nil {
			h.logger.Warn("Health check failed", zap.String("service", name), zap.Error(err))
			services[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		services[name] = "ok"
	}

	c.JSON(code, gin.H{
		"status":   status,
		"services": services,
	})
}
