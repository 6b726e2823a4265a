package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/delivery/http/middleware"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/usecase"
)

// ScanStarter starts a scan in the background.
type ScanStarter interface {
	Start(ctx context.Context) (runID string, started bool, err error)
	LockName() string
}

// ScanRegistry resolves the scan task for a source and mode.
type ScanRegistry interface {
	Lookup(source domain.Source, mode domain.ScanMode) (ScanStarter, error)
	Names() []string
}

// TaskRegistry adapts usecase.ScanTasks to ScanRegistry.
type TaskRegistry struct {
	Tasks *usecase.ScanTasks
}

func (r TaskRegistry) Lookup(source domain.Source, mode domain.ScanMode) (ScanStarter, error) {
	task, err := r.Tasks.Get(source, mode)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (r TaskRegistry) Names() []string {
	all := r.Tasks.All()
	names := make([]string, 0, len(all))
	for _, t := range all {
		names = append(names, t.LockName())
	}
	return names
}

// ScanHandler handles HTTP requests that trigger scans.
type ScanHandler struct {
	registry ScanRegistry
	logger   *zap.Logger
}

// NewScanHandler creates a new ScanHandler.
func NewScanHandler(registry ScanRegistry, logger *zap.Logger) *ScanHandler {
	return &ScanHandler{registry: registry, logger: logger}
}

// List handles GET /api/v1/scans
func (h *ScanHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scans": h.registry.Names()})
}

// Start handles POST /api/v1/scans/:source/:mode
//
// The scan outlives the request, so it runs on a context detached from the
// request's cancellation.
func (h *ScanHandler) Start(c *gin.Context) {
	source, err := domain.ParseSource(c.Param("source"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	mode, err := domain.ParseScanMode(c.Param("mode"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	task, err := h.registry.Lookup(source, mode)
	if err != nil {
		if errors.Is(err, usecase.ErrNoScanTask) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Resolve scan task failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	runID, started, err := task.Start(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		h.logger.Error("Start scan failed",
			zap.Error(err),
			zap.String("lock", task.LockName()),
			zap.String("request_id", middleware.GetRequestID(c)),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if !started {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Scan already running",
			"lock":  task.LockName(),
		})
		return
	}

	h.logger.Info("Scan started via API",
		zap.String("run_id", runID),
		zap.String("lock", task.LockName()),
		zap.String("request_id", middleware.GetRequestID(c)),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runID,
		"lock":   task.LockName(),
	})
}
