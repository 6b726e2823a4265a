package usecase

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/clock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/metrics"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/pipeline"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

// SnapshotSource fetches the mapped state of one holding from a registry.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, src domain.Source, holdingNumber string) (*domain.Snapshot, error)
}

// LoadSnapshotStep fills ImportContext.Snapshot from the message's source.
type LoadSnapshotStep struct {
	sources map[domain.Source]SnapshotSource
}

func NewLoadSnapshotStep(sources map[domain.Source]SnapshotSource) *LoadSnapshotStep {
	return &LoadSnapshotStep{sources: sources}
}

func (s *LoadSnapshotStep) Name() string { return "load-snapshot" }

func (s *LoadSnapshotStep) Execute(ctx context.Context, ic *domain.ImportContext) error {
	msg := ic.Message
	src, ok := s.sources[msg.Source]
	if !ok {
		return domain.Wrap(domain.KindPermanentSource, "load snapshot",
			fmt.Errorf("%w: %q", domain.ErrUnknownSource, msg.Source))
	}
	snap, err := src.GetSnapshot(ctx, msg.Source, msg.Identifier)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", msg.Identifier, err)
	}
	ic.Snapshot = snap
	return nil
}

// ImportHoldingUsecase turns one change message into a reconciled holding.
type ImportHoldingUsecase struct {
	idempotent repository.IdempotencyStore
	orch       *pipeline.Orchestrator[domain.ImportContext]
	clock      clock.Clock
	logger     *zap.Logger
}

// NewImportHoldingUsecase creates the import usecase. The pipeline loads the
// holding snapshot, then runs reconcile.
func NewImportHoldingUsecase(
	idempotent repository.IdempotencyStore,
	load pipeline.Step[domain.ImportContext],
	reconcile pipeline.Step[domain.ImportContext],
	clk clock.Clock,
	tracer trace.Tracer,
	logger *zap.Logger,
) *ImportHoldingUsecase {
	if clk == nil {
		clk = clock.Real{}
	}
	steps := []pipeline.Step[domain.ImportContext]{load, reconcile}
	return &ImportHoldingUsecase{
		idempotent: idempotent,
		orch:       pipeline.NewOrchestrator("holding-import", steps, tracer, logger),
		clock:      clk,
		logger:     logger,
	}
}

// Execute processes a single message: idempotency check, snapshot load,
// reconciliation. Returns (isDuplicate, error). On failure the idempotency
// mark is cleared so a redelivery is processed again.
func (uc *ImportHoldingUsecase) Execute(ctx context.Context, msg *domain.ChangeMessage) (bool, error) {
	messageID := msg.MessageID.String()
	log := uc.logger.With(
		zap.String("message_id", messageID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("source", string(msg.Source)),
		zap.String("identifier", msg.Identifier),
	)

	acquired, err := uc.idempotent.MarkProcessing(ctx, messageID)
	if err != nil {
		log.Error("Failed to mark message as processing", zap.Error(err))
		return false, err
	}
	if !acquired {
		log.Info("Duplicate message detected, skipping")
		metrics.ImportsTotal.WithLabelValues(string(msg.Source), "duplicate").Inc()
		return true, nil
	}

	start := time.Now()
	ic := &domain.ImportContext{
		CorrelationID: msg.CorrelationID,
		Message:       msg,
		CurrentTime:   uc.clock.Now(),
		Results:       make(map[string]domain.ReconcileSummary),
	}
	err = uc.orch.Execute(ctx, ic)
	metrics.ImportDuration.WithLabelValues(string(msg.Source)).Observe(time.Since(start).Seconds())

	if err != nil {
		if ferr := uc.idempotent.Forget(context.WithoutCancel(ctx), messageID); ferr != nil {
			log.Warn("Failed to clear idempotency mark", zap.Error(ferr))
		}
		kind := domain.KindOf(err)
		metrics.ImportsTotal.WithLabelValues(string(msg.Source), "failed").Inc()
		log.Error("Holding import failed",
			zap.String("kind", kind.String()),
			zap.Bool("retryable", kind.Retryable()),
			zap.Error(err),
		)
		return false, err
	}

	metrics.ImportsTotal.WithLabelValues(string(msg.Source), "success").Inc()
	log.Info("Holding imported", zap.Duration("elapsed", time.Since(start)))
	return false, nil
}
