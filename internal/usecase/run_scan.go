package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/clock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/lock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/metrics"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/pipeline"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/scan"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/telemetry"
)

// ScanTaskConfig configures one (source, mode) scan.
type ScanTaskConfig struct {
	Source        domain.Source
	Mode          domain.ScanMode
	PageSize      int
	DailyLookback time.Duration
	LockDuration  time.Duration
	Hold          lock.HoldOptions
}

// ScanTask runs the scan pipeline of one source and mode under a named lease.
// At most one replica runs a given task at a time.
type ScanTask struct {
	cfg    ScanTaskConfig
	locks  *lock.Manager
	orch   *pipeline.Orchestrator[domain.ScanContext]
	clock  clock.Clock
	tracer trace.Tracer
	logger *zap.Logger

	// base bounds detached runs; it is cancelled on host shutdown.
	base context.Context
	wg   sync.WaitGroup
}

// NewScanTask creates a scan task. base is the host lifetime context that
// detached runs started with Start inherit cancellation from.
func NewScanTask(
	base context.Context,
	cfg ScanTaskConfig,
	locks *lock.Manager,
	engine *scan.Engine,
	clk clock.Clock,
	tracer trace.Tracer,
	logger *zap.Logger,
) (*ScanTask, error) {
	def, err := scan.Definition(cfg.Source)
	if err != nil {
		return nil, err
	}
	if _, err := domain.ParseScanMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("scan task: page size must be positive, got %d", cfg.PageSize)
	}
	if cfg.LockDuration <= 0 {
		return nil, fmt.Errorf("scan task: lock duration must be positive, got %s", cfg.LockDuration)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if base == nil {
		base = context.Background()
	}

	t := &ScanTask{
		cfg:    cfg,
		locks:  locks,
		clock:  clk,
		tracer: tracer,
		logger: logger.With(zap.String("source", string(cfg.Source)), zap.String("mode", string(cfg.Mode))),
		base:   base,
	}
	t.orch = pipeline.NewOrchestrator(t.LockName(), scan.Steps(engine, def), tracer, t.logger)
	return t, nil
}

// LockName is the lease name shared by every replica running this task.
func (t *ScanTask) LockName() string {
	return fmt.Sprintf("%s-%s-scan", t.cfg.Source, t.cfg.Mode)
}

// Source returns the scanned source.
func (t *ScanTask) Source() domain.Source { return t.cfg.Source }

// Mode returns the scan mode.
func (t *ScanTask) Mode() domain.ScanMode { return t.cfg.Mode }

// Start acquires the lease and runs the scan in the background. It returns
// started=false without error when another replica holds the lease. The run
// is cancelled when ctx or the host context ends; its outcome is only
// reported through logs and metrics.
func (t *ScanTask) Start(ctx context.Context) (runID string, started bool, err error) {
	lease, err := t.locks.TryAcquire(ctx, t.LockName(), t.cfg.LockDuration)
	if err != nil {
		return "", false, fmt.Errorf("scan task %s: acquire: %w", t.LockName(), err)
	}
	if lease == nil {
		t.logger.Info("Scan already running elsewhere, skipping", zap.String("lock", t.LockName()))
		return "", false, nil
	}

	runID = newRunID()
	runCtx, cancel := context.WithCancelCause(t.base)
	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel(nil)
		defer stop()
		_ = t.execute(runCtx, lease, runID, true)
	}()

	return runID, true, nil
}

// Run acquires the lease and runs the scan to completion. It is a silent
// no-op returning nil when another replica holds the lease.
func (t *ScanTask) Run(ctx context.Context) error {
	lease, err := t.locks.TryAcquire(ctx, t.LockName(), t.cfg.LockDuration)
	if err != nil {
		return fmt.Errorf("scan task %s: acquire: %w", t.LockName(), err)
	}
	if lease == nil {
		t.logger.Info("Scan already running elsewhere, skipping", zap.String("lock", t.LockName()))
		return nil
	}
	return t.execute(ctx, lease, newRunID(), false)
}

// Wait blocks until every run started with Start has finished.
func (t *ScanTask) Wait() {
	t.wg.Wait()
}

// execute runs the pipeline under lease and reports the outcome. A detached
// run has no caller to re-panic to, so a panic becomes a failed run.
func (t *ScanTask) execute(ctx context.Context, lease *domain.Lease, runID string, detached bool) error {
	ctx, span := telemetry.StartSpan(ctx, t.tracer, "scan.run",
		trace.WithAttributes(
			telemetry.AttrCorrelationID.String(runID),
			telemetry.AttrSource.String(string(t.cfg.Source)),
		),
	)
	defer span.End()

	start := t.clock.Now()
	sc := t.newScanContext(runID, start)

	t.logger.Info("Scan started",
		zap.String("correlation_id", runID),
		zap.Int("page_size", sc.PageSize),
		zap.Timep("updated_since", sc.UpdatedSince),
	)

	var err error
	if detached {
		err = t.holdRecovering(ctx, lease, sc)
	} else {
		err = t.hold(ctx, lease, sc)
	}
	telemetry.RecordError(span, err)
	t.report(sc, start, err)
	return err
}

func (t *ScanTask) hold(ctx context.Context, lease *domain.Lease, sc *domain.ScanContext) error {
	return t.locks.Hold(ctx, lease, t.cfg.Hold, func(ctx context.Context) error {
		return t.orch.Execute(ctx, sc)
	})
}

// holdRecovering is hold for background runs. Hold has already released the
// lease by the time its panic reaches the recover.
func (t *ScanTask) holdRecovering(ctx context.Context, lease *domain.Lease, sc *domain.ScanContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Scan panic recovered",
				zap.String("correlation_id", sc.CorrelationID),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("scan task %s: panic: %v", t.LockName(), r)
		}
	}()
	return t.hold(ctx, lease, sc)
}

func (t *ScanTask) newScanContext(runID string, now time.Time) *domain.ScanContext {
	var since *time.Time
	if t.cfg.Mode == domain.ModeDaily {
		s := now.Add(-t.cfg.DailyLookback)
		since = &s
	}
	return domain.NewScanContext(runID, t.cfg.Source, t.cfg.Mode, now, since, t.cfg.PageSize)
}

func (t *ScanTask) report(sc *domain.ScanContext, start time.Time, err error) {
	source, mode := string(t.cfg.Source), string(t.cfg.Mode)
	elapsed := t.clock.Now().Sub(start)
	metrics.ScanDuration.WithLabelValues(source, mode).Observe(elapsed.Seconds())

	fields := []zap.Field{
		zap.String("correlation_id", sc.CorrelationID),
		zap.Duration("elapsed", elapsed),
	}
	fields = append(fields, cursorFields(sc)...)

	kind := domain.KindOf(err)
	switch {
	case err == nil:
		metrics.ScansTotal.WithLabelValues(source, mode, "success").Inc()
		t.logger.Info("Scan completed", fields...)
	case kind == domain.KindLeaseLost:
		metrics.ScansTotal.WithLabelValues(source, mode, "lease_lost").Inc()
		t.logger.Error("Scan aborted, lease lost", append(fields, zap.Error(err))...)
	case kind == domain.KindCancelled:
		metrics.ScansTotal.WithLabelValues(source, mode, "cancelled").Inc()
		t.logger.Info("Scan cancelled", fields...)
	default:
		metrics.ScansTotal.WithLabelValues(source, mode, "failed").Inc()
		t.logger.Error("Scan failed",
			append(fields,
				zap.String("kind", kind.String()),
				zap.Bool("retryable", kind.Retryable()),
				zap.Error(err),
			)...,
		)
	}
}

func cursorFields(sc *domain.ScanContext) []zap.Field {
	names := make([]string, 0, len(sc.Cursors))
	for name := range sc.Cursors {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]zap.Field, 0, len(names))
	for _, name := range names {
		c := sc.Cursors[name]
		fields = append(fields, zap.String("cursor_"+name,
			fmt.Sprintf("%d/%d complete=%t", c.CurrentSkip, c.TotalCount, c.ScanCompleted)))
	}
	return fields
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ScanTasks indexes scan tasks by source and mode.
type ScanTasks struct {
	tasks map[string]*ScanTask
}

// ErrNoScanTask is returned when no task is configured for a source and mode.
var ErrNoScanTask = errors.New("no scan task configured")

func NewScanTasks(tasks ...*ScanTask) *ScanTasks {
	m := make(map[string]*ScanTask, len(tasks))
	for _, t := range tasks {
		m[t.LockName()] = t
	}
	return &ScanTasks{tasks: m}
}

// Get returns the task for source and mode.
func (s *ScanTasks) Get(source domain.Source, mode domain.ScanMode) (*ScanTask, error) {
	t, ok := s.tasks[fmt.Sprintf("%s-%s-scan", source, mode)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNoScanTask, source, mode)
	}
	return t, nil
}

// All returns the tasks ordered by lock name.
func (s *ScanTasks) All() []*ScanTask {
	out := make([]*ScanTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockName() < out[j].LockName() })
	return out
}

// Wait blocks until every detached run has finished.
func (s *ScanTasks) Wait() {
	for _, t := range s.tasks {
		t.Wait()
	}
}
