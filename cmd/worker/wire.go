package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/archive"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/broker"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/clock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/config"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/lock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/publisher"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/reconcile"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository/memory"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository/postgres"
	redisrepo "github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository/redis"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/scan"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/source"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/telemetry"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/usecase"
)

// app holds the long-lived dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *pgxpool.Pool
	redis     *goredis.Client
	publisher publisher.Publisher
	sink      archive.Sink
	telemetry *telemetry.Provider
	tracer    trace.Tracer
	locks     *lock.Manager
	sources   map[domain.Source]*source.Client
	tasks     *usecase.ScanTasks

	closers []func() error
}

// newApp connects to every backing service and builds the scan tasks. ctx
// bounds the detached scan runs and is cancelled on shutdown.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.telemetry, err = telemetry.NewProvider(ctx, telemetry.Config{
		Endpoint:     cfg.Telemetry.Endpoint,
		Insecure:     cfg.Telemetry.Insecure,
		SamplingRate: cfg.Telemetry.SamplingRate,
		ServiceName:  cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.tracer = a.telemetry.Tracer()
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.telemetry.Shutdown(shutdownCtx)
	})

	// Connect to PostgreSQL
	a.db, err = postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.db.Close(); return nil })
	if err := postgres.Migrate(ctx, a.db); err != nil {
		return nil, err
	}
	logger.Info("Connected to PostgreSQL")

	// Connect to Redis
	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	a.redis = goredis.NewClient(redisOpts)
	a.closers = append(a.closers, a.redis.Close)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Connected to Redis")

	lockStore, err := a.lockStore()
	if err != nil {
		return nil, err
	}
	a.locks = lock.NewManager(lockStore, logger)

	a.publisher, err = publisher.NewRabbitMQPublisher(cfg.RabbitMQ.URL, broker.DefaultTopology(), logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.publisher.Close)
	logger.Info("Connected to RabbitMQ")

	a.sink, err = archive.Open(ctx, cfg.Archive.BucketURL, cfg.Archive.Prefix, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.sink.Close)

	a.sources = map[domain.Source]*source.Client{}
	for src, baseURL := range map[domain.Source]string{
		domain.SourceSAM: cfg.Sources.SAMBaseURL,
		domain.SourceCTS: cfg.Sources.CTSBaseURL,
	} {
		if baseURL == "" {
			logger.Warn("Source not configured, skipping", zap.String("source", string(src)))
			continue
		}
		client, err := source.NewClient(baseURL, cfg.Sources.APIKey, cfg.Sources.Timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src, err)
		}
		a.sources[src] = client
	}

	if err := a.buildScanTasks(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) lockStore() (repository.LockStore, error) {
	switch a.cfg.Lock.Backend {
	case config.LockBackendPostgres:
		return postgres.NewPostgresLockStore(a.db), nil
	case config.LockBackendRedis:
		return redisrepo.NewRedisLockStore(a.redis), nil
	case config.LockBackendMemory:
		a.logger.Warn("Using in-process lock store, scans are not exclusive across replicas")
		return memory.NewLockStore(), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", a.cfg.Lock.Backend)
}

func (a *app) buildScanTasks(ctx context.Context) error {
	var tasks []*usecase.ScanTask
	for _, src := range []domain.Source{domain.SourceSAM, domain.SourceCTS} {
		client, ok := a.sources[src]
		if !ok {
			continue
		}
		engine := scan.NewEngine(client, a.publisher, a.sink, clock.Real{}, a.cfg.Scan.PageDelay, a.tracer, a.logger)
		for _, mode := range []domain.ScanMode{domain.ModeBulk, domain.ModeDaily} {
			task, err := usecase.NewScanTask(ctx, usecase.ScanTaskConfig{
				Source:        src,
				Mode:          mode,
				PageSize:      a.cfg.Scan.PageSize,
				DailyLookback: a.cfg.Scan.DailyLookback,
				LockDuration:  a.cfg.Lock.Duration,
				Hold:          lock.HoldOptions{RenewInterval: a.cfg.Lock.RenewInterval},
			}, a.locks, engine, clock.Real{}, a.tracer, a.logger)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
	}
	a.tasks = usecase.NewScanTasks(tasks...)
	return nil
}

// importUsecase builds the holding import pipeline backed by PostgreSQL.
func (a *app) importUsecase() (*usecase.ImportHoldingUsecase, error) {
	stores, err := postgresStores(a.db)
	if err != nil {
		return nil, err
	}

	snapshots := make(map[domain.Source]usecase.SnapshotSource, len(a.sources))
	for src, client := range a.sources {
		snapshots[src] = client
	}

	idempotency := redisrepo.NewRedisIdempotencyStore(a.redis, a.cfg.Redis.IdempotencyTTL)
	return usecase.NewImportHoldingUsecase(
		idempotency,
		usecase.NewLoadSnapshotStep(snapshots),
		reconcile.NewStep(stores, reconcile.NewID, a.tracer, a.logger),
		clock.Real{},
		a.tracer,
		a.logger,
	), nil
}

func postgresStores(db *pgxpool.Pool) (reconcile.Stores, error) {
	var s reconcile.Stores
	var errs [5]error
	s.Sites, errs[0] = postgres.NewPostgresDocumentStore(db, postgres.CollectionSites, func() *domain.Site { return &domain.Site{} })
	s.Parties, errs[1] = postgres.NewPostgresDocumentStore(db, postgres.CollectionParties, func() *domain.Party { return &domain.Party{} })
	s.Herds, errs[2] = postgres.NewPostgresDocumentStore(db, postgres.CollectionHerds, func() *domain.Herd { return &domain.Herd{} })
	s.Roles, errs[3] = postgres.NewPostgresDocumentStore(db, postgres.CollectionRoles,
		func() *domain.RoleRelationship { return &domain.RoleRelationship{} })
	s.GroupMarks, errs[4] = postgres.NewPostgresDocumentStore(db, postgres.CollectionGroupMarks,
		func() *domain.GroupMarkRelationship { return &domain.GroupMarkRelationship{} })
	return s, errors.Join(errs[:]...)
}

// Close releases every connection in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
