package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/broker"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/config"
	amqpdelivery "github.com/DEFRA/ls-keeper-data-api-sub001/internal/delivery/amqp"
	httpdelivery "github.com/DEFRA/ls-keeper-data-api-sub001/internal/delivery/http"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/pool"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/publisher"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keeper-worker",
		Short:         "Scans livestock registries and reconciles holdings into the keeper data store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newScanCmd())
	return root
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Log.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// setup loads configuration and a logger for a command.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the import consumer, the scan scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <source> <mode>",
		Short: "Run one scan in the foreground and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := domain.ParseSource(args[0])
			if err != nil {
				return err
			}
			mode, err := domain.ParseScanMode(args[1])
			if err != nil {
				return err
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error("Failed to initialise", zap.Error(err))
				return err
			}
			defer a.Close()

			task, err := a.tasks.Get(src, mode)
			if err != nil {
				return err
			}
			return task.Run(ctx)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting keeper data worker")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise", zap.Error(err))
		return err
	}
	defer a.Close()

	importUC, err := a.importUsecase()
	if err != nil {
		return err
	}

	// Create buffered delivery channel
	deliveries := make(chan *domain.Delivery, cfg.Worker.PoolSize*2)

	prefetch := cfg.RabbitMQ.Prefetch
	if prefetch <= 0 {
		prefetch = cfg.Worker.PoolSize
	}
	consumer, err := amqpdelivery.NewConsumer(cfg.RabbitMQ.URL, broker.DefaultTopology(), prefetch, deliveries, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	// Start worker pool
	workerPool := pool.NewWorkerPool(cfg.Worker.PoolSize, deliveries, importUC, logger)
	workerPool.Start(ctx)

	// Start AMQP consumer in a goroutine
	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.Error("AMQP consumer error", zap.Error(err))
			cancel()
		}
	}()

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		sched = newScheduler(cfg, a, logger)
		go func() {
			if err := sched.Start(ctx); err != nil {
				logger.Error("Scheduler error", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           newRouter(cfg, a, consumer, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.API.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down worker...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Cancelling ctx aborts in-flight scans; their leases are released on the way out.
	cancel()
	if sched != nil {
		_ = sched.Stop()
	}
	a.tasks.Wait()

	// Wait for workers to finish in-flight imports
	workerPool.Stop()

	logger.Info("Worker stopped")
	return nil
}

func newScheduler(cfg *config.Config, a *app, logger *zap.Logger) *scheduler.Scheduler {
	var jobs []scheduler.Job
	for _, task := range a.tasks.All() {
		interval := cfg.Schedule.DailyInterval
		if task.Mode() == domain.ModeBulk {
			interval = cfg.Schedule.BulkInterval
		}
		jobs = append(jobs, scheduler.Job{Runner: task, Interval: interval})
	}
	return scheduler.New(jobs, logger,
		scheduler.WithJitter(cfg.Schedule.Jitter),
		scheduler.WithRunOnStart(cfg.Schedule.RunOnStart),
	)
}

func newRouter(cfg *config.Config, a *app, consumer *amqpdelivery.Consumer, logger *zap.Logger) *gin.Engine {
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	checkers := map[string]httpdelivery.Checker{
		"postgres": a.db.Ping,
		"redis":    func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		"consumer": func(context.Context) error {
			if !consumer.Healthy() {
				return errors.New("not connected")
			}
			return nil
		},
	}
	if hr, ok := a.publisher.(publisher.HealthReporter); ok {
		checkers["publisher"] = func(context.Context) error {
			if !hr.Healthy() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	return httpdelivery.NewRouter(httpdelivery.TaskRegistry{Tasks: a.tasks}, checkers, logger, cfg.API.RateLimitPerMin)
}
