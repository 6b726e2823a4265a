// Package scheduler triggers scan tasks on a fixed cadence.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
)

// Runner runs one scan to completion. Runs skipped because another replica
// holds the lock return nil.
type Runner interface {
	Run(ctx context.Context) error
	LockName() string
}

// Job schedules a runner every Interval.
type Job struct {
	Runner   Runner
	Interval time.Duration
}

// RetryPolicy bounds how a failed run with a retryable error is retried
// within the same tick.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy retries a transient failure a few times within minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        4,
		InitialInterval: 30 * time.Second,
		MaxInterval:     5 * time.Minute,
		MaxElapsedTime:  15 * time.Minute,
	}
}

// Scheduler runs each job on its own loop. Each interval is offset by a
// random ±jitter so replicas do not contend for the lock at the same instant.
type Scheduler struct {
	jobs       []Job
	jitter     time.Duration
	retry      RetryPolicy
	runOnStart bool
	logger     *zap.Logger

	// Lifecycle management
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	started    bool
	done       chan struct{}
}

// ErrAlreadyStarted is returned by Start on a scheduler that has already run.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Option configures the scheduler.
type Option func(*Scheduler)

// WithJitter sets the maximum random offset applied to each interval.
func WithJitter(d time.Duration) Option {
	return func(s *Scheduler) {
		s.jitter = d
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Scheduler) {
		s.retry = p
	}
}

// WithRunOnStart runs every job once as soon as the scheduler starts.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) {
		s.runOnStart = enabled
	}
}

// New creates a scheduler. Jobs with a non-positive interval are ignored.
func New(jobs []Job, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		retry:  DefaultRetryPolicy(),
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, j := range jobs {
		if j.Interval > 0 && j.Runner != nil {
			s.jobs = append(s.jobs, j)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs every job loop and blocks until ctx is cancelled or Stop is called.
// A scheduler starts at most once.
func (s *Scheduler) Start(ctx context.Context) error {
	schedCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		cancel()
		return ErrAlreadyStarted
	}
	s.started = true
	s.cancelFunc = cancel
	s.mu.Unlock()

	s.logger.Info("Starting scan scheduler", zap.Int("job_count", len(s.jobs)))
	defer func() {
		cancel()
		close(s.done)
		s.logger.Info("Scan scheduler shut down")
	}()

	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(schedCtx, job)
		}(job)
	}
	wg.Wait()
	return nil
}

// Stop cancels every job loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancelFunc
	s.mu.Unlock()
	if cancel != nil {
		s.logger.Info("Stopping scan scheduler")
		cancel()
		<-s.done
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	log := s.logger.With(zap.String("lock", job.Runner.LockName()))

	if s.runOnStart {
		s.runWithRetry(ctx, job, log)
	}

	interval := s.nextInterval(job.Interval)
	log.Info("Configured scan interval",
		zap.Duration("base_interval", job.Interval),
		zap.Duration("actual_interval", interval),
	)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runWithRetry(ctx, job, log)
			// Recalculate interval with new jitter for next iteration
			timer.Reset(s.nextInterval(job.Interval))
		}
	}
}

// nextInterval returns base offset by a random amount in [-jitter, +jitter).
func (s *Scheduler) nextInterval(base time.Duration) time.Duration {
	if s.jitter <= 0 {
		return base
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for scheduling jitter
	d := base + time.Duration(rand.Int64N(int64(2*s.jitter))) - s.jitter
	if d <= 0 {
		return base
	}
	return d
}

func (s *Scheduler) runWithRetry(ctx context.Context, job Job, log *zap.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("Scheduled scan failed, retrying",
				zap.Error(err),
				zap.Duration("retry_in", next),
			)
		}),
	}
	if s.retry.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(s.retry.MaxTries))
	}
	if s.retry.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(s.retry.MaxElapsedTime))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := job.Runner.Run(ctx)
		if err != nil && !domain.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, opts...)

	if err != nil && ctx.Err() == nil {
		log.Error("Scheduled scan gave up", zap.String("kind", domain.KindOf(err).String()), zap.Error(err))
	}
}
