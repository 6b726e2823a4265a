package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/metrics"
)

const defaultReleaseTimeout = 5 * time.Second

// HoldOptions controls renewal while a lease is held.
// Zero values derive from the lease's remaining lifetime: Extension defaults to
// it and RenewInterval to a quarter of Extension.
type HoldOptions struct {
	RenewInterval  time.Duration
	Extension      time.Duration
	ReleaseTimeout time.Duration
}

func (m *Manager) resolve(lease *domain.Lease, opts HoldOptions) (HoldOptions, error) {
	if opts.Extension <= 0 {
		opts.Extension = lease.ExpiresAt.Sub(m.clock.Now())
	}
	if opts.Extension <= 0 {
		return opts, fmt.Errorf("%w: lease %s already expired", domain.ErrInvalidLease, lease.Name)
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = opts.Extension / 4
	}
	if opts.RenewInterval >= opts.Extension {
		return opts, fmt.Errorf("%w: renew interval %s must be shorter than extension %s",
			domain.ErrInvalidLease, opts.RenewInterval, opts.Extension)
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = defaultReleaseTimeout
	}
	return opts, nil
}

// KeepAlive renews lease every interval until ctx is done. If a renewal fails
// while ctx is still live it calls cancel with domain.ErrLeaseLost and returns
// domain.ErrLeaseLost. Cancellation of ctx is a clean exit.
func (m *Manager) KeepAlive(
	ctx context.Context,
	lease *domain.Lease,
	interval, extension time.Duration,
	cancel context.CancelCauseFunc,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(interval):
		}

		if m.Renew(ctx, lease, extension) {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		m.logger.Error("Lease lost, cancelling protected operation",
			zap.String("lock", lease.Name),
			zap.String("owner", lease.Owner),
		)
		metrics.LeaseLost.WithLabelValues(lease.Name).Inc()
		cancel(domain.ErrLeaseLost)
		return domain.ErrLeaseLost
	}
}

// Hold runs fn while keeping lease alive. On every exit path, including a
// panic in fn, the renewal loop is stopped and the lease released before Hold
// returns or re-panics. If the lease was lost the returned error wraps
// domain.ErrLeaseLost.
func (m *Manager) Hold(ctx context.Context, lease *domain.Lease, opts HoldOptions, fn func(ctx context.Context) error) (err error) {
	opts, err = m.resolve(lease, opts)
	if err != nil {
		m.Release(context.WithoutCancel(ctx), lease)
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	keepErrCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepErrCh <- m.KeepAlive(runCtx, lease, opts.RenewInterval, opts.Extension, cancel)
	}()

	defer func() {
		r := recover()

		cancel(context.Canceled)
		wg.Wait()
		keepErr := <-keepErrCh

		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ReleaseTimeout)
		m.Release(releaseCtx, lease)
		releaseCancel()

		if r != nil {
			panic(r)
		}
		if errors.Is(keepErr, domain.ErrLeaseLost) {
			err = leaseLostError(lease.Name, err)
		}
	}()

	return fn(runCtx)
}

// WithLease acquires name, then holds it for fn. It reports acquired=false
// without calling fn when the lock is busy.
func (m *Manager) WithLease(
	ctx context.Context,
	name string,
	duration time.Duration,
	opts HoldOptions,
	fn func(ctx context.Context) error,
) (acquired bool, err error) {
	lease, err := m.TryAcquire(ctx, name, duration)
	if err != nil || lease == nil {
		return false, err
	}
	return true, m.Hold(ctx, lease, opts, fn)
}

func leaseLostError(name string, cause error) error {
	if cause == nil || errors.Is(cause, domain.ErrLeaseLost) {
		return domain.Wrap(domain.KindLeaseLost, "lock "+name, domain.ErrLeaseLost)
	}
	return domain.Wrap(domain.KindLeaseLost, "lock "+name, errors.Join(domain.ErrLeaseLost, cause))
}
