// Package lock implements lease-based mutual exclusion across worker replicas.
//
// A Manager hands out leases backed by a repository.LockStore. Hold runs a
// function under a lease, renewing it in the background and cancelling the
// function's context with domain.ErrLeaseLost if a renewal fails.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/clock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/metrics"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

// Manager acquires, renews and releases leases.
type Manager struct {
	store    repository.LockStore
	clock    clock.Clock
	logger   *zap.Logger
	newOwner func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used for expiry calculations.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithOwnerFunc overrides how owner tokens are generated.
func WithOwnerFunc(f func() string) Option {
	return func(m *Manager) {
		m.newOwner = f
	}
}

// NewManager creates a Manager. Each acquisition gets a fresh owner token
// prefixed with the host name.
func NewManager(store repository.LockStore, logger *zap.Logger, opts ...Option) *Manager {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	m := &Manager{
		store:  store,
		clock:  clock.Real{},
		logger: logger,
		newOwner: func() string {
			return host + "/" + uuid.NewString()
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire attempts to take the lease for name. It returns a nil lease and a
// nil error when another owner holds an unexpired lease.
func (m *Manager) TryAcquire(ctx context.Context, name string, duration time.Duration) (*domain.Lease, error) {
	if name == "" || duration <= 0 {
		return nil, fmt.Errorf("%w: name=%q duration=%s", domain.ErrInvalidLease, name, duration)
	}

	now := m.clock.Now()
	lease := domain.Lease{
		Name:      name,
		Owner:     m.newOwner(),
		ExpiresAt: now.Add(duration),
	}

	err := m.store.Acquire(ctx, lease, now)
	if errors.Is(err, repository.ErrDuplicateKey) {
		m.logger.Info("Lock held by another owner, skipping", zap.String("lock", name))
		metrics.LockBusy.WithLabelValues(name).Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", name, err)
	}

	m.logger.Info("Lock acquired",
		zap.String("lock", name),
		zap.String("owner", lease.Owner),
		zap.Time("expires_at", lease.ExpiresAt),
	)
	return &lease, nil
}

// Renew pushes the lease expiry to now+extension. It returns false when the
// lease is no longer owned or the store fails; it never returns an error.
// On success lease.ExpiresAt is updated.
func (m *Manager) Renew(ctx context.Context, lease *domain.Lease, extension time.Duration) bool {
	if lease == nil || extension <= 0 {
		return false
	}

	expiresAt := m.clock.Now().Add(extension)
	if !expiresAt.After(lease.ExpiresAt) {
		// Never shorten a lease.
		expiresAt = lease.ExpiresAt.Add(time.Millisecond)
	}

	ok, err := m.store.Extend(ctx, lease.Name, lease.Owner, expiresAt)
	if err != nil {
		m.logger.Warn("Lease renewal failed",
			zap.String("lock", lease.Name),
			zap.String("owner", lease.Owner),
			zap.Error(err),
		)
		return false
	}
	if !ok {
		m.logger.Warn("Lease no longer owned",
			zap.String("lock", lease.Name),
			zap.String("owner", lease.Owner),
		)
		return false
	}

	lease.ExpiresAt = expiresAt
	m.logger.Debug("Lease renewed",
		zap.String("lock", lease.Name),
		zap.Time("expires_at", expiresAt),
	)
	return true
}

// Release deletes the lease if still owned. Store errors are logged and
// swallowed; the lease then expires on its own.
func (m *Manager) Release(ctx context.Context, lease *domain.Lease) {
	if lease == nil {
		return
	}
	if err := m.store.Delete(ctx, lease.Name, lease.Owner); err != nil {
		m.logger.Warn("Failed to release lock, leaving it to expire",
			zap.String("lock", lease.Name),
			zap.String("owner", lease.Owner),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("Lock released", zap.String("lock", lease.Name), zap.String("owner", lease.Owner))
}
