package mock

import (
	"context"
	"sync"
	"time"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

// ---- LockStore mock ----

var _ repository.LockStore = (*LockStore)(nil)

// LockStore is a test double for repository.LockStore.
type LockStore struct {
	mu sync.Mutex

	AcquireFn func(ctx context.Context, lease domain.Lease, now time.Time) error
	ExtendFn  func(ctx context.Context, name, owner string, expiresAt time.Time) (bool, error)
	DeleteFn  func(ctx context.Context, name, owner string) error

	// Recorded calls for assertions.
	AcquireCalls []domain.Lease
	ExtendCalls  []ExtendCall
	DeleteCalls  []DeleteCall
}

type ExtendCall struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

type DeleteCall struct {
	Name  string
	Owner string
}

func (m *LockStore) Acquire(ctx context.Context, lease domain.Lease, now time.Time) error {
	m.mu.Lock()
	m.AcquireCalls = append(m.AcquireCalls, lease)
	m.mu.Unlock()
	if m.AcquireFn != nil {
		return m.AcquireFn(ctx, lease, now)
	}
	return nil
}

func (m *LockStore) Extend(ctx context.Context, name, owner string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	m.ExtendCalls = append(m.ExtendCalls, ExtendCall{Name: name, Owner: owner, ExpiresAt: expiresAt})
	m.mu.Unlock()
	if m.ExtendFn != nil {
		return m.ExtendFn(ctx, name, owner, expiresAt)
	}
	return true, nil
}

func (m *LockStore) Delete(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, DeleteCall{Name: name, Owner: owner})
	m.mu.Unlock()
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, name, owner)
	}
	return nil
}

// Deletes returns a snapshot of the recorded Delete calls.
func (m *LockStore) Deletes() []DeleteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeleteCall(nil), m.DeleteCalls...)
}

// ---- IdempotencyStore mock ----

var _ repository.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore is a test double for repository.IdempotencyStore.
type IdempotencyStore struct {
	mu sync.Mutex

	MarkProcessingFn func(ctx context.Context, id string) (bool, error)
	ForgetFn         func(ctx context.Context, id string) error

	MarkCalls   []string
	ForgetCalls []string
}

func (m *IdempotencyStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	m.MarkCalls = append(m.MarkCalls, id)
	m.mu.Unlock()
	if m.MarkProcessingFn != nil {
		return m.MarkProcessingFn(ctx, id)
	}
	return true, nil // default: first delivery
}

func (m *IdempotencyStore) Forget(ctx context.Context, id string) error {
	m.mu.Lock()
	m.ForgetCalls = append(m.ForgetCalls, id)
	m.mu.Unlock()
	if m.ForgetFn != nil {
		return m.ForgetFn(ctx, id)
	}
	return nil
}

// Forgotten returns a snapshot of the recorded Forget calls.
func (m *IdempotencyStore) Forgotten() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ForgetCalls...)
}
