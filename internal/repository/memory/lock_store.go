// Package memory provides in-process stores with the same semantics as the
// Postgres stores. They back single-replica runs and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

var _ repository.LockStore = (*LockStore)(nil)

// LockStore keeps leases in a map guarded by a mutex.
type LockStore struct {
	mu     sync.Mutex
	leases map[string]domain.Lease
}

func NewLockStore() *LockStore {
	return &LockStore{leases: make(map[string]domain.Lease)}
}

func (s *LockStore) Acquire(_ context.Context, lease domain.Lease, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[lease.Name]; ok && cur.ExpiresAt.After(now) {
		return repository.ErrDuplicateKey
	}
	s.leases[lease.Name] = lease
	return nil
}

func (s *LockStore) Extend(_ context.Context, name, owner string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[name]
	if !ok || cur.Owner != owner {
		return false, nil
	}
	cur.ExpiresAt = expiresAt
	s.leases[name] = cur
	return true, nil
}

func (s *LockStore) Delete(_ context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[name]; ok && cur.Owner == owner {
		delete(s.leases, name)
	}
	return nil
}

// Get returns the stored lease for name.
func (s *LockStore) Get(name string) (domain.Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	return l, ok
}

// Steal overwrites the lease for name regardless of expiry.
func (s *LockStore) Steal(lease domain.Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[lease.Name] = lease
}
