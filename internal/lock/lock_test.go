package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/clock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/lock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository/memory"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository/mock"
)

var start = time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC)

func newManager(store repository.LockStore, clk clock.Clock) *lock.Manager {
	return lock.NewManager(store, zap.NewNop(), lock.WithClock(clk))
}

// Test: only one of many concurrent acquirers wins while the lease is live.
func TestTryAcquire_MutualExclusion(t *testing.T) {
	store := memory.NewLockStore()
	clk := clock.NewManual(start)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := newManager(store, clk)
			lease, err := m.TryAcquire(context.Background(), "sam-bulk-scan", time.Minute)
			if !assert.NoError(t, err) {
				return
			}
			if lease != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
}

// Test: an expired lease is taken over without an explicit release.
func TestTryAcquire_ExpiryTakeover(t *testing.T) {
	store := memory.NewLockStore()
	clk := clock.NewManual(start)
	first := newManager(store, clk)
	second := newManager(store, clk)
	ctx := context.Background()

	l1, err := first.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l1)

	busy, err := second.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, busy, "lock should be busy before expiry")

	clk.Advance(time.Minute)

	l2, err := second.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l2)
	assert.NotEqual(t, l1.Owner, l2.Owner)

	stored, ok := store.Get("scan")
	require.True(t, ok)
	assert.Equal(t, l2.Owner, stored.Owner)
}

func TestTryAcquire_RejectsInvalidArguments(t *testing.T) {
	m := newManager(memory.NewLockStore(), clock.NewManual(start))

	_, err := m.TryAcquire(context.Background(), "", time.Minute)
	assert.ErrorIs(t, err, domain.ErrInvalidLease)

	_, err = m.TryAcquire(context.Background(), "scan", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidLease)
}

func TestTryAcquire_PropagatesStoreFailure(t *testing.T) {
	boom := errors.New("connection refused")
	store := &mock.LockStore{
		AcquireFn: func(context.Context, domain.Lease, time.Time) error { return boom },
	}
	m := newManager(store, clock.NewManual(start))

	lease, err := m.TryAcquire(context.Background(), "scan", time.Minute)
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, boom)
}

// Test: successive renewals strictly increase expiry; renewal after takeover fails.
func TestRenew_MonotonicAndOwnerChecked(t *testing.T) {
	store := memory.NewLockStore()
	clk := clock.NewManual(start)
	m := newManager(store, clk)
	ctx := context.Background()

	lease, err := m.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	prev := lease.ExpiresAt
	for i := 0; i < 3; i++ {
		clk.Advance(15 * time.Second)
		require.True(t, m.Renew(ctx, lease, time.Minute))
		assert.True(t, lease.ExpiresAt.After(prev), "renewal %d did not extend expiry", i)
		prev = lease.ExpiresAt
	}

	// Back-to-back renewal with no time passing still moves forward.
	require.True(t, m.Renew(ctx, lease, time.Minute))
	assert.True(t, lease.ExpiresAt.After(prev))

	store.Steal(domain.Lease{Name: "scan", Owner: "someone-else", ExpiresAt: start.Add(time.Hour)})
	assert.False(t, m.Renew(ctx, lease, time.Minute))
}

func TestRenew_StoreErrorReturnsFalse(t *testing.T) {
	store := &mock.LockStore{
		ExtendFn: func(context.Context, string, string, time.Time) (bool, error) {
			return false, errors.New("timeout")
		},
	}
	m := newManager(store, clock.NewManual(start))
	lease := &domain.Lease{Name: "scan", Owner: "me", ExpiresAt: start.Add(time.Minute)}

	assert.False(t, m.Renew(context.Background(), lease, time.Minute))
	assert.Equal(t, start.Add(time.Minute), lease.ExpiresAt)
	assert.False(t, m.Renew(context.Background(), lease, 0))
}

func TestRelease_SwallowsStoreErrors(t *testing.T) {
	store := &mock.LockStore{
		DeleteFn: func(context.Context, string, string) error { return errors.New("unavailable") },
	}
	m := newManager(store, clock.NewManual(start))

	m.Release(context.Background(), &domain.Lease{Name: "scan", Owner: "me"})
	m.Release(context.Background(), nil)

	assert.Len(t, store.Deletes(), 1)
}

// Test: a failed renewal cancels the protected work with a lease-lost cause.
func TestHold_LeaseLossCancelsWork(t *testing.T) {
	store := memory.NewLockStore()
	clk := clock.NewManual(start)
	m := newManager(store, clk)
	ctx := context.Background()

	lease, err := m.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	var observedCause error
	done := make(chan error, 1)
	go func() {
		done <- m.Hold(ctx, lease, lock.HoldOptions{RenewInterval: 15 * time.Second, Extension: time.Minute},
			func(ctx context.Context) error {
				<-ctx.Done()
				observedCause = context.Cause(ctx)
				return ctx.Err()
			})
	}()

	require.True(t, clk.WaitForTimers(1, time.Second), "renewal loop never waited")
	store.Steal(domain.Lease{Name: "scan", Owner: "other", ExpiresAt: start.Add(time.Hour)})
	clk.Advance(15 * time.Second)

	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Hold did not return after lease loss")
	}

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
	assert.Equal(t, domain.KindLeaseLost, domain.KindOf(err))
	assert.ErrorIs(t, observedCause, domain.ErrLeaseLost)

	stored, ok := store.Get("scan")
	require.True(t, ok, "release must not delete the new owner's lease")
	assert.Equal(t, "other", stored.Owner)
}

func TestHold_ReleasesOnSuccessAndError(t *testing.T) {
	store := memory.NewLockStore()
	clk := clock.NewManual(start)
	m := newManager(store, clk)
	ctx := context.Background()

	acquired, err := m.WithLease(ctx, "scan", time.Minute, lock.HoldOptions{}, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired)
	_, held := store.Get("scan")
	assert.False(t, held)

	boom := errors.New("step failed")
	acquired, err = m.WithLease(ctx, "scan", time.Minute, lock.HoldOptions{}, func(context.Context) error { return boom })
	assert.True(t, acquired)
	assert.ErrorIs(t, err, boom)
	assert.NotEqual(t, domain.KindLeaseLost, domain.KindOf(err))
	_, held = store.Get("scan")
	assert.False(t, held)
}

func TestHold_ReleasesOnPanic(t *testing.T) {
	store := &mock.LockStore{}
	m := newManager(store, clock.NewManual(start))

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = m.WithLease(context.Background(), "scan", time.Minute, lock.HoldOptions{}, func(context.Context) error {
			panic("boom")
		})
	})
	assert.Len(t, store.Deletes(), 1)
}

func TestHold_CallerCancellationIsNotLeaseLoss(t *testing.T) {
	m := newManager(memory.NewLockStore(), clock.NewManual(start))
	ctx, cancel := context.WithCancel(context.Background())

	acquired, err := m.WithLease(ctx, "scan", time.Minute, lock.HoldOptions{}, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, acquired)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
}

func TestWithLease_BusySkipsWork(t *testing.T) {
	store := memory.NewLockStore()
	clk := clock.NewManual(start)
	holder := newManager(store, clk)
	_, err := holder.TryAcquire(context.Background(), "scan", time.Minute)
	require.NoError(t, err)

	called := false
	acquired, err := newManager(store, clk).WithLease(context.Background(), "scan", time.Minute, lock.HoldOptions{},
		func(context.Context) error {
			called = true
			return nil
		})
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, called)
}

func TestHold_RejectsIntervalNotShorterThanExtension(t *testing.T) {
	store := memory.NewLockStore()
	m := newManager(store, clock.NewManual(start))

	_, err := m.WithLease(context.Background(), "scan", time.Minute,
		lock.HoldOptions{RenewInterval: time.Minute, Extension: time.Minute},
		func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrInvalidLease)
	_, held := store.Get("scan")
	assert.False(t, held)
}
