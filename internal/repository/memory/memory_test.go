package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository/memory"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestLockStore_AcquireRespectsExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewLockStore()

	require.NoError(t, s.Acquire(ctx, domain.Lease{Name: "scan", Owner: "a", ExpiresAt: t0.Add(time.Minute)}, t0))

	err := s.Acquire(ctx, domain.Lease{Name: "scan", Owner: "b", ExpiresAt: t0.Add(2 * time.Minute)}, t0.Add(30*time.Second))
	assert.ErrorIs(t, err, repository.ErrDuplicateKey)

	require.NoError(t, s.Acquire(ctx, domain.Lease{Name: "scan", Owner: "b", ExpiresAt: t0.Add(3 * time.Minute)}, t0.Add(time.Minute)))
	l, ok := s.Get("scan")
	require.True(t, ok)
	assert.Equal(t, "b", l.Owner)
}

func TestLockStore_ExtendAndDeleteRequireOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewLockStore()
	require.NoError(t, s.Acquire(ctx, domain.Lease{Name: "scan", Owner: "a", ExpiresAt: t0.Add(time.Minute)}, t0))

	ok, err := s.Extend(ctx, "scan", "b", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "scan", "b"))
	_, held := s.Get("scan")
	assert.True(t, held, "non-owner delete must not remove the lease")

	ok, err = s.Extend(ctx, "scan", "a", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "scan", "a"))
	_, held = s.Get("scan")
	assert.False(t, held)
}

func newSites() *memory.DocumentStore[*domain.Site] {
	return memory.NewDocumentStore("sites", func() *domain.Site { return &domain.Site{} })
}

func TestDocumentStore_InsertConflictIsRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSites()

	a := &domain.Site{ID: "1", HoldingNumber: "12/345/6789", LocationName: "Main", SpeciesCode: "CTT"}
	require.NoError(t, s.InsertMany(ctx, []*domain.Site{a}))

	dup := &domain.Site{ID: "2", HoldingNumber: "12/345/6789", LocationName: "main", SpeciesCode: "ctt"}
	err := s.InsertMany(ctx, []*domain.Site{dup})
	require.Error(t, err)
	assert.Equal(t, domain.KindStoreConflict, domain.KindOf(err))
	assert.True(t, domain.IsRetryable(err))
	assert.True(t, errors.Is(err, repository.ErrDuplicateKey))
	assert.Equal(t, 1, s.Len())
}

func TestDocumentStore_FindUpdateDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSites()

	require.NoError(t, s.InsertMany(ctx, []*domain.Site{
		{ID: "1", HoldingNumber: "A", LocationName: "x"},
		{ID: "2", HoldingNumber: "A", LocationName: "y"},
		{ID: "3", HoldingNumber: "B", LocationName: "x"},
	}))

	found, err := s.FindByScanKey(ctx, "A")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "1", found[0].ID)

	require.NoError(t, s.BulkUpdateByKey(ctx, []repository.UpdateOp[*domain.Site]{
		{ID: "1", Document: &domain.Site{ID: "1", HoldingNumber: "A", LocationName: "x", SiteType: "AH"}},
	}))
	found, err = s.FindByScanKey(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "AH", found[0].SiteType)

	n, err := s.DeleteMany(ctx, repository.DeleteFilter{ScanKey: "A", IDs: []string{"2", "3"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "delete is scoped to the scan key")
	assert.Equal(t, 2, s.Len())
}
