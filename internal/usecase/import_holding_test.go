package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/clock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/reconcile"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository/memory"
	repomock "github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository/mock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/usecase"
)

type snapshotFunc func(ctx context.Context, src domain.Source, id string) (*domain.Snapshot, error)

func (f snapshotFunc) GetSnapshot(ctx context.Context, src domain.Source, id string) (*domain.Snapshot, error) {
	return f(ctx, src, id)
}

func holdingSnapshot(_ context.Context, _ domain.Source, id string) (*domain.Snapshot, error) {
	return &domain.Snapshot{
		HoldingNumber: id,
		Sites:         []*domain.Site{{LocationName: "Main", SpeciesCode: "CTT"}},
		Parties:       []*domain.Party{{PartyID: "C100"}},
		Roles:         []*domain.RoleRelationship{{PartyID: "C100", RoleCode: "KEEPER", SpeciesCode: "CTT"}},
	}, nil
}

type importHarness struct {
	idem  *repomock.IdempotencyStore
	sites *memory.DocumentStore[*domain.Site]
	roles *memory.DocumentStore[*domain.RoleRelationship]
	uc    *usecase.ImportHoldingUsecase
}

func newImportHarness(sources map[domain.Source]usecase.SnapshotSource) *importHarness {
	h := &importHarness{
		idem:  &repomock.IdempotencyStore{},
		sites: memory.NewDocumentStore("sites", func() *domain.Site { return &domain.Site{} }),
		roles: memory.NewDocumentStore("roles", func() *domain.RoleRelationship { return &domain.RoleRelationship{} }),
	}
	stores := reconcile.Stores{
		Sites:      h.sites,
		Parties:    memory.NewDocumentStore("parties", func() *domain.Party { return &domain.Party{} }),
		Herds:      memory.NewDocumentStore("herds", func() *domain.Herd { return &domain.Herd{} }),
		Roles:      h.roles,
		GroupMarks: memory.NewDocumentStore("group_marks", func() *domain.GroupMarkRelationship { return &domain.GroupMarkRelationship{} }),
	}
	h.uc = usecase.NewImportHoldingUsecase(
		h.idem,
		usecase.NewLoadSnapshotStep(sources),
		reconcile.NewStep(stores, nil, nil, zap.NewNop()),
		clock.NewManual(start),
		nil,
		zap.NewNop(),
	)
	return h
}

func changeMessage(src domain.Source) *domain.ChangeMessage {
	return &domain.ChangeMessage{
		MessageID:     uuid.New(),
		CorrelationID: "run-1",
		Source:        src,
		EntityType:    "holdings",
		MessageType:   "SamHoldingImport",
		Identifier:    "12/345/0001",
		CreatedAt:     start,
	}
}

// Test: a first delivery loads the snapshot and reconciles it.
func TestImportHolding_Success(t *testing.T) {
	h := newImportHarness(map[domain.Source]usecase.SnapshotSource{domain.SourceSAM: snapshotFunc(holdingSnapshot)})
	msg := changeMessage(domain.SourceSAM)

	isDup, err := h.uc.Execute(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, isDup)

	assert.Equal(t, []string{msg.MessageID.String()}, h.idem.MarkCalls)
	assert.Empty(t, h.idem.Forgotten())

	sites, err := h.sites.FindByScanKey(context.Background(), "12/345/0001")
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, start, sites[0].LastUpdated)

	roles, err := h.roles.FindByScanKey(context.Background(), "12/345/0001")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, sites[0].ID, roles[0].SiteRef)
}

// Test: a redelivered message is skipped.
func TestImportHolding_Duplicate(t *testing.T) {
	called := false
	h := newImportHarness(map[domain.Source]usecase.SnapshotSource{
		domain.SourceSAM: snapshotFunc(func(ctx context.Context, src domain.Source, id string) (*domain.Snapshot, error) {
			called = true
			return holdingSnapshot(ctx, src, id)
		}),
	})
	h.idem.MarkProcessingFn = func(context.Context, string) (bool, error) { return false, nil }

	isDup, err := h.uc.Execute(context.Background(), changeMessage(domain.SourceSAM))
	require.NoError(t, err)
	assert.True(t, isDup)
	assert.False(t, called)
}

// Test: an idempotency store failure stops processing before any work.
func TestImportHolding_IdempotencyFailure(t *testing.T) {
	h := newImportHarness(map[domain.Source]usecase.SnapshotSource{domain.SourceSAM: snapshotFunc(holdingSnapshot)})
	h.idem.MarkProcessingFn = func(context.Context, string) (bool, error) { return false, errors.New("redis down") }

	_, err := h.uc.Execute(context.Background(), changeMessage(domain.SourceSAM))
	require.Error(t, err)
	assert.Zero(t, h.sites.Len())
}

// Test: a failed import clears the idempotency mark and keeps the error kind.
func TestImportHolding_FailureForgetsMark(t *testing.T) {
	h := newImportHarness(map[domain.Source]usecase.SnapshotSource{
		domain.SourceSAM: snapshotFunc(func(context.Context, domain.Source, string) (*domain.Snapshot, error) {
			return nil, domain.Wrap(domain.KindTransientSource, "source.get", errors.New("503"))
		}),
	})
	msg := changeMessage(domain.SourceSAM)

	isDup, err := h.uc.Execute(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, isDup)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, []string{msg.MessageID.String()}, h.idem.Forgotten())
	assert.Zero(t, h.sites.Len())
}

// Test: a message from an unconfigured source is a permanent failure.
func TestImportHolding_UnknownSource(t *testing.T) {
	h := newImportHarness(map[domain.Source]usecase.SnapshotSource{domain.SourceSAM: snapshotFunc(holdingSnapshot)})

	_, err := h.uc.Execute(context.Background(), changeMessage(domain.SourceCTS))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownSource)
	assert.Equal(t, domain.KindPermanentSource, domain.KindOf(err))
	assert.False(t, domain.IsRetryable(err))
}

// Test: importing the same holding twice converges without new inserts.
func TestImportHolding_Converges(t *testing.T) {
	h := newImportHarness(map[domain.Source]usecase.SnapshotSource{domain.SourceSAM: snapshotFunc(holdingSnapshot)})

	_, err := h.uc.Execute(context.Background(), changeMessage(domain.SourceSAM))
	require.NoError(t, err)
	_, err = h.uc.Execute(context.Background(), changeMessage(domain.SourceSAM))
	require.NoError(t, err)

	assert.Equal(t, 1, h.sites.Len())
	assert.Equal(t, 1, h.sites.Inserts)
	assert.Equal(t, 1, h.sites.Updates)
	assert.Equal(t, 1, h.roles.Len())
}
