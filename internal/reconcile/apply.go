package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/metrics"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

// IDFunc generates ids for inserted documents.
type IDFunc func() string

// NewID returns a time-ordered UUID string.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Apply writes diff to store: inserts, then updates, then deletes. Inserted
// documents are given fresh ids and updated documents take their persisted id,
// so after Apply every incoming document carries the id it is stored under.
func Apply[T domain.Document](ctx context.Context, entity string, store repository.DocumentStore[T], scanKey string, diff Diff[T], newID IDFunc) (domain.ReconcileSummary, error) {
	var summary domain.ReconcileSummary
	if newID == nil {
		newID = NewID
	}

	if len(diff.ToInsert) > 0 {
		for _, doc := range diff.ToInsert {
			doc.SetDocID(newID())
		}
		if err := store.InsertMany(ctx, diff.ToInsert); err != nil {
			return summary, fmt.Errorf("reconcile %s: insert: %w", entity, err)
		}
		summary.Inserted = len(diff.ToInsert)
		metrics.ReconcileOperations.WithLabelValues(entity, "insert").Add(float64(summary.Inserted))
	}

	if len(diff.ToUpdate) > 0 {
		ops := make([]repository.UpdateOp[T], len(diff.ToUpdate))
		for i, u := range diff.ToUpdate {
			u.Document.SetDocID(u.PersistedID)
			ops[i] = repository.UpdateOp[T]{ID: u.PersistedID, Document: u.Document}
		}
		if err := store.BulkUpdateByKey(ctx, ops); err != nil {
			return summary, fmt.Errorf("reconcile %s: update: %w", entity, err)
		}
		summary.Updated = len(ops)
		metrics.ReconcileOperations.WithLabelValues(entity, "update").Add(float64(summary.Updated))
	}

	if len(diff.ToDelete) > 0 {
		ids := make([]string, len(diff.ToDelete))
		for i, doc := range diff.ToDelete {
			ids[i] = doc.DocID()
		}
		n, err := store.DeleteMany(ctx, repository.DeleteFilter{ScanKey: scanKey, IDs: ids})
		if err != nil {
			return summary, fmt.Errorf("reconcile %s: delete: %w", entity, err)
		}
		summary.Deleted = int(n)
		metrics.ReconcileOperations.WithLabelValues(entity, "delete").Add(float64(n))
	}

	return summary, nil
}

// Entity loads the persisted documents for scanKey, computes the diff against
// incoming and applies it.
func Entity[T domain.Document](ctx context.Context, entity string, store repository.DocumentStore[T], scanKey string, incoming []T, newID IDFunc) (domain.ReconcileSummary, error) {
	persisted, err := store.FindByScanKey(ctx, scanKey)
	if err != nil {
		return domain.ReconcileSummary{}, fmt.Errorf("reconcile %s: load %s: %w", entity, scanKey, err)
	}
	return Apply(ctx, entity, store, scanKey, Compute(incoming, persisted), newID)
}
