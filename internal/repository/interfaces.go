package repository

import (
	"context"
	"errors"
	"time"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
)

// ErrDuplicateKey is returned by a LockStore when an unexpired lease already exists.
var ErrDuplicateKey = errors.New("duplicate key")

// LockStore persists leases. Every operation is a single atomic conditional write.
type LockStore interface {
	// Acquire inserts the lease, or replaces an existing lease of the same name
	// whose expiry is at or before now. It returns ErrDuplicateKey when an
	// unexpired lease is held.
	Acquire(ctx context.Context, lease domain.Lease, now time.Time) error

	// Extend sets a new expiry if owner still holds name. It reports whether
	// the lease was extended.
	Extend(ctx context.Context, name, owner string, expiresAt time.Time) (bool, error)

	// Delete removes the lease if owner still holds name.
	Delete(ctx context.Context, name, owner string) error
}

// UpdateOp replaces the document stored under ID.
type UpdateOp[T domain.Document] struct {
	ID       string
	Document T
}

// DeleteFilter selects documents within one scan key.
type DeleteFilter struct {
	ScanKey string
	IDs     []string
}

// DocumentStore is the per-entity-type persistence contract used by reconciliation.
type DocumentStore[T domain.Document] interface {
	// FindByScanKey loads every document belonging to scanKey.
	FindByScanKey(ctx context.Context, scanKey string) ([]T, error)

	// InsertMany stores new documents. A natural key collision is reported
	// as a domain.KindStoreConflict error.
	InsertMany(ctx context.Context, docs []T) error

	// BulkUpdateByKey replaces documents by id.
	BulkUpdateByKey(ctx context.Context, ops []UpdateOp[T]) error

	// DeleteMany removes the documents matched by filter and returns how many were removed.
	DeleteMany(ctx context.Context, filter DeleteFilter) (int64, error)
}

// IdempotencyStore marks consumed change messages so redeliveries are skipped.
type IdempotencyStore interface {
	// MarkProcessing returns true the first time id is seen, false for a duplicate.
	MarkProcessing(ctx context.Context, id string) (bool, error)

	// Forget clears the mark so a redelivered message is processed again.
	Forget(ctx context.Context, id string) error
}
