// Package reconcile converges persisted documents onto an incoming snapshot
// by composite natural key.
package reconcile

import "github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"

// Update replaces the persisted document PersistedID with Document.
type Update[T domain.Document] struct {
	PersistedID string
	Document    T
}

// Diff is the set of writes that makes the persisted set equal the incoming set.
type Diff[T domain.Document] struct {
	ToInsert []T
	ToUpdate []Update[T]
	ToDelete []T
}

// Empty reports whether the diff has no writes.
func (d Diff[T]) Empty() bool {
	return len(d.ToInsert) == 0 && len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}

// Compute partitions incoming and persisted documents by natural key.
// Incoming keys absent from persisted are inserts, keys present in both are
// updates carrying the persisted id, and persisted keys absent from incoming
// are orphans to delete. When a key repeats, the first occurrence wins; a
// repeated persisted key is deleted. Compute does not modify its arguments.
func Compute[T domain.Document](incoming, persisted []T) Diff[T] {
	var diff Diff[T]

	existing := make(map[string]T, len(persisted))
	for _, doc := range persisted {
		key := doc.NaturalKey()
		if _, dup := existing[key]; dup {
			diff.ToDelete = append(diff.ToDelete, doc)
			continue
		}
		existing[key] = doc
	}

	seen := make(map[string]struct{}, len(incoming))
	for _, doc := range incoming {
		key := doc.NaturalKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if prev, ok := existing[key]; ok {
			diff.ToUpdate = append(diff.ToUpdate, Update[T]{PersistedID: prev.DocID(), Document: doc})
			continue
		}
		diff.ToInsert = append(diff.ToInsert, doc)
	}

	for _, doc := range persisted {
		key := doc.NaturalKey()
		if _, keep := seen[key]; keep {
			continue
		}
		if first, ok := existing[key]; ok && first.DocID() == doc.DocID() {
			diff.ToDelete = append(diff.ToDelete, doc)
		}
	}
	return diff
}
