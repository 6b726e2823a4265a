package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

var _ repository.DocumentStore[*domain.Site] = (*DocumentStore[*domain.Site])(nil)

type record struct {
	scanKey    string
	naturalKey string
	body       []byte
}

// DocumentStore keeps encoded documents keyed by id with a unique natural key.
type DocumentStore[T domain.Document] struct {
	mu      sync.Mutex
	name    string
	newDoc  func() T
	records map[string]record

	Inserts int
	Updates int
	Deletes int
}

func NewDocumentStore[T domain.Document](name string, newDoc func() T) *DocumentStore[T] {
	return &DocumentStore[T]{name: name, newDoc: newDoc, records: make(map[string]record)}
}

func (s *DocumentStore[T]) FindByScanKey(ctx context.Context, scanKey string) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []record
	for _, r := range s.records {
		if r.scanKey == scanKey {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].naturalKey < matched[j].naturalKey })

	docs := make([]T, 0, len(matched))
	for _, r := range matched {
		doc := s.newDoc()
		if err := json.Unmarshal(r.body, doc); err != nil {
			return nil, fmt.Errorf("memory: decode %s: %w", s.name, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *DocumentStore[T]) InsertMany(ctx context.Context, docs []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]record, len(docs))
	keys := s.naturalKeys()
	for _, doc := range docs {
		if _, ok := s.records[doc.DocID()]; ok {
			return s.conflict("insert", "id", doc.DocID())
		}
		if _, ok := staged[doc.DocID()]; ok {
			return s.conflict("insert", "id", doc.DocID())
		}
		if _, ok := keys[doc.NaturalKey()]; ok {
			return s.conflict("insert", "natural key", doc.NaturalKey())
		}
		rec, err := s.encode(doc)
		if err != nil {
			return domain.Wrap(domain.KindStoreWrite, s.name+".insert", err)
		}
		staged[doc.DocID()] = rec
		keys[doc.NaturalKey()] = doc.DocID()
	}
	for id, rec := range staged {
		s.records[id] = rec
	}
	s.Inserts += len(staged)
	return nil
}

func (s *DocumentStore[T]) BulkUpdateByKey(ctx context.Context, ops []repository.UpdateOp[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.naturalKeys()
	staged := make(map[string]record, len(ops))
	for _, op := range ops {
		if _, ok := s.records[op.ID]; !ok {
			continue
		}
		if owner, ok := keys[op.Document.NaturalKey()]; ok && owner != op.ID {
			return s.conflict("update", "natural key", op.Document.NaturalKey())
		}
		rec, err := s.encode(op.Document)
		if err != nil {
			return domain.Wrap(domain.KindStoreWrite, s.name+".update", err)
		}
		staged[op.ID] = rec
	}
	for id, rec := range staged {
		s.records[id] = rec
	}
	s.Updates += len(staged)
	return nil
}

func (s *DocumentStore[T]) DeleteMany(ctx context.Context, filter repository.DeleteFilter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range filter.IDs {
		if r, ok := s.records[id]; ok && r.scanKey == filter.ScanKey {
			delete(s.records, id)
			n++
		}
	}
	s.Deletes += int(n)
	return n, nil
}

// Len returns the number of stored documents.
func (s *DocumentStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *DocumentStore[T]) naturalKeys() map[string]string {
	keys := make(map[string]string, len(s.records))
	for id, r := range s.records {
		keys[r.naturalKey] = id
	}
	return keys
}

func (s *DocumentStore[T]) encode(doc T) (record, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return record{}, err
	}
	return record{scanKey: doc.ScanKey(), naturalKey: doc.NaturalKey(), body: body}, nil
}

func (s *DocumentStore[T]) conflict(op, what, value string) error {
	return domain.Wrap(domain.KindStoreConflict, s.name+"."+op,
		fmt.Errorf("%w: %s %q", repository.ErrDuplicateKey, what, value))
}
