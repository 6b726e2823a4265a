package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

var _ repository.DocumentStore[*domain.Site] = (*pgDocumentStore[*domain.Site])(nil)

type pgDocumentStore[T domain.Document] struct {
	pool       *pgxpool.Pool
	collection Collection
	newDoc     func() T
}

// NewPostgresDocumentStore creates a JSONB-backed store for one collection.
// newDoc must return a fresh zero document to decode into.
func NewPostgresDocumentStore[T domain.Document](pool *pgxpool.Pool, collection Collection, newDoc func() T) (repository.DocumentStore[T], error) {
	if !collection.valid() {
		return nil, fmt.Errorf("postgres: unknown collection %q", collection)
	}
	return &pgDocumentStore[T]{pool: pool, collection: collection, newDoc: newDoc}, nil
}

func (r *pgDocumentStore[T]) op(name string) string {
	return fmt.Sprintf("postgres.%s.%s", r.collection, name)
}

func (r *pgDocumentStore[T]) FindByScanKey(ctx context.Context, scanKey string) ([]T, error) {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE scan_key = $1 ORDER BY natural_key`, r.collection)
	rows, err := r.pool.Query(ctx, query, scanKey)
	if err != nil {
		return nil, r.classify("find", err)
	}
	defer rows.Close()

	var docs []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, r.classify("scan", err)
		}
		doc := r.newDoc()
		if err := json.Unmarshal(body, doc); err != nil {
			return nil, fmt.Errorf("postgres: decode %s: %w", r.collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify("iterate", err)
	}
	return docs, nil
}

func (r *pgDocumentStore[T]) InsertMany(ctx context.Context, docs []T) error {
	if len(docs) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, scan_key, natural_key, body, updated_at) VALUES ($1, $2, $3, $4, now())`,
		r.collection)

	batch := &pgx.Batch{}
	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			return domain.Wrap(domain.KindStoreWrite, r.op("insert"), err)
		}
		batch.Queue(query, doc.DocID(), doc.ScanKey(), doc.NaturalKey(), body)
	}
	return r.sendBatch(ctx, "insert", batch)
}

func (r *pgDocumentStore[T]) BulkUpdateByKey(ctx context.Context, ops []repository.UpdateOp[T]) error {
	if len(ops) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`UPDATE %s SET scan_key = $2, natural_key = $3, body = $4, updated_at = now() WHERE id = $1`,
		r.collection)

	batch := &pgx.Batch{}
	for _, op := range ops {
		body, err := json.Marshal(op.Document)
		if err != nil {
			return domain.Wrap(domain.KindStoreWrite, r.op("update"), err)
		}
		batch.Queue(query, op.ID, op.Document.ScanKey(), op.Document.NaturalKey(), body)
	}
	return r.sendBatch(ctx, "update", batch)
}

func (r *pgDocumentStore[T]) DeleteMany(ctx context.Context, filter repository.DeleteFilter) (int64, error) {
	if len(filter.IDs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE scan_key = $1 AND id = ANY($2)`, r.collection)
	tag, err := r.pool.Exec(ctx, query, filter.ScanKey, filter.IDs)
	if err != nil {
		return 0, r.classify("delete", err)
	}
	return tag.RowsAffected(), nil
}

// sendBatch runs batch in one transaction so a partial write never becomes visible.
func (r *pgDocumentStore[T]) sendBatch(ctx context.Context, name string, batch *pgx.Batch) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		return br.Close()
	})
	if err != nil {
		return r.classify(name, err)
	}
	return nil
}

// classify maps a driver error to an error kind. Connectivity failures are
// retryable on reads and writes alike: every write runs in one transaction,
// so a failed batch left nothing behind.
func (r *pgDocumentStore[T]) classify(name string, err error) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("postgres: %s %s: %w", name, r.collection, err)
	case isUniqueViolation(err):
		return domain.Wrap(domain.KindStoreConflict, r.op(name), err)
	case isUnavailable(err):
		return domain.Wrap(domain.KindStoreUnavailable, r.op(name), err)
	case name == "find" || name == "scan" || name == "iterate":
		return fmt.Errorf("postgres: %s %s: %w", name, r.collection, err)
	}
	return domain.Wrap(domain.KindStoreWrite, r.op(name), err)
}
