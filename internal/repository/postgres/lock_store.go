package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

var _ repository.LockStore = (*pgLockStore)(nil)

type pgLockStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLockStore creates a lock store on the distributed_locks table.
func NewPostgresLockStore(pool *pgxpool.Pool) repository.LockStore {
	return &pgLockStore{pool: pool}
}

func (r *pgLockStore) Acquire(ctx context.Context, lease domain.Lease, now time.Time) error {
	// The conditional upsert only overwrites an expired row. A live row makes
	// the statement affect nothing.
	query := `
		INSERT INTO distributed_locks (id, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE distributed_locks.expires_at <= $4`

	tag, err := r.pool.Exec(ctx, query, lease.Name, lease.Owner, lease.ExpiresAt.UTC(), now.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("postgres: acquire lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrDuplicateKey
	}
	return nil
}

func (r *pgLockStore) Extend(ctx context.Context, name, owner string, expiresAt time.Time) (bool, error) {
	query := `UPDATE distributed_locks SET expires_at = $3 WHERE id = $1 AND owner = $2`
	tag, err := r.pool.Exec(ctx, query, name, owner, expiresAt.UTC())
	if err != nil {
		return false, fmt.Errorf("postgres: extend lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgLockStore) Delete(ctx context.Context, name, owner string) error {
	query := `DELETE FROM distributed_locks WHERE id = $1 AND owner = $2`
	if _, err := r.pool.Exec(ctx, query, name, owner); err != nil {
		return fmt.Errorf("postgres: delete lock: %w", err)
	}
	return nil
}
