package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

var _ repository.IdempotencyStore = (*redisIdempotency)(nil)

const (
	importKeyPrefix = "keeperdata:import:"
	defaultMarkTTL  = 24 * time.Hour
)

type redisIdempotency struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store using SETNX.
// A non-positive ttl falls back to 24h.
func NewRedisIdempotencyStore(client *goredis.Client, ttl time.Duration) repository.IdempotencyStore {
	if ttl <= 0 {
		ttl = defaultMarkTTL
	}
	return &redisIdempotency{client: client, ttl: ttl}
}

func (r *redisIdempotency) MarkProcessing(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, importKeyPrefix+id, time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark processing: %w", err)
	}
	return ok, nil
}

func (r *redisIdempotency) Forget(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, importKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis: forget: %w", err)
	}
	return nil
}
