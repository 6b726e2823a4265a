package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
)

var _ repository.LockStore = (*redisLockStore)(nil)

const lockKeyPrefix = "keeperdata:lock:"

// Expiry is set with PEXPIREAT on both paths so a lease is held to the millisecond.
var (
	acquireScript = goredis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX") then
	redis.call("PEXPIREAT", KEYS[1], ARGV[2])
	return 1
end
return 0`)

	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIREAT", KEYS[1], ARGV[2])
end
return 0`)

	deleteScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type redisLockStore struct {
	client *goredis.Client
}

// NewRedisLockStore creates a lock store where expiry is enforced by key TTL.
// Expired keys vanish on their own, so acquisition is a SET NX.
func NewRedisLockStore(client *goredis.Client) repository.LockStore {
	return &redisLockStore{client: client}
}

func (r *redisLockStore) Acquire(ctx context.Context, lease domain.Lease, now time.Time) error {
	if !lease.ExpiresAt.After(now) {
		return fmt.Errorf("redis: acquire lock: expiry %s not after %s", lease.ExpiresAt, now)
	}
	n, err := acquireScript.Run(ctx, r.client, []string{lockKeyPrefix + lease.Name},
		lease.Owner, lease.ExpiresAt.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("redis: acquire lock: %w", err)
	}
	if n == 0 {
		return repository.ErrDuplicateKey
	}
	return nil
}

func (r *redisLockStore) Extend(ctx context.Context, name, owner string, expiresAt time.Time) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{lockKeyPrefix + name}, owner, expiresAt.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: extend lock: %w", err)
	}
	return n == 1, nil
}

func (r *redisLockStore) Delete(ctx context.Context, name, owner string) error {
	if err := deleteScript.Run(ctx, r.client, []string{lockKeyPrefix + name}, owner).Err(); err != nil {
		return fmt.Errorf("redis: delete lock: %w", err)
	}
	return nil
}
