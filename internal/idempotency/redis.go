package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	prefixLock   = "wager:idem:lock:"
	prefixResult = "wager:idem:result:"
)

func lockKey(k string) string   { return prefixLock + k }
func resultKey(k string) string { return prefixResult + k }

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisBackend keeps locks and results in Redis so duplicates are caught
// across server instances.
type RedisBackend struct {
	rdb redis.Cmdable
}

// NewRedisBackend wraps a Redis client.
func NewRedisBackend(rdb redis.Cmdable) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Result(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.rdb.Get(ctx, resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *RedisBackend) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
}

func (b *RedisBackend) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, b.rdb, []string{lockKey(key)}, token).Err()
}

func (b *RedisBackend) Save(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, resultKey(key), result, ttl).Err()
}
