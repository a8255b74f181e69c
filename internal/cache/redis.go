package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kkkkikiki/activation/internal/clock"
)

// slidingWindowScript prunes, counts and records one hit atomically.
// KEYS[1] window key; ARGV: now ms, window ms, limit, member.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return count + 1
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return count + 1
`)

// releaseLockScript deletes KEYS[1] only if it still holds ARGV[1].
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is the multi-replica cache backend.
type Redis struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
}

// NewRedis wraps a go-redis client. Every key is namespaced with prefix.
func NewRedis(client redis.UniversalClient, prefix string, clk clock.Clock) *Redis {
	if clk == nil {
		clk = clock.System{}
	}
	return &Redis{client: client, prefix: prefix, clock: clk}
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidArgument
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) IncrementWithTTL(ctx context.Context, key string, window time.Duration, limit int64) (int64, error) {
	if window <= 0 || limit <= 0 {
		return 0, ErrInvalidArgument
	}

	now := r.clock.Now().UnixMilli()
	// member must be unique per hit so concurrent hits in the same ms all count
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	count, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.key(key)},
		now, window.Milliseconds(), limit, member,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: increment %s: %w", key, err)
	}
	return count, nil
}

func (r *Redis) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidArgument
	}

	token, err := newFencingToken()
	if err != nil {
		return "", false, err
	}

	ok, err := r.client.SetNX(ctx, r.key(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("cache: acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseLockScript.Run(ctx, r.client, []string{r.key(key)}, token).Err(); err != nil {
		return fmt.Errorf("cache: release lock %s: %w", key, err)
	}
	return nil
}
