package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ktmed/medessencev2-sub005/pkg/logger"
)

// incrWithExpiry atomically bumps the window counter and attaches its
// TTL on first use, so the key expires on its own once the window plus
// the retention bound has passed.
var incrWithExpiry = redis.NewScript(`
  local n = redis.call('INCR', KEYS[1])
  if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
  end
  return n
`)

// RedisStore implements Store on a Redis counter per window key.
// Redis handles expiry itself, so DeleteExpired is a no-op; the
// housekeeping sweep only matters for the Postgres store.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	logger    *logger.Logger
}

// NewRedisStore creates a Redis-backed counter store
func NewRedisStore(client *redis.Client, retention time.Duration, log *logger.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: retention,
		logger:    log,
	}
}

// Increment bumps the counter for the window key via a single atomic
// script call
func (s *RedisStore) Increment(ctx context.Context, identifier, route string, windowStart, windowEnd time.Time, max int) (int, error) {
	key := windowKey(identifier, route, windowStart)
	ttl := time.Until(windowEnd) + s.retention

	n, err := incrWithExpiry.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	return n, nil
}

// DeleteExpired is a no-op: Redis keys carry their own TTL
func (s *RedisStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// windowKey builds the Redis key for one (identifier, route, window)
func windowKey(identifier, route string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", identifier, route, windowStart.Unix())
}
