package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// hitScript prunes, counts and appends in one round trip so concurrent
// callers for the same key are serialized by Redis.
//
// KEYS[1] window key
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member
// Returns {allowed, count, oldest_ms}.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count >= limit then
  local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, tonumber(first[2])}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window + 1000)

local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, count + 1, tonumber(first[2])}
`)

// RedisStore keeps attempt windows in Redis sorted sets scored by time.
// Keys expire one second after the window so idle identifiers clean up.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a RedisStore using client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Hit implements WindowStore.
func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()

	res, err := hitScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		member,
	).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("rate window hit: %w", err)
	}
	if len(res) != 3 {
		return Window{}, fmt.Errorf("rate window hit: unexpected reply length %d", len(res))
	}

	return Window{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		Oldest:  time.UnixMilli(res[2]),
	}, nil
}

// Peek implements WindowStore.
func (s *RedisStore) Peek(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error) {
	floor := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	count, err := s.client.ZCount(ctx, key, floor, "+inf").Result()
	if err != nil {
		return Window{}, fmt.Errorf("rate window count: %w", err)
	}

	w := Window{Allowed: true, Count: int(count)}
	if count == 0 {
		return w, nil
	}

	first, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   floor,
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return Window{}, fmt.Errorf("rate window oldest: %w", err)
	}
	if len(first) > 0 {
		w.Oldest = time.UnixMilli(int64(first[0].Score))
	}
	return w, nil
}

// Clear implements WindowStore.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("rate window clear: %w", err)
	}
	return nil
}

var _ WindowStore = (*RedisStore)(nil)
