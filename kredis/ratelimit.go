package kredis

import (
	"context"
	"fmt"
	"time"

	"github.com/getkayan/userkey/core/userkey"
	"github.com/redis/go-redis/v9"
)

var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)
	if count >= limit then
		return {0, 0}
	end

	redis.call('ZADD', key, now, now .. ':' .. math.random())
	redis.call('PEXPIRE', key, window_ms)

	return {1, limit - count - 1}
`)

// RateLimiter implements userkey.RateLimiter with a sliding window log
// shared by every replica.
type RateLimiter struct {
	client *redis.Client
	prefix string
}

var _ userkey.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter creates a new Redis-based rate limiter.
func NewRateLimiter(client *redis.Client, prefix string) *RateLimiter {
	if prefix == "" {
		prefix = "userkey:ratelimit:"
	}
	return &RateLimiter{client: client, prefix: prefix}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	now := time.Now()
	result, err := allowScript.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(),
		now.Add(-window).UnixMilli(),
		limit,
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit: allow check failed: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("redis rate limit: unexpected result format")
	}
	return result[0] == 1, int(result[1]), nil
}

func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis rate limit: reset failed: %w", err)
	}
	return nil
}
