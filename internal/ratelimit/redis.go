package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisWindow)(nil)

var slidingWindowScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
	if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
		return 0
	end
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return 1
`)

// RedisWindow shares one sliding window across every server instance
// pointed at the same Redis.
type RedisWindow struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
}

func NewRedisWindow(client redis.Scripter, prefix string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

func (r *RedisWindow) Allow(ctx context.Context, key string, now time.Time) (bool, error) {
	allowed, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), r.window.Milliseconds(), r.limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit: %w", err)
	}
	return allowed == 1, nil
}
