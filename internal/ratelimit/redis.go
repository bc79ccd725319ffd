package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "civica:rl:"

// RedisLimiter implements Limiter with a fixed window counter in Redis.
// Counters are keyed by window start so every instance agrees on the
// window boundaries.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
	owned  bool
}

// NewRedisLimiter wraps an existing client. Close does not close it.
func NewRedisLimiter(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, logger: logger}
}

// DialRedis parses a redis:// URL, pings the server and returns a limiter
// that owns the connection.
func DialRedis(ctx context.Context, url string, logger *slog.Logger) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return &RedisLimiter{client: client, logger: logger, owned: true}, nil
}

// Allow increments the counter of the current window for key.
func (l *RedisLimiter) Allow(ctx context.Context, rule Rule, key string) (Result, error) {
	now := time.Now()
	windowMs := rule.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	start := now.UnixMilli() / windowMs * windowMs
	resetAt := time.UnixMilli(start + windowMs)
	redisKey := fmt.Sprintf("%s%s:%s:%d", keyPrefix, rule.Prefix, key, start)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, rule.Window+time.Second)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis incr: %w", err)
	}

	count := int(incr.Val())
	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Close closes the Redis connection when the limiter dialed it.
func (l *RedisLimiter) Close() error {
	if !l.owned {
		return nil
	}
	return l.client.Close()
}
