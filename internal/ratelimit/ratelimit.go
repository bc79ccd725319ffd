// Package ratelimit throttles the public write endpoints (PQRS filing, chat)
// and the login endpoint.
//
// MemoryLimiter is a per-process token bucket. RedisLimiter is a fixed
// window shared by every instance pointing at the same Redis.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Rule is a named limit: at most Limit requests per Window for each key.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// PerMinute returns a rule allowing n requests per minute.
func PerMinute(prefix string, n int) Rule {
	return Rule{Prefix: prefix, Limit: n, Window: time.Minute}
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders renders the X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow counts one request for key under rule.
	// The key is opaque; callers construct it (e.g. "ip:10.0.0.1").
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, rule Rule, key string) (Result, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits the request and reports the full limit remaining.
func (NoopLimiter) Allow(_ context.Context, rule Rule, _ string) (Result, error) {
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
