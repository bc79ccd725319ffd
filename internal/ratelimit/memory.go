package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket is a single token bucket for one rule and key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each rule maps to a bucket of capacity Limit refilled at Limit/Window
// tokens per second. A background goroutine evicts stale entries every
// minute to bound memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter.
//
// A background goroutine evicts keys not accessed in the last 10 minutes.
// Call Close to stop it.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) (Result, error) {
	burst := float64(rule.Limit)
	rate := burst / rule.Window.Seconds() // tokens per second

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	id := rule.Prefix + ":" + key
	b, ok := m.buckets[id]
	if !ok {
		b = &bucket{tokens: burst, lastAccess: now}
		m.buckets[id] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens = math.Min(burst, b.tokens+elapsed*rate)
	b.lastAccess = now

	res := Result{Limit: rule.Limit}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	}
	res.Remaining = int(math.Floor(b.tokens))
	// Reset is when the next token becomes available.
	wait := 0.0
	if b.tokens < 1 && rate > 0 {
		wait = (1 - b.tokens) / rate
	}
	res.ResetAt = now.Add(time.Duration(wait * float64(time.Second)))
	return res, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
