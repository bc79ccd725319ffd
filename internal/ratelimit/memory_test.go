package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m := NewMemoryLimiter()
	defer closeLimiter(t, m)
	rule := PerMinute("pqrs", 5)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res, err := m.Allow(ctx, rule, "k1")
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("expected request %d to be allowed (within burst)", i)
		}
		if res.Remaining != 5-i-1 {
			t.Fatalf("request %d: remaining = %d, want %d", i, res.Remaining, 5-i-1)
		}
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter()
	defer closeLimiter(t, m)
	rule := PerMinute("chat", 3)

	ctx := context.Background()
	// Exhaust the burst.
	for i := 0; i < 3; i++ {
		res, err := m.Allow(ctx, rule, "k1")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}

	// Next request should be denied.
	res, err := m.Allow(ctx, rule, "k1")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial after burst exhausted")
	}
	if !res.ResetAt.After(time.Now()) {
		t.Fatal("expected ResetAt in the future when denied")
	}
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	// 2 per 2ms means 1 token per millisecond.
	m := NewMemoryLimiter()
	defer closeLimiter(t, m)
	rule := Rule{Prefix: "fast", Limit: 2, Window: 2 * time.Millisecond}

	ctx := context.Background()
	// Exhaust.
	for i := 0; i < 2; i++ {
		_, _ = m.Allow(ctx, rule, "k1")
	}

	// Wait for refill.
	time.Sleep(5 * time.Millisecond)

	res, err := m.Allow(ctx, rule, "k1")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected request to be allowed after refill period")
	}
}

func TestMemoryLimiterIndependentKeysAndRules(t *testing.T) {
	m := NewMemoryLimiter()
	defer closeLimiter(t, m)
	pqrs := PerMinute("pqrs", 1)
	chat := PerMinute("chat", 1)

	ctx := context.Background()
	if res, _ := m.Allow(ctx, pqrs, "a"); !res.Allowed {
		t.Fatal("first request for 'a' should succeed")
	}
	if res, _ := m.Allow(ctx, pqrs, "a"); res.Allowed {
		t.Fatal("second request for 'a' should be denied")
	}
	if res, _ := m.Allow(ctx, pqrs, "b"); !res.Allowed {
		t.Fatal("key 'b' should be unaffected")
	}
	if res, _ := m.Allow(ctx, chat, "a"); !res.Allowed {
		t.Fatal("rule 'chat' should be unaffected")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter()
	defer closeLimiter(t, m)
	rule := PerMinute("shared", 50)

	ctx := context.Background()
	var wg sync.WaitGroup
	allowed := make([]int, 10)

	// 10 goroutines each send 10 requests for the same key.
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				res, err := m.Allow(ctx, rule, "shared")
				if err != nil {
					t.Errorf("goroutine %d: Allow error: %v", idx, err)
					return
				}
				if res.Allowed {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	// 100 requests against a burst of 50 at 50/min: refill during the test
	// is negligible.
	if total < 50 || total > 51 {
		t.Fatalf("expected about 50 allowed requests, got %d", total)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m := NewMemoryLimiter()
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, PerMinute("p", 5), "stale")

	// Manually backdate the bucket.
	m.mu.Lock()
	m.buckets["p:stale"].lastAccess = time.Now().Add(-15 * time.Minute)
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	_, exists := m.buckets["p:stale"]
	m.mu.Unlock()

	if exists {
		t.Fatal("expected stale bucket to be evicted")
	}
}

func TestMemoryLimiterEvictKeepsRecent(t *testing.T) {
	m := NewMemoryLimiter()
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, PerMinute("p", 5), "recent")

	m.evictStale()

	m.mu.Lock()
	_, exists := m.buckets["p:recent"]
	m.mu.Unlock()

	if !exists {
		t.Fatal("expected recent bucket to survive eviction")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter()
	// Double close should not panic.
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		res, err := l.Allow(ctx, PerMinute("x", 1), "anything")
		if err != nil {
			t.Fatalf("NoopLimiter.Allow error: %v", err)
		}
		if !res.Allowed {
			t.Fatal("NoopLimiter should always allow")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	// Even after a long idle period, tokens should not exceed burst.
	m := NewMemoryLimiter()
	defer closeLimiter(t, m)
	rule := Rule{Prefix: "cap", Limit: 3, Window: 3 * time.Millisecond}

	ctx := context.Background()
	_, _ = m.Allow(ctx, rule, "k1")

	// Backdate so a large refill would be computed.
	m.mu.Lock()
	m.buckets["cap:k1"].lastAccess = time.Now().Add(-1 * time.Hour)
	m.mu.Unlock()

	// Slow the refill down so the check below is not racing it.
	slow := Rule{Prefix: "cap", Limit: 3, Window: time.Hour}
	for i := 0; i < 3; i++ {
		if res, _ := m.Allow(ctx, slow, "k1"); !res.Allowed {
			t.Fatalf("expected request %d to be allowed after long idle", i)
		}
	}
	if res, _ := m.Allow(ctx, slow, "k1"); res.Allowed {
		t.Fatal("expected denial after burst exhausted, even after long idle")
	}
}
