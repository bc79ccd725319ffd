package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/auth"
	"github.com/civica-gov/civica/internal/ctxutil"
	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/ratelimit"
	"github.com/civica-gov/civica/internal/testutil"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, ratelimit.Rule, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis down")
}
func (failingLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestMiddlewareLimitsAndWritesEnvelope(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer func() { _ = limiter.Close() }()
	h := ratelimit.Middleware(limiter, ratelimit.PerMinute("pqrs", 2), ratelimit.IPKeyFunc, testutil.TestLogger())(okHandler())

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/pqrs", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		req = req.WithContext(ctxutil.WithRequestID(req.Context(), "req-42"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do().Code)
	second := do()
	assert.Equal(t, http.StatusNoContent, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	denied := do()
	require.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.NotEmpty(t, denied.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(denied.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-42", body.Meta.RequestID)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := ratelimit.Middleware(failingLimiter{}, ratelimit.PerMinute("chat", 1), ratelimit.IPKeyFunc, testutil.TestLogger())(okHandler())
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer func() { _ = limiter.Close() }()
	skip := func(*http.Request) string { return "" }
	h := ratelimit.Middleware(limiter, ratelimit.PerMinute("x", 1), skip, testutil.TestLogger())(okHandler())
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestKeyFuncs(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "ip:2001:db8::1", ratelimit.IPKeyFunc(req))

	req = req.WithContext(ctxutil.WithClientIP(req.Context(), "203.0.113.5"))
	assert.Equal(t, "ip:203.0.113.5", ratelimit.IPKeyFunc(req))
	assert.Equal(t, "ip:203.0.113.5", ratelimit.UserKeyFunc(req))

	claims := &auth.Claims{Username: "ana", Role: model.RoleEditor}
	claims.Subject = "7b0c3f0e-0000-0000-0000-000000000001"
	req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
	assert.Equal(t, "user:7b0c3f0e-0000-0000-0000-000000000001", ratelimit.UserKeyFunc(req))
}

func TestNoopLimiterReportsFullLimit(t *testing.T) {
	res, err := ratelimit.NoopLimiter{}.Allow(context.Background(), ratelimit.PerMinute("x", 7), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 7, res.Remaining)
	assert.True(t, res.ResetAt.After(time.Now()))
}
