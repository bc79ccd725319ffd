package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/auth"
	"github.com/civica-gov/civica/internal/ctxutil"
	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/ratelimit"
	"github.com/civica-gov/civica/internal/service/chat"
	"github.com/civica-gov/civica/internal/service/pqrs"
	"github.com/civica-gov/civica/internal/service/transfer"
	"github.com/civica-gov/civica/internal/storage"
	"github.com/civica-gov/civica/internal/testutil"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestRequestID(t *testing.T) {
	var seen string
	h := requestIDMiddleware(false, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	assert.NoError(t, err, "generated request id should be a UUID")
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc-123", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 129))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, strings.Repeat("x", 129), seen, "oversized ids are replaced")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "10.1.2.3", clientIP(req, false), "forwarded header ignored without trust")
	assert.Equal(t, "203.0.113.9", clientIP(req, true))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "10.1.2.3", clientIP(req, true))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "no HSTS over plain HTTP")
}

func TestCORS(t *testing.T) {
	h := corsMiddleware([]string{"https://portal.example.gov.co"}, okHandler)

	req := httptest.NewRequest(http.MethodGet, "/v1/servicios", nil)
	req.Header.Set("Origin", "https://portal.example.gov.co")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://portal.example.gov.co", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/servicios", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/pqrs", nil)
	req.Header.Set("Origin", "https://portal.example.gov.co")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORS_Wildcard(t *testing.T) {
	h := corsMiddleware([]string{"*"}, okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://any.example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://any.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := jwtMgr.IssueToken(model.User{ID: uuid.New(), Username: "mgomez", Role: model.RoleEditor})
	require.NoError(t, err)

	var claims *auth.Claims
	h := authMiddleware(jwtMgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims = ctxutil.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("anonymous passes through", func(t *testing.T) {
		claims = nil
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, claims)
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, claims)
		assert.Equal(t, "mgomez", claims.Username)
		assert.Equal(t, model.RoleEditor, claims.Role)
	})

	for name, header := range map[string]string{
		"bad scheme":    "Basic " + token,
		"garbage token": "Bearer not-a-jwt",
		"empty token":   "Bearer ",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", header)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, rec).Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := requireRole(model.RoleEditor)(okHandler)
	withRole := func(role model.Role) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/tramites", nil)
		return req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{Username: "u", Role: role}))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tramites", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withRole(model.RoleViewer))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	for _, role := range []model.Role{model.RoleEditor, model.RoleAdmin} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, withRole(role))
		assert.Equal(t, http.StatusOK, rec.Code, role)
	}
}

func TestRecovery(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, model.ErrCodeInternalError, decodeError(t, rec).Code)

	abort := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		abort.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestLoggingMiddleware_CapturesStatus(t *testing.T) {
	h := loggingMiddleware(testutil.TestLogger(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	decode := func(payload string, limit int64) (body, error) {
		var b body
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))
		err := decodeJSON(httptest.NewRecorder(), req, &b, limit)
		return b, err
	}

	b, err := decode(`{"name":"Alcaldía"}`, 1024)
	require.NoError(t, err)
	assert.Equal(t, "Alcaldía", b.Name)

	_, err = decode(`{"name":"x","extra":1}`, 1024)
	assert.Error(t, err, "unknown fields are rejected")

	_, err = decode(`{"name":"x"}{"name":"y"}`, 1024)
	assert.Error(t, err, "trailing values are rejected")

	_, err = decode(`{"name":"`+strings.Repeat("a", 100)+`"}`, 16)
	assert.ErrorIs(t, err, errBodyTooLarge)

	rec := httptest.NewRecorder()
	handleDecodeError(rec, httptest.NewRequest(http.MethodPost, "/", nil), errBodyTooLarge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWriteList_HasMore(t *testing.T) {
	rec := httptest.NewRecorder()
	writeList(rec, httptest.NewRequest(http.MethodGet, "/", nil), []int{1, 2}, 5, 2, 2, 2)
	var body model.ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.HasMore)
	assert.Equal(t, 5, body.Total)

	rec = httptest.NewRecorder()
	writeList(rec, httptest.NewRequest(http.MethodGet, "/", nil), []int{5}, 5, 2, 4, 1)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.HasMore)
}

func TestStripPrefix(t *testing.T) {
	err := fmt.Errorf("%w: kind is required", pqrs.ErrInvalidInput)
	assert.Equal(t, "invalid input: kind is required", stripPrefix(err))
	assert.Equal(t, "plain message", stripPrefix(errors.New("plain message")))
	assert.Equal(t, `unknown sort "foo"`, stripPrefix(errors.New(`search: unknown sort "foo"`)))
}

func TestWriteServiceError(t *testing.T) {
	h := NewHandlers(HandlersDeps{Logger: testutil.TestLogger()})
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{storage.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{fmt.Errorf("wrap: %w", pqrs.ErrNotFound), http.StatusNotFound, model.ErrCodeNotFound},
		{chat.ErrSessionNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{storage.ErrConflict, http.StatusConflict, model.ErrCodeConflict},
		{storage.ErrReferenced, http.StatusConflict, model.ErrCodeConflict},
		{pqrs.ErrInvalidTransition, http.StatusConflict, model.ErrCodeConflict},
		{storage.ErrInvalidReference, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput},
		{pqrs.ErrInvalidInput, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{chat.ErrInvalidQuestion, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{chat.ErrUnavailable, http.StatusServiceUnavailable, model.ErrCodeUnavailable},
		{errors.New("connection reset"), http.StatusInternalServerError, model.ErrCodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), "op failed", tc.err)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestRateLimit_PQRSByIP(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer func() { _ = limiter.Close() }()

	rl := ratelimit.Middleware(limiter, ratelimit.PerMinute("pqrs", 2), ratelimit.IPKeyFunc, testutil.TestLogger())
	h := requestIDMiddleware(false, rl(okHandler))

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/pqrs", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("192.168.1.1:1000").Code)
	assert.Equal(t, http.StatusOK, send("192.168.1.1:1001").Code)
	limited := send("192.168.1.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	// Separate bucket per IP.
	assert.Equal(t, http.StatusOK, send("192.168.1.2:1000").Code)
}

func TestExportWriterCommitsHeadersOnFirstWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	ew := &exportWriter{w: rec, filename: "civica-faqs.ndjson", format: transfer.FormatNDJSON}
	assert.False(t, ew.started)
	assert.Empty(t, rec.Header().Get("Content-Disposition"))

	_, err := ew.Write([]byte("{\"question\":\"a\"}\n"))
	require.NoError(t, err)
	_, err = ew.Write([]byte("{\"question\":\"b\"}\n"))
	require.NoError(t, err)

	assert.True(t, ew.started)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, transfer.FormatNDJSON.ContentType(), rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="civica-faqs.ndjson"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "{\"question\":\"a\"}\n{\"question\":\"b\"}\n", rec.Body.String())
}
