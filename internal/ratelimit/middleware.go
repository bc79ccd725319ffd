package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/civica-gov/civica/internal/ctxutil"
	"github.com/civica-gov/civica/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// Middleware returns HTTP middleware that enforces rule.
// keyFunc determines the identifier to rate limit by. Limiter errors are
// logged and the request is let through.
func Middleware(limiter Limiter, rule Rule, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), rule, key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "rule", rule.Prefix, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			// Always set rate limit headers.
			for k, v := range result.FormatHeaders() {
				w.Header().Set(k, v)
			}

			if !result.Allowed {
				retryAfter := time.Until(result.ResetAt).Seconds()
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter+0.999)))
				writeRateLimitError(w, ctxutil.RequestIDFromContext(r.Context()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError writes a rate-limit error using the standard API error envelope.
func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "demasiadas solicitudes, intente más tarde",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys requests by client IP. It prefers the address resolved by
// the server's client-IP middleware and falls back to RemoteAddr.
// X-Forwarded-For is never read here.
func IPKeyFunc(r *http.Request) string {
	if ip := ctxutil.ClientIPFromContext(r.Context()); ip != "" {
		return "ip:" + ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// UserKeyFunc keys authenticated requests by user and anonymous ones by IP.
func UserKeyFunc(r *http.Request) string {
	if c := ctxutil.ClaimsFromContext(r.Context()); c != nil {
		return "user:" + c.Subject
	}
	return IPKeyFunc(r)
}
