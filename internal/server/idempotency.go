package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/civica-gov/civica/internal/ctxutil"
	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/storage"
)

const maxIdempotencyKeyLen = 255

type idempotencyHandle struct {
	scope    string
	endpoint string
	key      string
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

// idempotencyScope binds keys to the caller: the staff user when
// authenticated, otherwise the client IP.
func idempotencyScope(r *http.Request) string {
	if c := claimsFrom(r); c != nil {
		return "user:" + c.Username
	}
	return "ip:" + ctxutil.ClientIPFromContext(r.Context())
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite checks, replays or reserves an idempotency key.
// Returns (nil, true) when no key is present and the caller should proceed normally.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, endpoint string, payload any) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	scope := idempotencyScope(r)
	lookup, err := h.db.BeginIdempotency(r.Context(), scope, endpoint, key, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			status := lookup.StatusCode
			if status == 0 {
				status = http.StatusOK
			}
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, r, status, lookup.ResponseData)
			return nil, false
		}
		return &idempotencyHandle{scope: scope, endpoint: endpoint, key: key}, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

// completeIdempotentWrite records the response of a committed write. It runs
// on a bounded background context so a client disconnect cannot leave the
// key stuck in progress.
func (h *Handlers) completeIdempotentWrite(r *http.Request, idem *idempotencyHandle, statusCode int, data any) {
	if idem == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3 && ctx.Err() == nil; attempt++ {
		if lastErr = h.db.CompleteIdempotency(ctx, idem.scope, idem.endpoint, idem.key, statusCode, data); lastErr == nil {
			return
		}
		h.logger.Warn("idempotency finalize attempt failed", "attempt", attempt, "error", lastErr, "endpoint", idem.endpoint)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
		}
	}
	h.logger.Error("failed to finalize idempotency record after committed write",
		"error", lastErr, "endpoint", idem.endpoint, "request_id", requestID(r))
}

// clearIdempotentWrite releases the reservation after a failed write so the
// client can retry with the same key.
func (h *Handlers) clearIdempotentWrite(r *http.Request, idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	if err := h.db.ClearInProgressIdempotency(context.WithoutCancel(r.Context()), idem.scope, idem.endpoint, idem.key); err != nil {
		h.logger.Error("failed to clear idempotency record", "error", err, "endpoint", idem.endpoint)
	}
}
