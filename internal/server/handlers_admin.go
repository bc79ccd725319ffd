package server

import (
	"net/http"
	"strings"

	"github.com/civica-gov/civica/internal/auth"
	"github.com/civica-gov/civica/internal/ctxutil"
	"github.com/civica-gov/civica/internal/model"
)

// HandleCreateUser handles POST /v1/admin/users (admin-only).
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.Name = strings.TrimSpace(req.Name)
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash password", err)
		return
	}
	user, err := h.db.CreateUser(r.Context(), model.User{
		Username:     req.Username,
		Name:         req.Name,
		Role:         req.Role,
		PasswordHash: hash,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to create user", err)
		return
	}

	h.logger.Info("user created", "username", user.Username, "role", user.Role,
		"by", claimsFrom(r).Username, "request_id", requestID(r))
	writeJSON(w, r, http.StatusCreated, user)
}

// HandleWhoAmI handles GET /v1/admin/me (viewer+).
func (h *Handlers) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	me := map[string]any{
		"id":       c.UserID(),
		"username": c.Username,
		"role":     c.Role,
	}
	if c.ExpiresAt != nil {
		me["expires_at"] = c.ExpiresAt.Time
	}
	writeJSON(w, r, http.StatusOK, me)
}

func claimsFrom(r *http.Request) *auth.Claims {
	return ctxutil.ClaimsFromContext(r.Context())
}

func requestID(r *http.Request) string {
	return ctxutil.RequestIDFromContext(r.Context())
}
