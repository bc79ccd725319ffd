package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civica-gov/civica/internal/auth"
	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/search"
	"github.com/civica-gov/civica/internal/service/chat"
	"github.com/civica-gov/civica/internal/service/knowledge"
	"github.com/civica-gov/civica/internal/service/pqrs"
	"github.com/civica-gov/civica/internal/service/transfer"
	"github.com/civica-gov/civica/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	searchSvc           *search.Service
	pqrsSvc             *pqrs.Service
	chatSvc             *chat.Service
	knowledgeSvc        *knowledge.Service
	transferSvc         *transfer.Service
	index               search.VectorSearcher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	embeddingProvider   string
	chatProvider        string
	maxRequestBodyBytes int64
	maxImportBytes      int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Index, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	SearchSvc           *search.Service
	PQRSSvc             *pqrs.Service
	ChatSvc             *chat.Service
	KnowledgeSvc        *knowledge.Service
	TransferSvc         *transfer.Service
	Index               search.VectorSearcher
	Logger              *slog.Logger
	Version             string
	EmbeddingProvider   string // name reported by /health
	ChatProvider        string // name reported by /health
	MaxRequestBodyBytes int64
	MaxImportBytes      int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	maxImport := d.MaxImportBytes
	if maxImport <= 0 {
		maxImport = 20 << 20
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		searchSvc:           d.SearchSvc,
		pqrsSvc:             d.PQRSSvc,
		chatSvc:             d.ChatSvc,
		knowledgeSvc:        d.KnowledgeSvc,
		transferSvc:         d.TransferSvc,
		index:               d.Index,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		embeddingProvider:   d.EmbeddingProvider,
		chatProvider:        d.ChatProvider,
		maxRequestBodyBytes: maxBody,
		maxImportBytes:      maxImport,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "username and password are required")
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), username)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to look up user", err)
			return
		}
		// Spend the same time as a real verification so response latency
		// does not reveal which usernames exist.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	if err := h.db.TouchLastLogin(r.Context(), user.ID, time.Now().UTC()); err != nil {
		h.logger.Warn("failed to record last login", "user", user.Username, "error", err)
	}
	h.logger.Info("token issued", "user", user.Username, "role", user.Role)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Postgres:   "connected",
		Embeddings: h.embeddingProvider,
		Chat:       h.chatProvider,
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if depth, err := h.db.OutboxDepth(r.Context()); err == nil {
		resp.Outbox = depth
	}

	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedAdmin creates the initial admin user when the users table is empty.
// With no credentials configured it only logs.
func (h *Handlers) SeedAdmin(ctx context.Context, username, password string) error {
	count, err := h.db.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count users: %w", err)
	}
	if count > 0 {
		h.logger.Info("users table not empty, skipping admin seed")
		return nil
	}
	if username == "" {
		h.logger.Warn("no users exist and CIVICA_ADMIN_USERNAME is empty; admin API is unreachable until a user is created")
		return nil
	}
	req := model.CreateUserRequest{Username: username, Name: "Administrador", Role: model.RoleAdmin, Password: password}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("seed admin: hash password: %w", err)
	}
	if _, err := h.db.CreateUser(ctx, model.User{
		Username:     req.Username,
		Name:         req.Name,
		Role:         req.Role,
		PasswordHash: hash,
	}); err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}
	h.logger.Info("seeded initial admin user", "username", username)
	return nil
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	v := r.PathValue(name)
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %q", name, v)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryUUID parses an optional UUID query parameter.
func queryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", key, v)
	}
	return &id, nil
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q (expected true or false)", key, v)
	}
	return &b, nil
}

// isEditor reports whether the request carries editor or higher claims.
// Public listings include inactive rows only for editors.
func isEditor(r *http.Request) bool {
	c := claimsFrom(r)
	return c != nil && model.RoleAtLeast(c.Role, model.RoleEditor)
}
