package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/civica-gov/civica/internal/auth"
	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/ratelimit"
	"github.com/civica-gov/civica/internal/search"
	"github.com/civica-gov/civica/internal/service/chat"
	"github.com/civica-gov/civica/internal/service/knowledge"
	"github.com/civica-gov/civica/internal/service/pqrs"
	"github.com/civica-gov/civica/internal/service/transfer"
	"github.com/civica-gov/civica/internal/storage"
)

// Server is the civica HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Index, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	SearchSvc    *search.Service
	PQRSSvc      *pqrs.Service
	ChatSvc      *chat.Service
	KnowledgeSvc *knowledge.Service
	TransferSvc  *transfer.Service
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Index     search.VectorSearcher
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxImportBytes      int64
	CORSOrigins         []string
	TrustProxy          bool

	// Requests per minute per client IP. Zero uses the defaults.
	AuthRateLimit int
	PQRSRateLimit int
	ChatRateLimit int

	// Names reported by /health.
	EmbeddingProvider string
	ChatProvider      string

	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// Default per-minute limits for the public write endpoints.
const (
	defaultAuthRateLimit = 20
	defaultPQRSRateLimit = 10
	defaultChatRateLimit = 30
)

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		SearchSvc:           cfg.SearchSvc,
		PQRSSvc:             cfg.PQRSSvc,
		ChatSvc:             cfg.ChatSvc,
		KnowledgeSvc:        cfg.KnowledgeSvc,
		TransferSvc:         cfg.TransferSvc,
		Index:               cfg.Index,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		EmbeddingProvider:   cfg.EmbeddingProvider,
		ChatProvider:        cfg.ChatProvider,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxImportBytes:      cfg.MaxImportBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Rate limit rules. Public writes are keyed by client IP.
	authRL := ratelimit.Middleware(cfg.Limiter,
		ratelimit.PerMinute("auth", orDefault(cfg.AuthRateLimit, defaultAuthRateLimit)), ratelimit.IPKeyFunc, cfg.Logger)
	pqrsRL := ratelimit.Middleware(cfg.Limiter,
		ratelimit.PerMinute("pqrs", orDefault(cfg.PQRSRateLimit, defaultPQRSRateLimit)), ratelimit.IPKeyFunc, cfg.Logger)
	chatRL := ratelimit.Middleware(cfg.Limiter,
		ratelimit.PerMinute("chat", orDefault(cfg.ChatRateLimit, defaultChatRateLimit)), ratelimit.IPKeyFunc, cfg.Logger)
	// Admin traffic is keyed by user so staff behind one NAT do not share a bucket.
	adminRL := ratelimit.Middleware(cfg.Limiter, ratelimit.PerMinute("admin", 600), ratelimit.UserKeyFunc, cfg.Logger)

	viewer := func(hf http.HandlerFunc) http.Handler { return adminRL(requireRole(model.RoleViewer)(hf)) }
	editor := func(hf http.HandlerFunc) http.Handler { return adminRL(requireRole(model.RoleEditor)(hf)) }
	adminOnly := func(hf http.HandlerFunc) http.Handler { return adminRL(requireRole(model.RoleAdmin)(hf)) }

	mux := http.NewServeMux()

	// Auth (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Organizational hierarchy.
	deps, subs := h.dependenciaOps(), h.subdependenciaOps()
	mux.HandleFunc("GET /v1/dependencias", h.HandleListDependencias)
	mux.HandleFunc("GET /v1/dependencias/{id}", handleGet(h, deps))
	mux.HandleFunc("GET /v1/dependencias/{id}/subdependencias", h.HandleListSubdependencias)
	mux.Handle("POST /v1/dependencias", editor(handleCreate(h, deps)))
	mux.Handle("PUT /v1/dependencias/{id}", editor(handleUpdate(h, deps)))
	mux.Handle("DELETE /v1/dependencias/{id}", editor(handleDelete(h, deps)))
	mux.HandleFunc("GET /v1/subdependencias/{id}", handleGet(h, subs))
	mux.Handle("POST /v1/subdependencias", editor(handleCreate(h, subs)))
	mux.Handle("PUT /v1/subdependencias/{id}", editor(handleUpdate(h, subs)))
	mux.Handle("DELETE /v1/subdependencias/{id}", editor(handleDelete(h, subs)))

	// Catalog.
	tramites, opas, faqs := h.tramiteOps(), h.opaOps(), h.faqOps()
	mux.HandleFunc("GET /v1/tramites", handleList(h, "tramites", cfg.DB.ListTramites))
	mux.HandleFunc("GET /v1/tramites/{id}", handleGet(h, tramites))
	mux.Handle("POST /v1/tramites", editor(handleCreate(h, tramites)))
	mux.Handle("PUT /v1/tramites/{id}", editor(handleUpdate(h, tramites)))
	mux.Handle("DELETE /v1/tramites/{id}", editor(handleDelete(h, tramites)))
	mux.HandleFunc("GET /v1/opas", handleList(h, "opas", cfg.DB.ListOPAs))
	mux.HandleFunc("GET /v1/opas/{id}", handleGet(h, opas))
	mux.Handle("POST /v1/opas", editor(handleCreate(h, opas)))
	mux.Handle("PUT /v1/opas/{id}", editor(handleUpdate(h, opas)))
	mux.Handle("DELETE /v1/opas/{id}", editor(handleDelete(h, opas)))
	mux.HandleFunc("GET /v1/faqs", handleList(h, "faqs", cfg.DB.ListFAQs))
	mux.HandleFunc("GET /v1/faqs/{id}", handleGet(h, faqs))
	mux.Handle("POST /v1/faqs", editor(handleCreate(h, faqs)))
	mux.Handle("PUT /v1/faqs/{id}", editor(handleUpdate(h, faqs)))
	mux.Handle("DELETE /v1/faqs/{id}", editor(handleDelete(h, faqs)))

	// Unified services.
	mux.HandleFunc("GET /v1/servicios", h.HandleSearchServices)
	mux.HandleFunc("GET /v1/servicios/facets", h.HandleServiceFacets)

	// PQRS: public filing and tracking, staff workflow.
	mux.Handle("POST /v1/pqrs", pqrsRL(http.HandlerFunc(h.HandleFilePQRS)))
	mux.HandleFunc("GET /v1/pqrs/{filing}", h.HandleTrackPQRS)
	mux.Handle("GET /v1/admin/pqrs", viewer(h.HandleListPQRS))
	mux.Handle("GET /v1/admin/pqrs/{id}", viewer(h.HandleGetPQRS))
	mux.Handle("POST /v1/admin/pqrs/{id}/status", editor(h.HandleTransitionPQRS))
	mux.Handle("POST /v1/admin/pqrs/{id}/respond", editor(h.HandleRespondPQRS))

	// Chatbot and knowledge base.
	mux.Handle("POST /v1/chat", chatRL(http.HandlerFunc(h.HandleAsk)))
	mux.HandleFunc("GET /v1/chat/{session_id}", h.HandleChatHistory)
	mux.Handle("GET /v1/admin/knowledge/documents", viewer(h.HandleListDocuments))
	mux.Handle("POST /v1/admin/knowledge/documents", editor(h.HandleCreateDocument))
	mux.Handle("POST /v1/admin/knowledge/sync", editor(h.HandleSyncKnowledge))

	// Bulk import/export.
	mux.Handle("POST /v1/admin/import/{entity}", editor(h.HandleImport))
	mux.Handle("GET /v1/admin/export/{entity}", editor(h.HandleExport))

	// Users.
	mux.Handle("GET /v1/admin/me", viewer(h.HandleWhoAmI))
	mux.Handle("POST /v1/admin/users", adminOnly(h.HandleCreateUser))

	// MCP StreamableHTTP transport (auth required, viewer+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", requireRole(model.RoleViewer)(mcpHTTP))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(mux, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(cfg.TrustProxy, handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
