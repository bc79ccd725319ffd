// Package civica is the public API for embedding the municipal citizen
// services portal.
//
// Deployments that need a different model provider import this package
// instead of forking the server:
//
//	app, err := civica.New(ctx,
//	    civica.WithVersion(version),
//	    civica.WithLogger(logger),
//	    civica.WithCompleter(myCompleter{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the
// root. Public types (Message, EmbeddingProvider, Completer) are standalone
// and the adapters that bridge them live here.
package civica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/civica-gov/civica/api"
	"github.com/civica-gov/civica/internal/auth"
	"github.com/civica-gov/civica/internal/config"
	"github.com/civica-gov/civica/internal/mcp"
	"github.com/civica-gov/civica/internal/ratelimit"
	"github.com/civica-gov/civica/internal/search"
	"github.com/civica-gov/civica/internal/server"
	"github.com/civica-gov/civica/internal/service/chat"
	"github.com/civica-gov/civica/internal/service/embedding"
	"github.com/civica-gov/civica/internal/service/knowledge"
	"github.com/civica-gov/civica/internal/service/llm"
	"github.com/civica-gov/civica/internal/service/pqrs"
	"github.com/civica-gov/civica/internal/service/transfer"
	"github.com/civica-gov/civica/internal/storage"
	"github.com/civica-gov/civica/internal/telemetry"
	"github.com/civica-gov/civica/migrations"
)

// App is the portal server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	worker       *knowledge.Worker
	knowledgeSvc *knowledge.Service
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	// Background loops started by Run. Shutdown cancels and joins them
	// before closing the pool.
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New initialises the portal. It connects to the database, runs migrations,
// wires all subsystems and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections; call Run().
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("civica starting", "version", version, "port", cfg.Port, "environment", cfg.Environment)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Environment: cfg.Environment,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// cleanup releases everything acquired so far when a later step fails.
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = otelShutdown(context.Background())
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("storage: %w", err)
	}
	closers = append(closers, db.Close)

	if cfg.SkipMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		cleanup()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			cleanup()
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("auth: %w", err)
	}

	// External overrides take priority over auto-detection.
	var embedder embedding.Provider
	embedderName := "custom"
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder, embedderName = newEmbeddingProvider(ctx, cfg, logger)
	}
	var completer llm.Completer
	completerName := "custom"
	if o.completer != nil {
		completer = &completerAdapter{c: o.completer}
	} else {
		completer, completerName = newCompleter(ctx, cfg, logger)
	}

	var knowledgeOpts []knowledge.Option
	var qdrantIndex *search.QdrantIndex
	var index search.VectorSearcher
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		closers = append(closers, func() { _ = qdrantIndex.Close() })
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			cleanup()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		knowledgeOpts = append(knowledgeOpts, knowledge.WithIndex(qdrantIndex))
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL), vector retrieval uses pgvector")
	}

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.DialRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		limiter = rl
		logger.Info("rate limiting: redis (shared fixed window)")
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		logger.Info("rate limiting: memory (in-process token bucket)")
	}
	closers = append(closers, func() { _ = limiter.Close() })

	knowledgeSvc := knowledge.New(db, embedder, logger, knowledgeOpts...)
	worker := knowledge.NewWorker(db, knowledgeSvc, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	searchSvc := search.NewService(db)
	pqrsSvc := pqrs.New(db, logger)
	chatSvc := chat.New(db, knowledgeSvc, completer, logger)
	transferSvc := transfer.New(db, logger)

	mcpSrv := mcp.New(mcp.Deps{
		Search:    searchSvc,
		Catalog:   db,
		Assistant: chatSvc,
		PQRS:      pqrsSvc,
		Logger:    logger,
		Version:   version,
	})

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		SearchSvc:           searchSvc,
		PQRSSvc:             pqrsSvc,
		ChatSvc:             chatSvc,
		KnowledgeSvc:        knowledgeSvc,
		TransferSvc:         transferSvc,
		Logger:              logger,
		Limiter:             limiter,
		Index:               index,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxImportBytes:      cfg.MaxImportBytes,
		CORSOrigins:         cfg.CORSOrigins,
		TrustProxy:          cfg.TrustProxy,
		PQRSRateLimit:       cfg.PQRSRateLimit,
		ChatRateLimit:       cfg.ChatRateLimit,
		EmbeddingProvider:   embedderName,
		ChatProvider:        completerName,
		OpenAPISpec:         api.OpenAPISpec,
	})

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		cleanup()
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		worker:       worker,
		knowledgeSvc: knowledgeSvc,
		qdrantIndex:  qdrantIndex,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the knowledge worker and the HTTP server, then blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown has been
// called; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)

	a.startBackground(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) startBackground(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	a.bgCancel = cancel
	if a.cfg.SyncKnowledgeOnStart {
		a.bg.Go(func() { a.syncKnowledge(bgCtx) })
	}
	a.bg.Go(func() { a.idempotencyCleanupLoop(bgCtx) })
}

// stopBackground cancels the loops started by startBackground and waits for
// them to return.
func (a *App) stopBackground() {
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.bg.Wait()
}

// syncKnowledge re-ingests the whole catalog once. Failures are logged; the
// outbox worker keeps the index current afterwards.
func (a *App) syncKnowledge(ctx context.Context) {
	start := time.Now()
	report, err := a.knowledgeSvc.SyncCatalog(ctx)
	if err != nil {
		a.logger.Warn("startup knowledge sync failed", "error", err)
		return
	}
	a.logger.Info("startup knowledge sync complete",
		"ingested", report.Ingested,
		"unchanged", report.Unchanged,
		"removed", report.Removed,
		"failed", report.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// Shutdown performs a two-phase graceful shutdown: (1) stop accepting HTTP
// requests and drain in-flight ones, (2) drain the knowledge outbox. It then
// waits for the background loops and closes the rate limiter, Qdrant, the
// database pool and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("civica shutting down")

	timeout := a.cfg.ShutdownTimeout / 2

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, timeout)
	err := a.srv.Shutdown(httpCtx)
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	workerCtx, workerCancel := contextWithOptionalTimeout(ctx, timeout)
	a.worker.Drain(workerCtx)
	workerCancel()

	a.stopBackground()

	if cerr := a.limiter.Close(); cerr != nil {
		a.logger.Warn("rate limiter close error", "error", cerr)
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	a.db.Close()
	if terr := a.otelShutdown(context.Background()); terr != nil {
		a.logger.Warn("telemetry shutdown error", "error", terr)
	}

	a.logger.Info("civica stopped")
	return err
}

// Handler returns the root HTTP handler, for serving the app from an
// existing listener or a test server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// ── Adapters ─────────────────────────────────────────────────────────────────

// embeddingAdapter wraps a civica.EmbeddingProvider to satisfy embedding.Provider.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vs) != len(texts) {
		return nil, fmt.Errorf("embedding: provider returned %d vectors for %d texts", len(vs), len(texts))
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embeddingAdapter) Dimensions() int { return a.p.Dimensions() }

// completerAdapter wraps a civica.Completer to satisfy llm.Completer.
type completerAdapter struct {
	c Completer
}

func (a *completerAdapter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	pub := make([]Message, len(messages))
	for i, m := range messages {
		pub[i] = Message{Role: m.Role, Content: m.Content}
	}
	return a.c.Complete(ctx, pub)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
