package civica

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port              int
	databaseURL       string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	completer         Completer
	extraMigrations   []fs.FS
}

// WithPort overrides the TCP port from config (CIVICA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (Ollama/OpenAI/noop).
// Its Dimensions must match CIVICA_EMBEDDING_DIMENSIONS when Qdrant is enabled.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithCompleter replaces the auto-detected chat model used by the citizen assistant.
func WithCompleter(c Completer) Option {
	return func(o *resolvedOptions) { o.completer = c }
}

// WithExtraMigrations adds an SQL migration filesystem to run after the embedded ones.
// Multiple filesystems may be registered; they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
