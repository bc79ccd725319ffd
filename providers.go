package civica

import (
	"context"
	"log/slog"

	"github.com/civica-gov/civica/internal/config"
	"github.com/civica-gov/civica/internal/service/embedding"
	"github.com/civica-gov/civica/internal/service/llm"
)

// newEmbeddingProvider picks the embedding backend named by
// CIVICA_EMBEDDING_PROVIDER. Auto mode tries Ollama if reachable, then
// OpenAI if a key is present, else noop. The returned name is reported by
// /health.
func newEmbeddingProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (embedding.Provider, string) {
	dims := cfg.EmbeddingDimensions

	openai := func() (embedding.Provider, string) {
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai embedding provider init failed", "error", err)
			return embedding.NewNoopProvider(dims), "noop"
		}
		return p, "openai"
	}

	switch cfg.EmbeddingProvider {
	case "openai":
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return openai()
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims), "ollama"
	case "noop":
		logger.Info("embedding provider: noop (semantic retrieval disabled)")
		return embedding.NewNoopProvider(dims), "noop"
	default:
		if embedding.Reachable(ctx, cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims), "ollama"
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return openai()
		}
		logger.Warn("no embedding provider available, using noop (semantic retrieval disabled)")
		return embedding.NewNoopProvider(dims), "noop"
	}
}

// newCompleter picks the chat model named by CIVICA_CHAT_PROVIDER using
// the same auto-detection order as newEmbeddingProvider. The noop completer
// answers with the retrieved passages verbatim.
func newCompleter(ctx context.Context, cfg config.Config, logger *slog.Logger) (llm.Completer, string) {
	switch cfg.ChatProvider {
	case "openai":
		logger.Info("chat provider: openai", "model", cfg.ChatModel)
		return llm.NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ChatModel, cfg.ChatTimeout), "openai"
	case "ollama":
		logger.Info("chat provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaChatModel)
		return llm.NewOllamaCompleter(cfg.OllamaURL, cfg.OllamaChatModel, cfg.ChatTimeout), "ollama"
	case "noop":
		logger.Info("chat provider: noop (answers quote retrieved passages)")
		return llm.NoopCompleter{}, "noop"
	default:
		if embedding.Reachable(ctx, cfg.OllamaURL) {
			logger.Info("chat provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaChatModel)
			return llm.NewOllamaCompleter(cfg.OllamaURL, cfg.OllamaChatModel, cfg.ChatTimeout), "ollama"
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("chat provider: openai (auto-detected)", "model", cfg.ChatModel)
			return llm.NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ChatModel, cfg.ChatTimeout), "openai"
		}
		logger.Warn("no chat model available, using noop (answers quote retrieved passages)")
		return llm.NoopCompleter{}, "noop"
	}
}
