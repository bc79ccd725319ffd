package civica

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 so callers do not need the
// pgvector dependency; New wraps it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Completer produces the assistant's next message for a conversation.
// When provided via WithCompleter, replaces the auto-detected chat model.
// The first message is the system prompt built by the chat service.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
