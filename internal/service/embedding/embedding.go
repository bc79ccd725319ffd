// Package embedding provides vector embedding generation for knowledge retrieval.
//
// Defines a Provider interface with OpenAI, Ollama and no-op implementations.
// The interface allows swapping embedding providers without changing consumers.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/civica-gov/civica/internal/httpretry"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// IsZero reports whether v has no non-zero component. Zero vectors carry no
// semantic signal and are never stored or searched.
func IsZero(v pgvector.Vector) bool {
	for _, f := range v.Slice() {
		if f != 0 {
			return false
		}
	}
	return true
}

// openAIMaxBatch is the number of inputs sent per embeddings request.
const openAIMaxBatch = 96

// OpenAIProvider generates embeddings using the OpenAI API (or any server
// exposing a compatible /embeddings endpoint).
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
	retry      httpretry.Policy
}

// NewOpenAIProvider creates a new OpenAI embedding provider. dims is sent as
// the "dimensions" request parameter so text-embedding-3 models return
// vectors of the configured size.
func NewOpenAIProvider(apiKey, baseURL, model string, dims int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: openai api key is required")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("embedding: dimensions must be positive")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dims,
		retry:      httpretry.DefaultPolicy,
	}, nil
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings, splitting large inputs into several requests.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([]pgvector.Vector, 0, len(texts))
	for start := 0; start < len(texts); start += openAIMaxBatch {
		end := min(start+openAIMaxBatch, len(texts))
		vecs, err := p.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *OpenAIProvider) embedChunk(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	resp, err := httpretry.Do(ctx, p.httpClient, p.retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("embedding: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: openai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	// Ensure results are in input order.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		if len(d.Embedding) != p.dimensions {
			return nil, fmt.Errorf("embedding: expected %d dimensions, got %d", p.dimensions, len(d.Embedding))
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}

// NoopProvider returns zero vectors. Used when no provider is configured;
// retrieval then relies on full-text search alone.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
