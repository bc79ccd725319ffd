// Package llm generates chat completions for the citizen assistant.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/civica-gov/civica/internal/httpretry"
)

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces the assistant's next message for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// OpenAICompleter calls the OpenAI chat completions API (or a compatible server).
type OpenAICompleter struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	retry       httpretry.Policy
}

// NewOpenAICompleter creates a completer for the given model.
func NewOpenAICompleter(apiKey, baseURL, model string, timeout time.Duration) *OpenAICompleter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAICompleter{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: 0.2,
		httpClient:  &http.Client{Timeout: timeout},
		retry:       httpretry.DefaultPolicy,
	}
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the conversation and returns the first choice.
func (c *OpenAICompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(openAIChatRequest{Model: c.model, Messages: messages, Temperature: c.temperature})
	if err != nil {
		return "", fmt.Errorf("llm: openai: marshal: %w", err)
	}

	resp, err := httpretry.Do(ctx, c.httpClient, c.retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llm: openai: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("llm: openai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("llm: openai: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("llm: openai: no choices in response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// OllamaCompleter calls a local Ollama server's /api/chat endpoint.
type OllamaCompleter struct {
	baseURL    string
	model      string
	httpClient *http.Client
	retry      httpretry.Policy
}

// NewOllamaCompleter creates a completer for a local chat model.
func NewOllamaCompleter(baseURL, model string, timeout time.Duration) *OllamaCompleter {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaCompleter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		retry:      httpretry.DefaultPolicy,
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Complete sends the conversation with streaming disabled.
func (c *OllamaCompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{"temperature": 0.2},
	})
	if err != nil {
		return "", fmt.Errorf("llm: ollama: marshal: %w", err)
	}

	resp, err := httpretry.Do(ctx, c.httpClient, c.retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llm: ollama: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("llm: ollama: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("llm: ollama: decode response: %w", err)
	}
	content := strings.TrimSpace(result.Message.Content)
	if content == "" {
		return "", fmt.Errorf("llm: ollama: empty response")
	}
	return content, nil
}

// ContextMarker precedes the retrieved context inside the final user
// message built by the chat service. NoopCompleter echoes what follows it.
const ContextMarker = "Contexto:\n"

// NoopCompleter answers without a model by returning the retrieved context
// verbatim, so the portal still surfaces relevant content when no LLM is
// configured.
type NoopCompleter struct{}

// Complete returns the context section of the last user message, or a fixed
// apology when there is none.
func (NoopCompleter) Complete(_ context.Context, messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != RoleUser {
			continue
		}
		idx := strings.Index(m.Content, ContextMarker)
		if idx < 0 {
			break
		}
		ctxText := strings.TrimSpace(m.Content[idx+len(ContextMarker):])
		if cut := strings.Index(ctxText, "\n\nPregunta:"); cut >= 0 {
			ctxText = strings.TrimSpace(ctxText[:cut])
		}
		if ctxText == "" {
			break
		}
		return "Esta es la información relacionada que encontré:\n\n" + ctxText, nil
	}
	return NoAnswer, nil
}

// NoAnswer is returned when no context is available.
const NoAnswer = "No encontré información sobre ese tema en los contenidos de la alcaldía. " +
	"Le sugiero comunicarse con la línea de atención o radicar una PQRS."
