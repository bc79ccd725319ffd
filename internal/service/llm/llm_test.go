package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/httpretry"
)

func TestOpenAICompleter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "  El predial vence en marzo.  "}}},
		})
	}))
	defer srv.Close()

	c := NewOpenAICompleter("sk-test", srv.URL, "", 5*time.Second)
	got, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "Eres un asistente."},
		{Role: RoleUser, Content: "¿Cuándo vence el predial?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "El predial vence en marzo.", got)
}

func TestOpenAICompleterNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAICompleter("sk-test", srv.URL, "m", time.Second)
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	assert.Error(t, err)
}

func TestOpenAICompleterRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAICompleter("sk-test", srv.URL, "m", time.Second)
	c.retry = httpretry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	got, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestOllamaCompleter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: struct {
			Content string `json:"content"`
		}{Content: "Hola"}})
	}))
	defer srv.Close()

	c := NewOllamaCompleter(srv.URL, "llama3.1", time.Second)
	got, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "Hola", got)
}

func TestOllamaCompleterEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":""}}`))
	}))
	defer srv.Close()

	c := NewOllamaCompleter(srv.URL, "llama3.1", time.Second)
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	assert.Error(t, err)
}

func TestNoopCompleterEchoesContext(t *testing.T) {
	got, err := NoopCompleter{}.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: ContextMarker + "[1] Impuesto predial: se paga en marzo.\n\nPregunta: ¿cuándo?"},
	})
	require.NoError(t, err)
	assert.Contains(t, got, "se paga en marzo")
	assert.NotContains(t, got, "Pregunta:")
}

func TestNoopCompleterWithoutContext(t *testing.T) {
	got, err := NoopCompleter{}.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hola"}})
	require.NoError(t, err)
	assert.Equal(t, NoAnswer, got)
}
