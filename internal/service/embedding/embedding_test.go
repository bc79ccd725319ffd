package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/httpretry"
)

func openAITestServer(t *testing.T, dims int, failFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if n <= failFirst {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, dims, req.Dimensions)

		// Answer in reverse order to exercise index reordering.
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dims)
			vec[0] = float32(i + 1)
			data = append(data, item{Embedding: vec, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOpenAIProviderEmbedBatchKeepsOrder(t *testing.T) {
	srv, _ := openAITestServer(t, 8, 0)
	p, err := NewOpenAIProvider("sk-test", srv.URL, "text-embedding-3-small", 8)
	require.NoError(t, err)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v.Slice()[0])
	}
}

func TestOpenAIProviderSplitsLargeBatches(t *testing.T) {
	srv, calls := openAITestServer(t, 4, 0)
	p, err := NewOpenAIProvider("sk-test", srv.URL, "m", 4)
	require.NoError(t, err)

	texts := make([]string, openAIMaxBatch+5)
	for i := range texts {
		texts[i] = "x"
	}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vecs, len(texts))
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIProviderRetriesRateLimit(t *testing.T) {
	srv, calls := openAITestServer(t, 4, 2)
	p, err := NewOpenAIProvider("sk-test", srv.URL, "m", 4)
	require.NoError(t, err)
	p.retry = httpretry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

	_, err = p.Embed(context.Background(), "hola")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIProviderRequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider("", "", "m", 4)
	assert.Error(t, err)
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(16)
	assert.Equal(t, 16, p.Dimensions())

	v, err := p.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, IsZero(v))

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}

func TestIsZero(t *testing.T) {
	assert.True(t, IsZero(pgvector.NewVector([]float32{0, 0})))
	assert.False(t, IsZero(pgvector.NewVector([]float32{0, 0.1})))
}
