package testutil

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/pgvector/pgvector-go"

	"github.com/civica-gov/civica/internal/textnorm"
)

// HashEmbedder is a deterministic embedding.Provider for tests. Each folded
// token increments one hashed dimension, so texts sharing words are close in
// cosine distance. Text without tokens yields a zero vector.
type HashEmbedder struct {
	Dims int
}

// Embed returns the bag-of-words vector of text.
func (h HashEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	dims := h.Dimensions()
	v := make([]float32, dims)
	for _, tok := range textnorm.Tokens(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		v[int(f.Sum32()%uint32(dims))]++ //nolint:gosec // dims is small and positive
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range v {
			v[i] /= n
		}
	}
	return pgvector.NewVector(v), nil
}

// EmbedBatch embeds each text in order.
func (h HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the vector size, 64 by default.
func (h HashEmbedder) Dimensions() int {
	if h.Dims <= 0 {
		return 64
	}
	return h.Dims
}
