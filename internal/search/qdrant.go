package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/civica-gov/civica/internal/model"
)

// VectorSearcher is an external ANN index over knowledge chunks.
// Implementations must be safe for concurrent use.
type VectorSearcher interface {
	// Search returns chunk IDs nearest to embedding. sourceTypes, when
	// non-empty, restricts hits to chunks of documents of those types.
	Search(ctx context.Context, embedding []float32, limit int, sourceTypes []model.SourceType) ([]Result, error)

	// Upsert inserts or replaces chunk points.
	Upsert(ctx context.Context, points []ChunkPoint) error

	// DeleteByDocument removes every point of a document.
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Result holds a chunk ID and its raw similarity score from the index. The
// caller hydrates chunk text from Postgres.
type Result struct {
	ChunkID uuid.UUID
	Score   float32
}

// ChunkPoint is the data needed to upsert one chunk into Qdrant.
type ChunkPoint struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	SourceType model.SourceType
	SourceID   string
	Embedding  []float32
}

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements VectorSearcher backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error
	healthAt    atomic.Int64 // unix nanos of last check
}

var _ VectorSearcher = (*QdrantIndex)(nil)

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex creates a QdrantIndex. The gRPC connection is lazy.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if missing and ensures the payload
// indexes exist. CreateFieldIndex is idempotent.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"document_id", "source_type", "source_id"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// Search queries Qdrant for the chunks nearest to embedding.
func (q *QdrantIndex) Search(ctx context.Context, embedding []float32, limit int, sourceTypes []model.SourceType) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	var filter *qdrant.Filter
	if len(sourceTypes) > 0 {
		kws := make([]string, len(sourceTypes))
		for i, st := range sourceTypes {
			kws[i] = string(st)
		}
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchKeywords("source_type", kws...)}}
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is positive and bounded by the caller
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		chunkID, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		results = append(results, Result{ChunkID: chunkID, Score: sp.Score})
	}
	return results, nil
}

// Upsert inserts or updates chunk points.
func (q *QdrantIndex) Upsert(ctx context.Context, points []ChunkPoint) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ChunkID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(pointPayload(p)),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

func pointPayload(p ChunkPoint) map[string]any {
	return map[string]any{
		"document_id": p.DocumentID.String(),
		"source_type": string(p.SourceType),
		"source_id":   p.SourceID,
	}
}

// DeleteByDocument removes all points belonging to a document.
func (q *QdrantIndex) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("document_id", documentID.String()),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete document %s: %w", documentID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds and concurrent checks after expiry share one gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// singleflight reuses the first caller's context, so detach from it.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// atomic.Value cannot hold a nil interface, so errors are stored by pointer.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
