// Package knowledge maintains the chatbot's knowledge base: it renders
// catalog entities into documents, chunks and embeds them, mirrors the
// vectors into Qdrant when configured, and answers hybrid retrieval queries.
package knowledge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/search"
	"github.com/civica-gov/civica/internal/service/embedding"
	"github.com/civica-gov/civica/internal/storage"
	"github.com/civica-gov/civica/internal/telemetry"
	"github.com/civica-gov/civica/internal/textnorm"
)

// rrfK is the rank offset of reciprocal rank fusion.
const rrfK = 60

// ErrEmptyDocument is returned when a document has no content to index.
var ErrEmptyDocument = errors.New("knowledge: empty document")

// Store is the persistence the knowledge service needs. *storage.DB
// implements it.
type Store interface {
	GetTramite(ctx context.Context, id uuid.UUID) (model.Tramite, error)
	GetOPA(ctx context.Context, id uuid.UUID) (model.OPA, error)
	GetFAQ(ctx context.Context, id uuid.UUID) (model.FAQ, error)
	GetDependencia(ctx context.Context, id uuid.UUID) (model.Dependencia, error)
	GetSubdependencia(ctx context.Context, id uuid.UUID) (model.Subdependencia, error)
	search.Source

	GetDocumentBySource(ctx context.Context, st model.SourceType, sourceID string) (model.KnowledgeDocument, error)
	UpsertDocument(ctx context.Context, doc model.KnowledgeDocument, chunks []storage.ChunkInput) (model.KnowledgeDocument, error)
	InvalidateDocumentHash(ctx context.Context, docID uuid.UUID) error
	DeleteDocumentBySource(ctx context.Context, st model.SourceType, sourceID string) (uuid.UUID, error)
	ListDocumentSourceIDs(ctx context.Context, st model.SourceType) ([]string, error)

	SearchChunksByVector(ctx context.Context, emb pgvector.Vector, limit int, types []model.SourceType) ([]model.ChunkHit, error)
	SearchChunksByText(ctx context.Context, terms []string, limit int, types []model.SourceType) ([]model.ChunkHit, error)
	GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]model.ChunkHit, error)
}

// Outcome describes what an ingest did.
type Outcome string

const (
	OutcomeIngested  Outcome = "ingested"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRemoved   Outcome = "removed"
)

// SyncReport summarizes a SyncCatalog run.
type SyncReport struct {
	Ingested  int `json:"ingested"`
	Unchanged int `json:"unchanged"`
	Removed   int `json:"removed"`
	Failed    int `json:"failed"`
}

// Service ingests documents and retrieves chunks.
type Service struct {
	store        Store
	embedder     embedding.Provider
	index        search.VectorSearcher // nil when Qdrant is not configured
	logger       *slog.Logger
	chunkSize    int
	chunkOverlap int

	embedDuration    metric.Float64Histogram
	retrieveDuration metric.Float64Histogram
}

// Option configures a Service.
type Option func(*Service)

// WithIndex mirrors chunk vectors into an external ANN index.
func WithIndex(idx search.VectorSearcher) Option {
	return func(s *Service) { s.index = idx }
}

// WithChunking overrides the chunk size and overlap.
func WithChunking(size, overlap int) Option {
	return func(s *Service) {
		s.chunkSize = size
		s.chunkOverlap = overlap
	}
}

// New creates a knowledge service.
func New(store Store, embedder embedding.Provider, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		embedder:     embedder,
		logger:       logger,
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
	}
	for _, o := range opts {
		o(s)
	}
	meter := telemetry.Meter("civica/knowledge")
	s.embedDuration, _ = meter.Float64Histogram("civica.embedding.duration",
		metric.WithUnit("ms"), metric.WithDescription("Embedding batch latency"))
	s.retrieveDuration, _ = meter.Float64Histogram("civica.knowledge.retrieve.duration",
		metric.WithUnit("ms"), metric.WithDescription("Hybrid retrieval latency"))
	return s
}

// HasIndex reports whether an external vector index is configured.
func (s *Service) HasIndex() bool { return s.index != nil }

// Ingest stores doc, replacing its previous chunks. A document whose content
// hash matches the stored one is left untouched.
func (s *Service) Ingest(ctx context.Context, doc model.KnowledgeDocument) (model.KnowledgeDocument, Outcome, error) {
	doc.Title = strings.TrimSpace(doc.Title)
	doc.Content = strings.TrimSpace(doc.Content)
	if doc.Content == "" {
		return model.KnowledgeDocument{}, "", ErrEmptyDocument
	}
	doc.ContentHash = ContentHash(doc)

	existing, err := s.store.GetDocumentBySource(ctx, doc.SourceType, doc.SourceID)
	switch {
	case err == nil && existing.ContentHash == doc.ContentHash:
		return existing, OutcomeUnchanged, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return model.KnowledgeDocument{}, "", fmt.Errorf("knowledge: ingest: %w", err)
	}

	texts := Chunk(doc.Content, s.chunkSize, s.chunkOverlap)
	inputs := make([]storage.ChunkInput, len(texts))
	embedInputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = storage.ChunkInput{
			ID:         uuid.New(),
			Index:      i,
			Content:    t,
			SearchText: textnorm.Fold(doc.Title + " " + t),
		}
		embedInputs[i] = doc.Title + "\n\n" + t
	}

	start := time.Now()
	vectors, err := s.embedder.EmbedBatch(ctx, embedInputs)
	if err != nil {
		return model.KnowledgeDocument{}, "", fmt.Errorf("knowledge: embed %s %s: %w", doc.SourceType, doc.SourceID, err)
	}
	s.recordEmbed(ctx, start, len(texts))
	if len(vectors) != len(inputs) {
		return model.KnowledgeDocument{}, "", fmt.Errorf("knowledge: embed returned %d vectors for %d chunks", len(vectors), len(inputs))
	}
	for i := range vectors {
		if !embedding.IsZero(vectors[i]) {
			inputs[i].Embedding = &vectors[i]
		}
	}

	saved, err := s.store.UpsertDocument(ctx, doc, inputs)
	if err != nil {
		return model.KnowledgeDocument{}, "", fmt.Errorf("knowledge: ingest: %w", err)
	}

	if s.index != nil {
		if err := s.syncIndex(ctx, saved, inputs); err != nil {
			// Force the next attempt to rewrite the document so the index catches up.
			if invErr := s.store.InvalidateDocumentHash(ctx, saved.ID); invErr != nil {
				s.logger.Error("knowledge: invalidate hash after index failure", "error", invErr, "document_id", saved.ID)
			}
			return saved, "", err
		}
	}

	s.logger.Debug("knowledge: ingested document",
		"source_type", doc.SourceType, "source_id", doc.SourceID, "chunks", len(inputs))
	return saved, OutcomeIngested, nil
}

func (s *Service) syncIndex(ctx context.Context, doc model.KnowledgeDocument, chunks []storage.ChunkInput) error {
	if err := s.index.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("knowledge: index delete: %w", err)
	}
	points := make([]search.ChunkPoint, 0, len(chunks))
	for _, c := range chunks {
		if c.Embedding == nil {
			continue
		}
		points = append(points, search.ChunkPoint{
			ChunkID:    c.ID,
			DocumentID: doc.ID,
			SourceType: doc.SourceType,
			SourceID:   doc.SourceID,
			Embedding:  c.Embedding.Slice(),
		})
	}
	if err := s.index.Upsert(ctx, points); err != nil {
		return fmt.Errorf("knowledge: index upsert: %w", err)
	}
	return nil
}

func (s *Service) recordEmbed(ctx context.Context, start time.Time, n int) {
	if s.embedDuration == nil {
		return
	}
	s.embedDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Int("inputs", n)))
}

// Remove deletes the document for a source. Removing a missing document is
// not an error.
func (s *Service) Remove(ctx context.Context, st model.SourceType, sourceID string) error {
	id, err := s.store.DeleteDocumentBySource(ctx, st, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("knowledge: remove: %w", err)
	}
	if s.index != nil {
		if err := s.index.DeleteByDocument(ctx, id); err != nil {
			return fmt.Errorf("knowledge: index delete: %w", err)
		}
	}
	return nil
}

// CreateManual validates and ingests an editor-supplied document. When
// req.SourceID is empty a new id is assigned.
func (s *Service) CreateManual(ctx context.Context, req model.CreateDocumentRequest) (model.KnowledgeDocument, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.SourceID = strings.TrimSpace(req.SourceID)
	switch {
	case req.Title == "":
		return model.KnowledgeDocument{}, fmt.Errorf("%w: title is required", ErrEmptyDocument)
	case strings.TrimSpace(req.Content) == "":
		return model.KnowledgeDocument{}, fmt.Errorf("%w: content is required", ErrEmptyDocument)
	case len(req.Content) > model.MaxDocumentContentLen:
		return model.KnowledgeDocument{}, fmt.Errorf("knowledge: content exceeds %d bytes", model.MaxDocumentContentLen)
	}
	if req.URL != "" {
		if err := model.ValidatePublicURL(req.URL); err != nil {
			return model.KnowledgeDocument{}, err
		}
	}
	if req.SourceID == "" {
		req.SourceID = uuid.NewString()
	}
	doc, _, err := s.Ingest(ctx, model.KnowledgeDocument{
		SourceType: model.SourceManual,
		SourceID:   req.SourceID,
		Title:      req.Title,
		Content:    req.Content,
		URL:        req.URL,
	})
	return doc, err
}

// IngestSource renders the current state of a catalog entity and ingests
// it. Missing or inactive entities are removed from the knowledge base.
func (s *Service) IngestSource(ctx context.Context, st model.SourceType, sourceID string) (Outcome, error) {
	id, err := uuid.Parse(sourceID)
	if err != nil {
		return "", fmt.Errorf("knowledge: invalid source id %q: %w", sourceID, err)
	}

	doc, active, err := s.render(ctx, st, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !active) {
		if err := s.Remove(ctx, st, sourceID); err != nil {
			return "", err
		}
		return OutcomeRemoved, nil
	}
	if err != nil {
		return "", err
	}
	_, outcome, err := s.Ingest(ctx, doc)
	return outcome, err
}

func (s *Service) render(ctx context.Context, st model.SourceType, id uuid.UUID) (model.KnowledgeDocument, bool, error) {
	switch st {
	case model.SourceTramite:
		t, err := s.store.GetTramite(ctx, id)
		if err != nil {
			return model.KnowledgeDocument{}, false, err
		}
		dep, sub, err := s.owners(ctx, &t.DependenciaID, t.SubdependenciaID)
		if err != nil {
			return model.KnowledgeDocument{}, false, err
		}
		return DocumentForTramite(t, *dep, sub), t.Active, nil
	case model.SourceOPA:
		o, err := s.store.GetOPA(ctx, id)
		if err != nil {
			return model.KnowledgeDocument{}, false, err
		}
		dep, sub, err := s.owners(ctx, &o.DependenciaID, o.SubdependenciaID)
		if err != nil {
			return model.KnowledgeDocument{}, false, err
		}
		return DocumentForOPA(o, *dep, sub), o.Active, nil
	case model.SourceFAQ:
		f, err := s.store.GetFAQ(ctx, id)
		if err != nil {
			return model.KnowledgeDocument{}, false, err
		}
		dep, sub, err := s.owners(ctx, f.DependenciaID, f.SubdependenciaID)
		if err != nil {
			return model.KnowledgeDocument{}, false, err
		}
		return DocumentForFAQ(f, dep, sub), f.Active, nil
	}
	return model.KnowledgeDocument{}, false, fmt.Errorf("knowledge: source type %q is not a catalog type", st)
}

func (s *Service) owners(ctx context.Context, depID, subID *uuid.UUID) (*model.Dependencia, *model.Subdependencia, error) {
	if depID == nil {
		return nil, nil, nil
	}
	dep, err := s.store.GetDependencia(ctx, *depID)
	if err != nil {
		return nil, nil, fmt.Errorf("knowledge: load dependencia: %w", err)
	}
	if subID == nil {
		return &dep, nil, nil
	}
	sub, err := s.store.GetSubdependencia(ctx, *subID)
	if err != nil {
		return nil, nil, fmt.Errorf("knowledge: load subdependencia: %w", err)
	}
	return &dep, &sub, nil
}

// SyncCatalog ingests every active trámite, OPA and FAQ and removes the
// documents of inactive or deleted ones. Per-entity failures are logged and
// counted; only a failure to list the catalog aborts the run.
func (s *Service) SyncCatalog(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	sources := []struct {
		st   model.SourceType
		load func(context.Context) ([]model.ServiceItem, error)
	}{
		{model.SourceTramite, s.store.ListAllTramitesForSearch},
		{model.SourceOPA, s.store.ListAllOPAsForSearch},
		{model.SourceFAQ, s.store.ListAllFAQsForSearch},
	}

	for _, src := range sources {
		items, err := src.load(ctx)
		if err != nil {
			return rep, fmt.Errorf("knowledge: sync %s: %w", src.st, err)
		}
		live := make(map[string]struct{}, len(items))
		for _, it := range items {
			live[it.ID.String()] = struct{}{}
			outcome, err := s.IngestSource(ctx, src.st, it.ID.String())
			if err != nil {
				rep.Failed++
				s.logger.Warn("knowledge: sync entity failed", "source_type", src.st, "source_id", it.ID, "error", err)
				continue
			}
			rep.count(outcome)
		}

		stored, err := s.store.ListDocumentSourceIDs(ctx, src.st)
		if err != nil {
			return rep, fmt.Errorf("knowledge: sync %s: %w", src.st, err)
		}
		for _, id := range stored {
			if _, ok := live[id]; ok {
				continue
			}
			if err := s.Remove(ctx, src.st, id); err != nil {
				rep.Failed++
				s.logger.Warn("knowledge: remove orphan failed", "source_type", src.st, "source_id", id, "error", err)
				continue
			}
			rep.Removed++
		}
	}

	s.logger.Info("knowledge: catalog synced",
		"ingested", rep.Ingested, "unchanged", rep.Unchanged, "removed", rep.Removed, "failed", rep.Failed)
	return rep, nil
}

func (r *SyncReport) count(o Outcome) {
	switch o {
	case OutcomeIngested:
		r.Ingested++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeRemoved:
		r.Removed++
	}
}

// Retrieve returns the k chunks most relevant to query. A vector leg and a
// full-text leg each fetch 3k candidates and are fused by reciprocal rank.
// The vector leg is skipped when the provider returns zero vectors; if it
// fails, retrieval degrades to full text.
func (s *Service) Retrieve(ctx context.Context, query string, k int, types ...model.SourceType) ([]model.ChunkHit, error) {
	if k <= 0 {
		k = 5
	}
	start := time.Now()
	defer func() {
		if s.retrieveDuration != nil {
			s.retrieveDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	fetch := 3 * k
	vectorHits, vecErr := s.vectorLeg(ctx, query, fetch, types)
	if vecErr != nil {
		s.logger.Warn("knowledge: vector retrieval failed, using full text only", "error", vecErr)
	}

	textHits, textErr := s.store.SearchChunksByText(ctx, textnorm.Tokens(query), fetch, types)
	if textErr != nil {
		if vecErr != nil {
			return nil, fmt.Errorf("knowledge: retrieve: %w", errors.Join(vecErr, textErr))
		}
		s.logger.Warn("knowledge: text retrieval failed", "error", textErr)
	}

	fused := FuseRRF(vectorHits, textHits)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

func (s *Service) vectorLeg(ctx context.Context, query string, limit int, types []model.SourceType) ([]model.ChunkHit, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if embedding.IsZero(vec) {
		return nil, nil
	}

	if s.index != nil && s.index.Healthy(ctx) == nil {
		results, err := s.index.Search(ctx, vec.Slice(), limit, types)
		if err == nil {
			return s.hydrate(ctx, results)
		}
		s.logger.Warn("knowledge: qdrant search failed, using pgvector", "error", err)
	}
	return s.store.SearchChunksByVector(ctx, vec, limit, types)
}

// hydrate loads chunk text for index results, preserving the index order.
// Chunks deleted since they were indexed are dropped.
func (s *Service) hydrate(ctx context.Context, results []search.Result) ([]model.ChunkHit, error) {
	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	hits, err := s.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]model.ChunkHit, len(hits))
	for _, h := range hits {
		byID[h.Chunk.ID] = h
	}
	out := make([]model.ChunkHit, 0, len(results))
	for _, r := range results {
		h, ok := byID[r.ChunkID]
		if !ok {
			continue
		}
		h.Score = float64(r.Score)
		out = append(out, h)
	}
	return out, nil
}

// FuseRRF merges ranked lists by reciprocal rank fusion: each hit scores
// the sum of 1/(rrfK+rank) over the lists it appears in. The returned hits
// carry the fused score, highest first.
func FuseRRF(lists ...[]model.ChunkHit) []model.ChunkHit {
	scores := make(map[uuid.UUID]float64)
	hits := make(map[uuid.UUID]model.ChunkHit)
	for _, list := range lists {
		for rank, h := range list {
			scores[h.Chunk.ID] += 1.0 / float64(rrfK+rank+1)
			if _, ok := hits[h.Chunk.ID]; !ok {
				hits[h.Chunk.ID] = h
			}
		}
	}
	out := make([]model.ChunkHit, 0, len(hits))
	for id, h := range hits {
		h.Score = scores[id]
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b model.ChunkHit) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), strings.Compare(a.Chunk.ID.String(), b.Chunk.ID.String()))
	})
	return out
}
