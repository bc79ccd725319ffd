package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/civica-gov/civica/internal/model"
)

// ChunkInput is one chunk to store with its folded search text and optional
// embedding. A nil Embedding stores NULL and the chunk is reachable only
// through full-text search.
type ChunkInput struct {
	ID         uuid.UUID
	Index      int
	Content    string
	SearchText string
	Embedding  *pgvector.Vector
}

const documentColumns = `id, source_type, source_id, title, content, url, content_hash, chunk_count, created_at, updated_at`

func scanDocument(row pgx.Row) (model.KnowledgeDocument, error) {
	var d model.KnowledgeDocument
	var st string
	err := row.Scan(&d.ID, &st, &d.SourceID, &d.Title, &d.Content, &d.URL, &d.ContentHash,
		&d.ChunkCount, &d.CreatedAt, &d.UpdatedAt)
	d.SourceType = model.SourceType(st)
	return d, err
}

// GetDocumentBySource returns the document stored for a source.
func (db *DB) GetDocumentBySource(ctx context.Context, st model.SourceType, sourceID string) (model.KnowledgeDocument, error) {
	d, err := scanDocument(db.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM knowledge_documents WHERE source_type = $1 AND source_id = $2`,
		string(st), sourceID))
	if err != nil {
		return model.KnowledgeDocument{}, fmt.Errorf("storage: get document: %w", mapError(err))
	}
	return d, nil
}

// UpsertDocument stores doc keyed by (source_type, source_id) and replaces
// all of its chunks in one transaction. The returned document carries the
// persisted id, which is stable across re-ingests of the same source.
func (db *DB) UpsertDocument(ctx context.Context, doc model.KnowledgeDocument, chunks []ChunkInput) (model.KnowledgeDocument, error) {
	now := time.Now().UTC()
	doc.ChunkCount = len(chunks)
	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.tx.QueryRow(ctx,
			`INSERT INTO knowledge_documents (id, source_type, source_id, title, content, url, content_hash, chunk_count, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			 ON CONFLICT (source_type, source_id) DO UPDATE
			 SET title = EXCLUDED.title, content = EXCLUDED.content, url = EXCLUDED.url,
			     content_hash = EXCLUDED.content_hash, chunk_count = EXCLUDED.chunk_count,
			     updated_at = EXCLUDED.updated_at
			 RETURNING id, created_at, updated_at`,
			uuid.New(), string(doc.SourceType), doc.SourceID, doc.Title, doc.Content, doc.URL,
			doc.ContentHash, doc.ChunkCount, now,
		).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return fmt.Errorf("storage: upsert document: %w", err)
		}
		return replaceChunks(ctx, tx.tx, doc.ID, chunks)
	})
	if err != nil {
		return model.KnowledgeDocument{}, err
	}
	return doc, nil
}

func replaceChunks(ctx context.Context, tx pgx.Tx, docID uuid.UUID, chunks []ChunkInput) error {
	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_chunks WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("storage: delete chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	rows := make([][]any, len(chunks))
	for i, c := range chunks {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rows[i] = []any{id, docID, c.Index, c.Content, c.SearchText, c.Embedding}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"knowledge_chunks"},
		[]string{"id", "document_id", "chunk_index", "content", "search_text", "embedding"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("storage: copy chunks: %w", err)
	}
	return nil
}

// ChunkIDsForDocument lists the chunk ids of a document in index order.
func (db *DB) ChunkIDsForDocument(ctx context.Context, docID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM knowledge_chunks WHERE document_id = $1 ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("storage: chunk ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan chunk ids: %w", err)
	}
	return ids, nil
}

// DeleteDocumentBySource removes a document and its chunks, returning the
// deleted document id.
func (db *DB) DeleteDocumentBySource(ctx context.Context, st model.SourceType, sourceID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`DELETE FROM knowledge_documents WHERE source_type = $1 AND source_id = $2 RETURNING id`,
		string(st), sourceID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: delete document: %w", mapError(err))
	}
	return id, nil
}

// ListDocumentSourceIDs returns the source ids of every stored document of one type.
func (db *DB) ListDocumentSourceIDs(ctx context.Context, st model.SourceType) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source_id FROM knowledge_documents WHERE source_type = $1`, string(st))
	if err != nil {
		return nil, fmt.Errorf("storage: list document sources: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: scan document sources: %w", err)
	}
	return ids, nil
}

// ListDocuments returns documents without their content, most recently
// updated first, with the total count.
func (db *DB) ListDocuments(ctx context.Context, st *model.SourceType, limit, offset int) ([]model.KnowledgeDocument, int, error) {
	var stArg *string
	if st != nil {
		s := string(*st)
		stArg = &s
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_documents WHERE ($1::text IS NULL OR source_type = $1)`, stArg,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count documents: %w", err)
	}

	query, args := paginate(
		`SELECT id, source_type, source_id, title, '' AS content, url, content_hash, chunk_count, created_at, updated_at
		 FROM knowledge_documents
		 WHERE ($1::text IS NULL OR source_type = $1)
		 ORDER BY updated_at DESC, id ASC`,
		[]any{stArg}, limit, offset)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list documents: %w", err)
	}
	defer rows.Close()

	var out []model.KnowledgeDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

const chunkHitSelect = `SELECT c.id, c.document_id, c.chunk_index, c.content,
	        d.title, d.url, d.source_type, d.source_id`

func scanChunkHits(rows pgx.Rows) ([]model.ChunkHit, error) {
	defer rows.Close()
	var out []model.ChunkHit
	for rows.Next() {
		var h model.ChunkHit
		var st string
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.Index, &h.Chunk.Content,
			&h.DocumentTitle, &h.DocumentURL, &st, &h.SourceID, &h.Score); err != nil {
			return nil, fmt.Errorf("storage: scan chunk hit: %w", err)
		}
		h.SourceType = model.SourceType(st)
		out = append(out, h)
	}
	return out, rows.Err()
}

func sourceTypeArgs(types []model.SourceType) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// SearchChunksByVector returns the chunks nearest to embedding by cosine
// distance. Score is cosine similarity. Chunks embedded with a different
// dimension are ignored.
func (db *DB) SearchChunksByVector(ctx context.Context, embedding pgvector.Vector, limit int, types []model.SourceType) ([]model.ChunkHit, error) {
	rows, err := db.pool.Query(ctx,
		chunkHitSelect+`, 1 - (c.embedding <=> $1) AS score
		 FROM knowledge_chunks c
		 JOIN knowledge_documents d ON d.id = c.document_id
		 WHERE c.embedding IS NOT NULL
		   AND vector_dims(c.embedding) = vector_dims($1)
		   AND ($3::text[] IS NULL OR d.source_type = ANY($3))
		 ORDER BY c.embedding <=> $1
		 LIMIT $2`,
		embedding, limit, sourceTypeArgs(types))
	if err != nil {
		return nil, fmt.Errorf("storage: search chunks by vector: %w", err)
	}
	return scanChunkHits(rows)
}

// SearchChunksByText runs a full-text query over the folded chunk text. A
// chunk matches when it contains any of terms; terms must already be folded
// and free of tsquery operators. Score is ts_rank_cd.
func (db *DB) SearchChunksByText(ctx context.Context, terms []string, limit int, types []model.SourceType) ([]model.ChunkHit, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	query := strings.Join(terms, " | ")
	rows, err := db.pool.Query(ctx,
		chunkHitSelect+`, ts_rank_cd(c.tsv, q) AS score
		 FROM knowledge_chunks c
		 JOIN knowledge_documents d ON d.id = c.document_id,
		      to_tsquery('simple', $1) q
		 WHERE c.tsv @@ q
		   AND ($3::text[] IS NULL OR d.source_type = ANY($3))
		 ORDER BY score DESC, c.id
		 LIMIT $2`,
		query, limit, sourceTypeArgs(types))
	if err != nil {
		return nil, fmt.Errorf("storage: search chunks by text: %w", err)
	}
	return scanChunkHits(rows)
}

// GetChunksByIDs hydrates chunk hits for ids returned by an external index.
// Score is zero; order is unspecified.
func (db *DB) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]model.ChunkHit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		chunkHitSelect+`, 0::float8 AS score
		 FROM knowledge_chunks c
		 JOIN knowledge_documents d ON d.id = c.document_id
		 WHERE c.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get chunks: %w", err)
	}
	return scanChunkHits(rows)
}

// InvalidateDocumentHash clears a document's content hash so the next ingest
// rewrites it even if the content is unchanged.
func (db *DB) InvalidateDocumentHash(ctx context.Context, docID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE knowledge_documents SET content_hash = '' WHERE id = $1`, docID,
	); err != nil {
		return fmt.Errorf("storage: invalidate document hash: %w", err)
	}
	return nil
}
