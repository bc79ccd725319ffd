package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/civica-gov/civica/internal/model"
)

// Outbox operations.
const (
	OutboxUpsert = "upsert"
	OutboxDelete = "delete"
)

// MaxOutboxAttempts is the number of failures after which an entry is left
// as a dead letter.
const MaxOutboxAttempts = 10

// OutboxEntry is one pending knowledge sync job.
type OutboxEntry struct {
	ID         int64
	SourceType model.SourceType
	SourceID   string
	Operation  string
	Attempts   int
	CreatedAt  time.Time
}

func enqueueKnowledge(ctx context.Context, q querier, st model.SourceType, id uuid.UUID, op string) error {
	if _, err := q.Exec(ctx,
		`INSERT INTO knowledge_outbox (source_type, source_id, operation) VALUES ($1, $2, $3)`,
		string(st), id.String(), op,
	); err != nil {
		return fmt.Errorf("storage: enqueue knowledge %s %s: %w", st, op, err)
	}
	return nil
}

// enqueueDependents schedules a re-render of every catalog entry owned by a
// dependencia, since their documents embed its name.
func enqueueDependents(ctx context.Context, q querier, dependenciaID uuid.UUID) error {
	if _, err := q.Exec(ctx,
		`INSERT INTO knowledge_outbox (source_type, source_id, operation)
		 SELECT 'tramite', id::text, 'upsert' FROM tramites WHERE dependencia_id = $1
		 UNION ALL
		 SELECT 'opa', id::text, 'upsert' FROM opas WHERE dependencia_id = $1
		 UNION ALL
		 SELECT 'faq', id::text, 'upsert' FROM faqs WHERE dependencia_id = $1`,
		dependenciaID,
	); err != nil {
		return fmt.Errorf("storage: enqueue dependents: %w", err)
	}
	return nil
}

// ClaimOutbox selects up to limit ready entries and locks them for
// lockFor. Entries locked by another worker or past MaxOutboxAttempts are
// skipped.
func (db *DB) ClaimOutbox(ctx context.Context, limit int, lockFor time.Duration) ([]OutboxEntry, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim outbox: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, source_type, source_id, operation, attempts, created_at
		 FROM knowledge_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		MaxOutboxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select outbox: %w", err)
	}
	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var st string
		if err := rows.Scan(&e.ID, &st, &e.SourceID, &e.Operation, &e.Attempts, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan outbox entry: %w", err)
		}
		e.SourceType = model.SourceType(st)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate outbox: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE knowledge_outbox SET locked_until = now() + make_interval(secs => $1::float8) WHERE id = ANY($2)`,
		lockFor.Seconds(), ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lock outbox entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim outbox: %w", err)
	}
	return entries, nil
}

// CompleteOutbox removes processed entries.
func (db *DB) CompleteOutbox(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx, `DELETE FROM knowledge_outbox WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("storage: complete outbox: %w", err)
	}
	return nil
}

// FailOutbox records a failed attempt and backs the entry off exponentially:
// locked_until = now() + 2^attempts seconds, capped at five minutes.
func (db *DB) FailOutbox(ctx context.Context, id int64, errMsg string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE knowledge_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = $2`,
		errMsg, id,
	); err != nil {
		return fmt.Errorf("storage: fail outbox: %w", err)
	}
	return nil
}

// OutboxDepth counts entries still eligible for processing.
func (db *DB) OutboxDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_outbox WHERE attempts < $1`, MaxOutboxAttempts,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return n, nil
}

// CleanupDeadLetters deletes dead-letter entries older than olderThan.
func (db *DB) CleanupDeadLetters(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM knowledge_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - make_interval(secs => $2::float8)`,
		MaxOutboxAttempts, olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EnqueueFullSync schedules an upsert for every trámite, OPA and FAQ.
func (db *DB) EnqueueFullSync(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO knowledge_outbox (source_type, source_id, operation)
		 SELECT 'tramite', id::text, 'upsert' FROM tramites
		 UNION ALL
		 SELECT 'opa', id::text, 'upsert' FROM opas
		 UNION ALL
		 SELECT 'faq', id::text, 'upsert' FROM faqs`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: enqueue full sync: %w", err)
	}
	return tag.RowsAffected(), nil
}
