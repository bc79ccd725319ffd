package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/civica-gov/civica/internal/model"
)

const faqColumns = `id, question, answer, topic, keywords, dependencia_id, subdependencia_id,
	sort_order, active, created_at, updated_at`

func scanFAQ(row pgx.Row) (model.FAQ, error) {
	var f model.FAQ
	err := row.Scan(&f.ID, &f.Question, &f.Answer, &f.Topic, &f.Keywords, &f.DependenciaID,
		&f.SubdependenciaID, &f.SortOrder, &f.Active, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func checkFAQReferences(ctx context.Context, q querier, f model.FAQ) error {
	if f.DependenciaID == nil {
		return nil
	}
	return checkSubdependencia(ctx, q, *f.DependenciaID, f.SubdependenciaID)
}

// CreateFAQ inserts an FAQ and schedules its knowledge document.
func (db *DB) CreateFAQ(ctx context.Context, f model.FAQ) (model.FAQ, error) {
	var out model.FAQ
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.CreateFAQ(ctx, f)
		return err
	})
	return out, err
}

// CreateFAQ inserts an FAQ inside the transaction.
func (t *Tx) CreateFAQ(ctx context.Context, f model.FAQ) (model.FAQ, error) {
	if err := checkFAQReferences(ctx, t.tx, f); err != nil {
		return model.FAQ{}, err
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	f = model.NormalizeFAQ(f)

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO faqs (`+faqColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.Question, f.Answer, f.Topic, f.Keywords, f.DependenciaID, f.SubdependenciaID,
		f.SortOrder, f.Active, f.CreatedAt, f.UpdatedAt,
	); err != nil {
		return model.FAQ{}, fmt.Errorf("storage: create faq: %w", mapWriteError(err))
	}
	if err := enqueueKnowledge(ctx, t.tx, model.SourceFAQ, f.ID, OutboxUpsert); err != nil {
		return model.FAQ{}, err
	}
	return f, nil
}

// GetFAQ returns the FAQ with the given id.
func (db *DB) GetFAQ(ctx context.Context, id uuid.UUID) (model.FAQ, error) {
	f, err := scanFAQ(db.pool.QueryRow(ctx, `SELECT `+faqColumns+` FROM faqs WHERE id = $1`, id))
	if err != nil {
		return model.FAQ{}, fmt.Errorf("storage: get faq: %w", mapError(err))
	}
	return f, nil
}

// GetFAQByQuestion returns the FAQ with exactly this question. Imports use
// the question as the natural key of an FAQ.
func (t *Tx) GetFAQByQuestion(ctx context.Context, question string) (model.FAQ, error) {
	f, err := scanFAQ(t.tx.QueryRow(ctx, `SELECT `+faqColumns+` FROM faqs WHERE question = $1`, question))
	if err != nil {
		return model.FAQ{}, fmt.Errorf("storage: get faq by question: %w", mapError(err))
	}
	return f, nil
}

// ListFAQs returns FAQs matching f ordered by sort_order then question.
func (db *DB) ListFAQs(ctx context.Context, f model.CatalogFilter) ([]model.FAQ, int, error) {
	where, args := buildCatalogWhereClause(f, 1)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM faqs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count faqs: %w", err)
	}

	query, args := paginate(`SELECT `+faqColumns+` FROM faqs`+where+` ORDER BY sort_order ASC, question ASC`,
		args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list faqs: %w", err)
	}
	defer rows.Close()

	var out []model.FAQ
	for rows.Next() {
		faq, err := scanFAQ(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan faq: %w", err)
		}
		out = append(out, faq)
	}
	return out, total, rows.Err()
}

// UpdateFAQ overwrites the mutable fields of an FAQ.
func (db *DB) UpdateFAQ(ctx context.Context, f model.FAQ) (model.FAQ, error) {
	var out model.FAQ
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.UpdateFAQ(ctx, f)
		return err
	})
	return out, err
}

// UpdateFAQ overwrites an FAQ inside the transaction.
func (t *Tx) UpdateFAQ(ctx context.Context, f model.FAQ) (model.FAQ, error) {
	if err := checkFAQReferences(ctx, t.tx, f); err != nil {
		return model.FAQ{}, err
	}
	f.UpdatedAt = time.Now().UTC()
	f = model.NormalizeFAQ(f)

	err := t.tx.QueryRow(ctx,
		`UPDATE faqs
		 SET question = $2, answer = $3, topic = $4, keywords = $5, dependencia_id = $6,
		     subdependencia_id = $7, sort_order = $8, active = $9, updated_at = $10
		 WHERE id = $1
		 RETURNING created_at`,
		f.ID, f.Question, f.Answer, f.Topic, f.Keywords, f.DependenciaID,
		f.SubdependenciaID, f.SortOrder, f.Active, f.UpdatedAt,
	).Scan(&f.CreatedAt)
	if err != nil {
		return model.FAQ{}, fmt.Errorf("storage: update faq: %w", mapWriteError(err))
	}
	if err := enqueueKnowledge(ctx, t.tx, model.SourceFAQ, f.ID, OutboxUpsert); err != nil {
		return model.FAQ{}, err
	}
	return f, nil
}

// DeleteFAQ removes an FAQ and schedules removal of its document.
func (db *DB) DeleteFAQ(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		tag, err := tx.tx.Exec(ctx, `DELETE FROM faqs WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("storage: delete faq: %w", mapError(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: delete faq: %w", ErrNotFound)
		}
		return enqueueKnowledge(ctx, tx.tx, model.SourceFAQ, id, OutboxDelete)
	})
}

// ListAllFAQsForSearch returns every FAQ projected onto the unified service
// row. The question becomes the name and the answer the description.
func (db *DB) ListAllFAQsForSearch(ctx context.Context) ([]model.ServiceItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT f.id, f.question, f.answer, f.keywords, f.dependencia_id, COALESCE(d.name, ''),
		        f.subdependencia_id, COALESCE(s.name, ''), f.active, f.updated_at
		 FROM faqs f
		 LEFT JOIN dependencias d ON d.id = f.dependencia_id
		 LEFT JOIN subdependencias s ON s.id = f.subdependencia_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list faqs for search: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceItem
	for rows.Next() {
		item := model.ServiceItem{Type: model.ServiceFAQ}
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.Keywords, &item.DependenciaID,
			&item.DependenciaName, &item.SubdependenciaID, &item.SubdependenciaName,
			&item.Active, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan faq service item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
