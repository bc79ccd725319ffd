package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/civica-gov/civica/internal/model"
)

const subdependenciaColumns = `id, dependencia_id, code, name, acronym, active, created_at, updated_at`

func scanSubdependencia(row pgx.Row) (model.Subdependencia, error) {
	var s model.Subdependencia
	err := row.Scan(&s.ID, &s.DependenciaID, &s.Code, &s.Name, &s.Acronym, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// CreateSubdependencia inserts a subdependencia. Codes are unique per dependencia.
func (db *DB) CreateSubdependencia(ctx context.Context, s model.Subdependencia) (model.Subdependencia, error) {
	return createSubdependencia(ctx, db.pool, s)
}

// CreateSubdependencia inserts a subdependencia inside the transaction.
func (t *Tx) CreateSubdependencia(ctx context.Context, s model.Subdependencia) (model.Subdependencia, error) {
	s = model.NormalizeSubdependencia(s)
	return createSubdependencia(ctx, t.tx, s)
}

func createSubdependencia(ctx context.Context, q querier, s model.Subdependencia) (model.Subdependencia, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	if _, err := q.Exec(ctx,
		`INSERT INTO subdependencias (`+subdependenciaColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.DependenciaID, s.Code, s.Name, s.Acronym, s.Active, s.CreatedAt, s.UpdatedAt,
	); err != nil {
		return model.Subdependencia{}, fmt.Errorf("storage: create subdependencia: %w", mapWriteError(err))
	}
	return s, nil
}

// GetSubdependencia returns the subdependencia with the given id.
func (db *DB) GetSubdependencia(ctx context.Context, id uuid.UUID) (model.Subdependencia, error) {
	s, err := scanSubdependencia(db.pool.QueryRow(ctx,
		`SELECT `+subdependenciaColumns+` FROM subdependencias WHERE id = $1`, id))
	if err != nil {
		return model.Subdependencia{}, fmt.Errorf("storage: get subdependencia: %w", mapError(err))
	}
	return s, nil
}

// GetSubdependenciaByCode looks a subdependencia up by its parent and code.
func (db *DB) GetSubdependenciaByCode(ctx context.Context, dependenciaID uuid.UUID, code string) (model.Subdependencia, error) {
	return getSubdependenciaByCode(ctx, db.pool, dependenciaID, code)
}

// GetSubdependenciaByCode looks a subdependencia up inside the transaction.
func (t *Tx) GetSubdependenciaByCode(ctx context.Context, dependenciaID uuid.UUID, code string) (model.Subdependencia, error) {
	return getSubdependenciaByCode(ctx, t.tx, dependenciaID, code)
}

func getSubdependenciaByCode(ctx context.Context, q querier, dependenciaID uuid.UUID, code string) (model.Subdependencia, error) {
	s, err := scanSubdependencia(q.QueryRow(ctx,
		`SELECT `+subdependenciaColumns+` FROM subdependencias WHERE dependencia_id = $1 AND code = $2`,
		dependenciaID, code))
	if err != nil {
		return model.Subdependencia{}, fmt.Errorf("storage: get subdependencia by code: %w", mapError(err))
	}
	return s, nil
}

// ListSubdependencias returns the subdependencias of one dependencia, or of
// all dependencias when dependenciaID is nil.
func (db *DB) ListSubdependencias(ctx context.Context, dependenciaID *uuid.UUID, activeOnly bool) ([]model.Subdependencia, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+subdependenciaColumns+` FROM subdependencias
		 WHERE ($1::uuid IS NULL OR dependencia_id = $1)
		   AND ($2 = false OR active)
		 ORDER BY name ASC, code ASC`, dependenciaID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("storage: list subdependencias: %w", err)
	}
	defer rows.Close()

	var out []model.Subdependencia
	for rows.Next() {
		s, err := scanSubdependencia(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan subdependencia: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSubdependencia overwrites the mutable fields of a subdependencia.
func (db *DB) UpdateSubdependencia(ctx context.Context, s model.Subdependencia) (model.Subdependencia, error) {
	var out model.Subdependencia
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.UpdateSubdependencia(ctx, s)
		return err
	})
	return out, err
}

// UpdateSubdependencia overwrites a subdependencia inside the transaction.
func (t *Tx) UpdateSubdependencia(ctx context.Context, s model.Subdependencia) (model.Subdependencia, error) {
	s = model.NormalizeSubdependencia(s)
	s.UpdatedAt = time.Now().UTC()
	err := t.tx.QueryRow(ctx,
		`UPDATE subdependencias
		 SET dependencia_id = $2, code = $3, name = $4, acronym = $5, active = $6, updated_at = $7
		 WHERE id = $1
		 RETURNING created_at`,
		s.ID, s.DependenciaID, s.Code, s.Name, s.Acronym, s.Active, s.UpdatedAt,
	).Scan(&s.CreatedAt)
	if err != nil {
		return model.Subdependencia{}, fmt.Errorf("storage: update subdependencia: %w", mapWriteError(err))
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO knowledge_outbox (source_type, source_id, operation)
		 SELECT 'tramite', id::text, 'upsert' FROM tramites WHERE subdependencia_id = $1
		 UNION ALL
		 SELECT 'opa', id::text, 'upsert' FROM opas WHERE subdependencia_id = $1`,
		s.ID,
	); err != nil {
		return model.Subdependencia{}, fmt.Errorf("storage: enqueue subdependencia dependents: %w", err)
	}
	return s, nil
}

// DeleteSubdependencia removes a subdependencia. It fails with ErrReferenced
// while catalog entries still point at it.
func (db *DB) DeleteSubdependencia(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM subdependencias WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete subdependencia: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: delete subdependencia: %w", ErrNotFound)
	}
	return nil
}
