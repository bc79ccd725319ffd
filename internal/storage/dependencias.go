package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/civica-gov/civica/internal/model"
)

const dependenciaColumns = `id, code, name, acronym, description, active, created_at, updated_at`

func scanDependencia(row pgx.Row) (model.Dependencia, error) {
	var d model.Dependencia
	err := row.Scan(&d.ID, &d.Code, &d.Name, &d.Acronym, &d.Description, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// CreateDependencia inserts a dependencia.
func (db *DB) CreateDependencia(ctx context.Context, d model.Dependencia) (model.Dependencia, error) {
	return createDependencia(ctx, db.pool, d)
}

// CreateDependencia inserts a dependencia inside the transaction.
func (t *Tx) CreateDependencia(ctx context.Context, d model.Dependencia) (model.Dependencia, error) {
	d = model.NormalizeDependencia(d)
	return createDependencia(ctx, t.tx, d)
}

func createDependencia(ctx context.Context, q querier, d model.Dependencia) (model.Dependencia, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if _, err := q.Exec(ctx,
		`INSERT INTO dependencias (`+dependenciaColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.Code, d.Name, d.Acronym, d.Description, d.Active, d.CreatedAt, d.UpdatedAt,
	); err != nil {
		return model.Dependencia{}, fmt.Errorf("storage: create dependencia: %w", mapWriteError(err))
	}
	return d, nil
}

// GetDependencia returns the dependencia with the given id.
func (db *DB) GetDependencia(ctx context.Context, id uuid.UUID) (model.Dependencia, error) {
	d, err := scanDependencia(db.pool.QueryRow(ctx,
		`SELECT `+dependenciaColumns+` FROM dependencias WHERE id = $1`, id))
	if err != nil {
		return model.Dependencia{}, fmt.Errorf("storage: get dependencia: %w", mapError(err))
	}
	return d, nil
}

// GetDependenciaByCode returns the dependencia with the given code.
func (db *DB) GetDependenciaByCode(ctx context.Context, code string) (model.Dependencia, error) {
	return getDependenciaByCode(ctx, db.pool, code)
}

// GetDependenciaByCode returns the dependencia with the given code inside the transaction.
func (t *Tx) GetDependenciaByCode(ctx context.Context, code string) (model.Dependencia, error) {
	return getDependenciaByCode(ctx, t.tx, code)
}

func getDependenciaByCode(ctx context.Context, q querier, code string) (model.Dependencia, error) {
	d, err := scanDependencia(q.QueryRow(ctx,
		`SELECT `+dependenciaColumns+` FROM dependencias WHERE code = $1`, code))
	if err != nil {
		return model.Dependencia{}, fmt.Errorf("storage: get dependencia by code: %w", mapError(err))
	}
	return d, nil
}

// ListDependencias returns dependencias ordered by name. When activeOnly is
// set, inactive ones are omitted.
func (db *DB) ListDependencias(ctx context.Context, activeOnly bool) ([]model.Dependencia, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+dependenciaColumns+` FROM dependencias
		 WHERE ($1 = false OR active)
		 ORDER BY name ASC, code ASC`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("storage: list dependencias: %w", err)
	}
	defer rows.Close()

	var out []model.Dependencia
	for rows.Next() {
		d, err := scanDependencia(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan dependencia: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDependencia overwrites the mutable fields of a dependencia and
// schedules a knowledge refresh for everything it owns.
func (db *DB) UpdateDependencia(ctx context.Context, d model.Dependencia) (model.Dependencia, error) {
	var out model.Dependencia
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.UpdateDependencia(ctx, d)
		return err
	})
	return out, err
}

// UpdateDependencia overwrites a dependencia inside the transaction.
func (t *Tx) UpdateDependencia(ctx context.Context, d model.Dependencia) (model.Dependencia, error) {
	d = model.NormalizeDependencia(d)
	d.UpdatedAt = time.Now().UTC()
	err := t.tx.QueryRow(ctx,
		`UPDATE dependencias
		 SET code = $2, name = $3, acronym = $4, description = $5, active = $6, updated_at = $7
		 WHERE id = $1
		 RETURNING created_at`,
		d.ID, d.Code, d.Name, d.Acronym, d.Description, d.Active, d.UpdatedAt,
	).Scan(&d.CreatedAt)
	if err != nil {
		return model.Dependencia{}, fmt.Errorf("storage: update dependencia: %w", mapWriteError(err))
	}
	if err := enqueueDependents(ctx, t.tx, d.ID); err != nil {
		return model.Dependencia{}, err
	}
	return d, nil
}

// DeleteDependencia removes a dependencia. It fails with ErrReferenced while
// subdependencias, trámites, OPAs or FAQs still point at it.
func (db *DB) DeleteDependencia(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM dependencias WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete dependencia: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: delete dependencia: %w", ErrNotFound)
	}
	return nil
}
