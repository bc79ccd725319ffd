package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/civica-gov/civica/internal/model"
)

const opaColumns = `id, code, name, description, requirements, response_time, has_payment, cost,
	dependencia_id, subdependencia_id, active, created_at, updated_at`

func scanOPA(row pgx.Row) (model.OPA, error) {
	var o model.OPA
	err := row.Scan(&o.ID, &o.Code, &o.Name, &o.Description, &o.Requirements, &o.ResponseTime,
		&o.HasPayment, &o.Cost, &o.DependenciaID, &o.SubdependenciaID, &o.Active, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// CreateOPA inserts an OPA and schedules its knowledge document.
func (db *DB) CreateOPA(ctx context.Context, o model.OPA) (model.OPA, error) {
	var out model.OPA
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.CreateOPA(ctx, o)
		return err
	})
	return out, err
}

// CreateOPA inserts an OPA inside the transaction.
func (t *Tx) CreateOPA(ctx context.Context, o model.OPA) (model.OPA, error) {
	if err := checkSubdependencia(ctx, t.tx, o.DependenciaID, o.SubdependenciaID); err != nil {
		return model.OPA{}, err
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	o = model.NormalizeOPA(o)

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO opas (`+opaColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.Code, o.Name, o.Description, o.Requirements, o.ResponseTime, o.HasPayment, o.Cost,
		o.DependenciaID, o.SubdependenciaID, o.Active, o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return model.OPA{}, fmt.Errorf("storage: create opa: %w", mapWriteError(err))
	}
	if err := enqueueKnowledge(ctx, t.tx, model.SourceOPA, o.ID, OutboxUpsert); err != nil {
		return model.OPA{}, err
	}
	return o, nil
}

// GetOPA returns the OPA with the given id.
func (db *DB) GetOPA(ctx context.Context, id uuid.UUID) (model.OPA, error) {
	o, err := scanOPA(db.pool.QueryRow(ctx, `SELECT `+opaColumns+` FROM opas WHERE id = $1`, id))
	if err != nil {
		return model.OPA{}, fmt.Errorf("storage: get opa: %w", mapError(err))
	}
	return o, nil
}

// GetOPAByCode returns the OPA with the given code.
func (db *DB) GetOPAByCode(ctx context.Context, code string) (model.OPA, error) {
	return getOPAByCode(ctx, db.pool, code)
}

// GetOPAByCode returns the OPA with the given code inside the transaction.
func (t *Tx) GetOPAByCode(ctx context.Context, code string) (model.OPA, error) {
	return getOPAByCode(ctx, t.tx, code)
}

func getOPAByCode(ctx context.Context, q querier, code string) (model.OPA, error) {
	o, err := scanOPA(q.QueryRow(ctx, `SELECT `+opaColumns+` FROM opas WHERE code = $1`, code))
	if err != nil {
		return model.OPA{}, fmt.Errorf("storage: get opa by code: %w", mapError(err))
	}
	return o, nil
}

// ListOPAs returns OPAs matching f ordered by name, with the total count.
func (db *DB) ListOPAs(ctx context.Context, f model.CatalogFilter) ([]model.OPA, int, error) {
	where, args := buildCatalogWhereClause(f, 1)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM opas`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count opas: %w", err)
	}

	query, args := paginate(`SELECT `+opaColumns+` FROM opas`+where+` ORDER BY name ASC, code ASC`,
		args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list opas: %w", err)
	}
	defer rows.Close()

	var out []model.OPA
	for rows.Next() {
		o, err := scanOPA(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan opa: %w", err)
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

// UpdateOPA overwrites the mutable fields of an OPA.
func (db *DB) UpdateOPA(ctx context.Context, o model.OPA) (model.OPA, error) {
	var out model.OPA
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.UpdateOPA(ctx, o)
		return err
	})
	return out, err
}

// UpdateOPA overwrites an OPA inside the transaction.
func (t *Tx) UpdateOPA(ctx context.Context, o model.OPA) (model.OPA, error) {
	if err := checkSubdependencia(ctx, t.tx, o.DependenciaID, o.SubdependenciaID); err != nil {
		return model.OPA{}, err
	}
	o.UpdatedAt = time.Now().UTC()
	o = model.NormalizeOPA(o)

	err := t.tx.QueryRow(ctx,
		`UPDATE opas
		 SET code = $2, name = $3, description = $4, requirements = $5, response_time = $6,
		     has_payment = $7, cost = $8, dependencia_id = $9, subdependencia_id = $10,
		     active = $11, updated_at = $12
		 WHERE id = $1
		 RETURNING created_at`,
		o.ID, o.Code, o.Name, o.Description, o.Requirements, o.ResponseTime,
		o.HasPayment, o.Cost, o.DependenciaID, o.SubdependenciaID, o.Active, o.UpdatedAt,
	).Scan(&o.CreatedAt)
	if err != nil {
		return model.OPA{}, fmt.Errorf("storage: update opa: %w", mapWriteError(err))
	}
	if err := enqueueKnowledge(ctx, t.tx, model.SourceOPA, o.ID, OutboxUpsert); err != nil {
		return model.OPA{}, err
	}
	return o, nil
}

// DeleteOPA removes an OPA and schedules removal of its document.
func (db *DB) DeleteOPA(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		tag, err := tx.tx.Exec(ctx, `DELETE FROM opas WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("storage: delete opa: %w", mapError(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: delete opa: %w", ErrNotFound)
		}
		return enqueueKnowledge(ctx, tx.tx, model.SourceOPA, id, OutboxDelete)
	})
}

// ListAllOPAsForSearch returns every OPA projected onto the unified service row.
func (db *DB) ListAllOPAsForSearch(ctx context.Context) ([]model.ServiceItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT o.id, o.code, o.name, o.description, o.dependencia_id, d.name,
		        o.subdependencia_id, COALESCE(s.name, ''), o.has_payment, o.active, o.updated_at
		 FROM opas o
		 JOIN dependencias d ON d.id = o.dependencia_id
		 LEFT JOIN subdependencias s ON s.id = o.subdependencia_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list opas for search: %w", err)
	}
	return scanServiceItems(rows, model.ServiceOPA)
}
