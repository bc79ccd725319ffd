package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/civica-gov/civica/internal/model"
)

const tramiteColumns = `id, code, name, description, requirements, response_time, has_payment, cost,
	legal_basis, channel, url, category, dependencia_id, subdependencia_id, active, created_at, updated_at`

func scanTramite(row pgx.Row) (model.Tramite, error) {
	var t model.Tramite
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Description, &t.Requirements, &t.ResponseTime,
		&t.HasPayment, &t.Cost, &t.LegalBasis, &t.Channel, &t.URL, &t.Category,
		&t.DependenciaID, &t.SubdependenciaID, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// CreateTramite inserts a trámite and schedules its knowledge document.
func (db *DB) CreateTramite(ctx context.Context, t model.Tramite) (model.Tramite, error) {
	var out model.Tramite
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.CreateTramite(ctx, t)
		return err
	})
	return out, err
}

// CreateTramite inserts a trámite inside the transaction.
func (t *Tx) CreateTramite(ctx context.Context, tr model.Tramite) (model.Tramite, error) {
	if err := checkSubdependencia(ctx, t.tx, tr.DependenciaID, tr.SubdependenciaID); err != nil {
		return model.Tramite{}, err
	}
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	now := time.Now().UTC()
	tr.CreatedAt, tr.UpdatedAt = now, now
	tr = model.NormalizeTramite(tr)

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO tramites (`+tramiteColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		tr.ID, tr.Code, tr.Name, tr.Description, tr.Requirements, tr.ResponseTime, tr.HasPayment, tr.Cost,
		tr.LegalBasis, tr.Channel, tr.URL, tr.Category, tr.DependenciaID, tr.SubdependenciaID,
		tr.Active, tr.CreatedAt, tr.UpdatedAt,
	); err != nil {
		return model.Tramite{}, fmt.Errorf("storage: create tramite: %w", mapWriteError(err))
	}
	if err := enqueueKnowledge(ctx, t.tx, model.SourceTramite, tr.ID, OutboxUpsert); err != nil {
		return model.Tramite{}, err
	}
	return tr, nil
}

// GetTramite returns the trámite with the given id.
func (db *DB) GetTramite(ctx context.Context, id uuid.UUID) (model.Tramite, error) {
	tr, err := scanTramite(db.pool.QueryRow(ctx,
		`SELECT `+tramiteColumns+` FROM tramites WHERE id = $1`, id))
	if err != nil {
		return model.Tramite{}, fmt.Errorf("storage: get tramite: %w", mapError(err))
	}
	return tr, nil
}

// GetTramiteByCode returns the trámite with the given code.
func (db *DB) GetTramiteByCode(ctx context.Context, code string) (model.Tramite, error) {
	return getTramiteByCode(ctx, db.pool, code)
}

// GetTramiteByCode returns the trámite with the given code inside the transaction.
func (t *Tx) GetTramiteByCode(ctx context.Context, code string) (model.Tramite, error) {
	return getTramiteByCode(ctx, t.tx, code)
}

func getTramiteByCode(ctx context.Context, q querier, code string) (model.Tramite, error) {
	tr, err := scanTramite(q.QueryRow(ctx,
		`SELECT `+tramiteColumns+` FROM tramites WHERE code = $1`, code))
	if err != nil {
		return model.Tramite{}, fmt.Errorf("storage: get tramite by code: %w", mapError(err))
	}
	return tr, nil
}

// ListTramites returns trámites matching f ordered by name, with the total
// count before pagination.
func (db *DB) ListTramites(ctx context.Context, f model.CatalogFilter) ([]model.Tramite, int, error) {
	where, args := buildCatalogWhereClause(f, 1)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tramites`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count tramites: %w", err)
	}

	query, args := paginate(`SELECT `+tramiteColumns+` FROM tramites`+where+` ORDER BY name ASC, code ASC`,
		args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list tramites: %w", err)
	}
	defer rows.Close()

	var out []model.Tramite
	for rows.Next() {
		tr, err := scanTramite(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan tramite: %w", err)
		}
		out = append(out, tr)
	}
	return out, total, rows.Err()
}

// UpdateTramite overwrites the mutable fields of a trámite.
func (db *DB) UpdateTramite(ctx context.Context, t model.Tramite) (model.Tramite, error) {
	var out model.Tramite
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.UpdateTramite(ctx, t)
		return err
	})
	return out, err
}

// UpdateTramite overwrites a trámite inside the transaction.
func (t *Tx) UpdateTramite(ctx context.Context, tr model.Tramite) (model.Tramite, error) {
	if err := checkSubdependencia(ctx, t.tx, tr.DependenciaID, tr.SubdependenciaID); err != nil {
		return model.Tramite{}, err
	}
	tr.UpdatedAt = time.Now().UTC()
	tr = model.NormalizeTramite(tr)

	err := t.tx.QueryRow(ctx,
		`UPDATE tramites
		 SET code = $2, name = $3, description = $4, requirements = $5, response_time = $6,
		     has_payment = $7, cost = $8, legal_basis = $9, channel = $10, url = $11, category = $12,
		     dependencia_id = $13, subdependencia_id = $14, active = $15, updated_at = $16
		 WHERE id = $1
		 RETURNING created_at`,
		tr.ID, tr.Code, tr.Name, tr.Description, tr.Requirements, tr.ResponseTime,
		tr.HasPayment, tr.Cost, tr.LegalBasis, tr.Channel, tr.URL, tr.Category,
		tr.DependenciaID, tr.SubdependenciaID, tr.Active, tr.UpdatedAt,
	).Scan(&tr.CreatedAt)
	if err != nil {
		return model.Tramite{}, fmt.Errorf("storage: update tramite: %w", mapWriteError(err))
	}
	if err := enqueueKnowledge(ctx, t.tx, model.SourceTramite, tr.ID, OutboxUpsert); err != nil {
		return model.Tramite{}, err
	}
	return tr, nil
}

// DeleteTramite removes a trámite and schedules removal of its document.
func (db *DB) DeleteTramite(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		tag, err := tx.tx.Exec(ctx, `DELETE FROM tramites WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("storage: delete tramite: %w", mapError(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: delete tramite: %w", ErrNotFound)
		}
		return enqueueKnowledge(ctx, tx.tx, model.SourceTramite, id, OutboxDelete)
	})
}

// ListAllTramitesForSearch returns every trámite, active or not, projected
// onto the unified service row with its dependencia and subdependencia names.
func (db *DB) ListAllTramitesForSearch(ctx context.Context) ([]model.ServiceItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT t.id, t.code, t.name, t.description, t.dependencia_id, d.name,
		        t.subdependencia_id, COALESCE(s.name, ''), t.has_payment, t.active, t.updated_at
		 FROM tramites t
		 JOIN dependencias d ON d.id = t.dependencia_id
		 LEFT JOIN subdependencias s ON s.id = t.subdependencia_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tramites for search: %w", err)
	}
	return scanServiceItems(rows, model.ServiceTramite)
}

func scanServiceItems(rows pgx.Rows, typ model.ServiceType) ([]model.ServiceItem, error) {
	defer rows.Close()
	var out []model.ServiceItem
	for rows.Next() {
		item := model.ServiceItem{Type: typ}
		var depID uuid.UUID
		if err := rows.Scan(&item.ID, &item.Code, &item.Name, &item.Description, &depID, &item.DependenciaName,
			&item.SubdependenciaID, &item.SubdependenciaName, &item.HasPayment, &item.Active, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan %s service item: %w", typ, err)
		}
		item.DependenciaID = &depID
		out = append(out, item)
	}
	return out, rows.Err()
}
