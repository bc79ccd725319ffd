package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/civica-gov/civica/internal/model"
)

// ErrStaleStatus is returned when a PQRS status update loses a race: the row
// exists but no longer has the expected status.
var ErrStaleStatus = errors.New("storage: stale pqrs status")

const pqrsColumns = `id, filing, kind, status, citizen_name, document_type, document_number, email, phone,
	subject, description, dependencia_id, response, due_at, responded_at, created_at, updated_at`

func scanPQRS(row pgx.Row) (model.PQRS, error) {
	var p model.PQRS
	var kind, status string
	err := row.Scan(&p.ID, &p.Filing, &kind, &status, &p.CitizenName, &p.DocumentType, &p.DocumentNumber,
		&p.Email, &p.Phone, &p.Subject, &p.Description, &p.DependenciaID, &p.Response, &p.DueAt,
		&p.RespondedAt, &p.CreatedAt, &p.UpdatedAt)
	p.Kind = model.PQRSKind(kind)
	p.Status = model.PQRSStatus(status)
	return p, err
}

// FormatFiling renders a filing number: PQRS-<year>-<6 digits>.
func FormatFiling(year int, seq int64) string {
	return fmt.Sprintf("PQRS-%d-%06d", year, seq)
}

// CreatePQRS persists a new filing. The filing number is allocated from the
// pqrs_filing_seq sequence using the year of p.CreatedAt.
func (db *DB) CreatePQRS(ctx context.Context, p model.PQRS) (model.PQRS, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	p.Status = model.PQRSRadicada
	p.DocumentType = strings.ToUpper(p.DocumentType)

	err := db.WithTx(ctx, func(tx *Tx) error {
		var seq int64
		if err := tx.tx.QueryRow(ctx, `SELECT nextval('pqrs_filing_seq')`).Scan(&seq); err != nil {
			return fmt.Errorf("storage: allocate filing: %w", err)
		}
		p.Filing = FormatFiling(p.CreatedAt.Year(), seq)

		if _, err := tx.tx.Exec(ctx,
			`INSERT INTO pqrs (`+pqrsColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			p.ID, p.Filing, string(p.Kind), string(p.Status), p.CitizenName, p.DocumentType, p.DocumentNumber,
			p.Email, p.Phone, p.Subject, p.Description, p.DependenciaID, p.Response, p.DueAt,
			p.RespondedAt, p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: create pqrs: %w", mapWriteError(err))
		}
		return nil
	})
	if err != nil {
		return model.PQRS{}, err
	}
	return p, nil
}

// GetPQRS returns the filing with the given id.
func (db *DB) GetPQRS(ctx context.Context, id uuid.UUID) (model.PQRS, error) {
	p, err := scanPQRS(db.pool.QueryRow(ctx, `SELECT `+pqrsColumns+` FROM pqrs WHERE id = $1`, id))
	if err != nil {
		return model.PQRS{}, fmt.Errorf("storage: get pqrs: %w", mapError(err))
	}
	return p, nil
}

// GetPQRSByFiling returns the filing with the given filing number.
func (db *DB) GetPQRSByFiling(ctx context.Context, filing string) (model.PQRS, error) {
	p, err := scanPQRS(db.pool.QueryRow(ctx, `SELECT `+pqrsColumns+` FROM pqrs WHERE filing = $1`, filing))
	if err != nil {
		return model.PQRS{}, fmt.Errorf("storage: get pqrs by filing: %w", mapError(err))
	}
	return p, nil
}

// ListPQRS returns filings matching f, newest first, with the total count.
func (db *DB) ListPQRS(ctx context.Context, f model.PQRSFilter) ([]model.PQRS, int, error) {
	var conditions []string
	var args []any
	if f.Status != nil {
		args = append(args, string(*f.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Kind != nil {
		args = append(args, string(*f.Kind))
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.DependenciaID != nil {
		args = append(args, *f.DependenciaID)
		conditions = append(conditions, fmt.Sprintf("dependencia_id = $%d", len(args)))
	}
	if f.OverdueAt != nil {
		args = append(args, *f.OverdueAt)
		conditions = append(conditions, fmt.Sprintf("status IN ('radicada', 'en_tramite') AND due_at < $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pqrs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count pqrs: %w", err)
	}

	query, args := paginate(`SELECT `+pqrsColumns+` FROM pqrs`+where+` ORDER BY created_at DESC, filing DESC`,
		args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list pqrs: %w", err)
	}
	defer rows.Close()

	var out []model.PQRS
	for rows.Next() {
		p, err := scanPQRS(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan pqrs: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// UpdatePQRSStatus moves a filing from one status to another. The update only
// applies while the row still has status from; otherwise ErrStaleStatus (or
// ErrNotFound when the row does not exist) is returned.
func (db *DB) UpdatePQRSStatus(ctx context.Context, id uuid.UUID, from, to model.PQRSStatus) (model.PQRS, error) {
	p, err := scanPQRS(db.pool.QueryRow(ctx,
		`UPDATE pqrs SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2
		 RETURNING `+pqrsColumns,
		id, string(from), string(to)))
	if err != nil {
		return model.PQRS{}, db.staleOrMissing(ctx, "update pqrs status", id, err)
	}
	return p, nil
}

// RespondPQRS records the official response and marks the filing respondida.
// Like UpdatePQRSStatus it only applies while the row has status from.
func (db *DB) RespondPQRS(ctx context.Context, id uuid.UUID, from model.PQRSStatus, response string, at time.Time) (model.PQRS, error) {
	p, err := scanPQRS(db.pool.QueryRow(ctx,
		`UPDATE pqrs SET status = 'respondida', response = $3, responded_at = $4, updated_at = $4
		 WHERE id = $1 AND status = $2
		 RETURNING `+pqrsColumns,
		id, string(from), response, at))
	if err != nil {
		return model.PQRS{}, db.staleOrMissing(ctx, "respond pqrs", id, err)
	}
	return p, nil
}

func (db *DB) staleOrMissing(ctx context.Context, op string, id uuid.UUID, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	var exists bool
	if qerr := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pqrs WHERE id = $1)`, id).Scan(&exists); qerr != nil {
		return fmt.Errorf("storage: %s: %w", op, qerr)
	}
	if exists {
		return fmt.Errorf("storage: %s: %w", op, ErrStaleStatus)
	}
	return fmt.Errorf("storage: %s: %w", op, ErrNotFound)
}
