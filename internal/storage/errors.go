package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a write violates a uniqueness constraint,
	// for example a duplicate trámite code.
	ErrConflict = errors.New("storage: conflict")

	// ErrReferenced is returned when a write violates a foreign key: deleting
	// a dependencia that still owns trámites, or pointing a trámite at a
	// dependencia that does not exist.
	ErrReferenced = errors.New("storage: referenced")

	// ErrInvalidReference is returned when a write points at a dependencia or
	// subdependencia that does not exist, or at a subdependencia belonging to
	// a different dependencia.
	ErrInvalidReference = errors.New("storage: invalid reference")
)

// mapError translates pgx and Postgres errors into the package sentinels.
// Unrecognized errors are returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrReferenced, pgErr.ConstraintName)
		}
	}
	return err
}

// mapWriteError is mapError for inserts and updates, where a foreign key
// violation means the row points at something missing.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: %s", ErrInvalidReference, pgErr.ConstraintName)
	}
	return mapError(err)
}

// checkSubdependencia verifies that subID, when set, belongs to depID.
func checkSubdependencia(ctx context.Context, q querier, depID uuid.UUID, subID *uuid.UUID) error {
	if subID == nil {
		return nil
	}
	var owner uuid.UUID
	err := q.QueryRow(ctx, `SELECT dependencia_id FROM subdependencias WHERE id = $1`, *subID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: subdependencia %s does not exist", ErrInvalidReference, *subID)
	}
	if err != nil {
		return fmt.Errorf("storage: check subdependencia: %w", err)
	}
	if owner != depID {
		return fmt.Errorf("%w: subdependencia %s does not belong to dependencia %s", ErrInvalidReference, *subID, depID)
	}
	return nil
}
