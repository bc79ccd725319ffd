package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx exposes catalog reads and writes inside a single database transaction.
// Obtain one with DB.WithTx.
type Tx struct {
	tx pgx.Tx
}

const (
	txMaxRetries = 3
	txBaseDelay  = 20 * time.Millisecond
)

// WithTx runs fn in a transaction and commits when fn returns nil. The whole
// transaction is retried on serialization failures and deadlocks, so fn must
// be safe to run more than once.
func (db *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	return retryTx(ctx, txMaxRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(&Tx{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit tx: %w", err)
		}
		return nil
	})
}

// retryableTx reports whether err is a Postgres serialization failure or
// deadlock, after which the whole transaction can be replayed.
func retryableTx(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// retryTx runs fn up to maxRetries+1 times while it fails with a retryable
// error, sleeping between attempts with jittered exponential backoff.
func retryTx(ctx context.Context, maxRetries int, delay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !retryableTx(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
