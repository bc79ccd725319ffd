package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/storage"
)

func TestIdempotency_ReplayAndMismatch(t *testing.T) {
	ctx := context.Background()
	scope := "ip:10.0.0." + uuid.NewString()[:4]
	endpoint := "POST:/v1/pqrs"
	key := "idem-" + uuid.NewString()

	lookup, err := testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	err = testDB.CompleteIdempotency(ctx, scope, endpoint, key, 201, map[string]any{"filing": "PQRS-2026-000001"})
	require.NoError(t, err)

	replay, err := testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 201, replay.StatusCode)
	assert.JSONEq(t, `{"filing":"PQRS-2026-000001"}`, string(replay.ResponseData))

	_, err = testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)

	// The same key under another scope is an unrelated request.
	other, err := testDB.BeginIdempotency(ctx, scope+"-x", endpoint, key, "hash-b")
	require.NoError(t, err)
	assert.False(t, other.Completed)
}

func TestIdempotency_StaleInProgressBlocksRetry(t *testing.T) {
	ctx := context.Background()
	scope := "ip:" + uuid.NewString()[:8]
	endpoint := "POST:/v1/pqrs"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.NoError(t, err)

	_, err = testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	_, err = testDB.Pool().Exec(ctx,
		`UPDATE idempotency_keys SET updated_at = now() - interval '20 minutes'
		 WHERE scope = $1 AND endpoint = $2 AND idempotency_key = $3`,
		scope, endpoint, key,
	)
	require.NoError(t, err)

	_, err = testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress, "stale in-progress keys must not be taken over")
}

func TestIdempotency_ClearAllowsRetry(t *testing.T) {
	ctx := context.Background()
	scope := "ip:" + uuid.NewString()[:8]
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, scope, "POST:/v1/pqrs", key, "hash-a")
	require.NoError(t, err)
	require.NoError(t, testDB.ClearInProgressIdempotency(ctx, scope, "POST:/v1/pqrs", key))

	lookup, err := testDB.BeginIdempotency(ctx, scope, "POST:/v1/pqrs", key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}

func TestIdempotency_Cleanup(t *testing.T) {
	ctx := context.Background()
	scope := "ip:" + uuid.NewString()[:8]

	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO idempotency_keys (scope, endpoint, idempotency_key, request_hash, status, status_code, response_data, created_at, updated_at)
		 VALUES
		 ($1, 'POST:/v1/pqrs', 'old-completed', 'h1', 'completed', 201, '{"ok":true}', now() - interval '10 days', now() - interval '10 days'),
		 ($1, 'POST:/v1/pqrs', 'old-in-progress', 'h2', 'in_progress', NULL, NULL, now() - interval '3 days', now() - interval '3 days'),
		 ($1, 'POST:/v1/pqrs', 'fresh', 'h3', 'completed', 201, '{"ok":true}', now(), now())`,
		scope,
	)
	require.NoError(t, err)

	deleted, err := testDB.CleanupIdempotencyKeys(ctx, 7*24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	var remaining []string
	rows, err := testDB.Pool().Query(ctx,
		`SELECT idempotency_key FROM idempotency_keys WHERE scope = $1 ORDER BY idempotency_key`, scope)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var k string
		require.NoError(t, rows.Scan(&k))
		remaining = append(remaining, k)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"fresh"}, remaining)
}
