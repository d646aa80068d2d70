package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trustfabric/trustcore/internal/models"
)

// IdempotencyStore deduplicates mutation requests. The record and the guarded
// side effect commit in the same transaction, so there is no window where one
// is durable and the other is not.
type IdempotencyStore struct {
	Base
}

// NewIdempotencyStore creates an IdempotencyStore.
func NewIdempotencyStore(base Base) *IdempotencyStore {
	return &IdempotencyStore{Base: base}
}

// Guard executes fn exactly once per (key, requestHash). A replay with the
// same pair returns the cached result reference without running fn; the same
// key with a different requestHash is a caller bug and fails with
// models.ErrIdempotencyConflict. fn receives the open transaction and must do
// all its writes through it.
func (s *IdempotencyStore) Guard(
	ctx context.Context, key, requestHash string, ttl time.Duration,
	fn func(tx pgx.Tx) (resultRef string, err error),
) (resultRef string, replayed bool, err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	// Serialize concurrent first-time requests on the same key.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return "", false, fmt.Errorf("locking idempotency key: %w", err)
	}

	var (
		storedHash string
		storedRef  string
		expiresAt  time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT request_hash, result_ref, expires_at
		FROM idempotency_records WHERE key = $1`, key,
	).Scan(&storedHash, &storedRef, &expiresAt)

	switch {
	case err == nil:
		if time.Now().Before(expiresAt) {
			if storedHash != requestHash {
				return "", false, fmt.Errorf("%w: key %q", models.ErrIdempotencyConflict, key)
			}
			return storedRef, true, nil
		}
		// Expired record the GC has not reached yet: treat the key as fresh.
		if _, err := tx.Exec(ctx,
			"DELETE FROM idempotency_records WHERE key = $1", key); err != nil {
			return "", false, fmt.Errorf("deleting expired idempotency record: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// First time this key is seen.
	default:
		return "", false, fmt.Errorf("querying idempotency record: %w", err)
	}

	resultRef, err = fn(tx)
	if err != nil {
		return "", false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO idempotency_records (key, request_hash, result_ref, expires_at)
		VALUES ($1, $2, $3, $4)`,
		key, requestHash, resultRef, time.Now().Add(ttl),
	)
	if err != nil {
		return "", false, fmt.Errorf("inserting idempotency record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("committing guarded operation: %w", err)
	}
	return resultRef, false, nil
}

// gcBatchSize limits the number of rows deleted per transaction to avoid
// holding long locks on idempotency_records.
const gcBatchSize = 5000

// DeleteExpired removes records past their expiry in batches. Safe to run
// concurrently with live traffic: the delete is conditional and idempotent.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var totalDeleted int

	for {
		batchCtx, cancel := withTimeout(ctx)

		tag, err := s.Pool.Exec(batchCtx, `
			DELETE FROM idempotency_records WHERE key IN (
				SELECT key FROM idempotency_records
				WHERE expires_at <= $1
				LIMIT $2
			)`, now, gcBatchSize)
		cancel()

		if err != nil {
			return totalDeleted, fmt.Errorf("deleting expired idempotency records: %w", err)
		}

		totalDeleted += int(tag.RowsAffected())
		if tag.RowsAffected() < gcBatchSize {
			break
		}
	}

	return totalDeleted, nil
}
