// Package store provides focused, single-concern data access stores for the
// trust core: the hash-chained event log, the signer registry, governance
// proposals, idempotency records and detached manifest signatures.
//
// Each store owns one domain and embeds shared helpers (Pool, logger) via the
// Base struct. Stores never import each other — shared logic lives in this
// file. The database is the single source of ordering truth: every mutating
// operation runs as one transaction with a row-level lock or an equivalent
// optimistic check.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/dbpool"
)

const defaultQueryTimeout = 30 * time.Second

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// Base contains shared dependencies for all stores.
// Embed this in each store struct.
type Base struct {
	Pool *dbpool.Pool
	Log  *logrus.Logger
}

// withTimeout creates a context with the default query timeout.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// beginTx starts a read-write transaction.
func (b *Base) beginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := b.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// beginReadTx starts a read-only transaction.
func (b *Base) beginReadTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := b.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	return tx, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error,
// optionally restricted to the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// decodeStoredJSON unmarshals stored jsonb into v, keeping numbers as
// json.Number. Payloads are re-canonicalized during chain verification, so a
// float64 round trip would re-hash integers above 2^53 (and non-canonical
// forms like 1e2) differently from the bytes that were signed.
func decodeStoredJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
