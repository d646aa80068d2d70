package service

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/canonical"
	"github.com/trustfabric/trustcore/internal/metrics"
	"github.com/trustfabric/trustcore/internal/models"
)

// defaultIdempotencyTTL bounds how long a key replays its cached result.
const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore is the data-access interface Guard depends on.
type IdempotencyStore interface {
	Guard(ctx context.Context, key, requestHash string, ttl time.Duration,
		fn func(tx pgx.Tx) (string, error)) (string, bool, error)
}

// GuardRunner executes a side effect exactly once per idempotency key.
type GuardRunner interface {
	Run(ctx context.Context, key string, request any,
		fn func(tx pgx.Tx) (string, error)) (string, bool, error)
}

// Compile-time check: *Guard must satisfy GuardRunner.
var _ GuardRunner = (*Guard)(nil)

// Guard hashes the caller's request canonically and delegates to the
// idempotency store, so two requests compare equal regardless of JSON key
// order or whitespace.
type Guard struct {
	store IdempotencyStore
	ttl   time.Duration
	log   *logrus.Logger
}

// NewGuard creates a Guard. ttl <= 0 selects the default retention window.
func NewGuard(store IdempotencyStore, ttl time.Duration, log *logrus.Logger) *Guard {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &Guard{store: store, ttl: ttl, log: log}
}

// Run executes fn exactly once for the given key and request. A replay with
// an equal request returns the cached result reference and replayed=true; the
// same key with a different request fails with models.ErrIdempotencyConflict.
func (g *Guard) Run(
	ctx context.Context, key string, request any,
	fn func(tx pgx.Tx) (string, error),
) (string, bool, error) {
	if key == "" {
		return "", false, models.ErrMissingIdempotencyKey
	}

	requestHash, _, err := canonical.Hash(request)
	if err != nil {
		return "", false, err
	}

	resultRef, replayed, err := g.store.Guard(ctx, key, requestHash, g.ttl, fn)
	if err != nil {
		if errors.Is(err, models.ErrIdempotencyConflict) {
			metrics.IdempotencyConflicts.Inc()
		}
		return "", false, err
	}

	if replayed {
		metrics.IdempotencyReplays.Inc()
		g.log.WithFields(logrus.Fields{
			"key":        key,
			"result_ref": resultRef,
		}).Debug("idempotency.replay")
	}
	return resultRef, replayed, nil
}
