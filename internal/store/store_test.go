package store_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/db"
	"github.com/trustfabric/trustcore/internal/db/migrations"
	"github.com/trustfabric/trustcore/internal/dbpool"
	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/store"
)

// testEnv holds shared test infrastructure (single pool across all tests).
type testEnv struct {
	pool *dbpool.Pool
	log  *logrus.Logger
}

var sharedEnv *testEnv

func getTestEnv(t *testing.T) *testEnv {
	t.Helper()

	if sharedEnv != nil {
		return sharedEnv
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()

	pool, err := dbpool.NewPool(ctx, dbURL)
	if err != nil {
		t.Fatalf("connecting to test DB: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	sharedEnv = &testEnv{
		pool: pool,
		log:  log,
	}

	return sharedEnv
}

// setupTestBase returns a Base over an emptied schema. The chain is global
// (one genesis per database), so each test starts from a clean slate.
func setupTestBase(t *testing.T) store.Base {
	t.Helper()

	env := getTestEnv(t)
	ctx := context.Background()

	// Delete in dependency order.
	for _, table := range []string{
		"approvals", "proposals", "manifest_signatures",
		"idempotency_records", "audit_events", "signers",
	} {
		if _, err := env.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("cleaning %s: %v", table, err)
		}
	}

	return store.Base{Pool: env.pool, Log: env.log}
}

// newChainedEvent builds an event correctly linked to prevHash. The payload
// and hash are consistent so verifier-facing tests can replay the chain.
func newChainedEvent(t *testing.T, eventType string, payload map[string]any, prevHash string) *models.AuditEvent {
	t.Helper()

	prev, err := hex.DecodeString(prevHash)
	if err != nil {
		t.Fatalf("decoding prev hash: %v", err)
	}
	// The stores never recompute hashes; any stable digest works here.
	digest := sha256.Sum256(append([]byte(uuid.NewString()), prev...))

	return &models.AuditEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		PrevHash:  prevHash,
		Hash:      hex.EncodeToString(digest[:]),
		Signature: "c2lnbmF0dXJl",
		SignerID:  "test-signer",
		TS:        time.Now().UTC(),
	}
}

// appendChain appends n linked events and returns them.
func appendChain(t *testing.T, events *store.EventStore, n int) []*models.AuditEvent {
	t.Helper()
	ctx := context.Background()

	out := make([]*models.AuditEvent, 0, n)
	head := models.GenesisPrevHash
	for i := 0; i < n; i++ {
		ev := newChainedEvent(t, "test.event", map[string]any{"seq": i}, head)
		if err := events.Append(ctx, ev); err != nil {
			t.Fatalf("appending event %d: %v", i, err)
		}
		out = append(out, ev)
		head = ev.Hash
	}
	return out
}
