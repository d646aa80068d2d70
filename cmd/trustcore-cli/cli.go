package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/dbpool"
	"github.com/trustfabric/trustcore/internal/service"
	"github.com/trustfabric/trustcore/internal/signing"
	"github.com/trustfabric/trustcore/internal/store"
	"github.com/trustfabric/trustcore/internal/verify"
)

// services wires the stores and the service layer over one pool for the
// lifetime of a single command.
type services struct {
	pool *dbpool.Pool
	log  *logrus.Logger

	events    *store.EventStore
	signers   *store.SignerStore
	proposals *store.ProposalStore

	signer   *signing.Local
	ledger   *service.LedgerService
	registry *service.RegistryService
	governor *service.GovernorService
	manifest *service.ManifestService
}

func openServices(ctx context.Context) (*services, error) {
	if flagDB == "" {
		return nil, fmt.Errorf("no database configured: pass --db or set TRUSTCORE_DATABASE_URL")
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)

	pool, err := dbpool.NewPool(ctx, flagDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	signer, err := localSigner()
	if err != nil {
		pool.Close()
		return nil, err
	}

	base := store.Base{Pool: pool, Log: log}
	s := &services{
		pool:      pool,
		log:       log,
		events:    store.NewEventStore(base),
		signers:   store.NewSignerStore(base),
		proposals: store.NewProposalStore(base),
		signer:    signer,
	}

	guard := service.NewGuard(store.NewIdempotencyStore(base), 0, log)
	verifier := verify.New(s.events, verify.NewRegistryKeys(s.signers), 0, log)
	s.ledger = service.NewLedgerService(s.events, signer, guard, verifier, log)
	s.registry = service.NewRegistryService(s.signers, s.ledger, log)
	s.governor = service.NewGovernorService(s.proposals, s.signers, s.ledger, guard, flagRatifyWindow, log)
	s.manifest = service.NewManifestService(store.NewManifestStore(base), signer, s.signers, s.ledger, log)
	return s, nil
}

func (s *services) Close() { s.pool.Close() }

// ensureSigner registers the CLI's signing identity before the first append.
// Appends signed by an unregistered key would fail later verification.
func (s *services) ensureSigner(ctx context.Context) error {
	return s.registry.EnsureRegistered(ctx, s.signer)
}

func localSigner() (*signing.Local, error) {
	if seed := os.Getenv("TRUSTCORE_SIGNING_SEED"); seed != "" {
		return signing.NewLocalFromSeed(flagSignerID, seed)
	}
	return signing.NewLocal(flagSignerID)
}

// withServices opens the service layer, runs fn and reports a failure under
// the given operation name.
func withServices(op string, fn func(ctx context.Context, s *services) error) {
	ctx := context.Background()

	s, err := openServices(ctx)
	if err != nil {
		fatal(op, err)
	}
	defer s.Close()

	if err := fn(ctx, s); err != nil {
		fatal(op, err)
	}
}
