// Command trustcored runs the trust core daemon: migrations, background
// workers and the loopback ops listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trustfabric/trustcore/internal/config"
	"github.com/trustfabric/trustcore/internal/db"
	"github.com/trustfabric/trustcore/internal/db/migrations"
	"github.com/trustfabric/trustcore/internal/dbpool"
	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/ops"
	"github.com/trustfabric/trustcore/internal/service"
	"github.com/trustfabric/trustcore/internal/signing"
	"github.com/trustfabric/trustcore/internal/store"
	"github.com/trustfabric/trustcore/internal/stream"
	"github.com/trustfabric/trustcore/internal/verify"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("trustcored exited")
	}
	log.Info("trustcored stopped")
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		log.WithField("level", level).Warn("unknown log level, using info")
	}
	log.SetLevel(lvl)
	return log
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	pool, err := dbpool.NewPool(ctx, cfg.DatabaseURL.Value())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	base := store.Base{Pool: pool, Log: log}
	events := store.NewEventStore(base)
	signers := store.NewSignerStore(base)
	proposals := store.NewProposalStore(base)
	idem := store.NewIdempotencyStore(base)

	signer, bootKeys, err := newSigner(cfg.Signing, log)
	if err != nil {
		return fmt.Errorf("building signing provider: %w", err)
	}

	guard := service.NewGuard(idem, cfg.Workers.IdempotencyTTL, log)
	verifier := verify.New(events, verify.NewRegistryKeys(signers), 0, log)
	ledger := service.NewLedgerService(events, signer, guard, verifier, log)
	registry := service.NewRegistryService(signers, ledger, log)

	for _, p := range bootKeys {
		if err := registry.EnsureRegistered(ctx, p); err != nil {
			return fmt.Errorf("registering signer %q: %w", p.SignerID(), err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		service.NewIdempotencyGC(idem, cfg.Workers.IdempotencyGCInterval, log).Run(ctx)
		return nil
	})
	g.Go(func() error {
		service.NewProposalExpirer(proposals, cfg.Workers.ProposalExpiryInterval, log).Run(ctx)
		return nil
	})
	g.Go(func() error {
		service.NewRatificationWatchdog(proposals, ledger, cfg.Workers.WatchdogInterval, log).Run(ctx)
		return nil
	})

	if cfg.Stream.Enabled {
		producer, err := stream.NewKafkaProducer(cfg.Stream.Brokers, cfg.Stream.Topic, log)
		if err != nil {
			return fmt.Errorf("connecting to broker: %w", err)
		}
		defer producer.Close()

		g.Go(func() error {
			stream.NewStreamer(events, producer, cfg.Stream.Interval, cfg.Stream.BatchSize, log).Run(ctx)
			return nil
		})
	}

	router := ops.NewRouter(&ops.RouterDeps{
		Log:      log,
		Pool:     pool,
		Ledger:   ledger,
		Registry: registry,
		Version:  config.Version,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":    cfg.Addr(),
			"version": config.Version,
		}).Info("ops listener starting")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newSigner builds the signing provider from config. The second return value
// lists providers whose public keys must be present in the registry before
// the first append.
func newSigner(cfg config.Signing, log *logrus.Logger) (signing.Provider, []signing.Provider, error) {
	switch cfg.Mode {
	case "local":
		local, err := newLocal(cfg.SignerID, cfg.LocalSeed.Value())
		if err != nil {
			return nil, nil, err
		}
		return local, []signing.Provider{local}, nil

	case "remote":
		remote, err := signing.NewRemote(signing.RemoteConfig{
			Endpoint:       cfg.KMSEndpoint,
			KeyID:          cfg.KMSKeyID,
			SignerID:       cfg.SignerID,
			Algorithm:      models.AlgorithmEd25519,
			Timeout:        cfg.KMSTimeout,
			Attempts:       cfg.KMSAttempts,
			ClientCertPath: cfg.KMSClientCert,
			ClientKeyPath:  cfg.KMSClientKey,
			CAPath:         cfg.KMSCACert,
		})
		if err != nil {
			return nil, nil, err
		}

		if cfg.Strict {
			return signing.NewService(remote, nil, true, log), nil, nil
		}

		// The remote key is published out of band; only the fallback key
		// needs boot registration.
		fallback, err := newLocal(cfg.SignerID+"-fallback", cfg.LocalSeed.Value())
		if err != nil {
			return nil, nil, err
		}
		return signing.NewService(remote, fallback, false, log), []signing.Provider{fallback}, nil

	default:
		return nil, nil, fmt.Errorf("unknown signing mode %q", cfg.Mode)
	}
}

func newLocal(signerID, seed string) (*signing.Local, error) {
	if seed != "" {
		return signing.NewLocalFromSeed(signerID, seed)
	}
	return signing.NewLocal(signerID)
}
