package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/domain"
	"github.com/trustfabric/trustcore/internal/metrics"
	"github.com/trustfabric/trustcore/internal/models"
)

// IdempotencyGCStore is the data-access interface IdempotencyGC depends on.
type IdempotencyGCStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// IdempotencyGC periodically removes expired idempotency records.
type IdempotencyGC struct {
	store    IdempotencyGCStore
	interval time.Duration
	log      *logrus.Logger
}

// NewIdempotencyGC creates an IdempotencyGC. interval <= 0 defaults to 10m.
func NewIdempotencyGC(store IdempotencyGCStore, interval time.Duration, log *logrus.Logger) *IdempotencyGC {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &IdempotencyGC{store: store, interval: interval, log: log}
}

// Run sweeps on a ticker until the context is cancelled.
func (w *IdempotencyGC) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := w.store.DeleteExpired(ctx, time.Now().UTC())
			if err != nil {
				w.log.WithError(err).Warn("idempotency gc sweep failed")
				continue
			}
			if deleted > 0 {
				metrics.IdempotencyDeleted.Add(float64(deleted))
				w.log.WithField("deleted", deleted).Debug("idempotency.gc")
			}
		}
	}
}

// ExpirerStore is the data-access interface ProposalExpirer depends on.
type ExpirerStore interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// ProposalExpirer transitions past-due open proposals to expired.
type ProposalExpirer struct {
	proposals ExpirerStore
	interval  time.Duration
	log       *logrus.Logger
}

// NewProposalExpirer creates a ProposalExpirer. interval <= 0 defaults to 1m.
func NewProposalExpirer(proposals ExpirerStore, interval time.Duration, log *logrus.Logger) *ProposalExpirer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ProposalExpirer{proposals: proposals, interval: interval, log: log}
}

// Run sweeps on a ticker until the context is cancelled.
func (w *ProposalExpirer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := w.proposals.ExpireOverdue(ctx, time.Now().UTC())
			if err != nil {
				w.log.WithError(err).Warn("proposal expiry sweep failed")
				continue
			}
			if expired > 0 {
				metrics.ProposalsExpired.Add(float64(expired))
				w.log.WithField("expired", expired).Info("governor.expire")
			}
		}
	}
}

// WatchdogStore is the data-access interface RatificationWatchdog depends on.
type WatchdogStore interface {
	RatifiedWithoutQuorum(ctx context.Context, now time.Time) ([]models.Proposal, error)
	MarkViolationReported(ctx context.Context, id string) error
}

// RatificationWatchdog reports break-glass overrides that passed their
// ratification deadline without gathering quorum. Each violation is recorded
// on the ledger exactly once.
type RatificationWatchdog struct {
	proposals WatchdogStore
	auditor   domain.Auditor
	interval  time.Duration
	log       *logrus.Logger
}

// NewRatificationWatchdog creates a RatificationWatchdog. interval <= 0
// defaults to 5m.
func NewRatificationWatchdog(
	proposals WatchdogStore, auditor domain.Auditor,
	interval time.Duration, log *logrus.Logger,
) *RatificationWatchdog {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RatificationWatchdog{proposals: proposals, auditor: auditor, interval: interval, log: log}
}

// Run sweeps on a ticker until the context is cancelled.
func (w *RatificationWatchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RatificationWatchdog) sweep(ctx context.Context) {
	violations, err := w.proposals.RatifiedWithoutQuorum(ctx, time.Now().UTC())
	if err != nil {
		w.log.WithError(err).Warn("ratification watchdog sweep failed")
		return
	}

	for _, p := range violations {
		w.log.WithFields(logrus.Fields{
			"proposal_id": p.ID,
			"ratified_by": p.RatifiedBy,
		}).Error("ratification deadline passed without quorum")

		_, err := w.auditor.Append(ctx, models.EventTypePolicyViolation, map[string]any{
			"proposalId":        p.ID,
			"ratifiedBy":        p.RatifiedBy,
			"ratifyDeadline":    p.RatifyDeadline,
			"requiredThreshold": p.RequiredThreshold,
		}, nil)
		if err != nil {
			// Leave unmarked so the next sweep retries the report.
			w.log.WithError(err).WithField("proposal_id", p.ID).
				Warn("recording policy violation failed")
			continue
		}

		if err := w.proposals.MarkViolationReported(ctx, p.ID); err != nil {
			w.log.WithError(err).WithField("proposal_id", p.ID).
				Warn("marking violation reported failed")
			continue
		}
		metrics.PolicyViolations.Inc()
	}
}
