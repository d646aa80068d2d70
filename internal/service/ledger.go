package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/canonical"
	"github.com/trustfabric/trustcore/internal/domain"
	"github.com/trustfabric/trustcore/internal/metrics"
	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/signing"
)

// maxAppendRetries bounds how often an append recomputes against a moved head
// before giving up. Contention beyond this indicates a hot loop upstream.
const maxAppendRetries = 5

// EventStore is the data-access interface LedgerService depends on.
type EventStore interface {
	Head(ctx context.Context) (string, error)
	HeadTx(ctx context.Context, tx pgx.Tx) (string, error)
	Append(ctx context.Context, ev *models.AuditEvent) error
	AppendTx(ctx context.Context, tx pgx.Tx, ev *models.AuditEvent) error
	Get(ctx context.Context, id string) (*models.AuditEvent, error)
	Range(ctx context.Context, opts models.EventRangeOpts) ([]models.AuditEvent, bool, error)
	ErasePayload(ctx context.Context, id string) error
}

// ChainVerifier replays the chain and reports the first mismatch, if any.
type ChainVerifier interface {
	Run(ctx context.Context) (*models.VerificationResult, error)
}

// Compile-time check: *LedgerService must satisfy domain.LedgerService.
var _ domain.LedgerService = (*LedgerService)(nil)

// LedgerService appends hash-chained, signed events. Each event's hash covers
// the canonical payload and the previous hash, so reordering, insertion or
// mutation anywhere in history breaks verification.
type LedgerService struct {
	events   EventStore
	signer   signing.Provider
	guard    GuardRunner
	verifier ChainVerifier
	log      *logrus.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(
	events EventStore, signer signing.Provider, guard GuardRunner,
	verifier ChainVerifier, log *logrus.Logger,
) *LedgerService {
	return &LedgerService{events: events, signer: signer, guard: guard, verifier: verifier, log: log}
}

// Append signs and persists a new event at the chain head. If another append
// commits first, the hash and signature are recomputed against the new head
// and the insert retried.
func (s *LedgerService) Append(
	ctx context.Context, eventType string, payload any, metadata map[string]any,
) (*models.AuditEvent, error) {
	if eventType == "" {
		return nil, models.ErrMissingEventType
	}
	if payload == nil {
		return nil, models.ErrMissingPayload
	}

	var (
		ev       *models.AuditEvent
		fellBack bool
	)
	for attempt := 0; ; attempt++ {
		head, err := s.events.Head(ctx)
		if err != nil {
			return nil, err
		}

		ev, fellBack, err = s.buildSigned(ctx, eventType, payload, metadata, head)
		if err != nil {
			return nil, err
		}

		err = s.events.Append(ctx, ev)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrStaleHead) || attempt+1 >= maxAppendRetries {
			return nil, err
		}
		metrics.AppendRetries.Inc()
	}

	s.recordAppended(ctx, ev, fellBack)
	return ev, nil
}

// AppendGuarded is Append behind an idempotency key. The head is read under
// lock inside the guard transaction, but a concurrent append can still win the
// race before the lock is granted; the hash and signature are then recomputed
// against the new head and the insert retried within the same transaction.
// A replay returns the previously appended event.
func (s *LedgerService) AppendGuarded(
	ctx context.Context, key, eventType string, payload any, metadata map[string]any,
) (*models.AuditEvent, bool, error) {
	if eventType == "" {
		return nil, false, models.ErrMissingEventType
	}
	if payload == nil {
		return nil, false, models.ErrMissingPayload
	}

	var (
		ev       *models.AuditEvent
		fellBack bool
	)
	request := map[string]any{"eventType": eventType, "payload": payload}

	resultRef, replayed, err := s.guard.Run(ctx, key, request, func(tx pgx.Tx) (string, error) {
		for attempt := 0; ; attempt++ {
			head, err := s.events.HeadTx(ctx, tx)
			if err != nil {
				return "", err
			}
			built, fb, err := s.buildSigned(ctx, eventType, payload, metadata, head)
			if err != nil {
				return "", err
			}
			err = s.events.AppendTx(ctx, tx, built)
			if err == nil {
				ev, fellBack = built, fb
				return built.ID, nil
			}
			if !errors.Is(err, models.ErrStaleHead) || attempt+1 >= maxAppendRetries {
				return "", err
			}
			metrics.AppendRetries.Inc()
		}
	})
	if err != nil {
		return nil, false, err
	}

	if replayed {
		existing, err := s.events.Get(ctx, resultRef)
		if err != nil {
			return nil, true, err
		}
		return existing, true, nil
	}

	s.recordAppended(ctx, ev, fellBack)
	return ev, false, nil
}

// buildSigned computes the chained hash for the payload at the given head and
// signs it. Returns the assembled event and whether the signature came from
// the fallback signer.
func (s *LedgerService) buildSigned(
	ctx context.Context, eventType string, payload any, metadata map[string]any, prevHash string,
) (*models.AuditEvent, bool, error) {
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("canonicalizing payload: %w", err)
	}
	prevBytes, err := hex.DecodeString(prevHash)
	if err != nil {
		return nil, false, fmt.Errorf("decoding previous hash: %w", err)
	}

	digest := sha256.Sum256(append(canon, prevBytes...))

	res, err := s.signer.Sign(ctx, digest[:])
	if err != nil {
		return nil, false, err
	}

	return &models.AuditEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		PrevHash:  prevHash,
		Hash:      hex.EncodeToString(digest[:]),
		Signature: res.Signature,
		SignerID:  res.SignerID,
		TS:        res.TS,
		Metadata:  metadata,
	}, res.Fallback, nil
}

// recordAppended updates metrics and, when the event was signed by the
// fallback signer, appends the fallback incident as its own event. The
// incident event never records a fallback for itself.
func (s *LedgerService) recordAppended(ctx context.Context, ev *models.AuditEvent, fellBack bool) {
	metrics.EventsAppended.WithLabelValues(ev.EventType).Inc()

	s.log.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"event_type": ev.EventType,
		"signer_id":  ev.SignerID,
	}).Debug("ledger.append")

	if !fellBack || ev.EventType == models.EventTypeSignerFallback {
		return
	}
	_, err := s.Append(ctx, models.EventTypeSignerFallback, map[string]any{
		"eventId":  ev.ID,
		"signerId": ev.SignerID,
	}, nil)
	if err != nil {
		s.log.WithError(err).WithField("event_id", ev.ID).
			Warn("recording signer fallback failed")
	}
}

// Get returns an event by id (pass-through to store).
func (s *LedgerService) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	return s.events.Get(ctx, id)
}

// Range returns events matching the given filters (pass-through).
func (s *LedgerService) Range(
	ctx context.Context, opts models.EventRangeOpts,
) ([]models.AuditEvent, bool, error) {
	return s.events.Range(ctx, opts)
}

// VerifyChain replays the full chain and reports the result.
func (s *LedgerService) VerifyChain(ctx context.Context) (*models.VerificationResult, error) {
	result, err := s.verifier.Run(ctx)
	if err != nil {
		metrics.VerificationRuns.WithLabelValues("error").Inc()
		return nil, err
	}

	if result.OK {
		metrics.VerificationRuns.WithLabelValues("ok").Inc()
	} else {
		metrics.VerificationRuns.WithLabelValues("mismatch").Inc()
		s.log.WithFields(logrus.Fields{
			"mismatch_index": result.FirstMismatchIndex,
			"mismatch_id":    result.FirstMismatchID,
			"cause":          result.FirstMismatchCause,
		}).Error("chain verification failed")
	}
	return result, nil
}

// Erase nulls an event's payload under legal hold, keeping the hash,
// signature and chain position intact, then records the erasure on the chain.
func (s *LedgerService) Erase(
	ctx context.Context, id string, identity models.Identity, reason string,
) error {
	if !identity.Has(models.CapabilityAdmin) {
		return models.ErrMissingCapability
	}
	if reason == "" {
		return models.ErrMissingJustification
	}

	if err := s.events.ErasePayload(ctx, id); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"event_id": id,
		"actor":    identity.Actor,
	}).Info("ledger.erase")

	_, err := s.Append(ctx, models.EventTypePayloadErased, map[string]any{
		"eventId": id,
		"actor":   identity.Actor,
		"reason":  reason,
	}, nil)
	return err
}
