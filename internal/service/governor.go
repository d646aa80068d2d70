package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/canonical"
	"github.com/trustfabric/trustcore/internal/domain"
	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/signing"
	"github.com/trustfabric/trustcore/internal/store"
)

const (
	// defaultProposalTTL is the approval window when the submitter names none.
	defaultProposalTTL = 24 * time.Hour

	// defaultRatifyWindow is how long a break-glass override may stand before
	// missing retroactive approvals become a policy violation.
	defaultRatifyWindow = 72 * time.Hour
)

// ProposalStore is the data-access interface GovernorService depends on.
type ProposalStore interface {
	Create(ctx context.Context, p *models.Proposal) error
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Proposal) error
	Get(ctx context.Context, id string) (*models.Proposal, error)
	Approvals(ctx context.Context, proposalID string) ([]models.Approval, error)
	Mutate(ctx context.Context, id string,
		decide func(p *models.Proposal, approvals []models.Approval) (*store.ProposalMutation, error),
	) (*models.Proposal, []models.Approval, error)
}

// SignerSource resolves signer identities for signature checks.
type SignerSource interface {
	Get(ctx context.Context, signerID string) (*models.Signer, error)
}

// Compile-time check: *GovernorService must satisfy domain.GovernorService.
var _ domain.GovernorService = (*GovernorService)(nil)

// GovernorService runs the N-of-M approval state machine. Approvals are
// Ed25519/RSA signatures over the proposal's canonical payload hash; the
// quorum decision and the approval insert commit in one transaction.
type GovernorService struct {
	proposals    ProposalStore
	signers      SignerSource
	auditor      domain.Auditor
	guard        GuardRunner
	ratifyWindow time.Duration
	log          *logrus.Logger
}

// NewGovernorService creates a GovernorService. ratifyWindow <= 0 selects the
// default break-glass ratification window.
func NewGovernorService(
	proposals ProposalStore, signers SignerSource, auditor domain.Auditor,
	guard GuardRunner, ratifyWindow time.Duration, log *logrus.Logger,
) *GovernorService {
	if ratifyWindow <= 0 {
		ratifyWindow = defaultRatifyWindow
	}
	return &GovernorService{
		proposals:    proposals,
		signers:      signers,
		auditor:      auditor,
		guard:        guard,
		ratifyWindow: ratifyWindow,
		log:          log,
	}
}

// Submit opens a new proposal awaiting approvals.
func (s *GovernorService) Submit(
	ctx context.Context, req models.SubmitProposalRequest,
) (*models.Proposal, error) {
	p, err := s.newProposal(req)
	if err != nil {
		return nil, err
	}
	if err := s.proposals.Create(ctx, p); err != nil {
		return nil, err
	}
	s.auditSubmitted(ctx, p)
	return p, nil
}

// SubmitGuarded is Submit behind an idempotency key: a retried submission
// returns the proposal created by the first attempt.
func (s *GovernorService) SubmitGuarded(
	ctx context.Context, key string, req models.SubmitProposalRequest,
) (*models.Proposal, bool, error) {
	p, err := s.newProposal(req)
	if err != nil {
		return nil, false, err
	}

	request := map[string]any{
		"payload":         req.Payload,
		"threshold":       req.RequiredThreshold,
		"eligibleSigners": req.EligibleSigners,
	}
	resultRef, replayed, err := s.guard.Run(ctx, key, request, func(tx pgx.Tx) (string, error) {
		if err := s.proposals.CreateTx(ctx, tx, p); err != nil {
			return "", err
		}
		return p.ID, nil
	})
	if err != nil {
		return nil, false, err
	}

	if replayed {
		existing, err := s.proposals.Get(ctx, resultRef)
		if err != nil {
			return nil, true, err
		}
		return existing, true, nil
	}

	s.auditSubmitted(ctx, p)
	return p, false, nil
}

func (s *GovernorService) newProposal(req models.SubmitProposalRequest) (*models.Proposal, error) {
	if req.Payload == nil {
		return nil, models.ErrMissingPayload
	}
	if req.RequiredThreshold < 1 || req.RequiredThreshold > len(req.EligibleSigners) {
		return nil, models.ErrBadThreshold
	}
	seen := make(map[string]bool, len(req.EligibleSigners))
	for _, id := range req.EligibleSigners {
		if id == "" {
			return nil, models.ErrMissingSignerID
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate eligible signer %q", id)
		}
		seen[id] = true
	}

	payloadHash, _, err := canonical.Hash(req.Payload)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultProposalTTL
	}
	now := time.Now().UTC()

	return &models.Proposal{
		ID:                uuid.NewString(),
		Payload:           req.Payload,
		PayloadHash:       payloadHash,
		RequiredThreshold: req.RequiredThreshold,
		EligibleSigners:   req.EligibleSigners,
		Status:            models.ProposalProposed,
		Justification:     req.Justification,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}, nil
}

func (s *GovernorService) auditSubmitted(ctx context.Context, p *models.Proposal) {
	s.audit(ctx, models.EventTypeProposalSubmitted, map[string]any{
		"proposalId":      p.ID,
		"payloadHash":     p.PayloadHash,
		"threshold":       p.RequiredThreshold,
		"eligibleSigners": p.EligibleSigners,
		"expiresAt":       p.ExpiresAt,
	})
}

// Approve records a signer's approval. Reaching the threshold transitions the
// proposal to applied and records the full approval set on the ledger.
func (s *GovernorService) Approve(
	ctx context.Context, proposalID, signerID, signature string,
) (*models.Proposal, error) {
	return s.approve(ctx, proposalID, signerID, signature, false)
}

// ApproveRatification records a retroactive approval on a ratified proposal.
// Late approvals are still accepted after the ratification deadline; the
// watchdog has already reported the violation by then.
func (s *GovernorService) ApproveRatification(
	ctx context.Context, proposalID, signerID, signature string,
) (*models.Proposal, error) {
	return s.approve(ctx, proposalID, signerID, signature, true)
}

func (s *GovernorService) approve(
	ctx context.Context, proposalID, signerID, signature string, ratifying bool,
) (*models.Proposal, error) {
	if signerID == "" {
		return nil, models.ErrMissingSignerID
	}

	signer, err := s.signers.Get(ctx, signerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !signer.Active(now) {
		return nil, models.ErrSignerRevoked
	}

	var applied, quorum bool
	var approvalSet []models.Approval

	p, approvals, err := s.proposals.Mutate(ctx, proposalID,
		func(p *models.Proposal, approvals []models.Approval) (*store.ProposalMutation, error) {
			if ratifying {
				if p.Status != models.ProposalRatified {
					return nil, models.ErrProposalNotOpen
				}
			} else if !p.Open(now) {
				if p.Status == models.ProposalExpired ||
					(!p.Status.Terminal() && !now.Before(p.ExpiresAt)) {
					return nil, models.ErrProposalExpired
				}
				return nil, models.ErrProposalNotOpen
			}
			if !p.Eligible(signerID) {
				return nil, models.ErrNotEligible
			}
			for _, a := range approvals {
				if a.SignerID == signerID {
					return nil, models.ErrDuplicateApproval
				}
			}

			hashBytes, err := hex.DecodeString(p.PayloadHash)
			if err != nil {
				return nil, fmt.Errorf("decoding payload hash: %w", err)
			}
			if err := signing.Verify(signer.Algorithm, signer.PublicKey, hashBytes, signature); err != nil {
				return nil, err
			}

			mut := &store.ProposalMutation{
				InsertApproval: &models.Approval{
					ID:         uuid.NewString(),
					ProposalID: p.ID,
					SignerID:   signerID,
					Signature:  signature,
					Ratifying:  ratifying,
					CreatedAt:  now,
				},
			}

			count := len(approvals) + 1
			if ratifying {
				quorum = count >= p.RequiredThreshold
				return mut, nil
			}
			if count >= p.RequiredThreshold {
				status := models.ProposalApplied
				mut.SetStatus = &status
				mut.SetAppliedAt = &now
				applied = true
			} else if p.Status == models.ProposalProposed {
				status := models.ProposalApproved
				mut.SetStatus = &status
			}
			return mut, nil
		})
	if err != nil {
		return nil, err
	}
	approvalSet = approvals

	s.log.WithFields(logrus.Fields{
		"proposal_id": p.ID,
		"signer_id":   signerID,
		"status":      p.Status,
		"ratifying":   ratifying,
	}).Info("governor.approve")

	switch {
	case applied:
		s.audit(ctx, models.EventTypeProposalApplied, map[string]any{
			"proposalId":  p.ID,
			"payloadHash": p.PayloadHash,
			"approvals":   approvalRefs(approvalSet),
		})
	case quorum:
		s.audit(ctx, models.EventTypeRatificationQuorum, map[string]any{
			"proposalId": p.ID,
			"ratifiedBy": p.RatifiedBy,
			"approvals":  approvalRefs(approvalSet),
		})
	}
	return p, nil
}

// Reject closes an open proposal. A single rejection is final: the rejector
// must hold the admin capability or be one of the eligible signers.
func (s *GovernorService) Reject(
	ctx context.Context, proposalID string, identity models.Identity, reason string,
) (*models.Proposal, error) {
	admin := identity.Has(models.CapabilityAdmin)
	now := time.Now().UTC()

	p, _, err := s.proposals.Mutate(ctx, proposalID,
		func(p *models.Proposal, _ []models.Approval) (*store.ProposalMutation, error) {
			if !p.Open(now) {
				if p.Status == models.ProposalExpired ||
					(!p.Status.Terminal() && !now.Before(p.ExpiresAt)) {
					return nil, models.ErrProposalExpired
				}
				return nil, models.ErrProposalNotOpen
			}
			if !admin && !p.Eligible(identity.Actor) {
				return nil, models.ErrNotEligible
			}
			status := models.ProposalRejected
			return &store.ProposalMutation{SetStatus: &status, SetJustification: reason}, nil
		})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"proposal_id": p.ID,
		"actor":       identity.Actor,
	}).Info("governor.reject")

	s.audit(ctx, models.EventTypeProposalRejected, map[string]any{
		"proposalId": p.ID,
		"actor":      identity.Actor,
		"reason":     reason,
	})
	return p, nil
}

// Ratify applies a proposal without quorum under the break-glass capability.
// The override must be justified and must gather retroactive approvals before
// the ratification deadline, or the watchdog reports a policy violation.
func (s *GovernorService) Ratify(
	ctx context.Context, proposalID string, identity models.Identity, justification string,
) (*models.Proposal, error) {
	if !identity.Has(models.CapabilityBreakGlass) {
		return nil, models.ErrMissingCapability
	}
	if justification == "" {
		return nil, models.ErrMissingJustification
	}
	now := time.Now().UTC()
	deadline := now.Add(s.ratifyWindow)

	p, _, err := s.proposals.Mutate(ctx, proposalID,
		func(p *models.Proposal, _ []models.Approval) (*store.ProposalMutation, error) {
			// Expired proposals stay ratifiable: break-glass exists precisely
			// for decisions that could not gather quorum in time.
			switch p.Status {
			case models.ProposalProposed, models.ProposalApproved, models.ProposalExpired:
			default:
				return nil, models.ErrProposalNotOpen
			}
			status := models.ProposalRatified
			return &store.ProposalMutation{
				SetStatus:         &status,
				SetAppliedAt:      &now,
				SetRatifiedBy:     identity.Actor,
				SetRatifyDeadline: &deadline,
				SetJustification:  justification,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"proposal_id":     p.ID,
		"actor":           identity.Actor,
		"ratify_deadline": deadline,
	}).Warn("governor.ratify")

	s.audit(ctx, models.EventTypeProposalRatified, map[string]any{
		"proposalId":     p.ID,
		"actor":          identity.Actor,
		"justification":  justification,
		"ratifyDeadline": deadline,
	})
	return p, nil
}

// Get returns a proposal with its non-revoked approvals.
func (s *GovernorService) Get(
	ctx context.Context, proposalID string,
) (*models.Proposal, []models.Approval, error) {
	p, err := s.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	approvals, err := s.proposals.Approvals(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	return p, approvals, nil
}

// audit records a governance transition on the ledger. Append failures are
// logged, not propagated: the transition itself has already committed.
func (s *GovernorService) audit(ctx context.Context, eventType string, payload map[string]any) {
	if _, err := s.auditor.Append(ctx, eventType, payload, nil); err != nil {
		s.log.WithError(err).WithField("event_type", eventType).
			Warn("recording governance event failed")
	}
}

func approvalRefs(approvals []models.Approval) []map[string]any {
	refs := make([]map[string]any, 0, len(approvals))
	for _, a := range approvals {
		refs = append(refs, map[string]any{
			"signerId":  a.SignerID,
			"signature": a.Signature,
		})
	}
	return refs
}
