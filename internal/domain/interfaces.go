// Package domain defines the canonical service interfaces shared across
// entry points (ops listener, CLI, workers). Consumers should depend on these
// interfaces rather than re-declaring equivalent ones.
package domain

import (
	"context"
	"time"

	"github.com/trustfabric/trustcore/internal/models"
)

// LedgerService defines operations on the hash-chained audit ledger.
type LedgerService interface {
	Auditor
	AppendGuarded(ctx context.Context, key, eventType string, payload any, metadata map[string]any) (*models.AuditEvent, bool, error)
	Get(ctx context.Context, id string) (*models.AuditEvent, error)
	Range(ctx context.Context, opts models.EventRangeOpts) ([]models.AuditEvent, bool, error)
	VerifyChain(ctx context.Context) (*models.VerificationResult, error)
	Erase(ctx context.Context, id string, identity models.Identity, reason string) error
}

// Auditor is the minimal interface for appending audit events. Used by
// services that record their own transitions on the ledger.
type Auditor interface {
	Append(ctx context.Context, eventType string, payload any, metadata map[string]any) (*models.AuditEvent, error)
}

// RegistryService defines key registry operations.
type RegistryService interface {
	Register(ctx context.Context, signer *models.Signer) (*models.Signer, error)
	Rotate(ctx context.Context, oldSignerID string, replacement *models.Signer, overlap time.Duration) (*models.Signer, error)
	Revoke(ctx context.Context, signerID string, identity models.Identity) error
	Lookup(ctx context.Context, signerID string) (*models.Signer, error)
	ListActive(ctx context.Context) ([]models.Signer, error)
}

// GovernorService defines the multisig governance operations.
type GovernorService interface {
	Submit(ctx context.Context, req models.SubmitProposalRequest) (*models.Proposal, error)
	SubmitGuarded(ctx context.Context, key string, req models.SubmitProposalRequest) (*models.Proposal, bool, error)
	Approve(ctx context.Context, proposalID, signerID, signature string) (*models.Proposal, error)
	Reject(ctx context.Context, proposalID string, identity models.Identity, reason string) (*models.Proposal, error)
	Ratify(ctx context.Context, proposalID string, identity models.Identity, justification string) (*models.Proposal, error)
	ApproveRatification(ctx context.Context, proposalID, signerID, signature string) (*models.Proposal, error)
	Get(ctx context.Context, proposalID string) (*models.Proposal, []models.Approval, error)
}

// ManifestService defines detached manifest signing operations.
type ManifestService interface {
	Sign(ctx context.Context, manifestID, version string, manifest any) (*models.ManifestSignature, error)
	Verify(ctx context.Context, manifestID string, manifest any) ([]models.ManifestVerification, error)
}
