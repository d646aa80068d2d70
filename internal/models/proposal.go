package models

import (
	"slices"
	"time"
)

// ProposalStatus tracks the multisig state machine.
type ProposalStatus string

const (
	ProposalProposed ProposalStatus = "proposed"
	ProposalApproved ProposalStatus = "approved"
	ProposalApplied  ProposalStatus = "applied"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"

	// ProposalRatified is the terminal state reached only through the
	// break-glass override. It must be followed by retroactive approvals;
	// the watchdog reports a policy violation otherwise.
	ProposalRatified ProposalStatus = "ratified"
)

// Terminal reports whether no further transitions are allowed.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalApplied, ProposalRejected, ProposalExpired, ProposalRatified:
		return true
	}
	return false
}

// Proposal is a governed state transition awaiting N-of-M approval.
// PayloadHash is the hex SHA-256 of the canonical payload; approvers sign the
// raw hash bytes.
type Proposal struct {
	ID                string         `json:"id"`
	Payload           any            `json:"payload"`
	PayloadHash       string         `json:"payloadHash"`
	RequiredThreshold int            `json:"requiredThreshold"`
	EligibleSigners   []string       `json:"eligibleSigners"`
	Status            ProposalStatus `json:"status"`
	Justification     string         `json:"justification,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	AppliedAt         *time.Time     `json:"appliedAt,omitempty"`
	RatifiedBy        string         `json:"ratifiedBy,omitempty"`
	RatifyDeadline    *time.Time     `json:"ratifyDeadline,omitempty"`
}

// Eligible reports whether signerID may approve this proposal.
func (p *Proposal) Eligible(signerID string) bool {
	return slices.Contains(p.EligibleSigners, signerID)
}

// Open reports whether the proposal still accepts approvals at the given time.
func (p *Proposal) Open(now time.Time) bool {
	if p.Status != ProposalProposed && p.Status != ProposalApproved {
		return false
	}
	return now.Before(p.ExpiresAt)
}

// SubmitProposalRequest carries the inputs for a new proposal. TTL bounds how
// long the proposal accepts approvals; zero means the configured default.
type SubmitProposalRequest struct {
	Payload           any           `json:"payload"`
	RequiredThreshold int           `json:"requiredThreshold"`
	EligibleSigners   []string      `json:"eligibleSigners"`
	Justification     string        `json:"justification,omitempty"`
	TTL               time.Duration `json:"ttl,omitempty"`
}

// Approval is a signer's signature over a proposal's canonical hash.
// At most one non-revoked approval exists per (proposal, signer) pair;
// re-approval after expiry revokes the old row instead of duplicating it.
type Approval struct {
	ID         string     `json:"id"`
	ProposalID string     `json:"proposalId"`
	SignerID   string     `json:"signerId"`
	Signature  string     `json:"signature"`
	Ratifying  bool       `json:"ratifying,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}
