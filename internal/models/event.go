package models

import "time"

// GenesisPrevHash is the sentinel prev_hash value carried by the first event of
// a chain. It contributes zero bytes to the hash input, so the genesis hash is
// SHA-256 of the canonical payload alone.
const GenesisPrevHash = ""

// Event types emitted by the trust core itself. Callers are free to append
// their own domain event types alongside these.
const (
	EventTypeSignerRegistered   = "signer.registered"
	EventTypeSignerRotated      = "signer.rotated"
	EventTypeSignerRevoked      = "signer.revoked"
	EventTypeSignerFallback     = "signer.fallback"
	EventTypeProposalSubmitted  = "proposal.submitted"
	EventTypeProposalApplied    = "proposal.applied"
	EventTypeProposalRejected   = "proposal.rejected"
	EventTypeProposalRatified   = "proposal.ratified"
	EventTypeRatificationQuorum = "proposal.ratification_quorum"
	EventTypePolicyViolation    = "policy.violation"
	EventTypePayloadErased      = "ledger.payload_erased"
	EventTypeManifestSigned     = "manifest.signed"
)

// Stream status values for durable audit export.
const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamComplete   = "complete"
	StreamRetry      = "retry"
	StreamFailed     = "failed"
)

// AuditEvent is a single entry in the hash-chained, append-only ledger.
// Hash is hex-encoded SHA-256 of canonical(payload) || prevHashBytes; the
// signature is over the raw 32 hash bytes and base64-encoded.
type AuditEvent struct {
	ID        string         `json:"id"`
	EventType string         `json:"eventType"`
	Payload   any            `json:"payload"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
	Signature string         `json:"signature"`
	SignerID  string         `json:"signerId"`
	TS        time.Time      `json:"ts"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Erased marks a payload nulled under legal hold. The hash and signature
	// remain those of the original payload.
	Erased bool `json:"erased,omitempty"`
}

// EventRangeOpts holds filters for range queries over the ledger.
type EventRangeOpts struct {
	EventType string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// VerificationResult is the outcome of replaying a chain.
// Granular mismatch detail is recorded only for the first failure; scanning
// continues so Count reflects the total number of events examined.
type VerificationResult struct {
	OK                 bool   `json:"ok"`
	HeadHash           string `json:"headHash"`
	Count              int    `json:"count"`
	Erased             int    `json:"erased,omitempty"`
	FirstMismatchIndex int    `json:"firstMismatchIndex,omitempty"`
	FirstMismatchID    string `json:"firstMismatchId,omitempty"`
	FirstMismatchCause string `json:"firstMismatchCause,omitempty"`
}

// ProofSummary is the compact proof emitted by the offline verification tool.
type ProofSummary struct {
	HeadHash string    `json:"headHash"`
	Count    int       `json:"count"`
	OK       bool      `json:"ok"`
	RanAt    time.Time `json:"ranAt"`
}

// ManifestVerification is the per-signature outcome of checking a manifest
// against its recorded detached signatures.
type ManifestVerification struct {
	SignerID string `json:"signerId"`
	OK       bool   `json:"ok"`
	Cause    string `json:"cause,omitempty"`
}

// ManifestSignature is a detached signature over an external manifest.
type ManifestSignature struct {
	ID         string    `json:"id"`
	ManifestID string    `json:"manifestId"`
	SignerID   string    `json:"signerId"`
	Signature  string    `json:"signature"`
	Algorithm  string    `json:"algorithm"`
	KeyVersion string    `json:"keyVersion,omitempty"`
	Version    string    `json:"version,omitempty"`
	TS         time.Time `json:"ts"`
}
