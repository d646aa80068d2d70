package models

import "errors"

// Sentinel errors for validation.
var (
	ErrMissingEventType = errors.New("event type is required")
	ErrMissingPayload   = errors.New("payload is required")
	ErrMissingSignerID  = errors.New("signer id is required")
	ErrMissingPublicKey = errors.New("public key is required")
	ErrBadThreshold     = errors.New("required threshold must be between 1 and the number of eligible signers")

	// ErrMissingJustification guards the break-glass path: an override without
	// a recorded reason is indistinguishable from abuse.
	ErrMissingJustification = errors.New("justification is required")

	ErrMissingManifestID     = errors.New("manifest id is required")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
)

// Sentinel errors for entity lookups.
var (
	ErrEventNotFound    = errors.New("audit event not found")
	ErrSignerNotFound   = errors.New("signer not found")
	ErrProposalNotFound = errors.New("proposal not found")
	ErrManifestNotFound = errors.New("no signatures recorded for manifest")
)

// ErrDuplicateKey indicates a unique constraint violation.
var ErrDuplicateKey = errors.New("duplicate key")

// Trust errors. Chain integrity and signature failures are never auto-repaired;
// they surface to operators and trigger the incident process.
var (
	ErrChainIntegrity        = errors.New("chain integrity violation")
	ErrSignatureVerification = errors.New("signature verification failed")
)

// ErrStaleHead is returned by the event store when the chain head moved between
// hash computation and commit. Callers recompute, re-sign and retry.
var ErrStaleHead = errors.New("chain head moved")

// Signing errors.
var (
	// ErrSigningBackendUnavailable is fatal in strict mode: the remote backend
	// could not produce a signature and fallback is not permitted.
	ErrSigningBackendUnavailable = errors.New("signing backend unavailable")

	// ErrSignerRevoked rejects new signing operations for a revoked signer.
	// Verification of historical signatures still succeeds.
	ErrSignerRevoked = errors.New("signer is revoked")
)

// Governance errors. Quorum-not-met is not in this list on purpose: it is a
// normal intermediate state carried by the proposal status, not a failure.
var (
	ErrNotEligible         = errors.New("signer is not eligible for this proposal")
	ErrDuplicateApproval   = errors.New("signer already approved this proposal")
	ErrProposalNotOpen     = errors.New("proposal is not open for approvals")
	ErrProposalExpired     = errors.New("proposal has expired")
	ErrMissingCapability   = errors.New("caller lacks the required capability")
	ErrRotationOverlap     = errors.New("key is still referenced by in-flight signatures")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request body")
)
