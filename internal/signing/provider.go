// Package signing abstracts signature production over pluggable backends: an
// in-process Ed25519 signer for development and guarded fallback, and a remote
// KMS/HSM signing proxy reached over HTTP. Providers sign a 32-byte SHA-256
// digest; the digest bytes themselves are the signed envelope.
package signing

import (
	"context"
	"time"
)

// Result is the outcome of a signing operation. Signature is base64-encoded.
// Fallback is set when the remote backend failed and the local signer was
// used instead; callers must record that weakening in the audit ledger.
type Result struct {
	Signature string
	SignerID  string
	TS        time.Time
	Fallback  bool
}

// Provider produces signatures over digest bytes.
//
// Sign must be cancellable through ctx and must not have side effects beyond
// the signature itself: the caller only writes to the store once the
// signature is in hand. For deterministic schemes (Ed25519) Sign is
// idempotent with respect to identical input; for other schemes callers may
// rely only on verifiability, not on stable signature bytes.
type Provider interface {
	Sign(ctx context.Context, digest []byte) (Result, error)

	// SignerID returns the logical identifier signatures are attributed to.
	SignerID() string

	// Algorithm returns the registry algorithm name for this provider.
	Algorithm() string

	// PublicKey returns the verification key bytes, or nil when the backend
	// does not expose it (remote keys are published through the registry).
	PublicKey() []byte
}
