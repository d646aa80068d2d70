package models

import "time"

// Signing algorithms accepted by the registry.
const (
	AlgorithmEd25519   = "Ed25519"
	AlgorithmRSASHA256 = "RSA-SHA256"
)

// Signer status values. Revoked signers are never deleted: old signatures must
// remain verifiable against the stored public key.
const (
	SignerActive  = "active"
	SignerRevoked = "revoked"
)

// Signer is a registered signing identity. PublicKey is base64-encoded
// (raw key bytes for Ed25519, DER for RSA). ValidFrom/ValidTo support
// overlapping active keys during rotation.
type Signer struct {
	SignerID  string     `json:"signerId"`
	PublicKey string     `json:"publicKey"`
	Algorithm string     `json:"algorithm"`
	Status    string     `json:"status"`
	ValidFrom time.Time  `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Active reports whether the signer may produce new signatures at the given
// time: status is active and the time falls inside the validity window.
func (s *Signer) Active(now time.Time) bool {
	if s.Status != SignerActive || now.Before(s.ValidFrom) {
		return false
	}
	return s.ValidTo == nil || now.Before(*s.ValidTo)
}
