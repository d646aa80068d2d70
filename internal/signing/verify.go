package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/trustfabric/trustcore/internal/models"
)

// Verify checks a base64 signature over the signed envelope bytes against a
// base64-encoded public key. Ed25519 keys are raw key bytes; RSA keys are
// PKIX DER. Failures that are cryptographic (rather than decoding problems)
// are wrapped in models.ErrSignatureVerification so callers can treat them as
// trust incidents.
func Verify(algorithm, publicKeyB64 string, envelope []byte, signatureB64 string) error {
	pubBytes, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}

	switch algorithm {
	case models.AlgorithmEd25519:
		if len(pubBytes) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519 public key must be %d bytes, got %d",
				ed25519.PublicKeySize, len(pubBytes))
		}
		if !ed25519.Verify(ed25519.PublicKey(pubBytes), envelope, sig) {
			return models.ErrSignatureVerification
		}
		return nil

	case models.AlgorithmRSASHA256:
		pub, err := x509.ParsePKIXPublicKey(pubBytes)
		if err != nil {
			return fmt.Errorf("parsing RSA public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("public key is %T, not RSA", pub)
		}
		digest := sha256.Sum256(envelope)
		if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %v", models.ErrSignatureVerification, err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}
