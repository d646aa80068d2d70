package signing

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/trustfabric/trustcore/internal/models"
)

// NormalizePublicKey converts an operator-supplied public key into the
// registry's storage form: base64 of the raw 32 key bytes for Ed25519, base64
// of the PKIX DER encoding for RSA. Accepted inputs are PEM blocks and plain
// base64, plus PKIX DER for Ed25519 keys exported by most KMS products.
func NormalizePublicKey(algorithm, key string) (string, error) {
	raw, err := decodeKeyMaterial(key)
	if err != nil {
		return "", err
	}

	switch algorithm {
	case models.AlgorithmEd25519:
		if len(raw) == ed25519.PublicKeySize {
			return base64.StdEncoding.EncodeToString(raw), nil
		}
		pub, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			return "", fmt.Errorf("parsing ed25519 public key: %w", err)
		}
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return "", fmt.Errorf("public key is %T, not ed25519", pub)
		}
		return base64.StdEncoding.EncodeToString(edPub), nil

	case models.AlgorithmRSASHA256:
		pub, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			return "", fmt.Errorf("parsing RSA public key: %w", err)
		}
		if _, ok := pub.(*rsa.PublicKey); !ok {
			return "", fmt.Errorf("public key is %T, not RSA", pub)
		}
		return base64.StdEncoding.EncodeToString(raw), nil

	default:
		return "", fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

func decodeKeyMaterial(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, models.ErrMissingPublicKey
	}

	if strings.HasPrefix(key, "-----BEGIN") {
		block, _ := pem.Decode([]byte(key))
		if block == nil {
			return nil, fmt.Errorf("decoding PEM block")
		}
		return block.Bytes, nil
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 public key: %w", err)
	}
	return raw, nil
}
