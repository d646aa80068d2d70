package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/trustfabric/trustcore/internal/models"
)

// Local is an in-process Ed25519 signer. Intended for development and as the
// explicit, audited fallback path; production signing belongs on the remote
// backend.
type Local struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerID string
}

// NewLocal generates a fresh Ed25519 keypair for the given signer id.
func NewLocal(signerID string) (*Local, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing/local: generate keypair: %w", err)
	}
	return &Local{priv: priv, pub: pub, signerID: signerID}, nil
}

// NewLocalFromSeed builds a signer from a base64-encoded 32-byte Ed25519 seed,
// so a dev deployment keeps a stable identity across restarts.
func NewLocalFromSeed(signerID, seedB64 string) (*Local, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("signing/local: decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing/local: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing/local: unexpected public key type")
	}
	return &Local{priv: priv, pub: pub, signerID: signerID}, nil
}

// Sign signs the digest with Ed25519. Deterministic: identical digests yield
// identical signatures.
func (l *Local) Sign(_ context.Context, digest []byte) (Result, error) {
	if len(digest) == 0 {
		return Result{}, fmt.Errorf("signing/local: empty digest")
	}
	sig := ed25519.Sign(l.priv, digest)
	return Result{
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignerID:  l.signerID,
		TS:        time.Now().UTC(),
	}, nil
}

// SignerID implements Provider.
func (l *Local) SignerID() string { return l.signerID }

// Algorithm implements Provider.
func (l *Local) Algorithm() string { return models.AlgorithmEd25519 }

// PublicKey implements Provider.
func (l *Local) PublicKey() []byte { return l.pub }
