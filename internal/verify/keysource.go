package verify

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/signing"
)

// SignerGetter is the registry lookup RegistryKeys depends on.
type SignerGetter interface {
	Get(ctx context.Context, signerID string) (*models.Signer, error)
}

// RegistryKeys resolves keys from the signer registry. Key material is
// immutable once registered, so results are cached for the verifier's
// lifetime; concurrent lookups for the same signer collapse to one query.
type RegistryKeys struct {
	signers SignerGetter
	group   singleflight.Group

	mu    sync.RWMutex
	cache map[string]*models.Signer
}

// NewRegistryKeys creates a registry-backed key source.
func NewRegistryKeys(signers SignerGetter) *RegistryKeys {
	return &RegistryKeys{signers: signers, cache: make(map[string]*models.Signer)}
}

// ResolveKey implements KeySource.
func (r *RegistryKeys) ResolveKey(ctx context.Context, signerID string) (string, string, error) {
	r.mu.RLock()
	signer, ok := r.cache[signerID]
	r.mu.RUnlock()

	if !ok {
		v, err, _ := r.group.Do(signerID, func() (any, error) {
			s, err := r.signers.Get(ctx, signerID)
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			r.cache[signerID] = s
			r.mu.Unlock()
			return s, nil
		})
		if err != nil {
			return "", "", err
		}
		signer = v.(*models.Signer)
	}

	return signer.Algorithm, signer.PublicKey, nil
}

// registryFile is the on-disk trust anchor format for offline verification.
type registryFile struct {
	Signers []registryFileSigner `yaml:"signers"`
}

type registryFileSigner struct {
	SignerID  string `yaml:"signerId"`
	Algorithm string `yaml:"algorithm"`
	PublicKey string `yaml:"publicKey"`
}

// FileKeys resolves keys from a YAML registry file, so a chain export can be
// verified without trusting the database that produced it.
type FileKeys struct {
	signers map[string]registryFileSigner
}

// LoadFileKeys parses a registry file. Keys are normalized the same way the
// live registry normalizes them, so PEM and base64 inputs both work.
func LoadFileKeys(path string) (*FileKeys, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}
	if len(file.Signers) == 0 {
		return nil, fmt.Errorf("registry file %s lists no signers", path)
	}

	signers := make(map[string]registryFileSigner, len(file.Signers))
	for _, s := range file.Signers {
		if s.SignerID == "" {
			return nil, fmt.Errorf("registry file %s: %w", path, models.ErrMissingSignerID)
		}
		key, err := signing.NormalizePublicKey(s.Algorithm, s.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("registry file signer %q: %w", s.SignerID, err)
		}
		s.PublicKey = key
		signers[s.SignerID] = s
	}
	return &FileKeys{signers: signers}, nil
}

// ResolveKey implements KeySource.
func (f *FileKeys) ResolveKey(_ context.Context, signerID string) (string, string, error) {
	s, ok := f.signers[signerID]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", models.ErrSignerNotFound, signerID)
	}
	return s.Algorithm, s.PublicKey, nil
}

var (
	_ KeySource = (*RegistryKeys)(nil)
	_ KeySource = (*FileKeys)(nil)
)
