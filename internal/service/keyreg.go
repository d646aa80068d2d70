package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/domain"
	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/signing"
)

// defaultRotationOverlap keeps a rotated-out key valid long enough for
// in-flight signatures to land before the window closes.
const defaultRotationOverlap = time.Hour

// SignerStore is the data-access interface RegistryService depends on.
type SignerStore interface {
	Register(ctx context.Context, signer *models.Signer) error
	Get(ctx context.Context, signerID string) (*models.Signer, error)
	List(ctx context.Context) ([]models.Signer, error)
	ListActive(ctx context.Context) ([]models.Signer, error)
	Revoke(ctx context.Context, signerID string, at time.Time) error
	SetValidTo(ctx context.Context, signerID string, at time.Time) error
}

// Compile-time check: *RegistryService must satisfy domain.RegistryService.
var _ domain.RegistryService = (*RegistryService)(nil)

// RegistryService manages signer identities and their public keys. Keys are
// never deleted: revocation and rotation close the validity window while old
// signatures stay verifiable.
type RegistryService struct {
	signers SignerStore
	auditor domain.Auditor
	log     *logrus.Logger
}

// NewRegistryService creates a RegistryService.
func NewRegistryService(signers SignerStore, auditor domain.Auditor, log *logrus.Logger) *RegistryService {
	return &RegistryService{signers: signers, auditor: auditor, log: log}
}

// Register adds a new signer and records the registration on the ledger.
func (s *RegistryService) Register(ctx context.Context, signer *models.Signer) (*models.Signer, error) {
	if err := s.prepare(signer); err != nil {
		return nil, err
	}
	if err := s.signers.Register(ctx, signer); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"signer_id": signer.SignerID,
		"algorithm": signer.Algorithm,
	}).Info("registry.register")

	s.audit(ctx, models.EventTypeSignerRegistered, map[string]any{
		"signerId":  signer.SignerID,
		"algorithm": signer.Algorithm,
		"validFrom": signer.ValidFrom,
	})
	return signer, nil
}

// prepare validates and normalizes a signer before insert.
func (s *RegistryService) prepare(signer *models.Signer) error {
	if signer.SignerID == "" {
		return models.ErrMissingSignerID
	}
	key, err := signing.NormalizePublicKey(signer.Algorithm, signer.PublicKey)
	if err != nil {
		return err
	}
	signer.PublicKey = key

	if signer.Status == "" {
		signer.Status = models.SignerActive
	}
	if signer.ValidFrom.IsZero() {
		signer.ValidFrom = time.Now().UTC()
	}
	return nil
}

// Rotate registers the replacement key and bounds the old key's validity to
// the overlap window. During the overlap both keys sign and verify, so
// callers holding the old identity keep working through the cutover.
func (s *RegistryService) Rotate(
	ctx context.Context, oldSignerID string, replacement *models.Signer, overlap time.Duration,
) (*models.Signer, error) {
	old, err := s.signers.Get(ctx, oldSignerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !old.Active(now) {
		return nil, models.ErrSignerRevoked
	}
	if replacement.SignerID == oldSignerID {
		return nil, fmt.Errorf("replacement signer id must differ from %q", oldSignerID)
	}
	if overlap <= 0 {
		overlap = defaultRotationOverlap
	}

	if err := s.prepare(replacement); err != nil {
		return nil, err
	}
	if err := s.signers.Register(ctx, replacement); err != nil {
		return nil, err
	}

	cutoff := now.Add(overlap)
	if err := s.signers.SetValidTo(ctx, oldSignerID, cutoff); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"old_signer_id": oldSignerID,
		"new_signer_id": replacement.SignerID,
		"valid_to":      cutoff,
	}).Info("registry.rotate")

	s.audit(ctx, models.EventTypeSignerRotated, map[string]any{
		"oldSignerId": oldSignerID,
		"newSignerId": replacement.SignerID,
		"oldValidTo":  cutoff,
	})
	return replacement, nil
}

// Revoke marks a signer revoked. Requires the admin capability; refused while
// the key is still referenced by approvals on open proposals.
func (s *RegistryService) Revoke(ctx context.Context, signerID string, identity models.Identity) error {
	if !identity.Has(models.CapabilityAdmin) {
		return models.ErrMissingCapability
	}

	if err := s.signers.Revoke(ctx, signerID, time.Now().UTC()); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"signer_id": signerID,
		"actor":     identity.Actor,
	}).Info("registry.revoke")

	s.audit(ctx, models.EventTypeSignerRevoked, map[string]any{
		"signerId": signerID,
		"actor":    identity.Actor,
	})
	return nil
}

// Lookup returns a signer by id, revoked or not.
func (s *RegistryService) Lookup(ctx context.Context, signerID string) (*models.Signer, error) {
	return s.signers.Get(ctx, signerID)
}

// ListActive returns signers currently allowed to produce new signatures.
func (s *RegistryService) ListActive(ctx context.Context) ([]models.Signer, error) {
	return s.signers.ListActive(ctx)
}

// audit records a registry transition on the ledger. Append failures are
// logged, not propagated: the registry change itself has already committed.
func (s *RegistryService) audit(ctx context.Context, eventType string, payload map[string]any) {
	if _, err := s.auditor.Append(ctx, eventType, payload, nil); err != nil {
		s.log.WithError(err).WithField("event_type", eventType).
			Warn("recording registry event failed")
	}
}

// EnsureRegistered registers the daemon's own signing identity at boot when
// missing. A provider that does not expose its public key (the remote proxy)
// must be registered out of band; a key mismatch against an existing record
// is fatal rather than silently overwritten.
func (s *RegistryService) EnsureRegistered(ctx context.Context, provider signing.Provider) error {
	pub := provider.PublicKey()

	existing, err := s.signers.Get(ctx, provider.SignerID())
	if err == nil {
		if pub != nil && existing.PublicKey != base64.StdEncoding.EncodeToString(pub) {
			return fmt.Errorf("signer %q is registered with a different public key", provider.SignerID())
		}
		return nil
	}
	if !errors.Is(err, models.ErrSignerNotFound) {
		return err
	}

	if pub == nil {
		s.log.WithField("signer_id", provider.SignerID()).
			Warn("signer not registered and provider exposes no public key")
		return nil
	}

	_, err = s.Register(ctx, &models.Signer{
		SignerID:  provider.SignerID(),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Algorithm: provider.Algorithm(),
	})
	return err
}
