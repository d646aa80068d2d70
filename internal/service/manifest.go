package service

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/canonical"
	"github.com/trustfabric/trustcore/internal/domain"
	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/signing"
)

// ManifestStore is the data-access interface ManifestService depends on.
type ManifestStore interface {
	Insert(ctx context.Context, ms *models.ManifestSignature) error
	ListByManifest(ctx context.Context, manifestID string) ([]models.ManifestSignature, error)
}

// Compile-time check: *ManifestService must satisfy domain.ManifestService.
var _ domain.ManifestService = (*ManifestService)(nil)

// ManifestService produces and checks detached signatures over external
// manifests (deployment descriptors, policy bundles). The manifest itself is
// not stored; only its signature travels with it.
type ManifestService struct {
	manifests ManifestStore
	signer    signing.Provider
	registry  SignerSource
	auditor   domain.Auditor
	log       *logrus.Logger
}

// NewManifestService creates a ManifestService.
func NewManifestService(
	manifests ManifestStore, signer signing.Provider, registry SignerSource,
	auditor domain.Auditor, log *logrus.Logger,
) *ManifestService {
	return &ManifestService{
		manifests: manifests,
		signer:    signer,
		registry:  registry,
		auditor:   auditor,
		log:       log,
	}
}

// Sign signs the manifest's canonical hash and records the detached signature.
func (s *ManifestService) Sign(
	ctx context.Context, manifestID, version string, manifest any,
) (*models.ManifestSignature, error) {
	if manifestID == "" {
		return nil, models.ErrMissingManifestID
	}
	if manifest == nil {
		return nil, models.ErrMissingPayload
	}

	digest, err := manifestDigest(manifest)
	if err != nil {
		return nil, err
	}

	res, err := s.signer.Sign(ctx, digest)
	if err != nil {
		return nil, err
	}

	ms := &models.ManifestSignature{
		ID:         uuid.NewString(),
		ManifestID: manifestID,
		SignerID:   res.SignerID,
		Signature:  res.Signature,
		Algorithm:  s.signer.Algorithm(),
		Version:    version,
		TS:         res.TS,
	}
	if err := s.manifests.Insert(ctx, ms); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"manifest_id": manifestID,
		"signer_id":   ms.SignerID,
		"version":     version,
	}).Info("manifest.sign")

	if _, err := s.auditor.Append(ctx, models.EventTypeManifestSigned, map[string]any{
		"manifestId": manifestID,
		"signerId":   ms.SignerID,
		"version":    version,
	}, nil); err != nil {
		s.log.WithError(err).WithField("manifest_id", manifestID).
			Warn("recording manifest signature failed")
	}
	return ms, nil
}

// Verify checks the manifest against every signature recorded for it. A
// revoked signer's old signatures still verify; only the key material and
// the signature math decide the outcome.
func (s *ManifestService) Verify(
	ctx context.Context, manifestID string, manifest any,
) ([]models.ManifestVerification, error) {
	if manifestID == "" {
		return nil, models.ErrMissingManifestID
	}

	digest, err := manifestDigest(manifest)
	if err != nil {
		return nil, err
	}

	sigs, err := s.manifests.ListByManifest(ctx, manifestID)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, models.ErrManifestNotFound
	}

	results := make([]models.ManifestVerification, 0, len(sigs))
	for _, ms := range sigs {
		result := models.ManifestVerification{SignerID: ms.SignerID, OK: true}

		signer, err := s.registry.Get(ctx, ms.SignerID)
		if err != nil {
			result.OK = false
			result.Cause = err.Error()
		} else if err := signing.Verify(signer.Algorithm, signer.PublicKey, digest, ms.Signature); err != nil {
			result.OK = false
			result.Cause = err.Error()
		}
		results = append(results, result)
	}
	return results, nil
}

func manifestDigest(manifest any) ([]byte, error) {
	digestHex, _, err := canonical.Hash(manifest)
	if err != nil {
		return nil, err
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest digest: %w", err)
	}
	return digest, nil
}
