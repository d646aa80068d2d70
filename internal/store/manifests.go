package store

import (
	"context"
	"fmt"

	"github.com/trustfabric/trustcore/internal/models"
)

// ManifestStore persists detached manifest signatures.
type ManifestStore struct {
	Base
}

// NewManifestStore creates a ManifestStore.
func NewManifestStore(base Base) *ManifestStore {
	return &ManifestStore{Base: base}
}

// Insert persists a ManifestSignature record.
func (s *ManifestStore) Insert(ctx context.Context, ms *models.ManifestSignature) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO manifest_signatures
		  (id, manifest_id, signer_id, signature, algorithm, key_version, version, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ms.ID, ms.ManifestID, ms.SignerID, ms.Signature,
		ms.Algorithm, ms.KeyVersion, ms.Version, ms.TS,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("inserting manifest signature: %w", err)
	}
	return nil
}

// ListByManifest returns all signatures recorded for a manifest, oldest first.
func (s *ManifestStore) ListByManifest(ctx context.Context, manifestID string) ([]models.ManifestSignature, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		SELECT id, manifest_id, signer_id, signature, algorithm, key_version, version, ts
		FROM manifest_signatures WHERE manifest_id = $1 ORDER BY ts ASC`, manifestID)
	if err != nil {
		return nil, fmt.Errorf("querying manifest signatures: %w", err)
	}
	defer rows.Close()

	var sigs []models.ManifestSignature
	for rows.Next() {
		var ms models.ManifestSignature
		if err := rows.Scan(&ms.ID, &ms.ManifestID, &ms.SignerID, &ms.Signature,
			&ms.Algorithm, &ms.KeyVersion, &ms.Version, &ms.TS); err != nil {
			return nil, fmt.Errorf("scanning manifest signature: %w", err)
		}
		sigs = append(sigs, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating manifest signatures: %w", err)
	}
	return sigs, nil
}
