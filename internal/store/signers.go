package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trustfabric/trustcore/internal/models"
)

// SignerStore provides data access for the signers registry table.
type SignerStore struct {
	Base
}

// NewSignerStore creates a SignerStore.
func NewSignerStore(base Base) *SignerStore {
	return &SignerStore{Base: base}
}

// Register inserts a new signer. Overlapping active keys are allowed during
// rotation; re-registering an existing signer id is a conflict, not an upsert.
func (s *SignerStore) Register(ctx context.Context, signer *models.Signer) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO signers (signer_id, algorithm, public_key, status, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		signer.SignerID, signer.Algorithm, signer.PublicKey,
		signer.Status, signer.ValidFrom, signer.ValidTo,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("inserting signer: %w", err)
	}
	return nil
}

// Get returns a signer by id, revoked or not.
func (s *SignerStore) Get(ctx context.Context, signerID string) (*models.Signer, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(ctx, `
		SELECT signer_id, algorithm, public_key, status, valid_from, valid_to, created_at
		FROM signers WHERE signer_id = $1`, signerID)

	signer, err := scanSigner(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrSignerNotFound
		}
		return nil, err
	}
	return signer, nil
}

// ListActive returns signers currently allowed to produce new signatures.
func (s *SignerStore) ListActive(ctx context.Context) ([]models.Signer, error) {
	return s.list(ctx, "WHERE status = '"+models.SignerActive+"'")
}

// List returns all signers, newest first.
func (s *SignerStore) List(ctx context.Context) ([]models.Signer, error) {
	return s.list(ctx, "")
}

func (s *SignerStore) list(ctx context.Context, where string) ([]models.Signer, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, fmt.Sprintf(`
		SELECT signer_id, algorithm, public_key, status, valid_from, valid_to, created_at
		FROM signers %s ORDER BY created_at DESC`, where))
	if err != nil {
		return nil, fmt.Errorf("querying signers: %w", err)
	}
	defer rows.Close()

	var signers []models.Signer
	for rows.Next() {
		signer, err := scanSigner(rows)
		if err != nil {
			return nil, err
		}
		signers = append(signers, *signer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signers: %w", err)
	}
	return signers, nil
}

// Revoke marks a signer revoked without deleting it. Revocation is refused
// with models.ErrRotationOverlap while the key is still referenced by
// approvals on open proposals: those signatures have not been durably
// verified yet, and losing the active key would strand them.
func (s *SignerStore) Revoke(ctx context.Context, signerID string, at time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	var inFlight int
	err = tx.QueryRow(ctx, `
		SELECT count(*)
		FROM approvals a
		JOIN proposals p ON p.id = a.proposal_id
		WHERE a.signer_id = $1
		  AND a.revoked_at IS NULL
		  AND p.status IN ($2, $3)`,
		signerID, models.ProposalProposed, models.ProposalApproved,
	).Scan(&inFlight)
	if err != nil {
		return fmt.Errorf("counting in-flight references: %w", err)
	}
	if inFlight > 0 {
		return fmt.Errorf("%w: %d open approvals", models.ErrRotationOverlap, inFlight)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE signers SET status = $1, valid_to = $2
		WHERE signer_id = $3 AND status = $4`,
		models.SignerRevoked, at, signerID, models.SignerActive,
	)
	if err != nil {
		return fmt.Errorf("revoking signer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already revoked; distinguish for the caller.
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM signers WHERE signer_id = $1)", signerID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking signer existence: %w", err)
		}
		if !exists {
			return models.ErrSignerNotFound
		}
		return models.ErrSignerRevoked
	}

	return tx.Commit(ctx)
}

// SetValidTo bounds an active signer's validity window. Used during rotation:
// the old key stays active for the overlap period so in-flight signatures
// still verify, then falls out of the window without an explicit revocation.
func (s *SignerStore) SetValidTo(ctx context.Context, signerID string, at time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := s.Pool.Exec(ctx, `
		UPDATE signers SET valid_to = $1
		WHERE signer_id = $2 AND status = $3`,
		at, signerID, models.SignerActive,
	)
	if err != nil {
		return fmt.Errorf("bounding signer validity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSignerNotFound
	}
	return nil
}

func scanSigner(row pgx.Row) (*models.Signer, error) {
	var signer models.Signer
	if err := row.Scan(&signer.SignerID, &signer.Algorithm, &signer.PublicKey,
		&signer.Status, &signer.ValidFrom, &signer.ValidTo, &signer.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning signer: %w", err)
	}
	return &signer, nil
}
