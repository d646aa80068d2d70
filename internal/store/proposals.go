package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trustfabric/trustcore/internal/models"
)

// ProposalStore provides data access for proposals and approvals.
type ProposalStore struct {
	Base
}

// NewProposalStore creates a ProposalStore.
func NewProposalStore(base Base) *ProposalStore {
	return &ProposalStore{Base: base}
}

// ProposalMutation describes the state change Mutate applies after the
// governor's decision closure runs against the locked proposal row.
type ProposalMutation struct {
	SetStatus         *models.ProposalStatus
	SetAppliedAt      *time.Time
	SetRatifiedBy     string
	SetRatifyDeadline *time.Time
	SetJustification  string
	InsertApproval    *models.Approval
}

// Create inserts a proposal in its own transaction.
func (s *ProposalStore) Create(ctx context.Context, p *models.Proposal) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	if err := s.CreateTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateTx inserts a proposal inside the caller's transaction, so guarded
// submissions commit atomically with their idempotency record.
func (s *ProposalStore) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Proposal) error {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("marshaling proposal payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO proposals
		  (id, payload, payload_hash, required_threshold, eligible_signers,
		   status, justification, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, payloadJSON, p.PayloadHash, p.RequiredThreshold, p.EligibleSigners,
		p.Status, p.Justification, p.CreatedAt, p.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("inserting proposal: %w", err)
	}
	return nil
}

// Get returns a proposal by id.
func (s *ProposalStore) Get(ctx context.Context, id string) (*models.Proposal, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(ctx, proposalSelect+" WHERE id = $1", id)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrProposalNotFound
		}
		return nil, err
	}
	return p, nil
}

// Approvals returns the non-revoked approvals for a proposal.
func (s *ProposalStore) Approvals(ctx context.Context, proposalID string) ([]models.Approval, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.approvals(ctx, s.Pool, proposalID)
}

// querier is the subset of pgx query behavior shared by Pool and Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *ProposalStore) approvals(ctx context.Context, q querier, proposalID string) ([]models.Approval, error) {
	rows, err := q.Query(ctx, `
		SELECT id, proposal_id, signer_id, signature, ratifying, created_at, revoked_at
		FROM approvals
		WHERE proposal_id = $1 AND revoked_at IS NULL
		ORDER BY created_at ASC`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("querying approvals: %w", err)
	}
	defer rows.Close()

	var approvals []models.Approval
	for rows.Next() {
		var a models.Approval
		if err := rows.Scan(&a.ID, &a.ProposalID, &a.SignerID, &a.Signature,
			&a.Ratifying, &a.CreatedAt, &a.RevokedAt); err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approvals: %w", err)
	}
	return approvals, nil
}

// Mutate runs a governance transition as a single transaction: it locks the
// proposal row, loads the non-revoked approvals, asks the decision closure
// for a mutation, applies it, and returns the updated proposal with its
// approvals. Concurrent approvals on the same proposal serialize here.
func (s *ProposalStore) Mutate(
	ctx context.Context, id string,
	decide func(p *models.Proposal, approvals []models.Approval) (*ProposalMutation, error),
) (*models.Proposal, []models.Approval, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	row := tx.QueryRow(ctx, proposalSelect+" WHERE id = $1 FOR UPDATE", id)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, models.ErrProposalNotFound
		}
		return nil, nil, err
	}

	approvals, err := s.approvals(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}

	mut, err := decide(p, approvals)
	if err != nil {
		return nil, nil, err
	}
	if mut == nil {
		return p, approvals, tx.Commit(ctx)
	}

	if a := mut.InsertApproval; a != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO approvals (id, proposal_id, signer_id, signature, ratifying, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, a.ProposalID, a.SignerID, a.Signature, a.Ratifying, a.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, "") {
				return nil, nil, models.ErrDuplicateApproval
			}
			return nil, nil, fmt.Errorf("inserting approval: %w", err)
		}
		approvals = append(approvals, *a)
	}

	if mut.SetStatus != nil {
		p.Status = *mut.SetStatus
	}
	if mut.SetAppliedAt != nil {
		p.AppliedAt = mut.SetAppliedAt
	}
	if mut.SetRatifiedBy != "" {
		p.RatifiedBy = mut.SetRatifiedBy
	}
	if mut.SetRatifyDeadline != nil {
		p.RatifyDeadline = mut.SetRatifyDeadline
	}
	if mut.SetJustification != "" {
		p.Justification = mut.SetJustification
	}

	_, err = tx.Exec(ctx, `
		UPDATE proposals
		SET status = $1, applied_at = $2, ratified_by = NULLIF($3, ''),
		    ratify_deadline = $4, justification = $5
		WHERE id = $6`,
		p.Status, p.AppliedAt, p.RatifiedBy, p.RatifyDeadline, p.Justification, p.ID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("updating proposal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("committing proposal mutation: %w", err)
	}
	return p, approvals, nil
}

// ExpireOverdue transitions past-due open proposals to expired and revokes
// their approvals, so a re-opened decision needs fresh signatures. Returns the
// number of proposals expired.
func (s *ProposalStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	tag, err := tx.Exec(ctx, `
		UPDATE proposals SET status = $1
		WHERE status IN ($2, $3) AND expires_at <= $4`,
		models.ProposalExpired, models.ProposalProposed, models.ProposalApproved, now,
	)
	if err != nil {
		return 0, fmt.Errorf("expiring proposals: %w", err)
	}

	if tag.RowsAffected() > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE approvals SET revoked_at = $1
			WHERE revoked_at IS NULL
			  AND proposal_id IN (SELECT id FROM proposals WHERE status = $2)`,
			now, models.ProposalExpired,
		)
		if err != nil {
			return 0, fmt.Errorf("revoking approvals of expired proposals: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RatifiedWithoutQuorum returns ratified proposals whose ratification deadline
// has passed without enough retroactive approvals. These are policy
// violations, reported rather than silently accepted.
func (s *ProposalStore) RatifiedWithoutQuorum(ctx context.Context, now time.Time) ([]models.Proposal, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, proposalSelect+`
		WHERE status = $1
		  AND NOT violation_reported
		  AND ratify_deadline IS NOT NULL AND ratify_deadline <= $2
		  AND (SELECT count(*) FROM approvals a
		       WHERE a.proposal_id = proposals.id
		         AND a.revoked_at IS NULL) < required_threshold`,
		models.ProposalRatified, now,
	)
	if err != nil {
		return nil, fmt.Errorf("querying ratified proposals: %w", err)
	}
	defer rows.Close()

	var proposals []models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ratified proposals: %w", err)
	}
	return proposals, nil
}

// MarkViolationReported records that the watchdog has reported this proposal,
// so a violation is audited once rather than on every sweep.
func (s *ProposalStore) MarkViolationReported(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := s.Pool.Exec(ctx,
		"UPDATE proposals SET violation_reported = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("marking violation reported: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrProposalNotFound
	}
	return nil
}

const proposalSelect = `
	SELECT id, payload, payload_hash, required_threshold, eligible_signers,
	       status, justification, created_at, expires_at, applied_at,
	       ratified_by, ratify_deadline
	FROM proposals`

func scanProposal(row pgx.Row) (*models.Proposal, error) {
	var (
		p           models.Proposal
		payloadJSON []byte
		ratifiedBy  *string
	)
	if err := row.Scan(&p.ID, &payloadJSON, &p.PayloadHash, &p.RequiredThreshold,
		&p.EligibleSigners, &p.Status, &p.Justification, &p.CreatedAt,
		&p.ExpiresAt, &p.AppliedAt, &ratifiedBy, &p.RatifyDeadline); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning proposal: %w", err)
	}
	if ratifiedBy != nil {
		p.RatifiedBy = *ratifiedBy
	}
	if len(payloadJSON) > 0 {
		if err := decodeStoredJSON(payloadJSON, &p.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling proposal payload: %w", err)
		}
	}
	return &p, nil
}
