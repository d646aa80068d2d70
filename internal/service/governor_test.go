package service

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/trustfabric/trustcore/internal/canonical"
	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/signing"
)

// newEligibleSigner returns a registered-looking signer record plus the local
// key that can produce valid approvals for it.
func newEligibleSigner(t *testing.T, id string) (*models.Signer, *signing.Local) {
	t.Helper()
	local, err := signing.NewLocal(id)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return &models.Signer{
		SignerID:  id,
		PublicKey: base64.StdEncoding.EncodeToString(local.PublicKey()),
		Algorithm: models.AlgorithmEd25519,
		Status:    models.SignerActive,
		ValidFrom: time.Now().UTC().Add(-time.Hour),
	}, local
}

// approvalFor signs the proposal's payload hash with the given key.
func approvalFor(t *testing.T, p *models.Proposal, key *signing.Local) string {
	t.Helper()
	digest, err := hex.DecodeString(p.PayloadHash)
	if err != nil {
		t.Fatalf("decode payload hash: %v", err)
	}
	res, err := key.Sign(context.Background(), digest)
	if err != nil {
		t.Fatalf("sign payload hash: %v", err)
	}
	return res.Signature
}

type governorEnv struct {
	svc       *GovernorService
	proposals *mockProposalStore
	signers   *mockSignerSource
	auditor   *mockAuditor
	keys      map[string]*signing.Local
}

func newGovernorEnv(t *testing.T, signerIDs ...string) *governorEnv {
	t.Helper()
	env := &governorEnv{
		proposals: &mockProposalStore{},
		signers:   &mockSignerSource{signers: make(map[string]*models.Signer)},
		auditor:   &mockAuditor{},
		keys:      make(map[string]*signing.Local),
	}
	for _, id := range signerIDs {
		signer, key := newEligibleSigner(t, id)
		env.signers.signers[id] = signer
		env.keys[id] = key
	}
	env.svc = NewGovernorService(env.proposals, env.signers, env.auditor, &passGuard{}, 0, testLogger())
	return env
}

// seedProposal plants an open proposal directly in the store.
func (env *governorEnv) seedProposal(t *testing.T, threshold int, eligible ...string) *models.Proposal {
	t.Helper()
	payload := map[string]any{"action": "rotate-root", "target": "cluster-1"}
	payloadHash, _, err := canonical.Hash(payload)
	if err != nil {
		t.Fatalf("canonical.Hash: %v", err)
	}
	now := time.Now().UTC()
	p := &models.Proposal{
		ID:                uuid.NewString(),
		Payload:           payload,
		PayloadHash:       payloadHash,
		RequiredThreshold: threshold,
		EligibleSigners:   eligible,
		Status:            models.ProposalProposed,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	}
	env.proposals.proposal = p
	return p
}

func TestGovernorSubmit(t *testing.T) {
	env := newGovernorEnv(t, "alice", "bob")

	p, err := env.svc.Submit(context.Background(), models.SubmitProposalRequest{
		Payload:           map[string]any{"action": "rotate-root"},
		RequiredThreshold: 2,
		EligibleSigners:   []string{"alice", "bob"},
		Justification:     "quarterly rotation",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if p.Status != models.ProposalProposed {
		t.Errorf("status = %q, want proposed", p.Status)
	}
	wantHash, _, err := canonical.Hash(map[string]any{"action": "rotate-root"})
	if err != nil {
		t.Fatalf("canonical.Hash: %v", err)
	}
	if p.PayloadHash != wantHash {
		t.Errorf("payload hash = %q, want %q", p.PayloadHash, wantHash)
	}
	if !p.ExpiresAt.After(p.CreatedAt) {
		t.Error("expiry must lie after creation")
	}

	if n := len(env.auditor.byType(models.EventTypeProposalSubmitted)); n != 1 {
		t.Errorf("submitted audit events = %d, want 1", n)
	}
}

func TestGovernorSubmit_Validation(t *testing.T) {
	env := newGovernorEnv(t)

	tests := []struct {
		name    string
		req     models.SubmitProposalRequest
		wantErr error
	}{
		{
			name:    "nil payload",
			req:     models.SubmitProposalRequest{RequiredThreshold: 1, EligibleSigners: []string{"a"}},
			wantErr: models.ErrMissingPayload,
		},
		{
			name:    "zero threshold",
			req:     models.SubmitProposalRequest{Payload: map[string]any{"a": 1}, EligibleSigners: []string{"a"}},
			wantErr: models.ErrBadThreshold,
		},
		{
			name: "threshold above signer count",
			req: models.SubmitProposalRequest{
				Payload: map[string]any{"a": 1}, RequiredThreshold: 3, EligibleSigners: []string{"a", "b"},
			},
			wantErr: models.ErrBadThreshold,
		},
		{
			name: "empty signer id",
			req: models.SubmitProposalRequest{
				Payload: map[string]any{"a": 1}, RequiredThreshold: 1, EligibleSigners: []string{""},
			},
			wantErr: models.ErrMissingSignerID,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Submit(context.Background(), tc.req)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}

	_, err := env.svc.Submit(context.Background(), models.SubmitProposalRequest{
		Payload: map[string]any{"a": 1}, RequiredThreshold: 1, EligibleSigners: []string{"a", "a"},
	})
	if err == nil {
		t.Error("expected error for duplicate eligible signers")
	}
}

func TestGovernorSubmitGuarded_Replay(t *testing.T) {
	env := newGovernorEnv(t, "alice")
	guard := &passGuard{replay: true}
	env.svc = NewGovernorService(env.proposals, env.signers, env.auditor, guard, 0, testLogger())
	ctx := context.Background()

	req := models.SubmitProposalRequest{
		Payload: map[string]any{"a": 1}, RequiredThreshold: 1, EligibleSigners: []string{"alice"},
	}
	first, replayed, err := env.svc.SubmitGuarded(ctx, "sub-1", req)
	if err != nil {
		t.Fatalf("first SubmitGuarded: %v", err)
	}
	if replayed {
		t.Error("first call must not be a replay")
	}

	second, replayed, err := env.svc.SubmitGuarded(ctx, "sub-1", req)
	if err != nil {
		t.Fatalf("second SubmitGuarded: %v", err)
	}
	if !replayed {
		t.Error("second call must be a replay")
	}
	if second.ID != first.ID {
		t.Errorf("replay returned %s, want %s", second.ID, first.ID)
	}
	if n := len(env.auditor.byType(models.EventTypeProposalSubmitted)); n != 1 {
		t.Errorf("submitted audit events = %d, want 1", n)
	}
}

func TestGovernorApprove_ReachesQuorum(t *testing.T) {
	env := newGovernorEnv(t, "alice", "bob")
	p := env.seedProposal(t, 2, "alice", "bob")
	ctx := context.Background()

	got, err := env.svc.Approve(ctx, p.ID, "alice", approvalFor(t, p, env.keys["alice"]))
	if err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	if got.Status != models.ProposalApproved {
		t.Errorf("status after one approval = %q, want approved", got.Status)
	}
	if got.AppliedAt != nil {
		t.Error("one approval below threshold must not apply the proposal")
	}

	got, err = env.svc.Approve(ctx, p.ID, "bob", approvalFor(t, p, env.keys["bob"]))
	if err != nil {
		t.Fatalf("second Approve: %v", err)
	}
	if got.Status != models.ProposalApplied {
		t.Errorf("status at quorum = %q, want applied", got.Status)
	}
	if got.AppliedAt == nil {
		t.Error("applied proposal must carry an applied timestamp")
	}

	applied := env.auditor.byType(models.EventTypeProposalApplied)
	if len(applied) != 1 {
		t.Fatalf("applied audit events = %d, want 1", len(applied))
	}
	payload := applied[0].Payload.(map[string]any)
	refs := payload["approvals"].([]map[string]any)
	if len(refs) != 2 {
		t.Errorf("audited approval set has %d entries, want 2", len(refs))
	}
}

func TestGovernorApprove_Rejections(t *testing.T) {
	env := newGovernorEnv(t, "alice", "bob", "revoked")
	env.signers.signers["revoked"].Status = models.SignerRevoked
	p := env.seedProposal(t, 2, "alice", "bob", "revoked")
	ctx := context.Background()

	if _, err := env.svc.Approve(ctx, p.ID, "", "sig"); !errors.Is(err, models.ErrMissingSignerID) {
		t.Errorf("empty signer: err = %v, want ErrMissingSignerID", err)
	}
	if _, err := env.svc.Approve(ctx, p.ID, "nobody", "sig"); !errors.Is(err, models.ErrSignerNotFound) {
		t.Errorf("unknown signer: err = %v, want ErrSignerNotFound", err)
	}
	if _, err := env.svc.Approve(ctx, p.ID, "revoked", "sig"); !errors.Is(err, models.ErrSignerRevoked) {
		t.Errorf("revoked signer: err = %v, want ErrSignerRevoked", err)
	}

	sig := approvalFor(t, p, env.keys["bob"])
	if _, err := env.svc.Approve(ctx, p.ID, "alice", sig); !errors.Is(err, models.ErrSignatureVerification) {
		t.Errorf("wrong key: err = %v, want ErrSignatureVerification", err)
	}

	outsider, outsiderKey := newEligibleSigner(t, "carol")
	env.signers.signers["carol"] = outsider
	env.keys["carol"] = outsiderKey
	if _, err := env.svc.Approve(ctx, p.ID, "carol", approvalFor(t, p, outsiderKey)); !errors.Is(err, models.ErrNotEligible) {
		t.Errorf("ineligible signer: err = %v, want ErrNotEligible", err)
	}

	if _, err := env.svc.Approve(ctx, p.ID, "alice", approvalFor(t, p, env.keys["alice"])); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := env.svc.Approve(ctx, p.ID, "alice", approvalFor(t, p, env.keys["alice"])); !errors.Is(err, models.ErrDuplicateApproval) {
		t.Errorf("duplicate approval: err = %v, want ErrDuplicateApproval", err)
	}
}

func TestGovernorApprove_ExpiredAndClosed(t *testing.T) {
	env := newGovernorEnv(t, "alice")
	ctx := context.Background()

	p := env.seedProposal(t, 1, "alice")
	env.proposals.proposal.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	sig := approvalFor(t, p, env.keys["alice"])
	if _, err := env.svc.Approve(ctx, p.ID, "alice", sig); !errors.Is(err, models.ErrProposalExpired) {
		t.Errorf("past expiry: err = %v, want ErrProposalExpired", err)
	}

	env.proposals.proposal.Status = models.ProposalExpired
	if _, err := env.svc.Approve(ctx, p.ID, "alice", sig); !errors.Is(err, models.ErrProposalExpired) {
		t.Errorf("expired status: err = %v, want ErrProposalExpired", err)
	}

	env.proposals.proposal.Status = models.ProposalRejected
	if _, err := env.svc.Approve(ctx, p.ID, "alice", sig); !errors.Is(err, models.ErrProposalNotOpen) {
		t.Errorf("rejected proposal: err = %v, want ErrProposalNotOpen", err)
	}
}

func TestGovernorReject(t *testing.T) {
	env := newGovernorEnv(t, "alice")
	ctx := context.Background()

	p := env.seedProposal(t, 1, "alice")
	if _, err := env.svc.Reject(ctx, p.ID, models.Identity{Actor: "mallory"}, "no"); !errors.Is(err, models.ErrNotEligible) {
		t.Errorf("outsider reject: err = %v, want ErrNotEligible", err)
	}

	got, err := env.svc.Reject(ctx, p.ID, models.Identity{Actor: "alice"}, "wrong target")
	if err != nil {
		t.Fatalf("eligible reject: %v", err)
	}
	if got.Status != models.ProposalRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}

	// A single rejection is final.
	if _, err := env.svc.Reject(ctx, p.ID, models.Identity{Actor: "alice"}, "again"); !errors.Is(err, models.ErrProposalNotOpen) {
		t.Errorf("second reject: err = %v, want ErrProposalNotOpen", err)
	}

	p = env.seedProposal(t, 1, "alice")
	admin := models.Identity{Actor: "ops", Capabilities: []string{models.CapabilityAdmin}}
	if _, err := env.svc.Reject(ctx, p.ID, admin, "superseded"); err != nil {
		t.Fatalf("admin reject: %v", err)
	}
	if n := len(env.auditor.byType(models.EventTypeProposalRejected)); n != 2 {
		t.Errorf("rejected audit events = %d, want 2", n)
	}
}

func TestGovernorRatify(t *testing.T) {
	env := newGovernorEnv(t, "alice", "bob")
	ctx := context.Background()
	breakGlass := models.Identity{Actor: "oncall", Capabilities: []string{models.CapabilityBreakGlass}}

	p := env.seedProposal(t, 2, "alice", "bob")
	if _, err := env.svc.Ratify(ctx, p.ID, models.Identity{Actor: "oncall"}, "outage"); !errors.Is(err, models.ErrMissingCapability) {
		t.Errorf("no capability: err = %v, want ErrMissingCapability", err)
	}
	if _, err := env.svc.Ratify(ctx, p.ID, breakGlass, ""); !errors.Is(err, models.ErrMissingJustification) {
		t.Errorf("no justification: err = %v, want ErrMissingJustification", err)
	}

	// Break-glass stays available after expiry.
	env.proposals.proposal.Status = models.ProposalExpired
	got, err := env.svc.Ratify(ctx, p.ID, breakGlass, "prod outage, quorum unreachable")
	if err != nil {
		t.Fatalf("Ratify: %v", err)
	}
	if got.Status != models.ProposalRatified {
		t.Errorf("status = %q, want ratified", got.Status)
	}
	if got.RatifiedBy != "oncall" {
		t.Errorf("ratified by %q, want oncall", got.RatifiedBy)
	}
	if got.RatifyDeadline == nil || !got.RatifyDeadline.After(time.Now().UTC()) {
		t.Error("ratification deadline must be set in the future")
	}

	if _, err := env.svc.Ratify(ctx, p.ID, breakGlass, "again"); !errors.Is(err, models.ErrProposalNotOpen) {
		t.Errorf("double ratify: err = %v, want ErrProposalNotOpen", err)
	}
	if n := len(env.auditor.byType(models.EventTypeProposalRatified)); n != 1 {
		t.Errorf("ratified audit events = %d, want 1", n)
	}
}

func TestGovernorApproveRatification(t *testing.T) {
	env := newGovernorEnv(t, "alice", "bob")
	ctx := context.Background()
	breakGlass := models.Identity{Actor: "oncall", Capabilities: []string{models.CapabilityBreakGlass}}

	p := env.seedProposal(t, 2, "alice", "bob")

	sig := approvalFor(t, p, env.keys["alice"])
	if _, err := env.svc.ApproveRatification(ctx, p.ID, "alice", sig); !errors.Is(err, models.ErrProposalNotOpen) {
		t.Errorf("ratifying a non-ratified proposal: err = %v, want ErrProposalNotOpen", err)
	}

	if _, err := env.svc.Ratify(ctx, p.ID, breakGlass, "outage"); err != nil {
		t.Fatalf("Ratify: %v", err)
	}

	got, err := env.svc.ApproveRatification(ctx, p.ID, "alice", approvalFor(t, p, env.keys["alice"]))
	if err != nil {
		t.Fatalf("first retroactive approval: %v", err)
	}
	if got.Status != models.ProposalRatified {
		t.Errorf("status = %q, want ratified (retroactive approvals never change it)", got.Status)
	}
	if n := len(env.auditor.byType(models.EventTypeRatificationQuorum)); n != 0 {
		t.Errorf("quorum events before quorum = %d, want 0", n)
	}

	if _, err := env.svc.ApproveRatification(ctx, p.ID, "bob", approvalFor(t, p, env.keys["bob"])); err != nil {
		t.Fatalf("second retroactive approval: %v", err)
	}
	if n := len(env.auditor.byType(models.EventTypeRatificationQuorum)); n != 1 {
		t.Errorf("quorum events = %d, want 1", n)
	}
}

func TestGovernorGet(t *testing.T) {
	env := newGovernorEnv(t, "alice")
	ctx := context.Background()

	if _, _, err := env.svc.Get(ctx, "missing"); !errors.Is(err, models.ErrProposalNotFound) {
		t.Errorf("err = %v, want ErrProposalNotFound", err)
	}

	p := env.seedProposal(t, 1, "alice")
	if _, err := env.svc.Approve(ctx, p.ID, "alice", approvalFor(t, p, env.keys["alice"])); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	got, approvals, err := env.svc.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("got proposal %s, want %s", got.ID, p.ID)
	}
	if len(approvals) != 1 {
		t.Errorf("approvals = %d, want 1", len(approvals))
	}
}
