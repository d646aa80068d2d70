package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trustfabric/trustcore/internal/models"
	"github.com/trustfabric/trustcore/internal/signing"
	"github.com/trustfabric/trustcore/internal/store"
)

// mockEventStore keeps an in-memory chain and records calls.
type mockEventStore struct {
	mu     sync.Mutex
	calls  []string
	events []models.AuditEvent

	// staleUntil makes Append fail with ErrStaleHead for the first N calls.
	staleUntil int
	appends    int

	appendErr error
	getErr    error
}

func (m *mockEventStore) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockEventStore) Head(ctx context.Context) (string, error) {
	m.record("Head")
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return models.GenesisPrevHash, nil
	}
	return m.events[len(m.events)-1].Hash, nil
}

func (m *mockEventStore) HeadTx(ctx context.Context, tx pgx.Tx) (string, error) {
	m.record("HeadTx")
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return models.GenesisPrevHash, nil
	}
	return m.events[len(m.events)-1].Hash, nil
}

func (m *mockEventStore) Append(ctx context.Context, ev *models.AuditEvent) error {
	m.record("Append")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appends++
	if m.appends <= m.staleUntil {
		return models.ErrStaleHead
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *mockEventStore) AppendTx(ctx context.Context, tx pgx.Tx, ev *models.AuditEvent) error {
	m.record("AppendTx")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appends++
	if m.appends <= m.staleUntil {
		return models.ErrStaleHead
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *mockEventStore) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	m.record("Get")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for i := range m.events {
		if m.events[i].ID == id {
			return &m.events[i], nil
		}
	}
	return nil, models.ErrEventNotFound
}

func (m *mockEventStore) Range(ctx context.Context, opts models.EventRangeOpts) ([]models.AuditEvent, bool, error) {
	m.record("Range")
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEvent(nil), m.events...), false, nil
}

func (m *mockEventStore) ErasePayload(ctx context.Context, id string) error {
	m.record("ErasePayload")
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Payload = nil
			m.events[i].Erased = true
			return nil
		}
	}
	return models.ErrEventNotFound
}

func (m *mockEventStore) byType(eventType string) []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range m.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// mockSigner returns configured signing results.
type mockSigner struct {
	sign      func(ctx context.Context, digest []byte) (signing.Result, error)
	signerID  string
	algorithm string
	publicKey []byte
}

func (m *mockSigner) Sign(ctx context.Context, digest []byte) (signing.Result, error) {
	return m.sign(ctx, digest)
}

func (m *mockSigner) SignerID() string  { return m.signerID }
func (m *mockSigner) Algorithm() string { return m.algorithm }
func (m *mockSigner) PublicKey() []byte { return m.publicKey }

// passGuard executes fn directly with a nil transaction, simulating a first
// (non-replayed) run. replay switches it to returning the stored ref instead.
type passGuard struct {
	mu     sync.Mutex
	keys   map[string]string
	replay bool
	err    error
}

func (g *passGuard) Run(ctx context.Context, key string, request any,
	fn func(tx pgx.Tx) (string, error)) (string, bool, error) {
	if key == "" {
		return "", false, models.ErrMissingIdempotencyKey
	}
	if g.err != nil {
		return "", false, g.err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = make(map[string]string)
	}
	if ref, ok := g.keys[key]; ok && g.replay {
		return ref, true, nil
	}

	ref, err := fn(nil)
	if err != nil {
		return "", false, err
	}
	g.keys[key] = ref
	return ref, false, nil
}

// mockProposalStore keeps one proposal in memory and applies mutations the way
// the real store does.
type mockProposalStore struct {
	mu        sync.Mutex
	calls     []string
	proposal  *models.Proposal
	approvals []models.Approval

	createErr error
}

func (m *mockProposalStore) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockProposalStore) Create(ctx context.Context, p *models.Proposal) error {
	m.record("Create")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *p
	m.proposal = &cp
	return nil
}

func (m *mockProposalStore) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Proposal) error {
	m.record("CreateTx")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *p
	m.proposal = &cp
	return nil
}

func (m *mockProposalStore) Get(ctx context.Context, id string) (*models.Proposal, error) {
	m.record("Get")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proposal == nil || m.proposal.ID != id {
		return nil, models.ErrProposalNotFound
	}
	cp := *m.proposal
	return &cp, nil
}

func (m *mockProposalStore) Approvals(ctx context.Context, proposalID string) ([]models.Approval, error) {
	m.record("Approvals")
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Approval(nil), m.approvals...), nil
}

func (m *mockProposalStore) Mutate(
	ctx context.Context, id string,
	decide func(p *models.Proposal, approvals []models.Approval) (*store.ProposalMutation, error),
) (*models.Proposal, []models.Approval, error) {
	m.record("Mutate")
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proposal == nil || m.proposal.ID != id {
		return nil, nil, models.ErrProposalNotFound
	}

	mut, err := decide(m.proposal, append([]models.Approval(nil), m.approvals...))
	if err != nil {
		return nil, nil, err
	}
	if mut == nil {
		cp := *m.proposal
		return &cp, append([]models.Approval(nil), m.approvals...), nil
	}

	if a := mut.InsertApproval; a != nil {
		for _, existing := range m.approvals {
			if existing.SignerID == a.SignerID {
				return nil, nil, models.ErrDuplicateApproval
			}
		}
		m.approvals = append(m.approvals, *a)
	}
	if mut.SetStatus != nil {
		m.proposal.Status = *mut.SetStatus
	}
	if mut.SetAppliedAt != nil {
		m.proposal.AppliedAt = mut.SetAppliedAt
	}
	if mut.SetRatifiedBy != "" {
		m.proposal.RatifiedBy = mut.SetRatifiedBy
	}
	if mut.SetRatifyDeadline != nil {
		m.proposal.RatifyDeadline = mut.SetRatifyDeadline
	}
	if mut.SetJustification != "" {
		m.proposal.Justification = mut.SetJustification
	}

	cp := *m.proposal
	return &cp, append([]models.Approval(nil), m.approvals...), nil
}

// mockSignerSource resolves signers from a map.
type mockSignerSource struct {
	signers map[string]*models.Signer
}

func (m *mockSignerSource) Get(ctx context.Context, signerID string) (*models.Signer, error) {
	s, ok := m.signers[signerID]
	if !ok {
		return nil, models.ErrSignerNotFound
	}
	cp := *s
	return &cp, nil
}

// mockAuditor records appended audit events.
type mockAuditor struct {
	mu     sync.Mutex
	events []models.AuditEvent
	err    error
}

func (m *mockAuditor) Append(ctx context.Context, eventType string, payload any, metadata map[string]any) (*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	ev := models.AuditEvent{EventType: eventType, Payload: payload, Metadata: metadata}
	m.events = append(m.events, ev)
	return &ev, nil
}

func (m *mockAuditor) byType(eventType string) []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range m.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// mockVerifier returns a configured verification result.
type mockVerifier struct {
	result *models.VerificationResult
	err    error
}

func (m *mockVerifier) Run(ctx context.Context) (*models.VerificationResult, error) {
	return m.result, m.err
}

// mockIdempotencyStore records the arguments Guard passes down.
type mockIdempotencyStore struct {
	mu    sync.Mutex
	calls []string

	lastKey  string
	lastHash string
	lastTTL  time.Duration

	resultRef string
	replayed  bool
	err       error
}

func (m *mockIdempotencyStore) Guard(
	ctx context.Context, key, requestHash string, ttl time.Duration,
	fn func(tx pgx.Tx) (string, error),
) (string, bool, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "Guard")
	m.lastKey, m.lastHash, m.lastTTL = key, requestHash, ttl
	m.mu.Unlock()

	if m.err != nil {
		return "", false, m.err
	}
	if m.replayed {
		return m.resultRef, true, nil
	}
	ref, err := fn(nil)
	return ref, false, err
}

// mockGCStore counts DeleteExpired sweeps.
type mockGCStore struct {
	mu      sync.Mutex
	calls   int
	deleted int
	err     error
}

func (m *mockGCStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.deleted, m.err
}

func (m *mockGCStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockExpirerStore counts ExpireOverdue sweeps.
type mockExpirerStore struct {
	mu      sync.Mutex
	calls   int
	expired int
	err     error
}

func (m *mockExpirerStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.expired, m.err
}

func (m *mockExpirerStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockWatchdogStore serves overdue ratifications and records marks.
type mockWatchdogStore struct {
	mu         sync.Mutex
	violations []models.Proposal
	marked     []string
	listErr    error
	markErr    error
}

func (m *mockWatchdogStore) RatifiedWithoutQuorum(ctx context.Context, now time.Time) ([]models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]models.Proposal(nil), m.violations...), nil
}

func (m *mockWatchdogStore) MarkViolationReported(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.marked = append(m.marked, id)
	return nil
}

// mockSignerStore backs RegistryService tests.
type mockSignerStore struct {
	mu      sync.Mutex
	calls   []string
	signers map[string]*models.Signer

	revokeErr error
}

func newMockSignerStore() *mockSignerStore {
	return &mockSignerStore{signers: make(map[string]*models.Signer)}
}

func (m *mockSignerStore) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockSignerStore) Register(ctx context.Context, signer *models.Signer) error {
	m.record("Register")
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signers[signer.SignerID]; ok {
		return models.ErrDuplicateKey
	}
	cp := *signer
	m.signers[signer.SignerID] = &cp
	return nil
}

func (m *mockSignerStore) Get(ctx context.Context, signerID string) (*models.Signer, error) {
	m.record("Get")
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signers[signerID]
	if !ok {
		return nil, models.ErrSignerNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockSignerStore) List(ctx context.Context) ([]models.Signer, error) {
	m.record("List")
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Signer
	for _, s := range m.signers {
		out = append(out, *s)
	}
	return out, nil
}

func (m *mockSignerStore) ListActive(ctx context.Context) ([]models.Signer, error) {
	m.record("ListActive")
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []models.Signer
	for _, s := range m.signers {
		if s.Active(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockSignerStore) Revoke(ctx context.Context, signerID string, at time.Time) error {
	m.record("Revoke")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revokeErr != nil {
		return m.revokeErr
	}
	s, ok := m.signers[signerID]
	if !ok {
		return models.ErrSignerNotFound
	}
	s.Status = models.SignerRevoked
	return nil
}

func (m *mockSignerStore) SetValidTo(ctx context.Context, signerID string, at time.Time) error {
	m.record("SetValidTo")
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signers[signerID]
	if !ok {
		return models.ErrSignerNotFound
	}
	s.ValidTo = &at
	return nil
}
