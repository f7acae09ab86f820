package dispute

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/contract"
	"escrowflow/escalation"
	"escrowflow/escrow"
	"escrowflow/txn"
)

// Fixtures use a 1000 nominal amount with no negotiated override, so the
// escrowed pool is 990 after the 1% fee.
const testEscrowAmount = 990

func TestOpen(t *testing.T) {
	env := newEnv(t)
	env.txns.current.Status = txn.StatusPaymentMade

	rec, err := env.svc.Open(context.Background(), OpenParams{
		TransactionID: "t1", DisputingParty: "buyer-1",
		Reason: "item not as described", Description: "the finish is scratched",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if rec.Status != StatusActive {
		t.Fatalf("expected active dispute, got %s", rec.Status)
	}
	if env.txns.current.Status != txn.StatusDisputed {
		t.Fatalf("expected transaction disputed, got %s", env.txns.current.Status)
	}
}

func TestOpen_Guards(t *testing.T) {
	env := newEnv(t)
	env.txns.current.Status = txn.StatusCreated

	if _, err := env.svc.Open(context.Background(), OpenParams{
		TransactionID: "t1", DisputingParty: "buyer-1",
	}); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	if _, err := env.svc.Open(context.Background(), OpenParams{
		TransactionID: "t1", DisputingParty: "stranger", Reason: "nope",
	}); !errors.Is(err, txn.ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
	if _, err := env.svc.Open(context.Background(), OpenParams{
		TransactionID: "t1", DisputingParty: "buyer-1", Reason: "too early",
	}); !errors.Is(err, txn.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestPropose_TypeAmountPairing(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)

	amt := int64(300)
	cases := []struct {
		name   string
		ptype  ProposalType
		amount *int64
		want   error
	}{
		{"unknown type", ProposalType("keep_everything"), nil, ErrInvalidProposalType},
		{"partial without amount", TypeReleasePartial, nil, ErrInvalidProposalAmount},
		{"full with amount", TypeReleaseFull, &amt, ErrInvalidProposalAmount},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := env.svc.Propose(context.Background(), "d1", "buyer-1", c.ptype, c.amount, nil); !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}
}

func TestPropose_RoleMismatch(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)

	if _, err := env.svc.Propose(context.Background(), "d1", "buyer-1", TypeRefundFull, nil, nil); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("buyer refund: expected ErrRoleMismatch, got %v", err)
	}
	if _, err := env.svc.Propose(context.Background(), "d1", "seller-1", TypeReleaseFull, nil, nil); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("seller release: expected ErrRoleMismatch, got %v", err)
	}
}

func TestPropose_PartialBounds(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)

	for _, amt := range []int64{0, -5, testEscrowAmount, testEscrowAmount + 1} {
		a := amt
		if _, err := env.svc.Propose(context.Background(), "d1", "buyer-1", TypeReleasePartial, &a, nil); !errors.Is(err, ErrInvalidProposalAmount) {
			t.Fatalf("amount %d: expected ErrInvalidProposalAmount, got %v", amt, err)
		}
	}

	a := int64(300)
	rec, err := env.svc.Propose(context.Background(), "d1", "buyer-1", TypeReleasePartial, &a, nil)
	if err != nil {
		t.Fatalf("in-range partial: %v", err)
	}
	if rec.Status != ProposalPending {
		t.Fatalf("expected pending proposal, got %s", rec.Status)
	}
}

func TestPropose_EscalatedBlocks(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusEscalated)

	if _, err := env.svc.Propose(context.Background(), "d1", "buyer-1", TypeReleaseFull, nil, nil); !errors.Is(err, escalation.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

func TestPropose_UsesNegotiatedAmount(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)
	// Negotiated 500 over nominal 1000: escrow pool becomes 495.
	env.contracts.active = &contract.Contract{
		ID: "c1", TransactionID: "t1", Amount: ptr(int64(500)), IsActive: true,
		Status: contract.StatusAcceptedAwaitingPayment,
	}

	over := int64(496)
	if _, err := env.svc.Propose(context.Background(), "d1", "buyer-1", TypeReleasePartial, &over, nil); !errors.Is(err, ErrInvalidProposalAmount) {
		t.Fatalf("expected bounds against negotiated pool, got %v", err)
	}
	in := int64(494)
	if _, err := env.svc.Propose(context.Background(), "d1", "buyer-1", TypeReleasePartial, &in, nil); err != nil {
		t.Fatalf("in-range against negotiated pool: %v", err)
	}
}

func TestRespond_ProposerCannotRespond(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)
	env.seedProposal("p1", "buyer-1", TypeReleaseFull, nil)

	if _, err := env.svc.Respond(context.Background(), "p1", "buyer-1", ActionAccept); !errors.Is(err, ErrNotCounterparty) {
		t.Fatalf("expected ErrNotCounterparty, got %v", err)
	}
	if _, err := env.svc.Respond(context.Background(), "p1", "stranger", ActionAccept); !errors.Is(err, ErrNotCounterparty) {
		t.Fatalf("stranger: expected ErrNotCounterparty, got %v", err)
	}
}

func TestRespond_AcceptResolvesWithConservingSplit(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)
	env.seedProposal("p1", "seller-1", TypeRefundPartial, ptr(int64(300)))

	rec, err := env.svc.Respond(context.Background(), "p1", "buyer-1", ActionAccept)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if rec.Status != ProposalAccepted {
		t.Fatalf("expected accepted proposal, got %s", rec.Status)
	}

	d := env.store.disputes["d1"]
	if d.Status != StatusResolved {
		t.Fatalf("expected resolved dispute, got %s", d.Status)
	}
	if d.ReleasedAmount == nil || *d.ReleasedAmount != testEscrowAmount-300 {
		t.Fatalf("expected released %d, got %v", testEscrowAmount-300, d.ReleasedAmount)
	}
	if d.RefundedAmount == nil || *d.RefundedAmount != 300 {
		t.Fatalf("expected refunded 300, got %v", d.RefundedAmount)
	}
	if env.txns.current.Status != txn.StatusCompleted {
		t.Fatalf("expected completed transaction, got %s", env.txns.current.Status)
	}
}

func TestRespond_RejectKeepsDisputeActive(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)
	env.seedProposal("p1", "buyer-1", TypeReleaseFull, nil)

	rec, err := env.svc.Respond(context.Background(), "p1", "seller-1", ActionReject)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rec.Status != ProposalRejected {
		t.Fatalf("expected rejected proposal, got %s", rec.Status)
	}
	if env.store.disputes["d1"].Status != StatusActive {
		t.Fatalf("expected dispute still active, got %s", env.store.disputes["d1"].Status)
	}
	if env.txns.current.Status != txn.StatusDisputed {
		t.Fatalf("expected transaction still disputed, got %s", env.txns.current.Status)
	}
}

func TestRespond_EscalationWins(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusEscalated)
	env.seedProposal("p1", "buyer-1", TypeReleaseFull, nil)

	if _, err := env.svc.Respond(context.Background(), "p1", "seller-1", ActionAccept); !errors.Is(err, escalation.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if env.store.proposals["p1"].Status != ProposalPending {
		t.Fatal("proposal must stay pending for the arbiter record")
	}
}

func TestRespond_ResolvedProposal(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)
	env.seedProposal("p1", "buyer-1", TypeReleaseFull, nil)
	p := env.store.proposals["p1"]
	p.Status = ProposalRejected
	env.store.proposals["p1"] = p

	if _, err := env.svc.Respond(context.Background(), "p1", "seller-1", ActionAccept); !errors.Is(err, ErrProposalResolved) {
		t.Fatalf("expected ErrProposalResolved, got %v", err)
	}
}

func TestEscalate(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)

	rec, err := env.svc.Escalate(context.Background(), "t1", "seller-1", "no progress after two proposals")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if rec.Status != StatusEscalated {
		t.Fatalf("expected escalated dispute, got %s", rec.Status)
	}
	if env.txns.current.Status != txn.StatusEscalated {
		t.Fatalf("expected escalated transaction, got %s", env.txns.current.Status)
	}

	if _, err := env.svc.Escalate(context.Background(), "t1", "seller-1", "again"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second escalate: expected ErrNotActive, got %v", err)
	}
}

func TestResolveByArbiter(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusEscalated)
	env.txns.current.Status = txn.StatusEscalated

	rec, err := env.svc.ResolveByArbiter(context.Background(), "d1", "arbiter-1", 600, 390, "partial delivery confirmed")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", rec.Status)
	}
	if env.txns.current.Status != txn.StatusCompleted {
		t.Fatalf("expected completed transaction, got %s", env.txns.current.Status)
	}
}

func TestResolveByArbiter_Guards(t *testing.T) {
	env := newEnv(t)
	env.seedDispute(StatusActive)

	if _, err := env.svc.ResolveByArbiter(context.Background(), "d1", "arbiter-1", 990, 0, "n"); !errors.Is(err, ErrNotEscalated) {
		t.Fatalf("active dispute: expected ErrNotEscalated, got %v", err)
	}

	d := env.store.disputes["d1"]
	d.Status = StatusEscalated
	env.store.disputes["d1"] = d
	if _, err := env.svc.ResolveByArbiter(context.Background(), "d1", "arbiter-1", 600, 500, "n"); !errors.Is(err, escrow.ErrInvalidSplit) {
		t.Fatalf("non-conserving split: expected ErrInvalidSplit, got %v", err)
	}

	d.Status = StatusResolved
	env.store.disputes["d1"] = d
	if _, err := env.svc.ResolveByArbiter(context.Background(), "d1", "arbiter-1", 990, 0, "n"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("resolved dispute: expected ErrNotActive, got %v", err)
	}
}

type env struct {
	svc       *Service
	store     *fakeStore
	txns      *fakeTxnStore
	contracts *fakeContracts
	guard     *staticGuard
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := &fakeStore{disputes: map[string]Record{}, proposals: map[string]Proposal{}}
	txns := &fakeTxnStore{current: txn.Transaction{
		ID: "t1", BuyerID: "buyer-1", SellerID: "seller-1", Amount: 1000, Status: txn.StatusDisputed,
	}}
	contracts := &fakeContracts{}
	guard := &staticGuard{}
	return &env{
		svc:       NewService(&fakePool{}, store, txns, contracts, guard),
		store:     store,
		txns:      txns,
		contracts: contracts,
		guard:     guard,
	}
}

func (e *env) seedDispute(status Status) {
	e.store.disputes["d1"] = Record{
		ID: "d1", TransactionID: "t1", DisputingParty: "buyer-1",
		Reason: "not delivered", Status: status,
	}
}

func (e *env) seedProposal(id, proposedBy string, ptype ProposalType, amount *int64) {
	e.store.proposals[id] = Proposal{
		ID: id, DisputeID: "d1", ProposedBy: proposedBy,
		Type: ptype, Amount: amount, Status: ProposalPending,
	}
}

func ptr[T any](v T) *T { return &v }

type staticGuard struct {
	escalated bool
}

func (g *staticGuard) IsEscalated(context.Context, escalation.Queryer, string) (bool, error) {
	return g.escalated, nil
}

type fakeContracts struct {
	active *contract.Contract
}

func (f *fakeContracts) Active(context.Context, txn.Queryer, string) (*contract.Contract, error) {
	return f.active, nil
}

type fakeStore struct {
	disputes  map[string]Record
	proposals map[string]Proposal
	seq       int
}

func (f *fakeStore) Insert(_ context.Context, _ pgx.Tx, params OpenParams) (Record, error) {
	for _, d := range f.disputes {
		if d.TransactionID == params.TransactionID && d.Status != StatusResolved {
			return Record{}, ErrAlreadyDisputed
		}
	}
	f.seq++
	rec := Record{
		ID:             fmt.Sprintf("d-new-%d", f.seq),
		TransactionID:  params.TransactionID,
		DisputingParty: params.DisputingParty,
		Reason:         params.Reason,
		Description:    params.Description,
		Evidence:       params.Evidence,
		Status:         StatusActive,
	}
	f.disputes[rec.ID] = rec
	return rec, nil
}

func (f *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Record, error) {
	rec, ok := f.disputes[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) GetOpenForUpdate(_ context.Context, _ pgx.Tx, transactionID string) (Record, error) {
	for _, d := range f.disputes {
		if d.TransactionID == transactionID && d.Status != StatusResolved {
			return d, nil
		}
	}
	return Record{}, ErrNotFound
}

func (f *fakeStore) GetByTransaction(_ context.Context, _ txn.Queryer, transactionID string) (*Record, error) {
	for _, d := range f.disputes {
		if d.TransactionID == transactionID {
			rec := d
			return &rec, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SetEscalated(_ context.Context, _ pgx.Tx, id string) (Record, error) {
	rec, ok := f.disputes[id]
	if !ok || rec.Status != StatusActive {
		return Record{}, ErrNotActive
	}
	rec.Status = StatusEscalated
	f.disputes[id] = rec
	return rec, nil
}

func (f *fakeStore) SetResolved(_ context.Context, _ pgx.Tx, id string, from []Status, notes string, split Split) (Record, error) {
	rec, ok := f.disputes[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	matched := false
	for _, s := range from {
		if s == rec.Status {
			matched = true
		}
	}
	if !matched {
		return Record{}, ErrNotActive
	}
	rec.Status = StatusResolved
	rec.ResolutionNotes = &notes
	rec.ReleasedAmount = &split.ReleasedToSeller
	rec.RefundedAmount = &split.RefundedToBuyer
	f.disputes[id] = rec
	return rec, nil
}

func (f *fakeStore) InsertProposal(_ context.Context, _ pgx.Tx, params ProposalParams) (Proposal, error) {
	for _, p := range f.proposals {
		if p.DisputeID == params.DisputeID && p.Status == ProposalPending {
			return Proposal{}, ErrPendingProposalExists
		}
	}
	f.seq++
	rec := Proposal{
		ID:          fmt.Sprintf("p-new-%d", f.seq),
		DisputeID:   params.DisputeID,
		ProposedBy:  params.ProposedBy,
		Type:        params.Type,
		Amount:      params.Amount,
		Description: params.Description,
		Status:      ProposalPending,
	}
	f.proposals[rec.ID] = rec
	return rec, nil
}

func (f *fakeStore) GetProposalForUpdate(_ context.Context, _ pgx.Tx, id string) (Proposal, error) {
	rec, ok := f.proposals[id]
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}
	return rec, nil
}

func (f *fakeStore) SetProposalStatus(_ context.Context, _ pgx.Tx, id string, status ProposalStatus) (Proposal, error) {
	rec, ok := f.proposals[id]
	if !ok || rec.Status != ProposalPending {
		return Proposal{}, ErrProposalResolved
	}
	rec.Status = status
	f.proposals[id] = rec
	return rec, nil
}

func (f *fakeStore) ExpireProposal(_ context.Context, _ txn.Queryer, id string) (bool, error) {
	rec, ok := f.proposals[id]
	if !ok || rec.Status != ProposalPending {
		return false, nil
	}
	rec.Status = ProposalExpired
	f.proposals[id] = rec
	return true, nil
}

func (f *fakeStore) ListProposals(_ context.Context, _ txn.Queryer, disputeID string) ([]Proposal, error) {
	var out []Proposal
	for _, p := range f.proposals {
		if p.DisputeID == disputeID {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeTxnStore struct {
	current txn.Transaction
}

func (f *fakeTxnStore) GetForUpdate(context.Context, pgx.Tx, string) (txn.Transaction, error) {
	return f.current, nil
}

func (f *fakeTxnStore) UpdateStatus(_ context.Context, _ txn.Queryer, _ string, from []txn.Status, to txn.Status, details *string, hasEvidence bool) (txn.Transaction, error) {
	matched := false
	for _, s := range from {
		if s == f.current.Status {
			matched = true
		}
	}
	if !matched {
		return txn.Transaction{}, txn.ErrStaleStatus
	}
	f.current.Status = to
	if details != nil {
		f.current.DisputeDetails = details
	}
	f.current.HasEvidence = f.current.HasEvidence || hasEvidence
	return f.current, nil
}

type fakePool struct{}

func (fakePool) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

func (fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct{}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error   { return nil }
func (f *fakeTx) Rollback(context.Context) error { return nil }

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn { return nil }
