package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/contract"
	"escrowflow/escalation"
	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/fault"
	"escrowflow/txn"
)

var (
	// ErrReasonRequired signals an empty dispute reason.
	ErrReasonRequired = fault.New(fault.KindValidation, "dispute: reason is required")
	// ErrRoleMismatch signals a proposal that would move funds toward the
	// proposer: buyers may only release, sellers may only refund.
	ErrRoleMismatch = fault.New(fault.KindAuthorization, "dispute: proposal type not permitted for proposer's role")
	// ErrInvalidProposalType signals an unknown proposal type.
	ErrInvalidProposalType = fault.New(fault.KindValidation, "dispute: unknown proposal type")
	// ErrInvalidProposalAmount signals a partial amount outside
	// (0, escrowAmount), or an amount supplied for a full split.
	ErrInvalidProposalAmount = fault.New(fault.KindValidation, "dispute: invalid proposal amount")
	// ErrNotCounterparty signals a proposal response from anyone but the
	// proposer's counterparty.
	ErrNotCounterparty = fault.New(fault.KindAuthorization, "dispute: responder must be the proposer's counterparty")
	// ErrNotEscalated signals an arbiter resolution of a dispute that was
	// never handed to the arbiter.
	ErrNotEscalated = fault.New(fault.KindStateConflict, "dispute: dispute is not escalated")
	// ErrInvalidResponse signals an unknown response action.
	ErrInvalidResponse = fault.New(fault.KindValidation, "dispute: response must be accepted or rejected")
)

// ResponseAction is the counterparty's one-shot answer to a proposal.
type ResponseAction string

const (
	ActionAccept ResponseAction = "accepted"
	ActionReject ResponseAction = "rejected"
)

// Pool is the pgxpool surface the service needs.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	txn.Queryer
}

// Store defines the dispute data access required by the service.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params OpenParams) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	GetOpenForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (Record, error)
	GetByTransaction(ctx context.Context, q txn.Queryer, transactionID string) (*Record, error)
	SetEscalated(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	SetResolved(ctx context.Context, tx pgx.Tx, id string, from []Status, notes string, split Split) (Record, error)
	InsertProposal(ctx context.Context, tx pgx.Tx, params ProposalParams) (Proposal, error)
	GetProposalForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error)
	SetProposalStatus(ctx context.Context, tx pgx.Tx, id string, status ProposalStatus) (Proposal, error)
	ExpireProposal(ctx context.Context, q txn.Queryer, id string) (bool, error)
	ListProposals(ctx context.Context, q txn.Queryer, disputeID string) ([]Proposal, error)
}

// transactionStore is the slice of the txn repository the protocol composes
// into its own unit of work.
type transactionStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (txn.Transaction, error)
	UpdateStatus(ctx context.Context, q txn.Queryer, id string, from []txn.Status, to txn.Status, details *string, hasEvidence bool) (txn.Transaction, error)
}

// contractSource resolves the active contract so the escrowed pool is
// computed from the negotiated amount, never the raw transaction field.
type contractSource interface {
	Active(ctx context.Context, q txn.Queryer, transactionID string) (*contract.Contract, error)
}

// Service owns dispute negotiation: opening, the proposal protocol, party
// escalation and the arbiter's resolution path.
type Service struct {
	pool      Pool
	repo      Store
	txns      transactionStore
	contracts contractSource
	guard     escalation.Guard
}

func NewService(pool Pool, repo Store, txns transactionStore, contracts contractSource, guard escalation.Guard) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if txns == nil {
		txns = txn.NewRepository()
	}
	if contracts == nil {
		contracts = contract.NewRepository()
	}
	if guard == nil {
		guard = escalation.NewGuard()
	}
	return &Service{pool: pool, repo: repo, txns: txns, contracts: contracts, guard: guard}
}

// Open creates a dispute on a transaction in payment_made or work_completed
// and moves it to disputed in the same unit of work.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	if params.Reason == "" {
		return Record{}, ErrReasonRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.txns.GetForUpdate(ctx, tx, params.TransactionID)
	if err != nil {
		return Record{}, err
	}
	if !t.IsParty(params.DisputingParty) {
		return Record{}, txn.ErrNotParty
	}
	if !txn.CanTransition(t.Status, txn.StatusDisputed) {
		return Record{}, fmt.Errorf("%w: %s -> %s", txn.ErrIllegalTransition, t.Status, txn.StatusDisputed)
	}

	rec, err := s.repo.Insert(ctx, tx, params)
	if err != nil {
		return Record{}, err
	}

	details := params.Description
	if details == "" {
		details = params.Reason
	}
	if _, err := s.txns.UpdateStatus(ctx, tx, params.TransactionID,
		[]txn.Status{t.Status}, txn.StatusDisputed, &details, len(params.Evidence) > 0); err != nil {
		return Record{}, err
	}

	if err := event.AppendTimeline(ctx, tx, params.TransactionID, "DISPUTE_OPENED", &params.DisputingParty, map[string]any{
		"dispute_id": rec.ID,
		"reason":     params.Reason,
	}); err != nil {
		return Record{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicDisputeOpened, map[string]any{
		"transaction_id": params.TransactionID,
		"dispute_id":     rec.ID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, nil
}

// Propose submits a fund-split suggestion on an active dispute. The
// proposer may only move funds toward the counterparty, and a partial
// amount must leave both legs positive.
func (s *Service) Propose(ctx context.Context, disputeID, proposerID string, ptype ProposalType, amount *int64, description *string) (Proposal, error) {
	if !ptype.Valid() {
		return Proposal{}, ErrInvalidProposalType
	}
	if ptype.Partial() == (amount == nil) {
		return Proposal{}, ErrInvalidProposalAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Proposal{}, err
	}
	if d.Status == StatusEscalated {
		return Proposal{}, escalation.ErrBlocked
	}
	if d.Status != StatusActive {
		return Proposal{}, ErrNotActive
	}
	if err := escalation.Check(ctx, s.guard, tx, d.TransactionID); err != nil {
		return Proposal{}, err
	}

	t, err := s.txns.GetForUpdate(ctx, tx, d.TransactionID)
	if err != nil {
		return Proposal{}, err
	}
	if !t.IsParty(proposerID) {
		return Proposal{}, txn.ErrNotParty
	}
	switch proposerID {
	case t.BuyerID:
		if ptype != TypeReleaseFull && ptype != TypeReleasePartial {
			return Proposal{}, ErrRoleMismatch
		}
	case t.SellerID:
		if ptype != TypeRefundFull && ptype != TypeRefundPartial {
			return Proposal{}, ErrRoleMismatch
		}
	}

	escrowAmt, err := s.escrowAmount(ctx, tx, t)
	if err != nil {
		return Proposal{}, err
	}
	if amount != nil && (*amount <= 0 || *amount >= escrowAmt) {
		return Proposal{}, fmt.Errorf("%w: %d not in (0, %d)", ErrInvalidProposalAmount, *amount, escrowAmt)
	}

	rec, err := s.repo.InsertProposal(ctx, tx, ProposalParams{
		DisputeID:   disputeID,
		ProposedBy:  proposerID,
		Type:        ptype,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		return Proposal{}, err
	}

	if err := event.AppendTimeline(ctx, tx, d.TransactionID, "PROPOSAL_CREATED", &proposerID, map[string]any{
		"dispute_id":    disputeID,
		"proposal_id":   rec.ID,
		"proposal_type": ptype,
	}); err != nil {
		return Proposal{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicProposalCreated, map[string]any{
		"transaction_id": d.TransactionID,
		"dispute_id":     disputeID,
		"proposal_id":    rec.ID,
	}); err != nil {
		return Proposal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("dispute: commit propose: %w", err)
	}
	return rec, nil
}

// Respond records the counterparty's answer to a pending proposal. On
// acceptance the conserving split is validated and applied, the dispute is
// resolved and the transaction completes, all in one unit of work. On
// rejection the dispute stays active and the proposer may try again.
// Escalation wins any race: a proposal cannot be accepted once the dispute
// left direct negotiation.
func (s *Service) Respond(ctx context.Context, proposalID, responderID string, action ResponseAction) (Proposal, error) {
	if action != ActionAccept && action != ActionReject {
		return Proposal{}, ErrInvalidResponse
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetProposalForUpdate(ctx, tx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status != ProposalPending {
		return Proposal{}, ErrProposalResolved
	}
	if responderID == p.ProposedBy {
		return Proposal{}, ErrNotCounterparty
	}

	d, err := s.repo.GetForUpdate(ctx, tx, p.DisputeID)
	if err != nil {
		return Proposal{}, err
	}
	if d.Status == StatusEscalated {
		return Proposal{}, escalation.ErrBlocked
	}
	if d.Status != StatusActive {
		return Proposal{}, ErrNotActive
	}
	if err := escalation.Check(ctx, s.guard, tx, d.TransactionID); err != nil {
		return Proposal{}, err
	}

	t, err := s.txns.GetForUpdate(ctx, tx, d.TransactionID)
	if err != nil {
		return Proposal{}, err
	}
	if responderID != t.Counterparty(p.ProposedBy) {
		return Proposal{}, ErrNotCounterparty
	}

	if action == ActionReject {
		rec, err := s.repo.SetProposalStatus(ctx, tx, proposalID, ProposalRejected)
		if err != nil {
			return Proposal{}, err
		}
		if err := s.emitProposalResolved(ctx, tx, d, rec, responderID, action); err != nil {
			return Proposal{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Proposal{}, fmt.Errorf("dispute: commit reject: %w", err)
		}
		return rec, nil
	}

	escrowAmt, err := s.escrowAmount(ctx, tx, t)
	if err != nil {
		return Proposal{}, err
	}
	split, err := splitFor(p.Type, escrowAmt, p.Amount)
	if err != nil {
		return Proposal{}, err
	}
	if err := escrow.ValidateSplit(escrowAmt, split.ReleasedToSeller, split.RefundedToBuyer); err != nil {
		return Proposal{}, err
	}

	rec, err := s.repo.SetProposalStatus(ctx, tx, proposalID, ProposalAccepted)
	if err != nil {
		return Proposal{}, err
	}

	notes := fmt.Sprintf("resolved by agreement (%s): released %d to seller, refunded %d to buyer",
		p.Type, split.ReleasedToSeller, split.RefundedToBuyer)
	if _, err := s.repo.SetResolved(ctx, tx, d.ID, []Status{StatusActive}, notes, split); err != nil {
		return Proposal{}, err
	}

	if _, err := s.txns.UpdateStatus(ctx, tx, d.TransactionID,
		[]txn.Status{txn.StatusDisputed}, txn.StatusCompleted, nil, false); err != nil {
		return Proposal{}, err
	}

	if err := s.emitProposalResolved(ctx, tx, d, rec, responderID, action); err != nil {
		return Proposal{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicTransactionCompleted, map[string]any{
		"transaction_id": d.TransactionID,
		"released":       split.ReleasedToSeller,
		"refunded":       split.RefundedToBuyer,
	}); err != nil {
		return Proposal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("dispute: commit accept: %w", err)
	}
	return rec, nil
}

// Escalate hands the dispute to the external arbiter and freezes direct
// negotiation via the escalation guard.
func (s *Service) Escalate(ctx context.Context, transactionID, partyID, reason string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetOpenForUpdate(ctx, tx, transactionID)
	if err != nil {
		return Record{}, err
	}
	if d.Status != StatusActive {
		return Record{}, ErrNotActive
	}

	t, err := s.txns.GetForUpdate(ctx, tx, transactionID)
	if err != nil {
		return Record{}, err
	}
	if !t.IsParty(partyID) {
		return Record{}, txn.ErrNotParty
	}

	rec, err := s.repo.SetEscalated(ctx, tx, d.ID)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.txns.UpdateStatus(ctx, tx, transactionID,
		[]txn.Status{txn.StatusDisputed}, txn.StatusEscalated, nil, false); err != nil {
		return Record{}, err
	}

	if err := event.AppendTimeline(ctx, tx, transactionID, "DISPUTE_ESCALATED", &partyID, map[string]any{
		"dispute_id": d.ID,
		"reason":     reason,
	}); err != nil {
		return Record{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicTransactionEscalated, map[string]any{
		"transaction_id": transactionID,
		"dispute_id":     d.ID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit escalate: %w", err)
	}
	return rec, nil
}

// ResolveByArbiter applies the external arbiter's decision to an escalated
// dispute. The same conservation check as party agreement applies.
func (s *Service) ResolveByArbiter(ctx context.Context, disputeID, arbiterID string, released, refunded int64, notes string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if d.Status == StatusResolved {
		return Record{}, ErrNotActive
	}
	if d.Status != StatusEscalated {
		return Record{}, ErrNotEscalated
	}

	t, err := s.txns.GetForUpdate(ctx, tx, d.TransactionID)
	if err != nil {
		return Record{}, err
	}
	escrowAmt, err := s.escrowAmount(ctx, tx, t)
	if err != nil {
		return Record{}, err
	}
	if err := escrow.ValidateSplit(escrowAmt, released, refunded); err != nil {
		return Record{}, err
	}

	rec, err := s.repo.SetResolved(ctx, tx, disputeID, []Status{StatusEscalated}, notes,
		Split{ReleasedToSeller: released, RefundedToBuyer: refunded})
	if err != nil {
		return Record{}, err
	}
	if _, err := s.txns.UpdateStatus(ctx, tx, d.TransactionID,
		[]txn.Status{txn.StatusEscalated}, txn.StatusCompleted, nil, false); err != nil {
		return Record{}, err
	}

	if err := event.AppendTimeline(ctx, tx, d.TransactionID, "DISPUTE_RESOLVED_BY_ARBITER", &arbiterID, map[string]any{
		"dispute_id": disputeID,
		"released":   released,
		"refunded":   refunded,
	}); err != nil {
		return Record{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicTransactionCompleted, map[string]any{
		"transaction_id": d.TransactionID,
		"released":       released,
		"refunded":       refunded,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit arbiter resolution: %w", err)
	}
	return rec, nil
}

// ExpireProposal marks an unanswered proposal expired. Idempotent.
func (s *Service) ExpireProposal(ctx context.Context, proposalID string) error {
	_, err := s.repo.ExpireProposal(ctx, s.pool, proposalID)
	return err
}

// GetByTransaction returns the transaction's most recent dispute, or nil.
func (s *Service) GetByTransaction(ctx context.Context, transactionID string) (*Record, error) {
	return s.repo.GetByTransaction(ctx, s.pool, transactionID)
}

// ListProposals returns the dispute's proposals, newest first.
func (s *Service) ListProposals(ctx context.Context, disputeID string) ([]Proposal, error) {
	return s.repo.ListProposals(ctx, s.pool, disputeID)
}

func (s *Service) escrowAmount(ctx context.Context, q txn.Queryer, t txn.Transaction) (int64, error) {
	active, err := s.contracts.Active(ctx, q, t.ID)
	if err != nil {
		return 0, err
	}
	var contractAmount *int64
	if active != nil {
		contractAmount = active.Amount
	}
	return escrow.Amount(escrow.EffectiveAmount(t.Amount, contractAmount)), nil
}

func (s *Service) emitProposalResolved(ctx context.Context, tx pgx.Tx, d Record, p Proposal, responderID string, action ResponseAction) error {
	if err := event.AppendTimeline(ctx, tx, d.TransactionID, "PROPOSAL_RESOLVED", &responderID, map[string]any{
		"dispute_id":  d.ID,
		"proposal_id": p.ID,
		"action":      action,
	}); err != nil {
		return err
	}
	return event.Enqueue(ctx, tx, event.TopicProposalResolved, map[string]any{
		"transaction_id": d.TransactionID,
		"dispute_id":     d.ID,
		"proposal_id":    p.ID,
		"action":         action,
	})
}

func splitFor(t ProposalType, escrowAmt int64, amount *int64) (Split, error) {
	switch t {
	case TypeReleaseFull:
		return Split{ReleasedToSeller: escrowAmt}, nil
	case TypeReleasePartial:
		return Split{ReleasedToSeller: *amount, RefundedToBuyer: escrowAmt - *amount}, nil
	case TypeRefundFull:
		return Split{RefundedToBuyer: escrowAmt}, nil
	case TypeRefundPartial:
		return Split{ReleasedToSeller: escrowAmt - *amount, RefundedToBuyer: *amount}, nil
	default:
		return Split{}, ErrInvalidProposalType
	}
}
