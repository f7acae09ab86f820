package txn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/event"
	"escrowflow/fault"
)

var (
	// ErrSelfTransaction signals buyer and seller are the same party.
	ErrSelfTransaction = fault.New(fault.KindValidation, "txn: buyer and seller must be distinct")
	// ErrInvalidAmount signals a non-positive nominal amount.
	ErrInvalidAmount = fault.New(fault.KindValidation, "txn: amount must be positive")
	// ErrTitleRequired signals a missing title.
	ErrTitleRequired = fault.New(fault.KindValidation, "txn: title is required")
	// ErrNotParty signals the actor is neither buyer nor seller.
	ErrNotParty = fault.New(fault.KindAuthorization, "txn: actor is not a party to the transaction")
	// ErrDisputeDetailsRequired signals an attempt to dispute without any
	// evidence or description of the problem.
	ErrDisputeDetailsRequired = fault.New(fault.KindValidation, "txn: disputing requires details or evidence")
)

// Pool is the pgxpool surface the service needs, abstracted for testability.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Queryer
}

// Store defines the data access required by the service.
type Store interface {
	Insert(ctx context.Context, q Queryer, params CreateParams) (Transaction, error)
	Get(ctx context.Context, q Queryer, id string) (Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	UpdateStatus(ctx context.Context, q Queryer, id string, from []Status, to Status, details *string, hasEvidence bool) (Transaction, error)
	ListForParty(ctx context.Context, q Queryer, partyID string) ([]Transaction, error)
}

// ActiveContractSource supplies the active contract for effective
// status/amount derivation. The contract package implements it.
type ActiveContractSource interface {
	ActiveInfo(ctx context.Context, transactionID string) (*ActiveContractInfo, error)
}

// Service owns transaction records: creation, validated status transitions,
// and the reader-facing effective derivations.
type Service struct {
	pool      Pool
	repo      Store
	contracts ActiveContractSource
}

func NewService(pool Pool, repo Store) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo}
}

// WithContractSource wires the active-contract read used by Get and List.
func (s *Service) WithContractSource(src ActiveContractSource) *Service {
	s.contracts = src
	return s
}

// Create opens a new escrowed transaction between two distinct parties. The
// actor must be one of the parties.
func (s *Service) Create(ctx context.Context, actorID string, params CreateParams) (Transaction, error) {
	if params.BuyerID == "" || params.SellerID == "" {
		return Transaction{}, fmt.Errorf("txn: buyer and seller ids required")
	}
	if params.BuyerID == params.SellerID {
		return Transaction{}, ErrSelfTransaction
	}
	if params.Amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if params.Title == "" {
		return Transaction{}, ErrTitleRequired
	}
	if actorID != params.BuyerID && actorID != params.SellerID {
		return Transaction{}, ErrNotParty
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("txn: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Insert(ctx, tx, params)
	if err != nil {
		return Transaction{}, err
	}

	if err := event.AppendTimeline(ctx, tx, rec.ID, "TRANSACTION_CREATED", &actorID, map[string]any{
		"buyer_id":  rec.BuyerID,
		"seller_id": rec.SellerID,
		"amount":    rec.Amount,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("txn: commit create: %w", err)
	}
	return rec, nil
}

// Advance validates and applies a status transition requested by a party.
// The row is locked for the duration of the unit of work so concurrent
// conflicting advances get exactly one success.
func (s *Service) Advance(ctx context.Context, transactionID, actorID string, target Status, evidence *string) (Transaction, error) {
	if !target.Valid() {
		return Transaction{}, ErrIllegalTransition
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("txn: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if !current.IsParty(actorID) {
		return Transaction{}, ErrNotParty
	}
	if !CanTransition(current.Status, target) {
		return Transaction{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Status, target)
	}
	if target == StatusDisputed && (evidence == nil || *evidence == "") && current.DisputeDetails == nil {
		return Transaction{}, ErrDisputeDetailsRequired
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, transactionID, []Status{current.Status}, target, evidence, evidence != nil)
	if err != nil {
		return Transaction{}, err
	}

	if err := event.AppendTimeline(ctx, tx, transactionID, "TRANSACTION_STATUS_CHANGED", &actorID, map[string]any{
		"previous_status": current.Status,
		"next_status":     target,
	}); err != nil {
		return Transaction{}, err
	}
	if target == StatusCompleted {
		if err := event.Enqueue(ctx, tx, event.TopicTransactionCompleted, map[string]any{
			"transaction_id": transactionID,
		}); err != nil {
			return Transaction{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("txn: commit advance: %w", err)
	}
	return updated, nil
}

// Get returns the transaction with effective status and amount resolved
// against the active contract.
func (s *Service) Get(ctx context.Context, transactionID string) (View, error) {
	rec, err := s.repo.Get(ctx, s.pool, transactionID)
	if err != nil {
		return View{}, err
	}
	active, err := s.activeInfo(ctx, transactionID)
	if err != nil {
		return View{}, err
	}
	return Derive(rec, active), nil
}

// ListForParty returns the party's transactions with derivations resolved.
func (s *Service) ListForParty(ctx context.Context, partyID string) ([]View, error) {
	recs, err := s.repo.ListForParty(ctx, s.pool, partyID)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(recs))
	for _, rec := range recs {
		active, err := s.activeInfo(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, Derive(rec, active))
	}
	return views, nil
}

func (s *Service) activeInfo(ctx context.Context, transactionID string) (*ActiveContractInfo, error) {
	if s.contracts == nil {
		return nil, nil
	}
	return s.contracts.ActiveInfo(ctx, transactionID)
}
