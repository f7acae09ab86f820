package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/escalation"
	"escrowflow/event"
	"escrowflow/fault"
	"escrowflow/txn"
)

var (
	// ErrInvalidRecipient signals the recipient is not the counterparty of
	// the contract creator on this transaction.
	ErrInvalidRecipient = fault.New(fault.KindValidation, "contract: recipient is not the counterparty")
	// ErrNotRecipient signals a response from anyone but the recipient.
	ErrNotRecipient = fault.New(fault.KindAuthorization, "contract: responder is not the recipient")
	// ErrNotRejected signals a revision of a contract that was not rejected.
	ErrNotRejected = fault.New(fault.KindStateConflict, "contract: only a rejected contract can be revised")
	// ErrNotCreator signals a revision by anyone but the original creator.
	ErrNotCreator = fault.New(fault.KindAuthorization, "contract: revisor is not the contract creator")
	// ErrContentRequired signals empty contract terms.
	ErrContentRequired = fault.New(fault.KindValidation, "contract: content is required")
	// ErrInvalidResponse signals an unknown response action.
	ErrInvalidResponse = fault.New(fault.KindValidation, "contract: response must be accept or reject")
)

// Pool is the pgxpool surface the service needs.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	txn.Queryer
}

// Ledger defines the contract data access required by the service.
type Ledger interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	SetResponse(ctx context.Context, tx pgx.Tx, id string, status Status, message *string) (Contract, error)
	Deactivate(ctx context.Context, tx pgx.Tx, id string) error
	Expire(ctx context.Context, q txn.Queryer, id string) (bool, error)
	Active(ctx context.Context, q txn.Queryer, transactionID string) (*Contract, error)
	ListForTransaction(ctx context.Context, q txn.Queryer, transactionID string) ([]Contract, error)
}

// transactionStore is the slice of the txn repository the ledger composes
// into its own unit of work.
type transactionStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (txn.Transaction, error)
	UpdateStatus(ctx context.Context, q txn.Queryer, id string, from []txn.Status, to txn.Status, details *string, hasEvidence bool) (txn.Transaction, error)
	ResetForRevision(ctx context.Context, tx pgx.Tx, id string, patch txn.RevisionPatch) (txn.Transaction, error)
}

// Service owns the contract negotiation for a transaction: sending terms,
// the recipient's one-shot response, and revision of rejected terms.
type Service struct {
	pool  Pool
	repo  Ledger
	txns  transactionStore
	guard escalation.Guard
}

func NewService(pool Pool, repo Ledger, txns transactionStore, guard escalation.Guard) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if txns == nil {
		txns = txn.NewRepository()
	}
	if guard == nil {
		guard = escalation.NewGuard()
	}
	return &Service{pool: pool, repo: repo, txns: txns, guard: guard}
}

// SendParams describes a new contract offer.
type SendParams struct {
	TransactionID string
	CreatorID     string
	RecipientID   string
	Content       string
	Amount        *int64
}

// Send creates the governing contract for a transaction. The transaction
// row is locked first so concurrent sends serialise; a send over a
// rejected or expired active contract supersedes it.
func (s *Service) Send(ctx context.Context, params SendParams) (Contract, error) {
	if params.Content == "" {
		return Contract{}, ErrContentRequired
	}
	if params.Amount != nil && *params.Amount <= 0 {
		return Contract{}, txn.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.txns.GetForUpdate(ctx, tx, params.TransactionID)
	if err != nil {
		return Contract{}, err
	}
	if !t.IsParty(params.CreatorID) {
		return Contract{}, txn.ErrNotParty
	}
	if t.Counterparty(params.CreatorID) != params.RecipientID {
		return Contract{}, ErrInvalidRecipient
	}
	if err := escalation.Check(ctx, s.guard, tx, params.TransactionID); err != nil {
		return Contract{}, err
	}

	active, err := s.repo.Active(ctx, tx, params.TransactionID)
	if err != nil {
		return Contract{}, err
	}
	if active != nil && active.IsActive {
		if !active.Status.TerminalForContract() {
			return Contract{}, ErrDuplicateActiveContract
		}
		if err := s.repo.Deactivate(ctx, tx, active.ID); err != nil {
			return Contract{}, err
		}
	}

	rec, err := s.repo.Insert(ctx, tx, InsertParams{
		TransactionID: params.TransactionID,
		CreatedBy:     params.CreatorID,
		RecipientID:   params.RecipientID,
		Content:       params.Content,
		Amount:        params.Amount,
	})
	if err != nil {
		return Contract{}, err
	}

	if err := event.AppendTimeline(ctx, tx, params.TransactionID, "CONTRACT_SENT", &params.CreatorID, map[string]any{
		"contract_id":  rec.ID,
		"recipient_id": params.RecipientID,
	}); err != nil {
		return Contract{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicContractSent, map[string]any{
		"transaction_id": params.TransactionID,
		"contract_id":    rec.ID,
		"recipient_id":   params.RecipientID,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit send: %w", err)
	}
	return rec, nil
}

// Respond records the recipient's accept or reject. On accept the parent
// transaction moves to contract_accepted in the same unit of work if it is
// still in created; a transaction that already progressed is left alone.
func (s *Service) Respond(ctx context.Context, contractID, responderID string, action ResponseAction, message *string) (Contract, error) {
	var target Status
	switch action {
	case ActionAccept:
		target = StatusAcceptedAwaitingPayment
	case ActionReject:
		target = StatusRejected
	default:
		return Contract{}, ErrInvalidResponse
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.Status != StatusAwaitingAcceptance {
		return Contract{}, ErrAlreadyResponded
	}
	if responderID != c.RecipientID {
		return Contract{}, ErrNotRecipient
	}
	if err := escalation.Check(ctx, s.guard, tx, c.TransactionID); err != nil {
		return Contract{}, err
	}

	rec, err := s.repo.SetResponse(ctx, tx, contractID, target, message)
	if err != nil {
		return Contract{}, err
	}

	if action == ActionAccept {
		_, err := s.txns.UpdateStatus(ctx, tx, c.TransactionID,
			[]txn.Status{txn.StatusCreated}, txn.StatusContractAccepted, nil, false)
		if err != nil && !errors.Is(err, txn.ErrStaleStatus) {
			return Contract{}, err
		}
	}

	if err := event.AppendTimeline(ctx, tx, c.TransactionID, "CONTRACT_RESPONDED", &responderID, map[string]any{
		"contract_id": contractID,
		"action":      action,
	}); err != nil {
		return Contract{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicContractResponded, map[string]any{
		"transaction_id": c.TransactionID,
		"contract_id":    contractID,
		"action":         action,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit respond: %w", err)
	}
	return rec, nil
}

// ReviseParams describes a revision of a rejected contract. The patch is
// applied to the underlying transaction, which returns to created.
type ReviseParams struct {
	RejectedContractID string
	RevisorID          string
	Content            string
	Amount             *int64
	Patch              txn.RevisionPatch
}

// Revise deactivates the rejected contract and chains a new one with the
// next revision number, resetting the transaction's underlying status so
// the rejection overlay disappears.
func (s *Service) Revise(ctx context.Context, params ReviseParams) (Contract, error) {
	if params.Content == "" {
		return Contract{}, ErrContentRequired
	}
	if params.Amount != nil && *params.Amount <= 0 {
		return Contract{}, txn.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	source, err := s.repo.GetForUpdate(ctx, tx, params.RejectedContractID)
	if err != nil {
		return Contract{}, err
	}
	if source.Status != StatusRejected {
		return Contract{}, ErrNotRejected
	}
	if params.RevisorID != source.CreatedBy {
		return Contract{}, ErrNotCreator
	}
	if err := escalation.Check(ctx, s.guard, tx, source.TransactionID); err != nil {
		return Contract{}, err
	}

	if source.IsActive {
		if err := s.repo.Deactivate(ctx, tx, source.ID); err != nil {
			return Contract{}, err
		}
	}

	amount := params.Amount
	if amount == nil {
		amount = source.Amount
	}
	rec, err := s.repo.Insert(ctx, tx, InsertParams{
		TransactionID:    source.TransactionID,
		CreatedBy:        source.CreatedBy,
		RecipientID:      source.RecipientID,
		Content:          params.Content,
		Amount:           amount,
		ParentContractID: &source.ID,
		RevisionNumber:   source.RevisionNumber + 1,
	})
	if err != nil {
		return Contract{}, err
	}

	if _, err := s.txns.ResetForRevision(ctx, tx, source.TransactionID, params.Patch); err != nil {
		return Contract{}, err
	}

	if err := event.AppendTimeline(ctx, tx, source.TransactionID, "CONTRACT_REVISED", &params.RevisorID, map[string]any{
		"contract_id":        rec.ID,
		"parent_contract_id": source.ID,
		"revision_number":    rec.RevisionNumber,
	}); err != nil {
		return Contract{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicContractSent, map[string]any{
		"transaction_id":  source.TransactionID,
		"contract_id":     rec.ID,
		"recipient_id":    rec.RecipientID,
		"revision_number": rec.RevisionNumber,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit revise: %w", err)
	}
	return rec, nil
}

// Expire marks an unanswered contract expired. Idempotent: repeated calls
// after the first are no-ops, as are calls on responded contracts.
func (s *Service) Expire(ctx context.Context, contractID string) error {
	_, err := s.repo.Expire(ctx, s.pool, contractID)
	return err
}

// GetActive returns the contract currently governing the transaction, or
// nil when none exists.
func (s *Service) GetActive(ctx context.Context, transactionID string) (*Contract, error) {
	return s.repo.Active(ctx, s.pool, transactionID)
}

// List returns the transaction's contract history, newest first.
func (s *Service) List(ctx context.Context, transactionID string) ([]Contract, error) {
	return s.repo.ListForTransaction(ctx, s.pool, transactionID)
}

// ActiveInfo implements txn.ActiveContractSource for effective status and
// amount derivation.
func (s *Service) ActiveInfo(ctx context.Context, transactionID string) (*txn.ActiveContractInfo, error) {
	active, err := s.GetActive(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, nil
	}
	return &txn.ActiveContractInfo{
		ID:       active.ID,
		Status:   string(active.Status),
		Amount:   active.Amount,
		Rejected: active.IsActive && active.Status == StatusRejected,
	}, nil
}
