package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/fault"
	"escrowflow/txn"
)

var (
	// ErrNotFound is returned when no contract row exists for the id.
	ErrNotFound = fault.New(fault.KindNotFound, "contract: not found")
	// ErrDuplicateActiveContract signals a send while a non-terminal
	// contract already governs the transaction.
	ErrDuplicateActiveContract = fault.New(fault.KindStateConflict, "contract: an active contract already exists")
	// ErrAlreadyResponded signals a second response to the same contract.
	ErrAlreadyResponded = fault.New(fault.KindStateConflict, "contract: already responded")
)

const columns = `id, transaction_id, created_by, recipient_id, content, amount, status::text, response_message, responded_at, is_active, parent_contract_id, revision_number, created_at, updated_at`

// Repository is the stateless data-access layer for contracts. Write
// methods take the caller's pgx.Tx so contract and transaction effects
// commit as one unit of work.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertParams enumerates the fields of a new contract row.
type InsertParams struct {
	TransactionID    string
	CreatedBy        string
	RecipientID      string
	Content          string
	Amount           *int64
	ParentContractID *string
	RevisionNumber   int
}

// Insert creates a contract in awaiting_acceptance with is_active=true. The
// partial unique index on (transaction_id) WHERE is_active backs the
// single-active-contract invariant; a violation maps to
// ErrDuplicateActiveContract.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Contract, error) {
	const insertSQL = `
INSERT INTO contracts (transaction_id, created_by, recipient_id, content, amount, status, is_active, parent_contract_id, revision_number)
VALUES ($1, $2, $3, $4, $5, 'awaiting_acceptance', TRUE, $6, $7)
RETURNING ` + columns

	rec, err := scanContract(tx.QueryRow(ctx, insertSQL,
		params.TransactionID, params.CreatedBy, params.RecipientID, params.Content, params.Amount,
		params.ParentContractID, params.RevisionNumber))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Contract{}, ErrDuplicateActiveContract
		}
		return Contract{}, fmt.Errorf("contract: insert: %w", err)
	}
	return rec, nil
}

// GetForUpdate fetches a contract row under FOR UPDATE.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	rec, err := scanContract(tx.QueryRow(ctx, `SELECT `+columns+` FROM contracts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get for update: %w", err)
	}
	return rec, nil
}

// SetResponse records the one-shot response. The conditional update only
// matches awaiting_acceptance, so of two concurrent responders exactly one
// succeeds and the other observes ErrAlreadyResponded.
func (r *Repository) SetResponse(ctx context.Context, tx pgx.Tx, id string, status Status, message *string) (Contract, error) {
	const updateSQL = `
UPDATE contracts
SET status = $2::contract_status,
    response_message = $3,
    responded_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'awaiting_acceptance'
RETURNING ` + columns

	rec, err := scanContract(tx.QueryRow(ctx, updateSQL, id, status, message))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrAlreadyResponded
		}
		return Contract{}, fmt.Errorf("contract: set response: %w", err)
	}
	return rec, nil
}

// Deactivate clears is_active, leaving status untouched for history.
func (r *Repository) Deactivate(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE contracts SET is_active = FALSE, updated_at = get_tx_timestamp() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("contract: deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Expire marks an unanswered contract expired and releases the active slot.
// It is idempotent: expiring a contract that already left
// awaiting_acceptance is a no-op and reports false.
func (r *Repository) Expire(ctx context.Context, q txn.Queryer, id string) (bool, error) {
	tag, err := q.Exec(ctx, `
UPDATE contracts
SET status = 'expired', is_active = FALSE, updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'awaiting_acceptance'`, id)
	if err != nil {
		return false, fmt.Errorf("contract: expire: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Active resolves the contract currently governing the transaction. The
// selection is defensive against inconsistent history: prefer the is_active
// row, then the highest-priority status, then recency.
func (r *Repository) Active(ctx context.Context, q txn.Queryer, transactionID string) (*Contract, error) {
	const activeSQL = `
SELECT ` + columns + `
FROM contracts
WHERE transaction_id = $1
ORDER BY is_active DESC,
         CASE status
             WHEN 'accepted_awaiting_payment' THEN 0
             WHEN 'awaiting_acceptance' THEN 1
             WHEN 'draft' THEN 2
             ELSE 3
         END,
         created_at DESC
LIMIT 1
`
	rec, err := scanContract(q.QueryRow(ctx, activeSQL, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("contract: get active: %w", err)
	}
	return &rec, nil
}

// ListForTransaction returns the full contract history, newest first.
func (r *Repository) ListForTransaction(ctx context.Context, q txn.Queryer, transactionID string) ([]Contract, error) {
	rows, err := q.Query(ctx, `SELECT `+columns+` FROM contracts WHERE transaction_id = $1 ORDER BY created_at DESC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	out := make([]Contract, 0, 4)
	for rows.Next() {
		rec, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan list: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate list: %w", err)
	}
	return out, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var rec Contract
	err := row.Scan(
		&rec.ID,
		&rec.TransactionID,
		&rec.CreatedBy,
		&rec.RecipientID,
		&rec.Content,
		&rec.Amount,
		&rec.Status,
		&rec.ResponseMessage,
		&rec.RespondedAt,
		&rec.IsActive,
		&rec.ParentContractID,
		&rec.RevisionNumber,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	return rec, nil
}

var _ txn.Queryer = (*pgxpool.Pool)(nil)
