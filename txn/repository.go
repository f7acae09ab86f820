package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/fault"
)

var (
	// ErrNotFound is returned when no transaction row exists for the id.
	ErrNotFound = fault.New(fault.KindNotFound, "txn: transaction not found")
	// ErrStaleStatus signals a conditional status update that matched no
	// row: a concurrent writer won the race. Callers treat it as the
	// transition-specific conflict.
	ErrStaleStatus = fault.New(fault.KindStateConflict, "txn: status changed concurrently")
)

// Queryer is the query surface shared by pgx.Tx and *pgxpool.Pool so the
// repository composes into a caller's transaction or runs standalone reads.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const columns = `id, buyer_id, seller_id, title, amount, description, delivery_date, dispute_details, has_evidence, status::text, created_at, updated_at`

// Repository is the stateless data-access layer for transactions. Methods
// take a Queryer so cross-entity effects run inside one unit of work.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// CreateParams enumerates the fields required to insert a transaction.
type CreateParams struct {
	BuyerID      string
	SellerID     string
	Title        string
	Amount       int64
	Description  string
	DeliveryDate *time.Time
}

func (r *Repository) Insert(ctx context.Context, q Queryer, params CreateParams) (Transaction, error) {
	const insertSQL = `
INSERT INTO transactions (buyer_id, seller_id, title, amount, description, delivery_date, status)
VALUES ($1, $2, $3, $4, $5, $6, 'created')
RETURNING ` + columns

	rec, err := scanTransaction(q.QueryRow(ctx, insertSQL,
		params.BuyerID, params.SellerID, params.Title, params.Amount, params.Description, params.DeliveryDate))
	if err != nil {
		return Transaction{}, fmt.Errorf("txn: insert: %w", err)
	}
	return rec, nil
}

// Get fetches a transaction row without locking it.
func (r *Repository) Get(ctx context.Context, q Queryer, id string) (Transaction, error) {
	rec, err := scanTransaction(q.QueryRow(ctx, `SELECT `+columns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("txn: get: %w", err)
	}
	return rec, nil
}

// GetForUpdate fetches a transaction row under FOR UPDATE inside the
// caller's transaction, serialising all writers of the same id.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	rec, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+columns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("txn: get for update: %w", err)
	}
	return rec, nil
}

// UpdateStatus moves the transaction to the target status only if the row is
// still in one of the expected source statuses. A miss returns
// ErrStaleStatus so conflicting concurrent writers get exactly one success.
func (r *Repository) UpdateStatus(ctx context.Context, q Queryer, id string, from []Status, to Status, details *string, hasEvidence bool) (Transaction, error) {
	const updateSQL = `
UPDATE transactions
SET status = $2::transaction_status,
    dispute_details = COALESCE($3, dispute_details),
    has_evidence = has_evidence OR $4,
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = ANY($5::transaction_status[])
RETURNING ` + columns

	fromText := make([]string, len(from))
	for i, s := range from {
		fromText[i] = string(s)
	}

	rec, err := scanTransaction(q.QueryRow(ctx, updateSQL, id, to, details, hasEvidence, fromText))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrStaleStatus
		}
		return Transaction{}, fmt.Errorf("txn: update status: %w", err)
	}
	return rec, nil
}

// RevisionPatch carries the fields a rejected-contract resend may change.
type RevisionPatch struct {
	Title        *string
	Amount       *int64
	Description  *string
	DeliveryDate *time.Time
}

// ResetForRevision moves the transaction back to created and applies patch
// fields, used after a contract rejection when the creator resends revised
// terms. Runs inside the caller's revise transaction.
func (r *Repository) ResetForRevision(ctx context.Context, tx pgx.Tx, id string, patch RevisionPatch) (Transaction, error) {
	const resetSQL = `
UPDATE transactions
SET status = 'created',
    title = COALESCE($2, title),
    amount = COALESCE($3, amount),
    description = COALESCE($4, description),
    delivery_date = COALESCE($5, delivery_date),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + columns

	rec, err := scanTransaction(tx.QueryRow(ctx, resetSQL, id, patch.Title, patch.Amount, patch.Description, patch.DeliveryDate))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("txn: reset for revision: %w", err)
	}
	return rec, nil
}

// ListForParty returns transactions where the party is buyer or seller,
// newest first.
func (r *Repository) ListForParty(ctx context.Context, q Queryer, partyID string) ([]Transaction, error) {
	rows, err := q.Query(ctx, `SELECT `+columns+` FROM transactions WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC`, partyID)
	if err != nil {
		return nil, fmt.Errorf("txn: list: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 8)
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("txn: scan list: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("txn: iterate list: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var rec Transaction
	err := row.Scan(
		&rec.ID,
		&rec.BuyerID,
		&rec.SellerID,
		&rec.Title,
		&rec.Amount,
		&rec.Description,
		&rec.DeliveryDate,
		&rec.DisputeDetails,
		&rec.HasEvidence,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	return rec, nil
}
