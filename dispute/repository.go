package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/fault"
	"escrowflow/txn"
)

var (
	// ErrNotFound is returned when no dispute row exists.
	ErrNotFound = fault.New(fault.KindNotFound, "dispute: not found")
	// ErrProposalNotFound is returned when no proposal row exists.
	ErrProposalNotFound = fault.New(fault.KindNotFound, "dispute: proposal not found")
	// ErrAlreadyDisputed signals an open dispute already exists for the
	// transaction.
	ErrAlreadyDisputed = fault.New(fault.KindStateConflict, "dispute: transaction already has an open dispute")
	// ErrNotActive signals an operation on a dispute that is no longer
	// open for negotiation.
	ErrNotActive = fault.New(fault.KindStateConflict, "dispute: dispute is not active")
	// ErrPendingProposalExists signals a second pending proposal for the
	// same dispute.
	ErrPendingProposalExists = fault.New(fault.KindStateConflict, "dispute: a pending proposal already exists")
	// ErrProposalResolved signals a second response to the same proposal.
	ErrProposalResolved = fault.New(fault.KindStateConflict, "dispute: proposal already resolved")
)

const disputeColumns = `id, transaction_id, disputing_party_id, reason, description, evidence, status::text, resolution_notes, released_amount, refunded_amount, created_at, updated_at, resolved_at`

const proposalColumns = `id, dispute_id, proposed_by, proposal_type::text, amount, description, status::text, created_at, responded_at`

// Repository is the stateless data-access layer for disputes and their
// proposals. Write methods take the caller's pgx.Tx so dispute, proposal
// and transaction effects commit as one unit of work.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// OpenParams enumerates the fields of a new dispute row.
type OpenParams struct {
	TransactionID  string
	DisputingParty string
	Reason         string
	Description    string
	Evidence       []string
}

// Insert creates an active dispute. The partial unique index on
// (transaction_id) WHERE status <> 'resolved' backs the one-open-dispute
// invariant; a violation maps to ErrAlreadyDisputed.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params OpenParams) (Record, error) {
	const insertSQL = `
INSERT INTO disputes (transaction_id, disputing_party_id, reason, description, evidence, status)
VALUES ($1, $2, $3, $4, $5, 'active')
RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, insertSQL,
		params.TransactionID, params.DisputingParty, params.Reason, params.Description, params.Evidence))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyDisputed
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// GetForUpdate fetches a dispute row under FOR UPDATE.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, err := scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

// GetOpenForUpdate locks the unresolved dispute of a transaction.
func (r *Repository) GetOpenForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (Record, error) {
	const q = `SELECT ` + disputeColumns + ` FROM disputes WHERE transaction_id = $1 AND status <> 'resolved' FOR UPDATE`
	rec, err := scanDispute(tx.QueryRow(ctx, q, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get open for update: %w", err)
	}
	return rec, nil
}

// GetByTransaction returns the most recent dispute for the transaction, or
// nil when none exists.
func (r *Repository) GetByTransaction(ctx context.Context, q txn.Queryer, transactionID string) (*Record, error) {
	const sel = `SELECT ` + disputeColumns + ` FROM disputes WHERE transaction_id = $1 ORDER BY created_at DESC LIMIT 1`
	rec, err := scanDispute(q.QueryRow(ctx, sel, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispute: get by transaction: %w", err)
	}
	return &rec, nil
}

// SetEscalated moves an active dispute to escalated. The conditional
// update gives exactly one winner if escalation races another mutation.
func (r *Repository) SetEscalated(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const updateSQL = `
UPDATE disputes
SET status = 'escalated', updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'active'
RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, updateSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotActive
		}
		return Record{}, fmt.Errorf("dispute: escalate: %w", err)
	}
	return rec, nil
}

// SetResolved finalises the dispute with its conserving split. Only rows
// still in one of the expected source statuses match, so a concurrent
// resolution loses with ErrNotActive.
func (r *Repository) SetResolved(ctx context.Context, tx pgx.Tx, id string, from []Status, notes string, split Split) (Record, error) {
	const updateSQL = `
UPDATE disputes
SET status = 'resolved',
    resolution_notes = $2,
    released_amount = $3,
    refunded_amount = $4,
    resolved_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = ANY($5::dispute_status[])
RETURNING ` + disputeColumns

	fromText := make([]string, len(from))
	for i, s := range from {
		fromText[i] = string(s)
	}

	rec, err := scanDispute(tx.QueryRow(ctx, updateSQL, id, notes, split.ReleasedToSeller, split.RefundedToBuyer, fromText))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotActive
		}
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return rec, nil
}

// ProposalParams enumerates the fields of a new proposal row.
type ProposalParams struct {
	DisputeID   string
	ProposedBy  string
	Type        ProposalType
	Amount      *int64
	Description *string
}

// InsertProposal creates a pending proposal. The partial unique index on
// (dispute_id) WHERE status = 'pending' backs the one-pending-proposal
// invariant; a violation maps to ErrPendingProposalExists.
func (r *Repository) InsertProposal(ctx context.Context, tx pgx.Tx, params ProposalParams) (Proposal, error) {
	const insertSQL = `
INSERT INTO dispute_proposals (dispute_id, proposed_by, proposal_type, amount, description, status)
VALUES ($1, $2, $3, $4, $5, 'pending')
RETURNING ` + proposalColumns

	rec, err := scanProposal(tx.QueryRow(ctx, insertSQL,
		params.DisputeID, params.ProposedBy, params.Type, params.Amount, params.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Proposal{}, ErrPendingProposalExists
		}
		return Proposal{}, fmt.Errorf("dispute: insert proposal: %w", err)
	}
	return rec, nil
}

// GetProposalForUpdate fetches a proposal row under FOR UPDATE.
func (r *Repository) GetProposalForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error) {
	rec, err := scanProposal(tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM dispute_proposals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrProposalNotFound
		}
		return Proposal{}, fmt.Errorf("dispute: get proposal for update: %w", err)
	}
	return rec, nil
}

// SetProposalStatus records the counterparty's one-shot answer. Only a
// pending row matches, so of two concurrent responders exactly one
// succeeds and the other observes ErrProposalResolved.
func (r *Repository) SetProposalStatus(ctx context.Context, tx pgx.Tx, id string, status ProposalStatus) (Proposal, error) {
	const updateSQL = `
UPDATE dispute_proposals
SET status = $2::proposal_status, responded_at = get_tx_timestamp()
WHERE id = $1 AND status = 'pending'
RETURNING ` + proposalColumns

	rec, err := scanProposal(tx.QueryRow(ctx, updateSQL, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrProposalResolved
		}
		return Proposal{}, fmt.Errorf("dispute: set proposal status: %w", err)
	}
	return rec, nil
}

// ExpireProposal marks an unanswered proposal expired. Idempotent: expiring
// a proposal that already left pending is a no-op and reports false.
func (r *Repository) ExpireProposal(ctx context.Context, q txn.Queryer, id string) (bool, error) {
	tag, err := q.Exec(ctx, `
UPDATE dispute_proposals
SET status = 'expired', responded_at = get_tx_timestamp()
WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("dispute: expire proposal: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListProposals returns the dispute's proposals, newest first.
func (r *Repository) ListProposals(ctx context.Context, q txn.Queryer, disputeID string) ([]Proposal, error) {
	rows, err := q.Query(ctx, `SELECT `+proposalColumns+` FROM dispute_proposals WHERE dispute_id = $1 ORDER BY created_at DESC`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list proposals: %w", err)
	}
	defer rows.Close()

	out := make([]Proposal, 0, 4)
	for rows.Next() {
		rec, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan proposal: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate proposals: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.TransactionID,
		&rec.DisputingParty,
		&rec.Reason,
		&rec.Description,
		&rec.Evidence,
		&rec.Status,
		&rec.ResolutionNotes,
		&rec.ReleasedAmount,
		&rec.RefundedAmount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var rec Proposal
	err := row.Scan(
		&rec.ID,
		&rec.DisputeID,
		&rec.ProposedBy,
		&rec.Type,
		&rec.Amount,
		&rec.Description,
		&rec.Status,
		&rec.CreatedAt,
		&rec.RespondedAt,
	)
	if err != nil {
		return Proposal{}, err
	}
	return rec, nil
}
