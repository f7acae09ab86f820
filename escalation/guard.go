// Package escalation centralises the escalated-case freeze consulted by
// every negotiation mutation. Once a dispute on a transaction is escalated,
// contract sends/revisions and proposal traffic stop until the external
// arbiter resolves the case.
package escalation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/fault"
)

// ErrBlocked signals a negotiation operation attempted while the
// transaction is under arbiter control.
var ErrBlocked = fault.New(fault.KindBlockedByEscalation, "escalation: transaction is escalated; negotiation is frozen")

// Queryer is the read surface the guard needs; pgx.Tx and *pgxpool.Pool
// both satisfy it, so the check runs inside the caller's locked transaction.
type Queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Guard reports whether a transaction is frozen by escalation.
type Guard interface {
	IsEscalated(ctx context.Context, q Queryer, transactionID string) (bool, error)
}

// PGGuard derives the freeze from the disputes table.
type PGGuard struct{}

func NewGuard() PGGuard { return PGGuard{} }

func (PGGuard) IsEscalated(ctx context.Context, q Queryer, transactionID string) (bool, error) {
	var escalated bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE transaction_id = $1 AND status = 'escalated')`,
		transactionID).Scan(&escalated)
	if err != nil {
		return false, fmt.Errorf("escalation: check guard: %w", err)
	}
	return escalated, nil
}

// Check is a convenience that turns a positive guard read into ErrBlocked.
func Check(ctx context.Context, g Guard, q Queryer, transactionID string) error {
	escalated, err := g.IsEscalated(ctx, q, transactionID)
	if err != nil {
		return err
	}
	if escalated {
		return ErrBlocked
	}
	return nil
}
