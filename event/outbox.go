package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Outbox topics consumed by the notification service. Delivery is
// fire-and-forget: rows are written in the same database transaction as the
// state change and drained out of band, so a delivery failure can never roll
// back core state.
const (
	TopicContractSent         = "contract.sent"
	TopicContractResponded    = "contract.responded"
	TopicDisputeOpened        = "dispute.opened"
	TopicProposalCreated      = "dispute.proposal_created"
	TopicProposalResolved     = "dispute.proposal_resolved"
	TopicTransactionCompleted = "transaction.completed"
	TopicTransactionEscalated = "transaction.escalated"
)

// Execer is the slice of pgx.Tx the helpers need, kept narrow so callers can
// pass a transaction or a pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue appends an outbox message inside the caller's transaction. Every
// message carries an event_id so consumers can deduplicate across redelivery.
func Enqueue(ctx context.Context, tx Execer, topic string, payload map[string]any) error {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["event_id"] = uuid.NewString()
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}

// AppendTimeline records an immutable business event for a transaction in
// the caller's transaction. The seq column is assigned by the database and
// strictly increases per transaction.
func AppendTimeline(ctx context.Context, tx Execer, transactionID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	const q = `
INSERT INTO timeline_events (transaction_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, transactionID, eventType, body, actor); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}

var _ Execer = (pgx.Tx)(nil)
