package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ContractSender tries to create competing active contracts for the same
// transaction concurrently. The partial unique index must let exactly one
// through at a time.
func ContractSender(ctx context.Context, pool *pgxpool.Pool, transactionID, creatorID, recipientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO contracts (transaction_id, created_by, recipient_id, content, status)
                                   VALUES ($1,$2,$3,'stress terms','awaiting_acceptance')`,
			transactionID, creatorID, recipientID)
		if err != nil && !uniqueViolation(err) {
			return fmt.Errorf("contract sender insert: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// ContractResponder answers awaiting contracts, locking the row first so
// concurrent responders get at most one winner per contract. Rejecting
// deactivates the contract so the sender keeps finding room.
func ContractResponder(ctx context.Context, pool *pgxpool.Pool, transactionID, responderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var contractID string
		err = tx.QueryRow(ctx, `SELECT id FROM contracts
                                WHERE transaction_id=$1 AND status='awaiting_acceptance'
                                LIMIT 1 FOR UPDATE SKIP LOCKED`, transactionID).Scan(&contractID)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE contracts
                                   SET status='rejected', responded_at=now(), is_active=false
                                   WHERE id=$1 AND status='awaiting_acceptance'`, contractID)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (transaction_id, type, actor_id, payload)
                                     VALUES ($1,'CONTRACT_RESPONDED',$2, jsonb_build_object('contract_id',$3))`,
					transactionID, responderID, contractID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                     VALUES ('contract.responded', jsonb_build_object('contract_id',$1))`, contractID)
			}
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			_ = tx.Commit(ctx)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Proposer floods the dispute with pending proposals. The one-pending index
// must reject all but one at a time.
func Proposer(ctx context.Context, pool *pgxpool.Pool, disputeID, proposerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO dispute_proposals (dispute_id, proposed_by, proposal_type, amount)
                                   VALUES ($1,$2,'release_partial',$3)`,
			disputeID, proposerID, int64(1+rand.Intn(400)))
		if err != nil && !uniqueViolation(err) {
			return fmt.Errorf("proposer insert: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(25)) * time.Millisecond)
	}
}

// ProposalResponder rejects pending proposals under lock, keeping the
// negotiation loop alive for the proposer.
func ProposalResponder(ctx context.Context, pool *pgxpool.Pool, disputeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var proposalID string
		err = tx.QueryRow(ctx, `SELECT id FROM dispute_proposals
                                WHERE dispute_id=$1 AND status='pending'
                                LIMIT 1 FOR UPDATE SKIP LOCKED`, disputeID).Scan(&proposalID)
		if err == nil {
			_, _ = tx.Exec(ctx, `UPDATE dispute_proposals
                                 SET status='rejected', responded_at=now()
                                 WHERE id=$1 AND status='pending'`, proposalID)
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Resolvers race to finish the dispute with a conserving split over the
// escrowed pool. The conditional update allows exactly one winner; the
// loser sees zero rows affected and retries until someone has won.
func Resolver(ctx context.Context, pool *pgxpool.Pool, disputeID string, escrowAmount int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		released := int64(rand.Intn(int(escrowAmount + 1)))
		refunded := escrowAmount - released
		tag, err := pool.Exec(ctx, `UPDATE disputes
                                    SET status='resolved', released_amount=$2, refunded_amount=$3,
                                        resolution_notes='stress resolution', resolved_at=now()
                                    WHERE id=$1 AND status IN ('active','escalated')`,
			disputeID, released, refunded)
		if err != nil {
			return fmt.Errorf("resolver update: %w", err)
		}
		if tag.RowsAffected() == 1 {
			_, _ = pool.Exec(ctx, `UPDATE transactions
                                   SET status='completed'
                                   WHERE id=(SELECT transaction_id FROM disputes WHERE id=$1)
                                     AND status IN ('disputed','escalated')`, disputeID)
			return nil
		}
		var status string
		if err := pool.QueryRow(ctx, `SELECT status FROM disputes WHERE id=$1`, disputeID).Scan(&status); err == nil && status == "resolved" {
			return nil
		}
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// Escalator occasionally escalates the open dispute. Once escalated, only a
// resolution finishes it, which the resolvers provide.
func Escalator(ctx context.Context, pool *pgxpool.Pool, disputeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(10) == 0 {
			_, err := pool.Exec(ctx, `UPDATE disputes SET status='escalated'
                                      WHERE id=$1 AND status='active'`, disputeID)
			if err != nil {
				return fmt.Errorf("escalator update: %w", err)
			}
			_, _ = pool.Exec(ctx, `UPDATE transactions SET status='escalated'
                                   WHERE id=(SELECT transaction_id FROM disputes WHERE id=$1)
                                     AND status='disputed'`, disputeID)
		}
		time.Sleep(time.Duration(300+rand.Intn(300)) * time.Millisecond)
	}
}

// EventWriter appends timeline events outside the services, exercising the
// per-transaction sequence ordering.
func EventWriter(ctx context.Context, pool *pgxpool.Pool, transactionID string, stop <-chan struct{}) error {
	types := []string{"NOTE_ADDED", "EVIDENCE_ATTACHED"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ty := types[rand.Intn(len(types))]
		_, err := pool.Exec(ctx, `INSERT INTO timeline_events (transaction_id, type, payload)
                                  VALUES ($1,$2,'{}'::jsonb)`, transactionID, ty)
		if err != nil {
			return fmt.Errorf("event writer insert: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox rows with SKIP LOCKED, randomly
// failing to exercise the retry counter.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending'
                                    ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Disputer tries to open extra disputes on the transaction. The one-open
// index must hold them to one.
func Disputer(ctx context.Context, pool *pgxpool.Pool, transactionID, partyID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO disputes (transaction_id, disputing_party_id, reason)
                                  VALUES ($1,$2,'stress dispute')`, transactionID, partyID)
		if err != nil && !uniqueViolation(err) {
			return fmt.Errorf("disputer insert: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
