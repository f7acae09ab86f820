package contract

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/txn"
)

// TestRejectReviseAccept_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks the negotiation loop: send, reject, observe the
// rejection overlay, revise with a new amount, accept.
func TestRejectReviseAccept_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "transactions") || !tableExists(ctx, t, pool, "contracts") {
		t.Skip("database schema missing; apply migrations first")
	}

	var buyerID, sellerID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,'Iris Buyer','buyer') RETURNING id`,
		fmt.Sprintf("buyer+%d@example.com", time.Now().UnixNano())).Scan(&buyerID); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,'Sam Seller','seller') RETURNING id`,
		fmt.Sprintf("seller+%d@example.com", time.Now().UnixNano())).Scan(&sellerID); err != nil {
		t.Fatalf("seed seller: %v", err)
	}

	contractSvc := NewService(pool, nil, nil, nil)
	txnSvc := txn.NewService(pool, nil).WithContractSource(contractSvc)

	rec, err := txnSvc.Create(ctx, buyerID, txn.CreateParams{
		BuyerID: buyerID, SellerID: sellerID, Title: "Logo design", Amount: 500,
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE transaction_id = $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'transaction_id' = $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM contracts WHERE transaction_id = $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM transactions WHERE id = $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, buyerID, sellerID)
	})

	first, err := contractSvc.Send(ctx, SendParams{
		TransactionID: rec.ID, CreatorID: sellerID, RecipientID: buyerID,
		Content: "500 for the full logo package",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := "too expensive"
	if _, err := contractSvc.Respond(ctx, first.ID, buyerID, ActionReject, &msg); err != nil {
		t.Fatalf("reject: %v", err)
	}

	view, err := txnSvc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get after reject: %v", err)
	}
	if view.EffectiveStatus != txn.StatusContractRejected {
		t.Fatalf("expected contract_rejected overlay, got %s", view.EffectiveStatus)
	}

	newAmount := int64(400)
	revised, err := contractSvc.Revise(ctx, ReviseParams{
		RejectedContractID: first.ID, RevisorID: sellerID,
		Content: "400 without the brand guide", Amount: &newAmount,
		Patch: txn.RevisionPatch{Amount: &newAmount},
	})
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.RevisionNumber != 1 {
		t.Fatalf("expected revision 1, got %d", revised.RevisionNumber)
	}

	view, err = txnSvc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get after revise: %v", err)
	}
	if view.EffectiveStatus == txn.StatusContractRejected {
		t.Fatal("rejection overlay must disappear after revision")
	}
	if view.EffectiveAmount != 400 {
		t.Fatalf("expected effective amount 400, got %d", view.EffectiveAmount)
	}

	if _, err := contractSvc.Respond(ctx, revised.ID, buyerID, ActionAccept, nil); err != nil {
		t.Fatalf("accept revision: %v", err)
	}

	view, err = txnSvc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get after accept: %v", err)
	}
	if view.EffectiveStatus != txn.StatusContractAccepted {
		t.Fatalf("expected contract_accepted, got %s", view.EffectiveStatus)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
