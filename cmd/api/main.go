package main

import (
	"context"
	"log"
	"os"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escalation"
	"escrowflow/txn"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	guard := escalation.NewGuard()
	txnRepo := txn.NewRepository()
	contractRepo := contract.NewRepository()

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	contractService := contract.NewService(pool, contractRepo, txnRepo, guard)
	txnService := txn.NewService(pool, txnRepo).WithContractSource(contractService)
	disputeService := dispute.NewService(pool, dispute.NewRepository(), txnRepo, contractRepo, guard)

	log.Printf("escrow core ready: auth=%v txn=%v contract=%v dispute=%v",
		authService != nil, txnService != nil, contractService != nil, disputeService != nil)
}
