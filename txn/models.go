package txn

import "time"

// Status is the persisted lifecycle state of a transaction.
type Status string

const (
	StatusCreated          Status = "created"
	StatusContractAccepted Status = "contract_accepted"
	StatusPaymentMade      Status = "payment_made"
	StatusWorkCompleted    Status = "work_completed"
	StatusCompleted        Status = "completed"
	StatusDisputed         Status = "disputed"
	StatusEscalated        Status = "escalated"

	// StatusContractRejected is a read-time overlay, never stored: it is
	// derived from the active contract being rejected and disappears once a
	// revision supersedes it. Write paths operate on the underlying status
	// and must ignore it.
	StatusContractRejected Status = "contract_rejected"
)

// Transaction mirrors the transactions table columns touched by the core.
type Transaction struct {
	ID             string
	BuyerID        string
	SellerID       string
	Title          string
	Amount         int64
	Description    string
	DeliveryDate   *time.Time
	DisputeDetails *string
	HasEvidence    bool
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsParty reports whether actorID is the buyer or the seller.
func (t Transaction) IsParty(actorID string) bool {
	return actorID != "" && (actorID == t.BuyerID || actorID == t.SellerID)
}

// Counterparty returns the other party of the transaction. It returns the
// empty string when actorID is not a party.
func (t Transaction) Counterparty(actorID string) string {
	switch actorID {
	case t.BuyerID:
		return t.SellerID
	case t.SellerID:
		return t.BuyerID
	default:
		return ""
	}
}

// ActiveContractInfo is the slice of the active contract the lifecycle needs
// to derive effective status and amount. The contract package supplies it;
// declaring it here keeps the dependency pointing contract -> txn.
type ActiveContractInfo struct {
	ID       string
	Status   string
	Amount   *int64
	Rejected bool
}

// View is a transaction with the reader-facing derivations resolved. All
// consumers must go through View rather than the raw row so stale statuses
// are never shown.
type View struct {
	Transaction
	EffectiveStatus Status
	EffectiveAmount int64
	ActiveContract  *ActiveContractInfo
}
