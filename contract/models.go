package contract

import "time"

// Status represents the per-contract lifecycle. A contract receives exactly
// one response; rejected and expired are terminal for the individual
// contract (the chain continues through revisions).
type Status string

const (
	StatusDraft                   Status = "draft"
	StatusAwaitingAcceptance      Status = "awaiting_acceptance"
	StatusAcceptedAwaitingPayment Status = "accepted_awaiting_payment"
	StatusRejected                Status = "rejected"
	StatusExpired                 Status = "expired"
)

// TerminalForContract reports whether the individual contract can no longer
// change. A rejected contract stays active (and visible as the rejection
// overlay) until a revision or a fresh send supersedes it.
func (s Status) TerminalForContract() bool {
	return s == StatusRejected || s == StatusExpired
}

// ResponseAction is the recipient's one-shot answer to a contract.
type ResponseAction string

const (
	ActionAccept ResponseAction = "accept"
	ActionReject ResponseAction = "reject"
)

// Contract mirrors the contracts table. Revisions form a singly linked
// chain via ParentContractID with RevisionNumber increasing from 0.
type Contract struct {
	ID               string
	TransactionID    string
	CreatedBy        string
	RecipientID      string
	Content          string
	Amount           *int64
	Status           Status
	ResponseMessage  *string
	RespondedAt      *time.Time
	IsActive         bool
	ParentContractID *string
	RevisionNumber   int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
