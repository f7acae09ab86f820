package dispute

import "time"

// Status represents the dispute lifecycle. resolved and escalated are
// terminal for the dispute itself; an escalated dispute is closed out by
// the external arbiter.
type Status string

const (
	StatusActive    Status = "active"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

// Record mirrors the disputes table. ReleasedAmount/RefundedAmount are set
// exactly once, on resolution, and always conserve the escrowed pool.
type Record struct {
	ID              string
	TransactionID   string
	DisputingParty  string
	Reason          string
	Description     string
	Evidence        []string
	Status          Status
	ResolutionNotes *string
	ReleasedAmount  *int64
	RefundedAmount  *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

// ProposalType is the direction and extent of a suggested fund split. A
// party may only propose moving funds toward the counterparty: buyers
// release, sellers refund.
type ProposalType string

const (
	TypeReleaseFull    ProposalType = "release_full"
	TypeReleasePartial ProposalType = "release_partial"
	TypeRefundFull     ProposalType = "refund_full"
	TypeRefundPartial  ProposalType = "refund_partial"
)

// Partial reports whether the type requires an explicit amount.
func (t ProposalType) Partial() bool {
	return t == TypeReleasePartial || t == TypeRefundPartial
}

// Valid reports whether t is a known proposal type.
func (t ProposalType) Valid() bool {
	switch t {
	case TypeReleaseFull, TypeReleasePartial, TypeRefundFull, TypeRefundPartial:
		return true
	default:
		return false
	}
}

// ProposalStatus is the lifecycle of a single proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// Proposal mirrors the dispute_proposals table. At most one pending
// proposal exists per dispute at any time.
type Proposal struct {
	ID          string
	DisputeID   string
	ProposedBy  string
	Type        ProposalType
	Amount      *int64
	Description *string
	Status      ProposalStatus
	CreatedAt   time.Time
	RespondedAt *time.Time
}

// Split is a finalised fund distribution for a resolved dispute.
type Split struct {
	ReleasedToSeller int64
	RefundedToBuyer  int64
}
