package txn

import (
	"escrowflow/escrow"
	"escrowflow/fault"
)

// transitions enumerates the allowed persisted-status moves. The
// contract_rejected overlay never appears here: it is not a stored state.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusContractAccepted},
	StatusContractAccepted: {StatusPaymentMade},
	StatusPaymentMade:      {StatusWorkCompleted, StatusDisputed},
	StatusWorkCompleted:    {StatusCompleted, StatusDisputed},
	StatusDisputed:         {StatusCompleted, StatusEscalated},
	StatusEscalated:        {StatusCompleted},
}

// CanTransition reports whether moving from one persisted status to another
// is allowed.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a persistable status value.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusContractAccepted, StatusPaymentMade,
		StatusWorkCompleted, StatusCompleted, StatusDisputed, StatusEscalated:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further persisted transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0 && s.Valid()
}

// ErrIllegalTransition signals a status move outside the allowed set.
var ErrIllegalTransition = fault.New(fault.KindStateConflict, "txn: illegal status transition")

// Derive computes the reader-facing view of a transaction from its persisted
// row plus the active contract, if any. This is the single place the
// contract_rejected overlay is produced.
func Derive(t Transaction, active *ActiveContractInfo) View {
	v := View{
		Transaction:     t,
		EffectiveStatus: t.Status,
		EffectiveAmount: t.Amount,
		ActiveContract:  active,
	}
	if active == nil {
		return v
	}
	v.EffectiveAmount = escrow.EffectiveAmount(t.Amount, active.Amount)
	if active.Rejected {
		v.EffectiveStatus = StatusContractRejected
	}
	return v
}
