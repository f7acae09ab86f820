package escrow

import (
	"fmt"

	"escrowflow/fault"
)

// FeeRateBps is the platform fee charged on the agreed amount, in basis
// points. 100 bps = 1%.
const FeeRateBps = 100

// ErrInvalidSplit signals a release/refund pair that does not conserve the
// escrowed amount. It is the single conservation guardrail: no fund movement
// may be finalised without passing ValidateSplit.
var ErrInvalidSplit = fault.New(fault.KindInvariantViolation, "escrow: split does not conserve escrowed amount")

// Fee returns the platform fee for the given total, rounded down to whole
// currency units.
func Fee(total int64) int64 {
	if total <= 0 {
		return 0
	}
	return total * FeeRateBps / 10_000
}

// Amount returns the escrowed pool for the given total: the total minus the
// platform fee. This is the value subject to release/refund on resolution.
func Amount(total int64) int64 {
	if total <= 0 {
		return 0
	}
	return total - Fee(total)
}

// ValidateSplit checks that releasing releasedToSeller and refunding
// refundedToBuyer exactly exhausts the escrowed total with no negative leg.
func ValidateSplit(total, releasedToSeller, refundedToBuyer int64) error {
	if releasedToSeller < 0 || refundedToBuyer < 0 {
		return fmt.Errorf("%w: released=%d refunded=%d", ErrInvalidSplit, releasedToSeller, refundedToBuyer)
	}
	if releasedToSeller+refundedToBuyer != total {
		return fmt.Errorf("%w: released=%d refunded=%d total=%d", ErrInvalidSplit, releasedToSeller, refundedToBuyer, total)
	}
	return nil
}

// EffectiveAmount resolves the amount governing a transaction: the active
// contract's negotiated amount when one is carried, otherwise the nominal
// transaction amount. Callers must never read the raw transaction amount
// directly, because a revision may have changed the agreed price.
func EffectiveAmount(transactionAmount int64, contractAmount *int64) int64 {
	if contractAmount != nil {
		return *contractAmount
	}
	return transactionAmount
}
