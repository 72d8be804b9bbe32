package ledger

import (
	"sort"

	"MarginLedger/internal/ledgererr"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return ledgererr.NewInvariant("batch_balanced", "%v", err)
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum in every asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	assets := make([]string, 0, len(totals))
	for asset := range totals {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		if totals[asset].Sign() != 0 {
			return ledgererr.NewInvariant("ledger_zero_sum", "global balance for %s is non-zero: %s", asset, totals[asset])
		}
	}

	return nil
}

// ValidateEscrowNonNegative checks a market's premium escrow never pays out
// more than it received.
func (v *InvariantValidator) ValidateEscrowNonNegative(asset string) error {
	key := NewSystemAccountKey(SubTypeSystemPremiumEscrow, asset)
	if bal := v.tracker.GetBalance(key); bal.Sign() < 0 {
		return ledgererr.NewInvariant("escrow_non_negative", "%s: %s", key.AccountPath(), bal)
	}
	return nil
}
