package interest

import (
	"fmt"
	"math/big"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// Accrual describes one index update of a pool.
type Accrual struct {
	Pool         state.PoolKey
	PrevIndex    *big.Int
	NewIndex     *big.Int
	Rate         *big.Int // per-second borrow rate applied
	RateAtTarget uint64
	Interest     *big.Int // added to unrealized interest and total assets
	Elapsed      int64    // seconds
	Skipped      bool     // same epoch, nothing changed
}

// Accrue brings a pool's borrow index up to timestamp. Calls inside the epoch
// of the last accrual change nothing. On error neither ms nor v is modified.
func Accrue(ms *state.MarketState, v *state.Vault, timestamp int64, p state.IRMParams) (*Accrual, error) {
	epoch := state.EpochOf(timestamp)
	result := &Accrual{
		Pool:         v.Pool,
		PrevIndex:    ms.BorrowIndex(),
		NewIndex:     ms.BorrowIndex(),
		Rate:         new(big.Int),
		RateAtTarget: ms.RateAtTarget(),
		Interest:     new(big.Int),
	}
	if epoch <= ms.Epoch() {
		result.Skipped = true
		return result, nil
	}
	result.Elapsed = int64(epoch-ms.Epoch()) << state.EpochShift

	quote := BorrowRate(v.UtilizationWad(), new(big.Int).SetUint64(ms.RateAtTarget()), result.Elapsed, p)

	next := ms.Clone()
	if err := next.SetEpoch(epoch); err != nil {
		return nil, err
	}
	if !quote.EndRateAtTarget.IsUint64() {
		return nil, fpmath.CheckUint("rateAtTarget", quote.EndRateAtTarget, state.RateAtTargetBits)
	}
	if err := next.SetRateAtTarget(quote.EndRateAtTarget.Uint64()); err != nil {
		return nil, err
	}

	growth := fpmath.WTaylorCompounded(quote.Rate, big.NewInt(result.Elapsed))
	interest, err := ApplyCompounding(next, v.AssetsInAMM, growth)
	if err != nil {
		return nil, fmt.Errorf("accrue %s: %w", v.Pool, err)
	}

	*ms = *next
	v.AddTrackedTotal(interest)

	result.NewIndex = ms.BorrowIndex()
	result.Rate = quote.Rate
	result.RateAtTarget = ms.RateAtTarget()
	result.Interest = interest
	return result, nil
}

// ApplyCompounding grows the index by (1 + growth) and adds the matching
// interest on deployed assets and on unpaid interest. It uses the same
// multiplicative basis as InterestOwed so the pool total never falls behind
// the sum of its borrowers.
func ApplyCompounding(ms *state.MarketState, assetsInAMM, growth *big.Int) (*big.Int, error) {
	index := ms.BorrowIndex()
	factor := new(big.Int).Add(fpmath.WAD, growth)
	newIndex := fpmath.MulWad(index, factor, fpmath.RoundUp)

	delta := new(big.Int).Sub(newIndex, index)
	unrealized := ms.UnrealizedInterest()
	basis := new(big.Int).Add(assetsInAMM, unrealized)
	interest := fpmath.MulDiv(basis, delta, index, fpmath.RoundUp)

	if err := fpmath.CheckUint("unrealizedInterest", new(big.Int).Add(unrealized, interest), state.UnrealizedInterestBits); err != nil {
		return nil, err
	}
	if err := ms.SetBorrowIndex(newIndex); err != nil {
		return nil, err
	}
	if err := ms.SetUnrealizedInterest(unrealized.Add(unrealized, interest)); err != nil {
		return nil, err
	}
	return interest, nil
}
