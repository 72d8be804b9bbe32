// Package premium tracks the fee premium long legs owe and short legs earn
// on each liquidity range, and settles it through the range's escrow.
package premium

import (
	"math/big"

	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/holiman/uint256"
)

// MaxAccumulator is the largest value an accumulator generation holds.
var MaxAccumulator = fpmath.MaxUint(fpmath.Bits128)

// AddSaturating adds delta to acc. A sum past MaxAccumulator seals the
// current generation at the cap and carries the excess into a new one, so the
// accumulator keeps crediting after it saturates. Every sealed generation
// holds exactly MaxAccumulator, so only the count is kept. Returns the number
// of generations sealed. On error acc is unchanged.
func AddSaturating(acc *state.Accumulator, delta *big.Int) (uint64, error) {
	if delta.Sign() <= 0 {
		return 0, nil
	}
	next := new(big.Int).Add(acc.Value.ToBig(), delta)
	if next.Cmp(MaxAccumulator) <= 0 {
		acc.Value = uint256.MustFromBig(next)
		return 0, nil
	}

	// seal k generations, leaving a remainder in (0, MaxAccumulator]
	k, rem := new(big.Int).QuoRem(next, MaxAccumulator, new(big.Int))
	if rem.Sign() == 0 {
		k.Sub(k, big.NewInt(1))
		rem.Set(MaxAccumulator)
	}
	generation := new(big.Int).Add(new(big.Int).SetUint64(acc.Generation), k)
	if !generation.IsUint64() {
		return 0, ledgererr.NewOverflow("accumulatorGeneration", generation, 64)
	}
	acc.Generation = generation.Uint64()
	acc.Value = uint256.MustFromBig(rem)
	return k.Uint64(), nil
}

// Growth returns how far acc has moved since mark, summed across generations.
func Growth(acc state.Accumulator, mark state.PremiumMark) *big.Int {
	if mark.Value == nil || mark.Generation > acc.Generation {
		return new(big.Int)
	}
	if mark.Generation == acc.Generation {
		return fpmath.NonNegative(new(big.Int).Sub(acc.Value.ToBig(), mark.Value))
	}
	// rest of the mark's generation, the full ones between, then the open one
	between := new(big.Int).SetUint64(acc.Generation - mark.Generation - 1)
	growth := fpmath.NonNegative(new(big.Int).Sub(MaxAccumulator, mark.Value))
	growth.Add(growth, between.Mul(between, MaxAccumulator))
	return growth.Add(growth, acc.Value.ToBig())
}

// Accrued converts accumulator growth since mark into a token amount for liquidity.
func Accrued(acc state.Accumulator, mark state.PremiumMark, liquidity *big.Int) *big.Int {
	growth := Growth(acc, mark)
	growth.Mul(growth, liquidity)
	return growth.Rsh(growth, 64)
}
