// Package liquidation computes what an insolvent account pays its liquidator,
// claws back long premium to cover protocol loss, and settles the bonus
// against the vault with bounded dilution.
package liquidation

import (
	"errors"
	"math/big"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

// BonusBits is the signed width the settled bonus is narrowed to.
const BonusBits = 128

// ErrAccountSolvent rejects a liquidation of an account that passes the
// solvency check at every reference tick.
var ErrAccountSolvent = errors.New("account is solvent")

// BonusInput is an account's position at the liquidation price. Balance
// includes the unsettled short premium the collateral engine credited.
type BonusInput struct {
	Balance      [2]*big.Int
	Required     [2]*big.Int
	NetPaid      [2]*big.Int // signed, paid by the account to close its positions
	ShortPremium [2]*big.Int
	SqrtPriceX96 *uint256.Int
}

// BonusResult is the bonus owed to the liquidator per token and the protocol
// loss left after paying it.
type BonusResult struct {
	Bonus     [2]*big.Int // signed, within int128
	Shortfall [2]*big.Int
	Real      [2]*big.Int // balance net of short premium
	Clamped   bool        // a bonus was saturated at the int128 bounds
}

// ComputeBonus prices the liquidation bonus. The cross bonus is
// min(balance/2, required - balance) measured in token1 and split between the
// tokens by balance share. A deficit in one token after paying the bonus and
// the closing costs is covered from the other token's surplus; what remains
// is the shortfall.
func ComputeBonus(in BonusInput) *BonusResult {
	sqrtP := in.SqrtPriceX96
	b0, b1 := orZero(in.Balance[0]), orZero(in.Balance[1])

	bal0In1 := fpmath.Convert0to1(b0, sqrtP, fpmath.RoundDown)
	balanceCross := new(big.Int).Add(bal0In1, b1)
	thresholdCross := new(big.Int).Add(fpmath.Convert0to1(orZero(in.Required[0]), sqrtP, fpmath.RoundDown), orZero(in.Required[1]))

	bonus := [2]*big.Int{new(big.Int), new(big.Int)}
	if balanceCross.Sign() > 0 {
		half := new(big.Int).Rsh(balanceCross, 1)
		bonusCross := fpmath.NonNegative(fpmath.Min(half, new(big.Int).Sub(thresholdCross, balanceCross)))
		bonus[1] = fpmath.MulDiv(bonusCross, b1, balanceCross, fpmath.RoundDown)
		bonus[0] = fpmath.Convert1to0(fpmath.MulDiv(bonusCross, bal0In1, balanceCross, fpmath.RoundDown), sqrtP, fpmath.RoundDown)
	}

	res := &BonusResult{}
	paid := [2]*big.Int{}
	for t := 0; t < 2; t++ {
		res.Real[t] = new(big.Int).Sub(orZero(in.Balance[t]), fpmath.NonNegative(orZero(in.ShortPremium[t])))
		paid[t] = new(big.Int).Add(bonus[t], orZero(in.NetPaid[t]))
	}

	for t := 0; t < 2; t++ {
		o := 1 - t
		deficit := fpmath.NonNegative(new(big.Int).Sub(paid[t], res.Real[t]))
		if deficit.Sign() == 0 {
			continue
		}
		// a negative surplus is no surplus
		surplus := fpmath.NonNegative(new(big.Int).Sub(res.Real[o], paid[o]))
		if surplus.Sign() == 0 {
			continue
		}
		need := convert(t, deficit, sqrtP, fpmath.RoundUp)
		move := fpmath.Min(surplus, need)
		covered := fpmath.Min(convert(o, move, sqrtP, fpmath.RoundDown), deficit)

		bonus[o].Add(bonus[o], move)
		bonus[t].Sub(bonus[t], covered)
		paid[o].Add(paid[o], move)
		paid[t].Sub(paid[t], covered)
	}

	for t := 0; t < 2; t++ {
		res.Shortfall[t] = fpmath.NonNegative(new(big.Int).Sub(paid[t], res.Real[t]))
		clamped := fpmath.ClampInt(bonus[t], BonusBits)
		if clamped.Cmp(bonus[t]) != 0 {
			res.Clamped = true
		}
		res.Bonus[t] = clamped
	}
	return res
}

// convert moves an amount of token t into the other token at sqrtP.
func convert(t int, amount *big.Int, sqrtP *uint256.Int, mode fpmath.RoundingMode) *big.Int {
	if t == 0 {
		return fpmath.Convert0to1(amount, sqrtP, mode)
	}
	return fpmath.Convert1to0(amount, sqrtP, mode)
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
