// Package interest keeps the compounding borrow index of every pool and
// settles what each borrowing account owes against it.
package interest

import (
	"math/big"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// RateQuote is the result of evaluating the adaptive curve over one interval.
type RateQuote struct {
	Rate            *big.Int // average per-second borrow rate over the interval
	EndRateAtTarget *big.Int // rate at target to store for the next interval
	Err             *big.Int // normalized distance from target utilization (WAD, signed)
}

// BorrowRate evaluates the adaptive curve. utilization is WAD, startRateAtTarget
// is the stored rate (zero means the curve has never been used) and elapsed is
// the time since it was stored.
func BorrowRate(utilization, startRateAtTarget *big.Int, elapsed int64, p state.IRMParams) *RateQuote {
	target := big.NewInt(p.TargetUtilization)

	errNorm := target
	if utilization.Cmp(target) > 0 {
		errNorm = new(big.Int).Sub(fpmath.WAD, target)
	}
	errU := wDivToZero(new(big.Int).Sub(utilization, target), errNorm)

	var avg, end *big.Int
	if startRateAtTarget.Sign() == 0 {
		avg = big.NewInt(p.InitialRateAtTarget)
		end = big.NewInt(p.InitialRateAtTarget)
	} else {
		if elapsed > p.MaxElapsed {
			elapsed = p.MaxElapsed
		}
		speed := wMulToZero(big.NewInt(p.AdjustmentSpeed), errU)
		linear := new(big.Int).Mul(speed, big.NewInt(elapsed))
		maxAdapt := big.NewInt(p.MaxLinearAdaptation)
		linear = fpmath.Clamp(linear, new(big.Int).Neg(maxAdapt), maxAdapt)

		if linear.Sign() == 0 {
			avg = new(big.Int).Set(startRateAtTarget)
			end = new(big.Int).Set(startRateAtTarget)
		} else {
			end = newRateAtTarget(startRateAtTarget, linear, p)
			mid := newRateAtTarget(startRateAtTarget, new(big.Int).Quo(linear, big.NewInt(2)), p)
			// trapezoid over [start, mid, end]
			avg = new(big.Int).Add(startRateAtTarget, end)
			avg.Add(avg, new(big.Int).Lsh(mid, 1))
			avg.Quo(avg, big.NewInt(4))
		}
	}

	return &RateQuote{Rate: curve(avg, errU, p), EndRateAtTarget: end, Err: errU}
}

func newRateAtTarget(start, linearAdaptation *big.Int, p state.IRMParams) *big.Int {
	r := wMulToZero(start, fpmath.WExp(linearAdaptation))
	return fpmath.Clamp(r, big.NewInt(p.MinRateAtTarget), big.NewInt(p.MaxRateAtTarget))
}

// curve maps the rate at target to the rate at the current utilization:
// rateAtTarget/steepness at zero utilization, steepness*rateAtTarget at full.
func curve(rateAtTarget, errU *big.Int, p state.IRMParams) *big.Int {
	steepness := big.NewInt(p.CurveSteepness)
	var coeff *big.Int
	if errU.Sign() < 0 {
		coeff = new(big.Int).Sub(fpmath.WAD, wDivToZero(fpmath.WAD, steepness))
	} else {
		coeff = new(big.Int).Sub(steepness, fpmath.WAD)
	}
	scale := wMulToZero(coeff, errU)
	scale.Add(scale, fpmath.WAD)
	return wMulToZero(scale, rateAtTarget)
}

func wMulToZero(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Quo(r, fpmath.WAD)
}

func wDivToZero(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, fpmath.WAD)
	return r.Quo(r, b)
}
