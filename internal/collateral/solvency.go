package collateral

import (
	"math/big"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// Account is everything solvency needs to know about one account in one market.
type Account struct {
	Balance      [2]*big.Int // asset value of the account's shares
	Positions    []*state.Position
	Utilization  [2]int64    // current pool utilization (ppm)
	LongPremium  [2]*big.Int // unsettled premium the account owes
	ShortPremium [2]*big.Int // unsettled premium the account is owed
	InterestOwed [2]*big.Int
}

// Evaluation is the solvency outcome at one tick.
type Evaluation struct {
	Tick     int32
	Balance  [2]*big.Int // including short premium
	Required [2]*big.Int // including long premium and unpaid interest
	Surplus  [2]*big.Int // scaled surplus available to the other token
	Solvent  bool
}

// Evaluate checks the account at one tick with cross-margining: each token's
// surplus, scaled by the cross buffer and never more than the surplus itself,
// may cover the other token's requirement at the tick's price.
func Evaluate(acct *Account, tick int32, safeMode bool, p *state.RiskParams) (*Evaluation, error) {
	required, err := RequiredCollateral(acct.Positions, tick, safeMode, p)
	if err != nil {
		return nil, err
	}
	sqrtPrice, err := fpmath.SqrtPriceAtTick(tick)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{Tick: tick}
	for t := 0; t < 2; t++ {
		ev.Balance[t] = new(big.Int).Add(orZero(acct.Balance[t]), orZero(acct.ShortPremium[t]))
		ev.Required[t] = new(big.Int).Add(required[t], orZero(acct.LongPremium[t]))
		ev.Required[t].Add(ev.Required[t], orZero(acct.InterestOwed[t]))

		surplus := fpmath.NonNegative(new(big.Int).Sub(ev.Balance[t], ev.Required[t]))
		scaled := fpmath.MulRatio(surplus, CrossBuffer(acct.Utilization[t], safeMode, p), fpmath.RoundDown)
		ev.Surplus[t] = fpmath.Min(scaled, surplus)
	}

	cover0 := new(big.Int).Add(ev.Balance[0], fpmath.Convert1to0(ev.Surplus[1], sqrtPrice, fpmath.RoundDown))
	cover1 := new(big.Int).Add(ev.Balance[1], fpmath.Convert0to1(ev.Surplus[0], sqrtPrice, fpmath.RoundDown))
	ev.Solvent = cover0.Cmp(ev.Required[0]) >= 0 && cover1.Cmp(ev.Required[1]) >= 0
	return ev, nil
}

// IsSolvent evaluates every tick and is true only if the account is solvent
// at all of them. The returned evaluations stop at the first failing tick.
func IsSolvent(acct *Account, ticks []int32, safeMode bool, p *state.RiskParams) (bool, []*Evaluation, error) {
	evals := make([]*Evaluation, 0, len(ticks))
	for _, tick := range ticks {
		ev, err := Evaluate(acct, tick, safeMode, p)
		if err != nil {
			return false, evals, err
		}
		evals = append(evals, ev)
		if !ev.Solvent {
			return false, evals, nil
		}
	}
	return true, evals, nil
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
