package math

import "math/big"

var (
	// ln(2) in WAD
	ln2Wad = big.NewInt(693_147_180_559_945_309)
	// ln(1e-18) in WAD; below this e^x rounds to zero
	lnWeiWad, _ = new(big.Int).SetString("-41446531673892822312", 10)
	// inputs above this are capped
	wexpUpperBound, _ = new(big.Int).SetString("93859467695000404319", 10)

	twoWad   = new(big.Int).Mul(big.NewInt(2), WAD)
	threeWad = new(big.Int).Mul(big.NewInt(3), WAD)
)

// WTaylorCompounded returns e^(rate*elapsed) - 1 in WAD using the first three
// terms of the Taylor expansion. rate is a per-second WAD rate.
func WTaylorCompounded(rate, elapsed *big.Int) *big.Int {
	first := new(big.Int).Mul(rate, elapsed)
	second := MulDiv(first, first, twoWad, RoundDown)
	third := MulDiv(second, first, threeWad, RoundDown)

	result := new(big.Int).Add(first, second)
	return result.Add(result, third)
}

// WExp returns e^x in WAD for a signed WAD exponent. Accuracy is a second order
// expansion around the nearest multiple of ln 2.
func WExp(x *big.Int) *big.Int {
	if x.Cmp(lnWeiWad) < 0 {
		return new(big.Int)
	}
	capped := x
	if x.Cmp(wexpUpperBound) > 0 {
		capped = wexpUpperBound
	}

	// q = round(x / ln2), truncating after a half-step adjustment
	adjustment := new(big.Int).Rsh(ln2Wad, 1)
	if capped.Sign() < 0 {
		adjustment.Neg(adjustment)
	}
	q := new(big.Int).Add(capped, adjustment)
	q.Quo(q, ln2Wad)

	// r = x - q*ln2, |r| <= ln2/2
	r := new(big.Int).Mul(q, ln2Wad)
	r.Sub(capped, r)

	// e^r ~ 1 + r + r^2/2
	expR := new(big.Int).Mul(r, r)
	expR.Quo(expR, WAD)
	expR.Quo(expR, big.NewInt(2))
	expR.Add(expR, r)
	expR.Add(expR, WAD)

	if q.Sign() >= 0 {
		return expR.Lsh(expR, uint(q.Uint64()))
	}
	shift := new(big.Int).Neg(q)
	return expR.Rsh(expR, uint(shift.Uint64()))
}
