// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision of a display unit
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	WadConfig   = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000} // borrow index, rates
	RatioConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                  // collateral ratios, utilization (ppm)
)

const (
	// RatioScale is the denominator of every ppm ratio (utilization, collateral ratios, fees).
	RatioScale int64 = 1_000_000
)

var (
	one = big.NewInt(1)

	// WAD is 1e18, the unit of borrow indices and per-second rates.
	WAD = big.NewInt(1_000_000_000_000_000_000)

	// Q64 and Q96 are the binary fixed point units of premium accumulators and sqrt prices.
	Q64  = new(big.Int).Lsh(big.NewInt(1), 64)
	Q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	Q192 = new(big.Int).Lsh(big.NewInt(1), 192)

	ratioScaleBig = big.NewInt(RatioScale)
)

// Wide intermediates are pooled; callers never hold a pooled value past return.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

// DivRound returns numerator / denominator rounded per mode. Panics on a zero denominator;
// callers guard every division whose denominator can legitimately reach zero.
func DivRound(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	if denominator.Sign() == 0 {
		panic("math: division by zero")
	}

	quotient := new(big.Int)
	remainder := getInt()
	defer putInt(remainder)

	// QuoRem truncates toward zero
	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	negative := (numerator.Sign() < 0) != (denominator.Sign() < 0)

	switch mode {
	case RoundDown:
		if negative {
			quotient.Sub(quotient, one)
		}
	case RoundUp:
		if !negative {
			quotient.Add(quotient, one)
		}
	default:
		twice := getInt()
		absDenom := getInt()
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		absDenom.Abs(denominator)
		cmp := twice.Cmp(absDenom)
		putInt(twice)
		putInt(absDenom)

		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			if negative {
				quotient.Sub(quotient, one)
			} else {
				quotient.Add(quotient, one)
			}
		}
	}

	return quotient
}

// MulDiv computes a * b / d in full precision with a single rounding step.
func MulDiv(a, b, d *big.Int, mode RoundingMode) *big.Int {
	product := getInt()
	defer putInt(product)
	product.Mul(a, b)
	return DivRound(product, d, mode)
}

// MulWad computes a * b / WAD.
func MulWad(a, b *big.Int, mode RoundingMode) *big.Int {
	return MulDiv(a, b, WAD, mode)
}

// DivWad computes a * WAD / b.
func DivWad(a, b *big.Int, mode RoundingMode) *big.Int {
	return MulDiv(a, WAD, b, mode)
}

// MulRatio applies a ppm ratio: amount * ratio / 1_000_000.
func MulRatio(amount *big.Int, ratio int64, mode RoundingMode) *big.Int {
	return MulDiv(amount, big.NewInt(ratio), ratioScaleBig, mode)
}

// RatioToWad converts a ppm ratio to WAD.
func RatioToWad(ratio int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(ratio), big.NewInt(1_000_000_000_000))
}

// Min returns a fresh copy of the smaller operand.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns a fresh copy of the larger operand.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// NonNegative clamps x at zero.
func NonNegative(x *big.Int) *big.Int {
	if x.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Abs(d)
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi *big.Int) *big.Int {
	if x.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if x.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return new(big.Int).Set(x)
}
