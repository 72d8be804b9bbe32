package math

import (
	"math/big"

	"MarginLedger/internal/ledgererr"

	"github.com/holiman/uint256"
)

// Declared field widths. Every narrowing goes through the checked helpers below.
const (
	Bits104 uint = 104
	Bits128 uint = 128
	Bits256 uint = 256
)

// MaxUint returns 2^bits - 1.
func MaxUint(bits uint) *big.Int {
	m := new(big.Int).Lsh(one, bits)
	return m.Sub(m, one)
}

// MaxInt returns 2^(bits-1) - 1.
func MaxInt(bits uint) *big.Int {
	m := new(big.Int).Lsh(one, bits-1)
	return m.Sub(m, one)
}

// MinInt returns -2^(bits-1).
func MinInt(bits uint) *big.Int {
	m := new(big.Int).Lsh(one, bits-1)
	return m.Neg(m)
}

// CheckUint fails when x is negative or wider than bits.
func CheckUint(field string, x *big.Int, bits uint) error {
	if x == nil || x.Sign() < 0 || x.BitLen() > int(bits) {
		return ledgererr.NewOverflow(field, x, bits)
	}
	return nil
}

// CheckInt fails when x falls outside the two's complement range of bits.
func CheckInt(field string, x *big.Int, bits uint) error {
	if x == nil || x.Cmp(MaxInt(bits)) > 0 || x.Cmp(MinInt(bits)) < 0 {
		return ledgererr.NewOverflow(field, x, bits)
	}
	return nil
}

// ClampInt saturates x into the signed range of bits. Used only where the
// saturated value is the intended result (bonus magnitudes).
func ClampInt(x *big.Int, bits uint) *big.Int {
	return Clamp(x, MinInt(bits), MaxInt(bits))
}

// ToU256 narrows a non-negative big.Int into a uint256 word.
func ToU256(field string, x *big.Int) (*uint256.Int, error) {
	if x == nil || x.Sign() < 0 {
		return nil, ledgererr.NewOverflow(field, x, Bits256)
	}
	v, overflow := uint256.FromBig(x)
	if overflow {
		return nil, ledgererr.NewOverflow(field, x, Bits256)
	}
	return v, nil
}

// ToU256Bits narrows into a uint256 word and additionally enforces a narrower declared width.
func ToU256Bits(field string, x *big.Int, bits uint) (*uint256.Int, error) {
	if err := CheckUint(field, x, bits); err != nil {
		return nil, err
	}
	return ToU256(field, x)
}

// U256 widens a uint256 word back to big.Int. A nil word reads as zero.
func U256(x *uint256.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x.ToBig()
}
