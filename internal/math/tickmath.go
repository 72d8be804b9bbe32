package math

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	q128       = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	maxUint256 = new(uint256.Int).Not(uint256.NewInt(0))

	// sqrt(1.0001)^(-2^i) in Q128, i = 1..19
	tickRatios = [...]*uint256.Int{
		uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
		uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
		uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
		uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
		uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
		uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
		uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
		uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
		uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
		uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
		uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	}
	tickRatioOdd = uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001")
)

// SqrtPriceAtTick returns sqrt(1.0001^tick) as a Q64.96, rounded up.
func SqrtPriceAtTick(tick int32) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("tick %d out of range [%d, %d]", tick, MinTick, MaxTick)
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(uint256.Int).Set(q128)
	if absTick&1 != 0 {
		ratio.Set(tickRatioOdd)
	}
	for i, c := range tickRatios {
		if absTick&(1<<uint(i+1)) != 0 {
			ratio.Mul(ratio, c)
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128 -> Q96, rounding up
	roundUp := ratio.Uint64()&0xffffffff != 0
	ratio.Rsh(ratio, 32)
	if roundUp {
		ratio.AddUint64(ratio, 1)
	}
	return ratio, nil
}

// Convert0to1 converts an amount of token0 into token1 at sqrtPriceX96.
func Convert0to1(amount *big.Int, sqrtPriceX96 *uint256.Int, mode RoundingMode) *big.Int {
	sp := sqrtPriceX96.ToBig()
	num := getInt()
	defer putInt(num)
	num.Mul(amount, sp)
	num.Mul(num, sp)
	return DivRound(num, Q192, mode)
}

// Convert1to0 converts an amount of token1 into token0 at sqrtPriceX96.
func Convert1to0(amount *big.Int, sqrtPriceX96 *uint256.Int, mode RoundingMode) *big.Int {
	sp := sqrtPriceX96.ToBig()
	den := getInt()
	defer putInt(den)
	den.Mul(sp, sp)
	return MulDiv(amount, Q192, den, mode)
}

// Amount0ForLiquidity returns L * (sqrtB - sqrtA) / (sqrtA * sqrtB) in Q96 terms.
func Amount0ForLiquidity(sqrtA, sqrtB *uint256.Int, liquidity *big.Int, mode RoundingMode) *big.Int {
	a, b := sqrtA.ToBig(), sqrtB.ToBig()
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	if a.Sign() == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(liquidity, Q96)
	num.Mul(num, new(big.Int).Sub(b, a))
	den := new(big.Int).Mul(a, b)
	return DivRound(num, den, mode)
}

// Amount1ForLiquidity returns L * (sqrtB - sqrtA) / Q96.
func Amount1ForLiquidity(sqrtA, sqrtB *uint256.Int, liquidity *big.Int, mode RoundingMode) *big.Int {
	a, b := sqrtA.ToBig(), sqrtB.ToBig()
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	return MulDiv(liquidity, new(big.Int).Sub(b, a), Q96, mode)
}

// AmountsForLiquidity returns the token amounts held by liquidity over
// [tickLower, tickUpper] when the pool price is sqrtPriceX96.
func AmountsForLiquidity(sqrtPriceX96 *uint256.Int, tickLower, tickUpper int32, liquidity *big.Int, mode RoundingMode) (*big.Int, *big.Int, error) {
	if tickLower >= tickUpper {
		return nil, nil, fmt.Errorf("invalid range [%d, %d]", tickLower, tickUpper)
	}
	sqrtA, err := SqrtPriceAtTick(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtB, err := SqrtPriceAtTick(tickUpper)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case sqrtPriceX96.Cmp(sqrtA) <= 0:
		return Amount0ForLiquidity(sqrtA, sqrtB, liquidity, mode), new(big.Int), nil
	case sqrtPriceX96.Cmp(sqrtB) < 0:
		return Amount0ForLiquidity(sqrtPriceX96, sqrtB, liquidity, mode),
			Amount1ForLiquidity(sqrtA, sqrtPriceX96, liquidity, mode), nil
	default:
		return new(big.Int), Amount1ForLiquidity(sqrtA, sqrtB, liquidity, mode), nil
	}
}

// NotionalsForLiquidity returns the amount of each token the liquidity represents
// over its whole range: token0 when the price is below the range, token1 above it.
func NotionalsForLiquidity(tickLower, tickUpper int32, liquidity *big.Int, mode RoundingMode) (*big.Int, *big.Int, error) {
	if tickLower >= tickUpper {
		return nil, nil, fmt.Errorf("invalid range [%d, %d]", tickLower, tickUpper)
	}
	sqrtA, err := SqrtPriceAtTick(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtB, err := SqrtPriceAtTick(tickUpper)
	if err != nil {
		return nil, nil, err
	}
	return Amount0ForLiquidity(sqrtA, sqrtB, liquidity, mode), Amount1ForLiquidity(sqrtA, sqrtB, liquidity, mode), nil
}
