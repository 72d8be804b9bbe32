package collateral

import (
	"fmt"
	"math/big"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/holiman/uint256"
)

// Notionals returns the token0 and token1 amounts a leg's liquidity spans
// over its whole range, rounded up.
func Notionals(leg state.Leg, liquidity *big.Int) ([2]*big.Int, error) {
	n0, n1, err := fpmath.NotionalsForLiquidity(leg.TickLower, leg.TickUpper, liquidity, fpmath.RoundUp)
	if err != nil {
		return [2]*big.Int{}, err
	}
	return [2]*big.Int{n0, n1}, nil
}

// LegRequirement is the collateral a single leg needs in its own token at the
// price sqrtPriceX96: the ratio share of its notional plus, for short legs,
// the in-the-money loss of the liquidity against that notional.
func LegRequirement(leg state.Leg, liquidity *big.Int, utilization int64, sqrtPriceX96 *uint256.Int, safeMode bool, p *state.RiskParams) (*big.Int, error) {
	notionals, err := Notionals(leg, liquidity)
	if err != nil {
		return nil, err
	}
	t := leg.TokenType
	ratio := Ratio(leg.IsLong, utilization, safeMode, p)
	req := fpmath.MulRatio(notionals[t], ratio, fpmath.RoundUp)
	if leg.IsLong {
		return req, nil
	}

	a0, a1, err := fpmath.AmountsForLiquidity(sqrtPriceX96, leg.TickLower, leg.TickUpper, liquidity, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	// loss uses notionals rounded the same way as the amounts so an
	// out-of-range leg shows exactly zero
	n0, n1, err := fpmath.NotionalsForLiquidity(leg.TickLower, leg.TickUpper, liquidity, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	notional, value := n0, new(big.Int)
	if t == 0 {
		value.Add(a0, fpmath.Convert1to0(a1, sqrtPriceX96, fpmath.RoundDown))
	} else {
		notional = n1
		value.Add(a1, fpmath.Convert0to1(a0, sqrtPriceX96, fpmath.RoundDown))
	}
	loss := fpmath.NonNegative(value.Sub(notional, value))
	return req.Add(req, loss), nil
}

// SpreadRequirement nets two risk-partnered legs. The discount is scaled by
// the balance of the legs in both tokens, so legs matched in one token but
// far apart in the other keep close to their split requirement. The result
// never exceeds the split requirement; when either token has no notional on
// both legs the split requirement is used.
func SpreadRequirement(split *big.Int, tokenType uint8, a, b [2]*big.Int) *big.Int {
	t, o := tokenType, 1-tokenType
	balanceT, ok := notionalBalance(a[t], b[t])
	if !ok {
		return new(big.Int).Set(split)
	}
	balanceO, ok := notionalBalance(a[o], b[o])
	if !ok {
		return new(big.Int).Set(split)
	}
	balance := fpmath.Min(balanceT, balanceO)

	diff := fpmath.AbsDiff(a[t], b[t])
	discountable := new(big.Int).Sub(split, fpmath.Min(split, diff))
	discount := fpmath.MulWad(discountable, balance, fpmath.RoundDown)
	spread := new(big.Int).Sub(split, discount)
	return fpmath.Min(split, spread)
}

// notionalBalance is min/max of two notionals in WAD, rounded down. ok is
// false when both are zero.
func notionalBalance(x, y *big.Int) (*big.Int, bool) {
	hi := fpmath.Max(x, y)
	if hi.Sign() == 0 {
		return nil, false
	}
	return fpmath.MulDiv(fpmath.Min(x, y), fpmath.WAD, hi, fpmath.RoundDown), true
}

// isSpread reports whether legs i and j form a nettable pair.
func isSpread(legs []state.Leg, i, j int) bool {
	if i == j {
		return false
	}
	a, b := legs[i], legs[j]
	return a.RiskPartner == j && b.RiskPartner == i && a.IsLong != b.IsLong && a.TokenType == b.TokenType
}

// PositionRequirement returns the per-token requirement of one position at a tick.
func PositionRequirement(pos *state.Position, sqrtPriceX96 *uint256.Int, safeMode bool, p *state.RiskParams) ([2]*big.Int, error) {
	req := [2]*big.Int{new(big.Int), new(big.Int)}
	legReq := make([]*big.Int, len(pos.Legs))
	notionals := make([][2]*big.Int, len(pos.Legs))

	for i, leg := range pos.Legs {
		liquidity, err := pos.LegLiquidity(i)
		if err != nil {
			return req, err
		}
		if legReq[i], err = LegRequirement(leg, liquidity, pos.UtilizationSnapshot[leg.TokenType], sqrtPriceX96, safeMode, p); err != nil {
			return req, fmt.Errorf("position %s leg %d: %w", pos.ID, i, err)
		}
		if notionals[i], err = Notionals(leg, liquidity); err != nil {
			return req, err
		}
	}

	for i, leg := range pos.Legs {
		j := leg.RiskPartner
		switch {
		case !safeMode && isSpread(pos.Legs, i, j):
			if i > j {
				continue // counted with its partner
			}
			split := new(big.Int).Add(legReq[i], legReq[j])
			req[leg.TokenType].Add(req[leg.TokenType], SpreadRequirement(split, leg.TokenType, notionals[i], notionals[j]))
		default:
			req[leg.TokenType].Add(req[leg.TokenType], legReq[i])
		}
	}
	return req, nil
}

// RequiredCollateral sums the requirement of every position at tick.
func RequiredCollateral(positions []*state.Position, tick int32, safeMode bool, p *state.RiskParams) ([2]*big.Int, error) {
	sqrtPrice, err := fpmath.SqrtPriceAtTick(tick)
	if err != nil {
		return [2]*big.Int{}, err
	}
	total := [2]*big.Int{new(big.Int), new(big.Int)}
	for _, pos := range positions {
		req, err := PositionRequirement(pos, sqrtPrice, safeMode, p)
		if err != nil {
			return total, err
		}
		total[0].Add(total[0], req[0])
		total[1].Add(total[1], req[1])
	}
	return total, nil
}
