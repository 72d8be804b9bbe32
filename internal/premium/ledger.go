package premium

import (
	"fmt"
	"math/big"

	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// ChunkKeyFor is the range identity of a position's leg. The spread factor
// the position was minted with is part of it.
func ChunkKeyFor(pos *state.Position, leg state.Leg) state.ChunkKey {
	return state.ChunkKey{
		MarketID:     pos.MarketID,
		TokenType:    leg.TokenType,
		TickLower:    leg.TickLower,
		TickUpper:    leg.TickUpper,
		SpreadFactor: pos.SpreadFactor,
	}
}

// Collection reports how one fee collection was distributed.
type Collection struct {
	Key        state.ChunkKey
	Collected  [2]*big.Int
	OwedDelta  [2]*big.Int // X64 per unit of liquidity
	GrossDelta [2]*big.Int // X64 per unit of liquidity
	Sealed     uint64      // accumulator generations closed by this update
}

// UpdateOnCollect credits fees collected from the range's net liquidity.
// With N net, R removed and T = N + R short liquidity:
//
//	feeRate    = collected * 2^64 / (N + ceil(R / spreadFactor))
//	owedDelta  = feeRate * (spreadFactor*T + R) / (spreadFactor*T)
//	grossDelta = feeRate * (N + R*(spreadFactor*T + R)/(spreadFactor*T)) / T
//
// The collected tokens enter the range escrow.
func UpdateOnCollect(chunk *state.PremiumChunk, collected [2]*big.Int) (*Collection, error) {
	c := &Collection{
		Key:        chunk.Key,
		Collected:  [2]*big.Int{new(big.Int), new(big.Int)},
		OwedDelta:  [2]*big.Int{new(big.Int), new(big.Int)},
		GrossDelta: [2]*big.Int{new(big.Int), new(big.Int)},
	}
	if chunk.Key.SpreadFactor == 0 {
		return nil, fmt.Errorf("chunk %s: spread factor must be positive", chunk.Key)
	}
	n := chunk.NetLiquidity
	r := chunk.RemovedLiquidity
	total := chunk.TotalLiquidity()
	if total.Sign() == 0 {
		return c, nil
	}
	nu := new(big.Int).SetUint64(uint64(chunk.Key.SpreadFactor))

	// N + ceil(R / nu) is positive whenever T is
	base := new(big.Int).Add(n, fpmath.DivRound(r, nu, fpmath.RoundUp))
	nuT := new(big.Int).Mul(nu, total)
	nuTPlusR := new(big.Int).Add(nuT, r)
	grossNum := new(big.Int).Mul(n, nuT)
	grossNum.Add(grossNum, new(big.Int).Mul(r, nuTPlusR))
	grossDen := new(big.Int).Mul(nuT, total)

	for t := 0; t < 2; t++ {
		amount := collected[t]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		if amount.Sign() < 0 {
			return nil, fmt.Errorf("chunk %s: negative collected amount %s", chunk.Key, amount)
		}
		if err := fpmath.CheckUint("collected", amount, fpmath.Bits128); err != nil {
			return nil, err
		}
		feeRate := fpmath.MulDiv(amount, fpmath.Q64, base, fpmath.RoundDown)
		owedDelta := fpmath.MulDiv(feeRate, nuTPlusR, nuT, fpmath.RoundDown)
		grossDelta := fpmath.MulDiv(feeRate, grossNum, grossDen, fpmath.RoundDown)

		owedSealed, err := AddSaturating(&chunk.Owed[t], owedDelta)
		if err != nil {
			return nil, fmt.Errorf("chunk %s owed: %w", chunk.Key, err)
		}
		grossSealed, err := AddSaturating(&chunk.Gross[t], grossDelta)
		if err != nil {
			return nil, fmt.Errorf("chunk %s gross: %w", chunk.Key, err)
		}
		c.Sealed += owedSealed + grossSealed

		chunk.Settled[t].Add(chunk.Settled[t], amount)
		outstanding := new(big.Int).Mul(grossDelta, total)
		chunk.GrossOutstanding[t].Add(chunk.GrossOutstanding[t], outstanding.Rsh(outstanding, 64))

		c.Collected[t] = new(big.Int).Set(amount)
		c.OwedDelta[t] = owedDelta
		c.GrossDelta[t] = grossDelta
	}
	return c, nil
}

// OpenLegs adds a newly minted position's liquidity to its ranges and marks
// each leg at the current accumulators. Long legs remove liquidity that
// shorts have already added.
func OpenLegs(txn *state.Txn, pos *state.Position) error {
	pos.PremiumMarks = make([][2]state.PremiumMark, len(pos.Legs))
	for i, leg := range pos.Legs {
		liquidity, err := pos.LegLiquidity(i)
		if err != nil {
			return err
		}
		chunk := txn.Chunk(ChunkKeyFor(pos, leg))
		if leg.IsLong {
			if chunk.NetLiquidity.Cmp(liquidity) < 0 {
				return fmt.Errorf("chunk %s: long leg needs %s liquidity, %s available", chunk.Key, liquidity, chunk.NetLiquidity)
			}
			chunk.NetLiquidity = new(big.Int).Sub(chunk.NetLiquidity, liquidity)
			chunk.RemovedLiquidity = new(big.Int).Add(chunk.RemovedLiquidity, liquidity)
			if err := checkLiquidity(chunk); err != nil {
				return err
			}
			pos.PremiumMarks[i] = [2]state.PremiumMark{chunk.Owed[0].Mark(), chunk.Owed[1].Mark()}
		} else {
			chunk.NetLiquidity = new(big.Int).Add(chunk.NetLiquidity, liquidity)
			if err := checkLiquidity(chunk); err != nil {
				return err
			}
			pos.PremiumMarks[i] = [2]state.PremiumMark{chunk.Gross[0].Mark(), chunk.Gross[1].Mark()}
		}
	}
	return nil
}

// CloseLegs takes a closing position's liquidity out of its ranges. Premium
// must be settled or forfeited before this.
func CloseLegs(txn *state.Txn, pos *state.Position) error {
	for i, leg := range pos.Legs {
		liquidity, err := pos.LegLiquidity(i)
		if err != nil {
			return err
		}
		chunk := txn.Chunk(ChunkKeyFor(pos, leg))
		if leg.IsLong {
			if chunk.RemovedLiquidity.Cmp(liquidity) < 0 {
				return ledgererr.NewInvariant("chunk_liquidity", "%s removed %s below long leg %s", chunk.Key, chunk.RemovedLiquidity, liquidity)
			}
			chunk.RemovedLiquidity = new(big.Int).Sub(chunk.RemovedLiquidity, liquidity)
			chunk.NetLiquidity = new(big.Int).Add(chunk.NetLiquidity, liquidity)
		} else {
			if chunk.NetLiquidity.Cmp(liquidity) < 0 {
				return fmt.Errorf("chunk %s: short leg %s exceeds net liquidity %s", chunk.Key, liquidity, chunk.NetLiquidity)
			}
			chunk.NetLiquidity = new(big.Int).Sub(chunk.NetLiquidity, liquidity)
		}
	}
	return nil
}

func checkLiquidity(chunk *state.PremiumChunk) error {
	if err := fpmath.CheckUint("netLiquidity", chunk.NetLiquidity, fpmath.Bits128); err != nil {
		return err
	}
	return fpmath.CheckUint("totalLiquidity", chunk.TotalLiquidity(), fpmath.Bits128)
}

// LegAccrued is the premium a leg has accrued since its mark, per token:
// owed for a long leg, earned for a short leg.
func LegAccrued(chunk *state.PremiumChunk, pos *state.Position, i int) ([2]*big.Int, error) {
	liquidity, err := pos.LegLiquidity(i)
	if err != nil {
		return [2]*big.Int{}, err
	}
	var out [2]*big.Int
	for t := 0; t < 2; t++ {
		acc := chunk.Gross[t]
		if pos.Legs[i].IsLong {
			acc = chunk.Owed[t]
		}
		var mark state.PremiumMark
		if i < len(pos.PremiumMarks) {
			mark = pos.PremiumMarks[i][t]
		}
		out[t] = Accrued(acc, mark, liquidity)
	}
	return out, nil
}

// Payable scales a short leg's accrued premium by the share of gross premium
// the escrow can cover: accrued * min(1, settled / grossOutstanding).
func Payable(chunk *state.PremiumChunk, token int, accrued *big.Int) *big.Int {
	settled, outstanding := chunk.Settled[token], chunk.GrossOutstanding[token]
	if outstanding.Cmp(settled) <= 0 {
		return fpmath.Min(accrued, settled)
	}
	return fpmath.MulDiv(accrued, settled, outstanding, fpmath.RoundDown)
}

// Unsettled is an account's open premium in one market: what its long legs
// owe and what its short legs could collect now.
type Unsettled struct {
	Long  [2]*big.Int
	Short [2]*big.Int
	// per leg detail, indexed like Positions
	LegLong [][][2]*big.Int
}

// AccountPremium totals the unsettled premium of a set of positions.
func AccountPremium(txn *state.Txn, positions []*state.Position) (*Unsettled, error) {
	u := &Unsettled{
		Long:    [2]*big.Int{new(big.Int), new(big.Int)},
		Short:   [2]*big.Int{new(big.Int), new(big.Int)},
		LegLong: make([][][2]*big.Int, len(positions)),
	}
	for p, pos := range positions {
		u.LegLong[p] = make([][2]*big.Int, len(pos.Legs))
		for i, leg := range pos.Legs {
			chunk := txn.Chunk(ChunkKeyFor(pos, leg))
			accrued, err := LegAccrued(chunk, pos, i)
			if err != nil {
				return nil, err
			}
			for t := 0; t < 2; t++ {
				if leg.IsLong {
					u.Long[t].Add(u.Long[t], accrued[t])
				} else {
					u.Short[t].Add(u.Short[t], Payable(chunk, t, accrued[t]))
				}
			}
			if leg.IsLong {
				u.LegLong[p][i] = accrued
			} else {
				u.LegLong[p][i] = [2]*big.Int{new(big.Int), new(big.Int)}
			}
		}
	}
	return u, nil
}
