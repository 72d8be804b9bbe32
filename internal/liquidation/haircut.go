package liquidation

import (
	"fmt"
	"math/big"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// LegPremium is the long premium one leg of the liquidated account paid into
// its range escrow during the liquidation.
type LegPremium struct {
	Position uuid.UUID
	Leg      int
	Chunk    state.ChunkKey
	Premium  [2]*big.Int
}

// Haircut is the premium clawed back per leg and in total.
type Haircut struct {
	PerLeg [][2]*big.Int
	Total  [2]*big.Int
}

// HaircutPremia splits the shortfall across the legs in proportion to their
// premium, rounding each share up. A leg never gives more than its premium
// and the sum never exceeds the shortfall.
func HaircutPremia(legs []LegPremium, shortfall [2]*big.Int) *Haircut {
	h := &Haircut{
		PerLeg: make([][2]*big.Int, len(legs)),
		Total:  [2]*big.Int{new(big.Int), new(big.Int)},
	}
	for i := range legs {
		h.PerLeg[i] = [2]*big.Int{new(big.Int), new(big.Int)}
	}
	for t := 0; t < 2; t++ {
		owed := orZero(shortfall[t])
		if owed.Sign() <= 0 {
			continue
		}
		total := new(big.Int)
		for _, leg := range legs {
			total.Add(total, fpmath.NonNegative(orZero(leg.Premium[t])))
		}
		if total.Sign() == 0 {
			continue
		}
		for i, leg := range legs {
			premium := fpmath.NonNegative(orZero(leg.Premium[t]))
			if premium.Sign() == 0 {
				continue
			}
			share := fpmath.MulDiv(owed, premium, total, fpmath.RoundUp)
			share = fpmath.Min(share, premium)
			share = fpmath.Min(share, new(big.Int).Sub(owed, h.Total[t]))
			h.PerLeg[i][t] = share
			h.Total[t].Add(h.Total[t], share)
			if h.Total[t].Cmp(owed) >= 0 {
				break
			}
		}
	}
	return h
}

// ApplyHaircut moves the haircut out of each leg's range escrow back into the
// market's vaults. Returns the amounts actually recovered, which can fall
// short of the haircut when shorts already drew on the escrow.
func ApplyHaircut(txn *state.Txn, marketID string, legs []LegPremium, h *Haircut) ([2]*big.Int, error) {
	recovered := [2]*big.Int{new(big.Int), new(big.Int)}
	for i, leg := range legs {
		chunk := txn.Chunk(leg.Chunk)
		for t := 0; t < 2; t++ {
			want := h.PerLeg[i][t]
			if want == nil || want.Sign() == 0 {
				continue
			}
			amount := fpmath.Min(want, chunk.Settled[t])
			if amount.Sign() == 0 {
				continue
			}
			pool := state.PoolKey{MarketID: marketID, Token: uint8(t)}
			v := txn.Vault(pool)
			if v == nil {
				return recovered, fmt.Errorf("haircut %s: pool not initialized", pool)
			}
			chunk.Settled[t] = new(big.Int).Sub(chunk.Settled[t], amount)
			if err := v.AddDeposited(amount); err != nil {
				return recovered, err
			}
			recovered[t].Add(recovered[t], amount)
		}
	}
	return recovered, nil
}
