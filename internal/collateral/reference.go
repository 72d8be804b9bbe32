package collateral

import (
	"fmt"

	"MarginLedger/internal/ledgererr"
	"MarginLedger/internal/state"
)

// ReferenceTicks picks the ticks an account must be solvent at. When spot,
// median, latest and current agree within SolvencyDispersionTicks the spot
// tick alone is used, otherwise all of them. Live operations and liquidation
// use this same rule.
func ReferenceTicks(o *state.OracleSnapshot, p *state.RiskParams) []int32 {
	candidates := []int32{o.SpotTick, o.MedianTick, o.LatestTick, o.CurrentTick}
	lo, hi := candidates[0], candidates[0]
	for _, t := range candidates[1:] {
		lo = min(lo, t)
		hi = max(hi, t)
	}
	if int64(hi)-int64(lo) <= int64(p.SolvencyDispersionTicks) {
		return []int32{o.SpotTick}
	}

	ticks := make([]int32, 0, len(candidates))
	seen := make(map[int32]bool, len(candidates))
	for _, t := range candidates {
		if !seen[t] {
			seen[t] = true
			ticks = append(ticks, t)
		}
	}
	return ticks
}

// SafeMode reports oracle stress: the fast EMA too far from the slow one, or
// the median further than twice that.
func SafeMode(o *state.OracleSnapshot, p *state.RiskParams) bool {
	return absDelta(o.SpotTick, o.SlowTick) > int64(p.MaxTicksDelta) ||
		absDelta(o.MedianTick, o.SlowTick) > 2*int64(p.MaxTicksDelta)
}

// CheckLiquidationPrice fails when the current tick is too far from the TWAP
// for a liquidation to be priced fairly.
func CheckLiquidationPrice(o *state.OracleSnapshot, p *state.RiskParams) error {
	if d := absDelta(o.CurrentTick, o.TWAPTick); d > int64(p.MaxTWAPDeltaLiquidation) {
		return &ledgererr.StaleReferenceError{
			Market: o.MarketID,
			Reason: fmt.Sprintf("current tick %d is %d ticks from twap %d (max %d)", o.CurrentTick, d, o.TWAPTick, p.MaxTWAPDeltaLiquidation),
		}
	}
	return nil
}

func absDelta(a, b int32) int64 {
	d := int64(a) - int64(b)
	if d < 0 {
		return -d
	}
	return d
}
