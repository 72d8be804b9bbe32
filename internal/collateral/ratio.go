// Package collateral computes the per-token minimum collateral of an
// account's open positions and decides solvency at reference ticks.
package collateral

import (
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// Ratio returns the collateral ratio (ppm) of a leg minted at utilization
// (ppm). It is the side's minimum up to the target utilization, grows
// linearly to 100% at saturation and stays there. Safe mode prices every
// leg as if the pool were saturated.
func Ratio(isLong bool, utilization int64, safeMode bool, p *state.RiskParams) int64 {
	base := p.SellerCollateralRatio
	if isLong {
		base = p.BuyerCollateralRatio
	}
	if safeMode {
		utilization = p.SaturatedPoolUtil
	}
	switch {
	case utilization <= p.TargetPoolUtil:
		return base
	case utilization >= p.SaturatedPoolUtil:
		return fpmath.RatioScale
	}
	span := p.SaturatedPoolUtil - p.TargetPoolUtil
	return base + (fpmath.RatioScale-base)*(utilization-p.TargetPoolUtil)/span
}

// CrossBuffer returns the share (ppm) of a token's surplus that may offset a
// deficit in the other token. It falls from CrossBufferRatio at target
// utilization to zero at saturation, and is zero in safe mode.
func CrossBuffer(utilization int64, safeMode bool, p *state.RiskParams) int64 {
	if safeMode {
		return 0
	}
	switch {
	case utilization <= p.TargetPoolUtil:
		return p.CrossBufferRatio
	case utilization >= p.SaturatedPoolUtil:
		return 0
	}
	span := p.SaturatedPoolUtil - p.TargetPoolUtil
	return p.CrossBufferRatio * (p.SaturatedPoolUtil - utilization) / span
}
