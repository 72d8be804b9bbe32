package state

import (
	"fmt"
	"sort"
)

// TokenInfo describes one side of a market for display.
type TokenInfo struct {
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

// IRMParams configure the adaptive interest rate curve. All values are WAD,
// rates are per second.
type IRMParams struct {
	CurveSteepness      int64 `yaml:"curve_steepness"`
	AdjustmentSpeed     int64 `yaml:"adjustment_speed"`
	TargetUtilization   int64 `yaml:"target_utilization"`
	InitialRateAtTarget int64 `yaml:"initial_rate_at_target"`
	MinRateAtTarget     int64 `yaml:"min_rate_at_target"`
	MaxRateAtTarget     int64 `yaml:"max_rate_at_target"`
	MaxElapsed          int64 `yaml:"max_elapsed_seconds"`
	MaxLinearAdaptation int64 `yaml:"max_linear_adaptation"`
}

// RiskParams defines collateral, oracle and liquidation parameters per market.
// Ratios use ppm (scale=1_000_000).
type RiskParams struct {
	MarketID                string    `yaml:"market_id"`
	Token0                  TokenInfo `yaml:"token0"`
	Token1                  TokenInfo `yaml:"token1"`
	SellerCollateralRatio   int64     `yaml:"seller_collateral_ratio"`
	BuyerCollateralRatio    int64     `yaml:"buyer_collateral_ratio"`
	TargetPoolUtil          int64     `yaml:"target_pool_util"`
	SaturatedPoolUtil       int64     `yaml:"saturated_pool_util"`
	CrossBufferRatio        int64     `yaml:"cross_buffer_ratio"`
	NotionalFee             int64     `yaml:"notional_fee"`
	MaxTicksDelta           int32     `yaml:"max_ticks_delta"`
	MaxTWAPDeltaLiquidation int32     `yaml:"max_twap_delta_liquidation"`
	SolvencyDispersionTicks int32     `yaml:"solvency_dispersion_ticks"`
	MaxOracleAge            int64     `yaml:"max_oracle_age_seconds"`
	MaxOpenLegs             int       `yaml:"max_open_legs"`
	SpreadFactor            uint32    `yaml:"spread_factor"`
	MaxDilutionMultiple     int64     `yaml:"max_dilution_multiple"`
	IRM                     IRMParams `yaml:"irm"`
	EffectiveSeq            int64     `yaml:"-"` // Sequence at which params take effect
}

// DefaultIRMParams targets 2/3 utilization with rates between 0.1% and 200% a year.
var DefaultIRMParams = IRMParams{
	CurveSteepness:      4_000_000_000_000_000_000,
	AdjustmentSpeed:     1_585_489_599_188, // 50 / year
	TargetUtilization:   666_666_666_666_666_667,
	InitialRateAtTarget: 1_268_391_679,  // 4% / year
	MinRateAtTarget:     31_709_791,     // 0.1% / year
	MaxRateAtTarget:     63_419_583_967, // 200% / year
	MaxElapsed:          16_384,
	MaxLinearAdaptation: 7_600_000_000_000_000_000,
}

func defaultParams(marketID string, t0, t1 TokenInfo) *RiskParams {
	return &RiskParams{
		MarketID:                marketID,
		Token0:                  t0,
		Token1:                  t1,
		SellerCollateralRatio:   200_000, // 20%
		BuyerCollateralRatio:    100_000, // 10%
		TargetPoolUtil:          666_667,
		SaturatedPoolUtil:       900_000,
		CrossBufferRatio:        1_000_000,
		NotionalFee:             100, // 1 bp
		MaxTicksDelta:           953,
		MaxTWAPDeltaLiquidation: 513,
		SolvencyDispersionTicks: 513,
		MaxOracleAge:            600,
		MaxOpenLegs:             MaxOpenLegsDefault,
		SpreadFactor:            4,
		MaxDilutionMultiple:     10,
		IRM:                     DefaultIRMParams,
	}
}

var (
	// Default risk params (overridable from the risk params file)
	DefaultRiskParams = map[string]*RiskParams{
		"ETH-USDC":  defaultParams("ETH-USDC", TokenInfo{"ETH", 18}, TokenInfo{"USDC", 6}),
		"WBTC-USDC": defaultParams("WBTC-USDC", TokenInfo{"WBTC", 8}, TokenInfo{"USDC", 6}),
	}
)

// RiskParamsManager manages risk parameters
type RiskParamsManager struct {
	params map[string]*RiskParams
}

func NewRiskParamsManager() *RiskParamsManager {
	params := make(map[string]*RiskParams)
	for k, v := range DefaultRiskParams {
		c := *v
		params[k] = &c
	}
	return &RiskParamsManager{params: params}
}

func (rpm *RiskParamsManager) GetRiskParams(marketID string) (*RiskParams, bool) {
	params, ok := rpm.params[marketID]
	return params, ok
}

// All returns params sorted by market
func (rpm *RiskParamsManager) All() []*RiskParams {
	result := make([]*RiskParams, 0, len(rpm.params))
	for _, p := range rpm.params {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MarketID < result[j].MarketID })
	return result
}

// ValidateRiskParams checks that risk parameters are within valid ranges.
func ValidateRiskParams(params *RiskParams) error {
	if params.MarketID == "" {
		return fmt.Errorf("market_id is required")
	}
	if params.SellerCollateralRatio <= 0 || params.SellerCollateralRatio > 1_000_000 {
		return fmt.Errorf("seller_collateral_ratio must be in (0, 1_000_000], got %d", params.SellerCollateralRatio)
	}
	if params.BuyerCollateralRatio <= 0 || params.BuyerCollateralRatio > 1_000_000 {
		return fmt.Errorf("buyer_collateral_ratio must be in (0, 1_000_000], got %d", params.BuyerCollateralRatio)
	}
	if params.TargetPoolUtil <= 0 || params.SaturatedPoolUtil <= params.TargetPoolUtil || params.SaturatedPoolUtil > 1_000_000 {
		return fmt.Errorf("pool utils must satisfy 0 < target (%d) < saturated (%d) <= 1_000_000",
			params.TargetPoolUtil, params.SaturatedPoolUtil)
	}
	if params.CrossBufferRatio < 0 || params.CrossBufferRatio > 1_000_000 {
		return fmt.Errorf("cross_buffer_ratio must be in [0, 1_000_000], got %d", params.CrossBufferRatio)
	}
	if params.NotionalFee < 0 || params.NotionalFee >= 1_000_000 {
		return fmt.Errorf("notional_fee must be in [0, 1_000_000), got %d", params.NotionalFee)
	}
	if params.MaxTicksDelta <= 0 || params.MaxTWAPDeltaLiquidation <= 0 || params.SolvencyDispersionTicks < 0 {
		return fmt.Errorf("tick deltas must be > 0")
	}
	if params.MaxOracleAge <= 0 {
		return fmt.Errorf("max_oracle_age_seconds must be > 0, got %d", params.MaxOracleAge)
	}
	if params.MaxOpenLegs <= 0 {
		return fmt.Errorf("max_open_legs must be > 0, got %d", params.MaxOpenLegs)
	}
	if params.SpreadFactor == 0 {
		return fmt.Errorf("spread_factor must be > 0")
	}
	if params.MaxDilutionMultiple < 2 {
		return fmt.Errorf("max_dilution_multiple must be >= 2, got %d", params.MaxDilutionMultiple)
	}
	irm := params.IRM
	if irm.MinRateAtTarget <= 0 || irm.MaxRateAtTarget < irm.MinRateAtTarget ||
		irm.InitialRateAtTarget < irm.MinRateAtTarget || irm.InitialRateAtTarget > irm.MaxRateAtTarget {
		return fmt.Errorf("irm rates must satisfy 0 < min <= initial <= max")
	}
	if irm.MaxRateAtTarget>>RateAtTargetBits != 0 {
		return fmt.Errorf("irm max_rate_at_target %d exceeds %d bits", irm.MaxRateAtTarget, RateAtTargetBits)
	}
	if irm.TargetUtilization <= 0 || irm.TargetUtilization >= 1_000_000_000_000_000_000 {
		return fmt.Errorf("irm target_utilization must be in (0, 1e18)")
	}
	if irm.CurveSteepness < 1_000_000_000_000_000_000 {
		return fmt.Errorf("irm curve_steepness must be >= 1e18")
	}
	if irm.MaxElapsed <= 0 || irm.AdjustmentSpeed < 0 || irm.MaxLinearAdaptation <= 0 {
		return fmt.Errorf("irm elapsed, speed and adaptation bounds must be positive")
	}
	return nil
}

func (rpm *RiskParamsManager) UpdateRiskParams(params *RiskParams) error {
	if err := ValidateRiskParams(params); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", params.MarketID, err)
	}
	rpm.params[params.MarketID] = params
	return nil
}
