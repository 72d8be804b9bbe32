package state

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// riskParamsFile is the on-disk layout:
//
//	markets:
//	  - market_id: ETH-USDC
//	    seller_collateral_ratio: 250000
//
// Each entry overrides the market's current params field by field.
type riskParamsFile struct {
	Markets []yaml.Node `yaml:"markets"`
}

// LoadRiskParamsFile reads a yaml risk params file and applies every entry to
// rpm. An entry for an unknown market must name both tokens. Nothing is
// applied if any entry is invalid.
func (rpm *RiskParamsManager) LoadRiskParamsFile(path string) ([]*RiskParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk params: %w", err)
	}
	return rpm.LoadRiskParams(raw)
}

// LoadRiskParams is LoadRiskParamsFile over an in-memory document.
func (rpm *RiskParamsManager) LoadRiskParams(raw []byte) ([]*RiskParams, error) {
	var doc riskParamsFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode risk params: %w", err)
	}

	loaded := make([]*RiskParams, 0, len(doc.Markets))
	seen := make(map[string]bool, len(doc.Markets))
	for i := range doc.Markets {
		node := &doc.Markets[i]

		var id struct {
			MarketID string `yaml:"market_id"`
		}
		if err := node.Decode(&id); err != nil {
			return nil, fmt.Errorf("markets[%d]: %w", i, err)
		}
		if id.MarketID == "" {
			return nil, fmt.Errorf("markets[%d]: market_id is required", i)
		}
		if seen[id.MarketID] {
			return nil, fmt.Errorf("markets[%d]: duplicate market %s", i, id.MarketID)
		}
		seen[id.MarketID] = true

		var p *RiskParams
		if cur, ok := rpm.params[id.MarketID]; ok {
			c := *cur
			p = &c
		} else {
			p = defaultParams(id.MarketID, TokenInfo{}, TokenInfo{})
		}
		if err := node.Decode(p); err != nil {
			return nil, fmt.Errorf("markets[%d] (%s): %w", i, id.MarketID, err)
		}
		if p.Token0.Symbol == "" || p.Token1.Symbol == "" {
			return nil, fmt.Errorf("markets[%d] (%s): token0 and token1 are required", i, id.MarketID)
		}
		if err := ValidateRiskParams(p); err != nil {
			return nil, fmt.Errorf("markets[%d] (%s): %w", i, id.MarketID, err)
		}
		loaded = append(loaded, p)
	}

	for _, p := range loaded {
		rpm.params[p.MarketID] = p
	}
	return loaded, nil
}
