package event

import (
	"fmt"

	"MarginLedger/internal/state"
)

// RiskParamUpdate replaces a market's risk parameters. Takes effect at the
// sequence the core assigns it.
type RiskParamUpdate struct {
	UpdateID  string           `json:"update_id"`
	Params    state.RiskParams `json:"params"`
	Sequence  int64            `json:"sequence"`
	Timestamp int64            `json:"timestamp"`
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return r.UpdateID
}

func (r *RiskParamUpdate) EventType() EventType {
	return EventTypeRiskParamUpdate
}

func (r *RiskParamUpdate) MarketID() *string {
	return marketPtr(r.Params.MarketID)
}

func (r *RiskParamUpdate) SourceSequence() int64 {
	return r.Sequence
}

func (r *RiskParamUpdate) EventTime() int64 {
	return r.Timestamp
}

func (r *RiskParamUpdate) Validate() error {
	if r.UpdateID == "" {
		return fmt.Errorf("update_id is required")
	}
	return state.ValidateRiskParams(&r.Params)
}
