package event

import (
	"fmt"

	"MarginLedger/internal/state"
)

// OracleUpdated carries a new set of price observations for a market. Stale
// sequences are dropped, gaps are tolerated.
type OracleUpdated struct {
	Market      string `json:"market"`
	CurrentTick int32  `json:"current_tick"`
	SpotTick    int32  `json:"spot_tick"`
	SlowTick    int32  `json:"slow_tick"`
	MedianTick  int32  `json:"median_tick"`
	LatestTick  int32  `json:"latest_tick"`
	TWAPTick    int32  `json:"twap_tick"`
	Sequence    int64  `json:"sequence"`
	Timestamp   int64  `json:"timestamp"`
}

func (o *OracleUpdated) IdempotencyKey() string {
	return fmt.Sprintf("oracle:%s:%d", o.Market, o.Sequence)
}

func (o *OracleUpdated) EventType() EventType {
	return EventTypeOracleUpdated
}

func (o *OracleUpdated) MarketID() *string {
	return marketPtr(o.Market)
}

func (o *OracleUpdated) SourceSequence() int64 {
	return o.Sequence
}

func (o *OracleUpdated) EventTime() int64 {
	return o.Timestamp
}

func (o *OracleUpdated) Validate() error {
	if o.Market == "" {
		return fmt.Errorf("market is required")
	}
	if o.Sequence <= 0 {
		return fmt.Errorf("sequence must be positive")
	}
	return nil
}

func (o *OracleUpdated) Snapshot() *state.OracleSnapshot {
	return &state.OracleSnapshot{
		MarketID:    o.Market,
		CurrentTick: o.CurrentTick,
		SpotTick:    o.SpotTick,
		SlowTick:    o.SlowTick,
		MedianTick:  o.MedianTick,
		LatestTick:  o.LatestTick,
		TWAPTick:    o.TWAPTick,
		Timestamp:   o.Timestamp,
		Sequence:    o.Sequence,
	}
}
