package event

import (
	"fmt"
	"math/big"

	"MarginLedger/internal/state"
)

// AccrualTick asks the core to accrue interest in one pool at Timestamp.
type AccrualTick struct {
	Market    string `json:"market"`
	Token     uint8  `json:"token"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func (a *AccrualTick) IdempotencyKey() string {
	return fmt.Sprintf("accrue:%s:%d:%d", a.Market, a.Token, a.Sequence)
}

func (a *AccrualTick) EventType() EventType {
	return EventTypeAccrualTick
}

func (a *AccrualTick) MarketID() *string {
	return marketPtr(a.Market)
}

func (a *AccrualTick) SourceSequence() int64 {
	return a.Sequence
}

func (a *AccrualTick) EventTime() int64 {
	return a.Timestamp
}

func (a *AccrualTick) Validate() error {
	return validatePool(a.Market, a.Token)
}

// FeesCollected reports fees collected from one range's net liquidity.
type FeesCollected struct {
	Market       string      `json:"market"`
	TokenType    uint8       `json:"token_type"`
	TickLower    int32       `json:"tick_lower"`
	TickUpper    int32       `json:"tick_upper"`
	SpreadFactor uint32      `json:"spread_factor"`
	Amounts      [2]*big.Int `json:"amounts"`
	Sequence     int64       `json:"sequence"`
	Timestamp    int64       `json:"timestamp"`
}

func (f *FeesCollected) IdempotencyKey() string {
	return fmt.Sprintf("fees:%s:%d", f.Chunk(), f.Sequence)
}

func (f *FeesCollected) EventType() EventType {
	return EventTypeFeesCollected
}

func (f *FeesCollected) MarketID() *string {
	return marketPtr(f.Market)
}

func (f *FeesCollected) SourceSequence() int64 {
	return f.Sequence
}

func (f *FeesCollected) EventTime() int64 {
	return f.Timestamp
}

func (f *FeesCollected) Validate() error {
	if err := validatePool(f.Market, f.TokenType); err != nil {
		return err
	}
	if f.TickLower >= f.TickUpper {
		return fmt.Errorf("empty range [%d, %d]", f.TickLower, f.TickUpper)
	}
	if f.SpreadFactor == 0 {
		return fmt.Errorf("spread_factor must be positive")
	}
	for t, amt := range f.Amounts {
		if amt == nil || amt.Sign() < 0 {
			return fmt.Errorf("amounts[%d] must be non-negative", t)
		}
	}
	return nil
}

func (f *FeesCollected) Chunk() state.ChunkKey {
	return state.ChunkKey{
		MarketID:     f.Market,
		TokenType:    f.TokenType,
		TickLower:    f.TickLower,
		TickUpper:    f.TickUpper,
		SpreadFactor: f.SpreadFactor,
	}
}
