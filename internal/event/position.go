package event

import (
	"fmt"
	"math/big"

	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// LegSpec is one leg of a minted position as the venue reports it.
type LegSpec struct {
	TokenType   uint8    `json:"token_type"`
	IsLong      bool     `json:"is_long"`
	TickLower   int32    `json:"tick_lower"`
	TickUpper   int32    `json:"tick_upper"`
	Liquidity   *big.Int `json:"liquidity"`
	RiskPartner int      `json:"risk_partner"`
}

// PositionMinted opens a multi-leg position. AmountsMoved is the signed
// principal per token that entered the AMM: short legs deploy vault assets,
// long legs take liquidity back out.
type PositionMinted struct {
	PositionID   uuid.UUID   `json:"position_id"`
	Account      uuid.UUID   `json:"account"`
	Market       string      `json:"market"`
	Size         *big.Int    `json:"size"`
	Legs         []LegSpec   `json:"legs"`
	AmountsMoved [2]*big.Int `json:"amounts_moved"`
	EntryTick    int32       `json:"entry_tick"`
	Sequence     int64       `json:"sequence"`
	Timestamp    int64       `json:"timestamp"`
}

func (m *PositionMinted) IdempotencyKey() string {
	return fmt.Sprintf("mint:%s", m.PositionID)
}

func (m *PositionMinted) EventType() EventType {
	return EventTypePositionMinted
}

func (m *PositionMinted) MarketID() *string {
	return marketPtr(m.Market)
}

func (m *PositionMinted) SourceSequence() int64 {
	return m.Sequence
}

func (m *PositionMinted) EventTime() int64 {
	return m.Timestamp
}

func (m *PositionMinted) Validate() error {
	if m.PositionID == uuid.Nil || m.Account == uuid.Nil {
		return fmt.Errorf("position_id and account are required")
	}
	if m.Market == "" {
		return fmt.Errorf("market is required")
	}
	for t, amt := range m.AmountsMoved {
		if amt == nil {
			return fmt.Errorf("amounts_moved[%d] is required", t)
		}
	}
	return m.ToPosition(0).Validate()
}

// ToPosition builds the position the mint opens. Utilization, spread factor
// and premium marks are filled in by the core when the mint is applied.
func (m *PositionMinted) ToPosition(sequence int64) *state.Position {
	legs := make([]state.Leg, len(m.Legs))
	for i, l := range m.Legs {
		legs[i] = state.Leg{
			TokenType:   l.TokenType,
			IsLong:      l.IsLong,
			TickLower:   l.TickLower,
			TickUpper:   l.TickUpper,
			Liquidity:   cloneBig(l.Liquidity),
			RiskPartner: l.RiskPartner,
		}
	}
	return &state.Position{
		ID:           m.PositionID,
		Owner:        m.Account,
		MarketID:     m.Market,
		Size:         cloneBig(m.Size),
		Legs:         legs,
		EntryTick:    m.EntryTick,
		Principal:    [2]*big.Int{cloneBig(m.AmountsMoved[0]), cloneBig(m.AmountsMoved[1])},
		Status:       state.PositionStatusOpen,
		MintSequence: sequence,
	}
}

// PositionBurned closes a position. AmountsReturned is what came back out of
// the AMM per token, signed like the principal it settles.
type PositionBurned struct {
	PositionID      uuid.UUID   `json:"position_id"`
	Account         uuid.UUID   `json:"account"`
	Market          string      `json:"market"`
	AmountsReturned [2]*big.Int `json:"amounts_returned"`
	Sequence        int64       `json:"sequence"`
	Timestamp       int64       `json:"timestamp"`
}

func (b *PositionBurned) IdempotencyKey() string {
	return fmt.Sprintf("burn:%s", b.PositionID)
}

func (b *PositionBurned) EventType() EventType {
	return EventTypePositionBurned
}

func (b *PositionBurned) MarketID() *string {
	return marketPtr(b.Market)
}

func (b *PositionBurned) SourceSequence() int64 {
	return b.Sequence
}

func (b *PositionBurned) EventTime() int64 {
	return b.Timestamp
}

func (b *PositionBurned) Validate() error {
	if b.PositionID == uuid.Nil || b.Account == uuid.Nil {
		return fmt.Errorf("position_id and account are required")
	}
	if b.Market == "" {
		return fmt.Errorf("market is required")
	}
	for t, amt := range b.AmountsReturned {
		if amt == nil {
			return fmt.Errorf("amounts_returned[%d] is required", t)
		}
	}
	return nil
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
