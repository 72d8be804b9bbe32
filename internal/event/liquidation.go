package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// PositionClose is what one liquidated position returned from the AMM.
type PositionClose struct {
	PositionID uuid.UUID   `json:"position_id"`
	Returned   [2]*big.Int `json:"returned"`
}

// LiquidationRequested asks the core to liquidate every open position of an
// account in a market. It is rejected when the account is solvent.
type LiquidationRequested struct {
	LiquidationID uuid.UUID       `json:"liquidation_id"`
	Account       uuid.UUID       `json:"account"`
	Liquidator    uuid.UUID       `json:"liquidator"`
	Market        string          `json:"market"`
	Closes        []PositionClose `json:"closes"`
	Sequence      int64           `json:"sequence"`
	Timestamp     int64           `json:"timestamp"`
}

func (l *LiquidationRequested) IdempotencyKey() string {
	return l.LiquidationID.String()
}

func (l *LiquidationRequested) EventType() EventType {
	return EventTypeLiquidationRequested
}

func (l *LiquidationRequested) MarketID() *string {
	return marketPtr(l.Market)
}

func (l *LiquidationRequested) SourceSequence() int64 {
	return l.Sequence
}

func (l *LiquidationRequested) EventTime() int64 {
	return l.Timestamp
}

func (l *LiquidationRequested) Validate() error {
	if l.LiquidationID == uuid.Nil || l.Account == uuid.Nil || l.Liquidator == uuid.Nil {
		return fmt.Errorf("liquidation_id, account and liquidator are required")
	}
	if l.Account == l.Liquidator {
		return fmt.Errorf("an account cannot liquidate itself")
	}
	if l.Market == "" {
		return fmt.Errorf("market is required")
	}
	seen := make(map[uuid.UUID]bool, len(l.Closes))
	for _, c := range l.Closes {
		if seen[c.PositionID] {
			return fmt.Errorf("position %s closed twice", c.PositionID)
		}
		seen[c.PositionID] = true
		for t, amt := range c.Returned {
			if amt == nil {
				return fmt.Errorf("position %s: returned[%d] is required", c.PositionID, t)
			}
		}
	}
	return nil
}

// ReturnedFor looks up the close reported for a position. Positions the
// request does not mention return exactly their principal.
func (l *LiquidationRequested) ReturnedFor(id uuid.UUID) ([2]*big.Int, bool) {
	for _, c := range l.Closes {
		if c.PositionID == id {
			return c.Returned, true
		}
	}
	return [2]*big.Int{}, false
}

// PremiumSettleRequested settles an account's premium in one market without
// changing its positions.
type PremiumSettleRequested struct {
	RequestID uuid.UUID `json:"request_id"`
	Account   uuid.UUID `json:"account"`
	Market    string    `json:"market"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (p *PremiumSettleRequested) IdempotencyKey() string {
	return fmt.Sprintf("settle:%s", p.RequestID)
}

func (p *PremiumSettleRequested) EventType() EventType {
	return EventTypePremiumSettleRequested
}

func (p *PremiumSettleRequested) MarketID() *string {
	return marketPtr(p.Market)
}

func (p *PremiumSettleRequested) SourceSequence() int64 {
	return p.Sequence
}

func (p *PremiumSettleRequested) EventTime() int64 {
	return p.Timestamp
}

func (p *PremiumSettleRequested) Validate() error {
	if p.RequestID == uuid.Nil || p.Account == uuid.Nil {
		return fmt.Errorf("request_id and account are required")
	}
	if p.Market == "" {
		return fmt.Errorf("market is required")
	}
	return nil
}
