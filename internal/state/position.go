// internal/state/position.go
package state

import (
	"fmt"
	"math/big"

	fpmath "MarginLedger/internal/math"

	"github.com/google/uuid"
)

// PositionStatus tracks the lifecycle of an option position
type PositionStatus int32

const (
	PositionStatusOpen PositionStatus = iota
	PositionStatusClosed
	PositionStatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "Open"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusOpen: {
			PositionStatusClosed,
			PositionStatusLiquidated,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Leg is one option leg: a liquidity range added (short) or removed (long).
type Leg struct {
	TokenType   uint8 // token the leg is collateralized in
	IsLong      bool
	TickLower   int32
	TickUpper   int32
	Liquidity   *big.Int // uint128, per unit of position size
	RiskPartner int      // index of the partner leg, own index when unpaired
}

// PremiumMark is an accumulator reading taken when a leg last settled premium.
type PremiumMark struct {
	Generation uint64
	Value      *big.Int
}

// Position is an open multi-leg position. Its utilization snapshot is fixed at mint.
type Position struct {
	ID                  uuid.UUID
	Owner               uuid.UUID
	MarketID            string
	Size                *big.Int
	Legs                []Leg
	UtilizationSnapshot [2]int64 // ppm of each pool at mint
	EntryTick           int32
	Principal           [2]*big.Int // signed assets moved into the AMM at mint
	PremiumMarks        [][2]PremiumMark
	SpreadFactor        uint32
	Status              PositionStatus
	MintSequence        int64
}

// LegLiquidity returns leg liquidity scaled by position size, checked to uint128.
func (p *Position) LegLiquidity(i int) (*big.Int, error) {
	l := new(big.Int).Mul(p.Legs[i].Liquidity, p.Size)
	if err := fpmath.CheckUint("legLiquidity", l, fpmath.Bits128); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks the leg layout.
func (p *Position) Validate() error {
	if len(p.Legs) == 0 {
		return fmt.Errorf("position %s has no legs", p.ID)
	}
	if p.Size == nil || p.Size.Sign() <= 0 {
		return fmt.Errorf("position %s has non-positive size", p.ID)
	}
	for i, leg := range p.Legs {
		if leg.TokenType > 1 {
			return fmt.Errorf("position %s leg %d: token type %d", p.ID, i, leg.TokenType)
		}
		if leg.TickLower >= leg.TickUpper {
			return fmt.Errorf("position %s leg %d: empty range [%d, %d]", p.ID, i, leg.TickLower, leg.TickUpper)
		}
		if leg.Liquidity == nil || leg.Liquidity.Sign() <= 0 {
			return fmt.Errorf("position %s leg %d: non-positive liquidity", p.ID, i)
		}
		if leg.RiskPartner < 0 || leg.RiskPartner >= len(p.Legs) {
			return fmt.Errorf("position %s leg %d: risk partner %d out of range", p.ID, i, leg.RiskPartner)
		}
		if leg.RiskPartner != i && p.Legs[leg.RiskPartner].RiskPartner != i {
			return fmt.Errorf("position %s leg %d: risk partner is not mutual", p.ID, i)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.Size = new(big.Int).Set(p.Size)
	c.Legs = make([]Leg, len(p.Legs))
	for i, leg := range p.Legs {
		c.Legs[i] = leg
		c.Legs[i].Liquidity = new(big.Int).Set(leg.Liquidity)
	}
	for t := 0; t < 2; t++ {
		if p.Principal[t] != nil {
			c.Principal[t] = new(big.Int).Set(p.Principal[t])
		}
	}
	c.PremiumMarks = make([][2]PremiumMark, len(p.PremiumMarks))
	for i, marks := range p.PremiumMarks {
		for t := 0; t < 2; t++ {
			c.PremiumMarks[i][t] = PremiumMark{Generation: marks[t].Generation}
			if marks[t].Value != nil {
				c.PremiumMarks[i][t].Value = new(big.Int).Set(marks[t].Value)
			}
		}
	}
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.Owner[:]...)

	// market_id (length-prefixed)
	buf = append(buf, byte(len(p.MarketID)))
	buf = append(buf, []byte(p.MarketID)...)

	buf = appendBig(buf, p.Size)
	for _, leg := range p.Legs {
		long := byte(0)
		if leg.IsLong {
			long = 1
		}
		buf = append(buf, leg.TokenType, long, byte(leg.RiskPartner))
		buf = appendInt64LE(buf, int64(leg.TickLower))
		buf = appendInt64LE(buf, int64(leg.TickUpper))
		buf = appendBig(buf, leg.Liquidity)
	}
	buf = appendInt64LE(buf, p.UtilizationSnapshot[0])
	buf = appendInt64LE(buf, p.UtilizationSnapshot[1])
	buf = append(buf, byte(p.Status))

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
