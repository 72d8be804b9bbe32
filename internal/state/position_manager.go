package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// MaxOpenLegsDefault bounds the legs one account may hold across its positions.
const MaxOpenLegsDefault = 33

// BookKey identifies the positions of one account in one market.
type BookKey struct {
	Account  uuid.UUID
	MarketID string
}

// PositionBook holds an account's open positions in a market.
type PositionBook struct {
	Account   uuid.UUID
	MarketID  string
	positions map[uuid.UUID]*Position
}

func NewPositionBook(account uuid.UUID, marketID string) *PositionBook {
	return &PositionBook{
		Account:   account,
		MarketID:  marketID,
		positions: make(map[uuid.UUID]*Position),
	}
}

// Get returns an open position or nil
func (b *PositionBook) Get(id uuid.UUID) *Position {
	return b.positions[id]
}

// Add opens a position, enforcing the leg limit.
func (b *PositionBook) Add(pos *Position, maxLegs int) error {
	if _, exists := b.positions[pos.ID]; exists {
		return fmt.Errorf("position %s already open", pos.ID)
	}
	if pos.Owner != b.Account || pos.MarketID != b.MarketID {
		return fmt.Errorf("position %s does not belong to book %s/%s", pos.ID, b.Account, b.MarketID)
	}
	if maxLegs <= 0 {
		maxLegs = MaxOpenLegsDefault
	}
	if b.LegCount()+len(pos.Legs) > maxLegs {
		return fmt.Errorf("leg limit exceeded: %d open + %d new > %d", b.LegCount(), len(pos.Legs), maxLegs)
	}
	b.positions[pos.ID] = pos
	return nil
}

// Remove closes a position with the given terminal status.
func (b *PositionBook) Remove(id uuid.UUID, status PositionStatus) (*Position, error) {
	pos, ok := b.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s not open", id)
	}
	if !pos.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("position %s: invalid transition %s -> %s", id, pos.Status, status)
	}
	delete(b.positions, id)
	pos.Status = status
	return pos, nil
}

// LegCount sums legs across open positions
func (b *PositionBook) LegCount() int {
	n := 0
	for _, pos := range b.positions {
		n += len(pos.Legs)
	}
	return n
}

func (b *PositionBook) Len() int { return len(b.positions) }

// Positions returns open positions in deterministic (ID) order
func (b *PositionBook) Positions() []*Position {
	result := make([]*Position, 0, len(b.positions))
	for _, pos := range b.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].ID[:], result[j].ID[:]) < 0
	})
	return result
}

func (b *PositionBook) Clone() *PositionBook {
	c := NewPositionBook(b.Account, b.MarketID)
	for id, pos := range b.positions {
		c.positions[id] = pos.Clone()
	}
	return c
}

func (b *PositionBook) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64*len(b.positions))
	for _, pos := range b.Positions() {
		buf = append(buf, pos.CanonicalBytes()...)
	}
	return buf
}
