package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// ChunkKey identifies a liquidity range. Every parameter of the premium
// formula is part of the key, so differently parameterized positions never
// share accumulators.
type ChunkKey struct {
	MarketID     string
	TokenType    uint8
	TickLower    int32
	TickUpper    int32
	SpreadFactor uint32
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s:%d:[%d,%d]:v%d", k.MarketID, k.TokenType, k.TickLower, k.TickUpper, k.SpreadFactor)
}

// Accumulator is a per-liquidity premium total in X64, capped at 2^128-1.
// When a delta would pass the cap the current generation is sealed at the cap
// and the excess starts the next generation. Generation counts the sealed ones.
type Accumulator struct {
	Value      *uint256.Int
	Generation uint64
}

func NewAccumulator() Accumulator {
	return Accumulator{Value: new(uint256.Int)}
}

func (a Accumulator) Clone() Accumulator {
	return Accumulator{Value: new(uint256.Int).Set(a.Value), Generation: a.Generation}
}

// Mark reads the accumulator for a new account snapshot.
func (a Accumulator) Mark() PremiumMark {
	return PremiumMark{Generation: a.Generation, Value: a.Value.ToBig()}
}

// PremiumChunk is the premium state of one liquidity range.
type PremiumChunk struct {
	Key              ChunkKey
	NetLiquidity     *big.Int // short liquidity still deployed
	RemovedLiquidity *big.Int // short liquidity removed by long legs
	Owed             [2]Accumulator
	Gross            [2]Accumulator
	Settled          [2]*big.Int // escrowed tokens available to short legs
	GrossOutstanding [2]*big.Int // gross premium accrued to shorts and not yet paid
}

func NewPremiumChunk(key ChunkKey) *PremiumChunk {
	return &PremiumChunk{
		Key:              key,
		NetLiquidity:     new(big.Int),
		RemovedLiquidity: new(big.Int),
		Owed:             [2]Accumulator{NewAccumulator(), NewAccumulator()},
		Gross:            [2]Accumulator{NewAccumulator(), NewAccumulator()},
		Settled:          [2]*big.Int{new(big.Int), new(big.Int)},
		GrossOutstanding: [2]*big.Int{new(big.Int), new(big.Int)},
	}
}

// TotalLiquidity is all short liquidity ever added and not withdrawn.
func (c *PremiumChunk) TotalLiquidity() *big.Int {
	return new(big.Int).Add(c.NetLiquidity, c.RemovedLiquidity)
}

func (c *PremiumChunk) Clone() *PremiumChunk {
	n := &PremiumChunk{
		Key:              c.Key,
		NetLiquidity:     new(big.Int).Set(c.NetLiquidity),
		RemovedLiquidity: new(big.Int).Set(c.RemovedLiquidity),
	}
	for t := 0; t < 2; t++ {
		n.Owed[t] = c.Owed[t].Clone()
		n.Gross[t] = c.Gross[t].Clone()
		n.Settled[t] = new(big.Int).Set(c.Settled[t])
		n.GrossOutstanding[t] = new(big.Int).Set(c.GrossOutstanding[t])
	}
	return n
}

func (c *PremiumChunk) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, []byte(c.Key.String())...)
	buf = appendBig(buf, c.NetLiquidity)
	buf = appendBig(buf, c.RemovedLiquidity)
	for t := 0; t < 2; t++ {
		for _, acc := range []Accumulator{c.Owed[t], c.Gross[t]} {
			v := acc.Value.Bytes32()
			buf = append(buf, v[:]...)
			buf = appendInt64LE(buf, int64(acc.Generation))
		}
		buf = appendBig(buf, c.Settled[t])
		buf = appendBig(buf, c.GrossOutstanding[t])
	}
	return buf
}
