package state

import (
	"fmt"
	"math/big"
	"strings"

	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

// Field widths and offsets of the packed market word.
const (
	BorrowIndexBits        uint = 80
	EpochBits              uint = 32
	RateAtTargetBits       uint = 38
	UnrealizedInterestBits uint = 106

	epochOffset      = BorrowIndexBits
	rateOffset       = epochOffset + EpochBits
	unrealizedOffset = rateOffset + RateAtTargetBits

	// EpochShift buckets timestamps into 4-second epochs.
	EpochShift = 2
)

// PoolKey identifies one collateral vault: a market and one of its two tokens.
type PoolKey struct {
	MarketID string
	Token    uint8
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s:%d", k.MarketID, k.Token)
}

// ParsePoolKey is the inverse of PoolKey.String.
func ParsePoolKey(s string) (PoolKey, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i != len(s)-2 || (s[i+1] != '0' && s[i+1] != '1') {
		return PoolKey{}, fmt.Errorf("invalid pool key %q", s)
	}
	return PoolKey{MarketID: s[:i], Token: s[i+1] - '0'}, nil
}

// MarketState is the interest state of one pool. Fields are private; every
// writer checks the declared width so no value can spill into a neighbour
// when the state is packed.
type MarketState struct {
	borrowIndex        *big.Int
	epoch              uint64
	rateAtTarget       uint64
	unrealizedInterest *big.Int
}

// NewMarketState starts a pool at index 1.0 with no accrued interest.
func NewMarketState(epoch uint64) (*MarketState, error) {
	ms := &MarketState{
		borrowIndex:        new(big.Int).Set(fpmath.WAD),
		unrealizedInterest: new(big.Int),
	}
	if err := ms.SetEpoch(epoch); err != nil {
		return nil, err
	}
	return ms, nil
}

// EpochOf converts a unix timestamp (seconds) to an epoch number.
func EpochOf(unixSeconds int64) uint64 {
	if unixSeconds < 0 {
		return 0
	}
	return uint64(unixSeconds) >> EpochShift
}

func (ms *MarketState) BorrowIndex() *big.Int        { return new(big.Int).Set(ms.borrowIndex) }
func (ms *MarketState) Epoch() uint64                { return ms.epoch }
func (ms *MarketState) RateAtTarget() uint64         { return ms.rateAtTarget }
func (ms *MarketState) UnrealizedInterest() *big.Int { return new(big.Int).Set(ms.unrealizedInterest) }

// SetBorrowIndex rejects values wider than 80 bits and any decrease.
func (ms *MarketState) SetBorrowIndex(v *big.Int) error {
	if err := fpmath.CheckUint("borrowIndex", v, BorrowIndexBits); err != nil {
		return err
	}
	if ms.borrowIndex != nil && v.Cmp(ms.borrowIndex) < 0 {
		return ledgererr.NewInvariant("borrow_index_monotonic", "index %s below current %s", v, ms.borrowIndex)
	}
	ms.borrowIndex = new(big.Int).Set(v)
	return nil
}

func (ms *MarketState) SetEpoch(v uint64) error {
	if v>>EpochBits != 0 {
		return ledgererr.NewOverflow("epoch", new(big.Int).SetUint64(v), EpochBits)
	}
	ms.epoch = v
	return nil
}

func (ms *MarketState) SetRateAtTarget(v uint64) error {
	if v>>RateAtTargetBits != 0 {
		return ledgererr.NewOverflow("rateAtTarget", new(big.Int).SetUint64(v), RateAtTargetBits)
	}
	ms.rateAtTarget = v
	return nil
}

func (ms *MarketState) SetUnrealizedInterest(v *big.Int) error {
	if err := fpmath.CheckUint("unrealizedInterest", v, UnrealizedInterestBits); err != nil {
		return err
	}
	ms.unrealizedInterest = new(big.Int).Set(v)
	return nil
}

// Clone returns an independent copy.
func (ms *MarketState) Clone() *MarketState {
	return &MarketState{
		borrowIndex:        new(big.Int).Set(ms.borrowIndex),
		epoch:              ms.epoch,
		rateAtTarget:       ms.rateAtTarget,
		unrealizedInterest: new(big.Int).Set(ms.unrealizedInterest),
	}
}

// Pack encodes the state into one 256-bit word:
// [0,80) borrowIndex | [80,112) epoch | [112,150) rateAtTarget | [150,256) unrealizedInterest.
func (ms *MarketState) Pack() *uint256.Int {
	word, _ := uint256.FromBig(ms.borrowIndex)

	field := uint256.NewInt(ms.epoch)
	word.Or(word, field.Lsh(field, epochOffset))

	field = uint256.NewInt(ms.rateAtTarget)
	word.Or(word, field.Lsh(field, rateOffset))

	field, _ = uint256.FromBig(ms.unrealizedInterest)
	word.Or(word, field.Lsh(field, unrealizedOffset))

	return word
}

// UnpackMarketState decodes a packed word. Every field is masked to its width.
func UnpackMarketState(word *uint256.Int) *MarketState {
	field := func(offset, bits uint) *uint256.Int {
		v := new(uint256.Int).Rsh(word, offset)
		mask := new(uint256.Int).Lsh(uint256.NewInt(1), bits)
		mask.SubUint64(mask, 1)
		return v.And(v, mask)
	}

	return &MarketState{
		borrowIndex:        field(0, BorrowIndexBits).ToBig(),
		epoch:              field(epochOffset, EpochBits).Uint64(),
		rateAtTarget:       field(rateOffset, RateAtTargetBits).Uint64(),
		unrealizedInterest: field(unrealizedOffset, UnrealizedInterestBits).ToBig(),
	}
}

// CanonicalBytes returns the packed word as 32 big-endian bytes for hashing.
func (ms *MarketState) CanonicalBytes() []byte {
	b := ms.Pack().Bytes32()
	return b[:]
}
