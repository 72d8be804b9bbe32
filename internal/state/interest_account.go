package state

import (
	"math/big"

	fpmath "MarginLedger/internal/math"

	"github.com/google/uuid"
)

// AccountKey identifies an account's stake in one pool.
type AccountKey struct {
	Account uuid.UUID
	Pool    PoolKey
}

// AccountInterestState is the borrow position of one account in one pool.
type AccountInterestState struct {
	NetBorrowed     *big.Int // int128, positive = owes interest
	UserBorrowIndex *big.Int // index of the last full settlement
	PaidSinceIndex  *big.Int // partial payments made against UserBorrowIndex
}

func NewAccountInterestState(index *big.Int) *AccountInterestState {
	return &AccountInterestState{
		NetBorrowed:     new(big.Int),
		UserBorrowIndex: new(big.Int).Set(index),
		PaidSinceIndex:  new(big.Int),
	}
}

func (a *AccountInterestState) Clone() *AccountInterestState {
	return &AccountInterestState{
		NetBorrowed:     new(big.Int).Set(a.NetBorrowed),
		UserBorrowIndex: new(big.Int).Set(a.UserBorrowIndex),
		PaidSinceIndex:  new(big.Int).Set(a.PaidSinceIndex),
	}
}

// AddNetBorrowed applies a signed change with an int128 width check.
func (a *AccountInterestState) AddNetBorrowed(delta *big.Int) error {
	next := new(big.Int).Add(a.NetBorrowed, delta)
	if err := fpmath.CheckInt("netBorrowed", next, fpmath.Bits128); err != nil {
		return err
	}
	a.NetBorrowed = next
	return nil
}

// IsSettled reports no partial payment is pending.
func (a *AccountInterestState) IsSettled() bool {
	return a.PaidSinceIndex.Sign() == 0
}

// IsEmpty reports the state can be dropped.
func (a *AccountInterestState) IsEmpty() bool {
	return a.NetBorrowed.Sign() == 0 && a.PaidSinceIndex.Sign() == 0
}

func (a *AccountInterestState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = appendBig(buf, a.NetBorrowed)
	buf = appendBig(buf, a.UserBorrowIndex)
	return appendBig(buf, a.PaidSinceIndex)
}
