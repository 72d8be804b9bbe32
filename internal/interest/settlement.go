package interest

import (
	"fmt"
	"math/big"

	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// Mode names the operation an account settlement runs under.
type Mode int

const (
	SettleDeposit Mode = iota
	SettleWithdraw
	SettleLiquidation
	SettlePassive // mint, burn, premium settlement
)

func (m Mode) String() string {
	switch m {
	case SettleDeposit:
		return "deposit"
	case SettleWithdraw:
		return "withdraw"
	case SettleLiquidation:
		return "liquidation"
	case SettlePassive:
		return "passive"
	default:
		return "unknown"
	}
}

// Settlement is the outcome of settling one account in one pool.
type Settlement struct {
	Key          state.AccountKey
	Mode         Mode
	Owed         *big.Int // outstanding before settlement
	Paid         *big.Int // assets paid now
	SharesBurned *big.Int
	Full         bool // index advanced, nothing outstanding
}

// Remaining is the interest still owed after the settlement.
func (s *Settlement) Remaining() *big.Int {
	return new(big.Int).Sub(s.Owed, s.Paid)
}

// InterestOwed returns what an account owes at index, net of partial payments
// already made since its last full settlement.
func InterestOwed(acct *state.AccountInterestState, index *big.Int) (*big.Int, error) {
	if acct.NetBorrowed.Sign() <= 0 {
		return new(big.Int), nil
	}
	if index.Cmp(acct.UserBorrowIndex) < 0 {
		return nil, ledgererr.NewInvariant("user_index_not_ahead",
			"pool index %s below user index %s", index, acct.UserBorrowIndex)
	}
	growth := new(big.Int).Sub(index, acct.UserBorrowIndex)
	gross := fpmath.MulDiv(acct.NetBorrowed, growth, acct.UserBorrowIndex, fpmath.RoundUp)
	return fpmath.NonNegative(gross.Sub(gross, acct.PaidSinceIndex)), nil
}

// SettleAccount pays the account's outstanding interest by burning shares.
// When the shares do not cover it, all shares are burned, their value is
// recorded against the current user index and the index is kept so the rest
// stays owed.
func SettleAccount(txn *state.Txn, key state.AccountKey, mode Mode) (*Settlement, error) {
	ms := txn.MarketState(key.Pool)
	v := txn.Vault(key.Pool)
	if ms == nil || v == nil {
		return nil, fmt.Errorf("settle %s: pool not initialized", key.Pool)
	}
	acct := txn.Interest(key)
	index := ms.BorrowIndex()

	owed, err := InterestOwed(acct, index)
	if err != nil {
		return nil, err
	}
	s := &Settlement{Key: key, Mode: mode, Owed: owed, Paid: new(big.Int), SharesBurned: new(big.Int)}

	if owed.Sign() == 0 {
		acct.UserBorrowIndex = index
		acct.PaidSinceIndex = new(big.Int)
		s.Full = true
		return s, nil
	}

	shares := txn.Shares(key)
	needed := v.ConvertToShares(owed, fpmath.RoundUp)

	if shares.Cmp(needed) >= 0 {
		s.SharesBurned = needed
		s.Paid = owed
		s.Full = true
	} else {
		s.SharesBurned = shares
		s.Paid = v.ConvertToAssets(shares, fpmath.RoundDown)
		if s.Paid.Cmp(owed) > 0 {
			s.Paid = new(big.Int).Set(owed)
		}
	}

	if err := burnAndBook(txn, key, ms, v, shares, s.SharesBurned, s.Paid); err != nil {
		return nil, err
	}

	if s.Full {
		acct.UserBorrowIndex = index
		acct.PaidSinceIndex = new(big.Int)
	} else {
		acct.PaidSinceIndex = new(big.Int).Add(acct.PaidSinceIndex, s.Paid)
	}
	return s, nil
}

// burnAndBook removes the paying shares and converts the paid part of the
// pool's unrealized interest into deposited assets.
func burnAndBook(txn *state.Txn, key state.AccountKey, ms *state.MarketState, v *state.Vault, balance, burned, paid *big.Int) error {
	if burned.Sign() > 0 {
		if err := v.BurnShares(burned); err != nil {
			return err
		}
		if err := txn.SetShares(key, new(big.Int).Sub(balance, burned)); err != nil {
			return err
		}
	}
	if paid.Sign() == 0 {
		return nil
	}
	unrealized := ms.UnrealizedInterest()
	fromUnrealized := fpmath.Min(paid, unrealized)
	if err := ms.SetUnrealizedInterest(unrealized.Sub(unrealized, fromUnrealized)); err != nil {
		return err
	}
	if err := v.AddDeposited(paid); err != nil {
		return err
	}
	v.AddTrackedTotal(new(big.Int).Neg(fromUnrealized))
	return nil
}

// ChangeNetBorrowed applies a borrow change. The account must be fully
// settled first so interest on the old amount is never repriced.
func ChangeNetBorrowed(txn *state.Txn, key state.AccountKey, delta *big.Int) error {
	acct := txn.Interest(key)
	if acct == nil {
		return fmt.Errorf("borrow %s: pool not initialized", key.Pool)
	}
	owed, err := InterestOwed(acct, txn.MarketState(key.Pool).BorrowIndex())
	if err != nil {
		return err
	}
	if owed.Sign() > 0 || !acct.IsSettled() {
		return &ledgererr.InsolvencyError{
			Account: key.Account.String(),
			Market:  key.Pool.MarketID,
			Detail:  fmt.Sprintf("token %d: %s interest unpaid", key.Pool.Token, owed),
		}
	}
	return acct.AddNetBorrowed(delta)
}

// WriteOff is the outcome of writing off uncollectible interest.
type WriteOff struct {
	Key     state.AccountKey
	Owed    *big.Int // interest the account could not pay
	Removed *big.Int // removed from unrealized interest and total assets
}

// WriteOffAccount clears what a liquidated account still owes. The unpaid
// interest leaves the pool's unrealized interest and total assets so it is
// never counted as an asset again.
func WriteOffAccount(txn *state.Txn, key state.AccountKey) (*WriteOff, error) {
	ms := txn.MarketState(key.Pool)
	v := txn.Vault(key.Pool)
	if ms == nil || v == nil {
		return nil, fmt.Errorf("write off %s: pool not initialized", key.Pool)
	}
	acct := txn.Interest(key)
	index := ms.BorrowIndex()
	owed, err := InterestOwed(acct, index)
	if err != nil {
		return nil, err
	}

	unrealized := ms.UnrealizedInterest()
	removed := fpmath.Min(owed, unrealized)
	if err := ms.SetUnrealizedInterest(unrealized.Sub(unrealized, removed)); err != nil {
		return nil, err
	}
	v.AddTrackedTotal(new(big.Int).Neg(removed))

	acct.UserBorrowIndex = index
	acct.PaidSinceIndex = new(big.Int)
	return &WriteOff{Key: key, Owed: owed, Removed: removed}, nil
}
