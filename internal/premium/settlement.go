package premium

import (
	"fmt"
	"math/big"

	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// Settlement is the premium moved for one account, per token.
type Settlement struct {
	Owed      [2]*big.Int // paid by long legs into escrow
	Collected [2]*big.Int // paid from escrow to short legs
	Forfeited [2]*big.Int // short premium the escrow could not cover, or given up
}

func newSettlement() *Settlement {
	return &Settlement{
		Owed:      [2]*big.Int{new(big.Int), new(big.Int)},
		Collected: [2]*big.Int{new(big.Int), new(big.Int)},
		Forfeited: [2]*big.Int{new(big.Int), new(big.Int)},
	}
}

func (s *Settlement) add(o *Settlement) {
	for t := 0; t < 2; t++ {
		s.Owed[t].Add(s.Owed[t], o.Owed[t])
		s.Collected[t].Add(s.Collected[t], o.Collected[t])
		s.Forfeited[t].Add(s.Forfeited[t], o.Forfeited[t])
	}
}

// SettleAccount settles every open position of an account in a market.
func SettleAccount(txn *state.Txn, account state.BookKey) (*Settlement, error) {
	total := newSettlement()
	for _, pos := range txn.Book(account).Positions() {
		s, err := SettlePosition(txn, pos)
		if err != nil {
			return nil, err
		}
		total.add(s)
	}
	return total, nil
}

// SettlePosition pays a position's long premium into escrow, then pays its
// short premium out of escrow at the escrow's coverage ratio. Marks move to
// the current accumulators. Long premium the account's shares cannot cover
// fails the settlement.
func SettlePosition(txn *state.Txn, pos *state.Position) (*Settlement, error) {
	s := newSettlement()
	// longs first so their payments are in escrow before shorts draw on it
	for _, long := range []bool{true, false} {
		for i, leg := range pos.Legs {
			if leg.IsLong != long {
				continue
			}
			chunk := txn.Chunk(ChunkKeyFor(pos, leg))
			accrued, err := LegAccrued(chunk, pos, i)
			if err != nil {
				return nil, err
			}
			for t := 0; t < 2; t++ {
				if accrued[t].Sign() == 0 {
					continue
				}
				key := state.AccountKey{Account: pos.Owner, Pool: state.PoolKey{MarketID: pos.MarketID, Token: uint8(t)}}
				if long {
					if err := PayLong(txn, key, chunk, t, accrued[t]); err != nil {
						return nil, err
					}
					s.Owed[t].Add(s.Owed[t], accrued[t])
				} else {
					paid, err := CollectShort(txn, key, chunk, t, accrued[t])
					if err != nil {
						return nil, err
					}
					s.Collected[t].Add(s.Collected[t], paid)
					s.Forfeited[t].Add(s.Forfeited[t], new(big.Int).Sub(accrued[t], paid))
				}
			}
			remark(pos, i, chunk)
		}
	}
	return s, nil
}

// PayLong moves owed premium from the account's collateral into the range escrow.
func PayLong(txn *state.Txn, key state.AccountKey, chunk *state.PremiumChunk, token int, amount *big.Int) error {
	v := txn.Vault(key.Pool)
	if v == nil {
		return fmt.Errorf("premium %s: pool not initialized", key.Pool)
	}
	shares := txn.Shares(key)
	burn := v.ConvertToShares(amount, fpmath.RoundUp)
	if burn.Cmp(shares) > 0 {
		return &ledgererr.InsolvencyError{
			Account: key.Account.String(),
			Market:  key.Pool.MarketID,
			Detail:  fmt.Sprintf("token %d: premium %s exceeds collateral", token, amount),
		}
	}
	if err := v.BurnShares(burn); err != nil {
		return err
	}
	if err := txn.SetShares(key, shares.Sub(shares, burn)); err != nil {
		return err
	}
	if err := v.AddDeposited(new(big.Int).Neg(amount)); err != nil {
		return err
	}
	chunk.Settled[token] = new(big.Int).Add(chunk.Settled[token], amount)
	return nil
}

// CollectShort pays a short leg's accrued premium out of escrow, scaled by
// the escrow's coverage. The uncovered part is forfeited: it leaves the
// range's outstanding gross premium without being paid. A payment worth less
// than one share is forfeited too and stays in escrow.
func CollectShort(txn *state.Txn, key state.AccountKey, chunk *state.PremiumChunk, token int, accrued *big.Int) (*big.Int, error) {
	v := txn.Vault(key.Pool)
	if v == nil {
		return nil, fmt.Errorf("premium %s: pool not initialized", key.Pool)
	}
	paid := Payable(chunk, token, accrued)
	mint := v.ConvertToShares(paid, fpmath.RoundDown)
	if mint.Sign() == 0 {
		paid = new(big.Int)
	}

	chunk.Settled[token] = new(big.Int).Sub(chunk.Settled[token], paid)
	chunk.GrossOutstanding[token] = fpmath.NonNegative(new(big.Int).Sub(chunk.GrossOutstanding[token], accrued))
	if paid.Sign() == 0 {
		return paid, nil
	}

	if err := v.AddDeposited(paid); err != nil {
		return nil, err
	}
	if err := v.MintShares(mint); err != nil {
		return nil, err
	}
	if err := txn.SetShares(key, new(big.Int).Add(txn.Shares(key), mint)); err != nil {
		return nil, err
	}
	return paid, nil
}

// ForfeitShort drops a short leg's accrued premium without paying it.
func ForfeitShort(txn *state.Txn, pos *state.Position, i int) ([2]*big.Int, error) {
	chunk := txn.Chunk(ChunkKeyFor(pos, pos.Legs[i]))
	accrued, err := LegAccrued(chunk, pos, i)
	if err != nil {
		return [2]*big.Int{}, err
	}
	for t := 0; t < 2; t++ {
		chunk.GrossOutstanding[t] = fpmath.NonNegative(new(big.Int).Sub(chunk.GrossOutstanding[t], accrued[t]))
	}
	remark(pos, i, chunk)
	return accrued, nil
}

// remark moves a leg's marks to the current accumulators.
func remark(pos *state.Position, i int, chunk *state.PremiumChunk) {
	for len(pos.PremiumMarks) < len(pos.Legs) {
		pos.PremiumMarks = append(pos.PremiumMarks, [2]state.PremiumMark{})
	}
	if pos.Legs[i].IsLong {
		pos.PremiumMarks[i] = [2]state.PremiumMark{chunk.Owed[0].Mark(), chunk.Owed[1].Mark()}
	} else {
		pos.PremiumMarks[i] = [2]state.PremiumMark{chunk.Gross[0].Mark(), chunk.Gross[1].Mark()}
	}
}
