package liquidation

import (
	"fmt"
	"math/big"

	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// Payout records how one token's bonus was delivered.
type Payout struct {
	Pool        state.PoolKey
	Bonus       *big.Int // signed, assets
	Transferred *big.Int // shares moved between the two accounts
	Minted      *big.Int // new shares issued to the liquidator
	Capped      bool     // minting hit the dilution bound
}

// Settle delivers a bonus in one pool. A positive bonus is paid with the
// liquidatee's shares first. Whatever those shares cannot cover is minted to
// the liquidator: r*S/(A-r) shares for a remainder r against total assets A
// and supply S, bounded so the supply grows at most maxDilution times. When
// A <= r the vault cannot back the remainder at all and the bound applies.
// A negative bonus is paid by the liquidator to the liquidatee.
func Settle(txn *state.Txn, pool state.PoolKey, liquidatee, liquidator uuid.UUID, bonus *big.Int, maxDilution int64) (*Payout, error) {
	v := txn.Vault(pool)
	if v == nil {
		return nil, fmt.Errorf("settle %s: pool not initialized", pool)
	}
	if err := fpmath.CheckInt("bonus", bonus, BonusBits); err != nil {
		return nil, err
	}
	if maxDilution < 1 {
		return nil, fmt.Errorf("settle %s: max dilution multiple %d below 1", pool, maxDilution)
	}
	out := &Payout{Pool: pool, Bonus: new(big.Int).Set(bonus), Transferred: new(big.Int), Minted: new(big.Int)}
	fromKey := state.AccountKey{Account: liquidatee, Pool: pool}
	toKey := state.AccountKey{Account: liquidator, Pool: pool}

	switch bonus.Sign() {
	case 0:
		return out, nil
	case -1:
		amount := new(big.Int).Neg(bonus)
		shares := v.ConvertToShares(amount, fpmath.RoundUp)
		have := txn.Shares(toKey)
		if have.Cmp(shares) < 0 {
			return nil, &ledgererr.InsolvencyError{
				Account: liquidator.String(),
				Market:  pool.MarketID,
				Detail:  fmt.Sprintf("token %d: liquidator cannot cover negative bonus %s", pool.Token, amount),
			}
		}
		if err := transfer(txn, toKey, fromKey, shares); err != nil {
			return nil, err
		}
		out.Transferred = shares
		return out, nil
	}

	needed := v.ConvertToShares(bonus, fpmath.RoundDown)
	balance := txn.Shares(fromKey)
	if needed.Cmp(balance) <= 0 {
		if err := transfer(txn, fromKey, toKey, needed); err != nil {
			return nil, err
		}
		out.Transferred = needed
		return out, nil
	}

	remainder := new(big.Int).Sub(bonus, v.ConvertToAssets(balance, fpmath.RoundDown))
	if err := transfer(txn, fromKey, toKey, balance); err != nil {
		return nil, err
	}
	out.Transferred = balance

	supply := v.TotalShares.ToBig()
	limit := new(big.Int).Mul(supply, big.NewInt(maxDilution-1))
	assets := v.TotalAssets
	var mint *big.Int
	if assets.Cmp(remainder) <= 0 {
		mint, out.Capped = limit, true
	} else {
		mint = fpmath.MulDiv(remainder, supply, new(big.Int).Sub(assets, remainder), fpmath.RoundDown)
		if mint.Cmp(limit) > 0 {
			mint, out.Capped = limit, true
		}
	}
	if mint.Sign() == 0 {
		return out, nil
	}
	if err := v.MintShares(mint); err != nil {
		return nil, err
	}
	if err := txn.SetShares(toKey, new(big.Int).Add(txn.Shares(toKey), mint)); err != nil {
		return nil, err
	}
	out.Minted = mint
	return out, nil
}

func transfer(txn *state.Txn, from, to state.AccountKey, shares *big.Int) error {
	if shares.Sign() == 0 {
		return nil
	}
	src := txn.Shares(from)
	if src.Cmp(shares) < 0 {
		return ledgererr.NewInvariant("share_transfer", "%s holds %s, transferring %s", from.Account, src, shares)
	}
	if err := txn.SetShares(from, src.Sub(src, shares)); err != nil {
		return err
	}
	return txn.SetShares(to, new(big.Int).Add(txn.Shares(to), shares))
}
