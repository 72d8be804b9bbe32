package core

import (
	"math/big"
	"sort"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// PoolSnapshot is a pool's committed state after an event.
type PoolSnapshot struct {
	MarketID           string
	Token              uint8
	Epoch              uint64
	BorrowIndex        *big.Int
	UnrealizedInterest *big.Int
	DepositedAssets    *big.Int
	AssetsInAMM        *big.Int
	TotalAssets        *big.Int
	TotalShares        *big.Int
	Utilization        int64 // ppm
}

// AccountSnapshot is one account's committed stake in a pool after an event.
type AccountSnapshot struct {
	Account       uuid.UUID
	MarketID      string
	Token         uint8
	Shares        *big.Int
	Assets        *big.Int
	NetBorrowed   *big.Int
	OpenPositions int
}

func (c *DeterministicCore) poolSnapshots(evt event.Event) []PoolSnapshot {
	m := evt.MarketID()
	if m == nil {
		return nil
	}
	var out []PoolSnapshot
	for t := uint8(0); t < 2; t++ {
		pool := state.PoolKey{MarketID: *m, Token: t}
		ms, v := c.store.MarketState(pool), c.store.Vault(pool)
		if ms == nil || v == nil {
			continue
		}
		out = append(out, PoolSnapshot{
			MarketID:           pool.MarketID,
			Token:              t,
			Epoch:              ms.Epoch(),
			BorrowIndex:        ms.BorrowIndex(),
			UnrealizedInterest: ms.UnrealizedInterest(),
			DepositedAssets:    new(big.Int).Set(v.DepositedAssets),
			AssetsInAMM:        new(big.Int).Set(v.AssetsInAMM),
			TotalAssets:        new(big.Int).Set(v.TotalAssets),
			TotalShares:        fpmath.U256(v.TotalShares),
			Utilization:        v.Utilization(),
		})
	}
	return out
}

// accountSnapshots reports every user account a batch moved.
func (c *DeterministicCore) accountSnapshots(batch *ledger.Batch) []AccountSnapshot {
	if batch == nil {
		return nil
	}
	seen := make(map[state.AccountKey]bool)
	var keys []state.AccountKey
	for _, j := range batch.Journals {
		for _, k := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if k.Scope != ledger.AccountScopeUser {
				continue
			}
			pool, err := state.ParsePoolKey(k.Asset)
			if err != nil {
				continue
			}
			key := state.AccountKey{Account: uuid.UUID(k.EntityID), Pool: pool}
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Account != keys[j].Account {
			return keys[i].Account.String() < keys[j].Account.String()
		}
		return keys[i].Pool.String() < keys[j].Pool.String()
	})

	out := make([]AccountSnapshot, 0, len(keys))
	for _, key := range keys {
		snap := AccountSnapshot{
			Account:     key.Account,
			MarketID:    key.Pool.MarketID,
			Token:       key.Pool.Token,
			Shares:      c.store.Shares(key),
			Assets:      new(big.Int),
			NetBorrowed: new(big.Int),
		}
		if v := c.store.Vault(key.Pool); v != nil {
			snap.Assets = v.ConvertToAssets(snap.Shares, fpmath.RoundDown)
		}
		if st := c.store.Interest(key); st != nil {
			snap.NetBorrowed = new(big.Int).Set(st.NetBorrowed)
		}
		if b := c.store.Book(state.BookKey{Account: key.Account, MarketID: key.Pool.MarketID}); b != nil {
			snap.OpenPositions = b.Len()
		}
		out = append(out, snap)
	}
	return out
}
