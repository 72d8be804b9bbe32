package state

import (
	"fmt"
	"math/big"

	fpmath "MarginLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Snapshot is a JSON-serializable copy of the store. Wide integers are
// decimal strings; market states are packed words in hex.
type Snapshot struct {
	Markets   map[string]string `json:"markets"` // pool -> packed word
	Vaults    []VaultSnap       `json:"vaults"`
	Shares    []SharesSnap      `json:"shares"`
	Interest  []InterestSnap    `json:"interest"`
	Positions []*Position       `json:"positions"`
	Chunks    []ChunkSnap       `json:"chunks"`
	Oracles   []*OracleSnapshot `json:"oracles"`
	Params    []*RiskParams     `json:"params"`
}

type VaultSnap struct {
	MarketID        string `json:"market_id"`
	Token           uint8  `json:"token"`
	DepositedAssets string `json:"deposited_assets"`
	AssetsInAMM     string `json:"assets_in_amm"`
	TotalAssets     string `json:"total_assets"`
	TotalShares     string `json:"total_shares"`
}

type SharesSnap struct {
	Account  uuid.UUID `json:"account"`
	MarketID string    `json:"market_id"`
	Token    uint8     `json:"token"`
	Shares   string    `json:"shares"`
}

type InterestSnap struct {
	Account         uuid.UUID `json:"account"`
	MarketID        string    `json:"market_id"`
	Token           uint8     `json:"token"`
	NetBorrowed     string    `json:"net_borrowed"`
	UserBorrowIndex string    `json:"user_borrow_index"`
	PaidSinceIndex  string    `json:"paid_since_index"`
}

type AccumulatorSnap struct {
	Value      string `json:"value"`
	Generation uint64 `json:"generation"`
}

type ChunkSnap struct {
	Key              ChunkKey           `json:"key"`
	NetLiquidity     string             `json:"net_liquidity"`
	RemovedLiquidity string             `json:"removed_liquidity"`
	Owed             [2]AccumulatorSnap `json:"owed"`
	Gross            [2]AccumulatorSnap `json:"gross"`
	Settled          [2]string          `json:"settled"`
	GrossOutstanding [2]string          `json:"gross_outstanding"`
}

// Export copies the committed state.
func (s *Store) Export() *Snapshot {
	snap := &Snapshot{Markets: make(map[string]string, len(s.markets))}
	for pool, ms := range s.markets {
		snap.Markets[pool.String()] = ms.Pack().Hex()
	}
	for _, pool := range s.Pools() {
		v := s.vaults[pool]
		snap.Vaults = append(snap.Vaults, VaultSnap{
			MarketID:        pool.MarketID,
			Token:           pool.Token,
			DepositedAssets: v.DepositedAssets.String(),
			AssetsInAMM:     v.AssetsInAMM.String(),
			TotalAssets:     v.TotalAssets.String(),
			TotalShares:     v.TotalShares.Dec(),
		})
	}
	for _, key := range s.AccountKeys() {
		if sh, ok := s.shares[key]; ok {
			snap.Shares = append(snap.Shares, SharesSnap{
				Account: key.Account, MarketID: key.Pool.MarketID, Token: key.Pool.Token, Shares: sh.Dec(),
			})
		}
		if st, ok := s.interest[key]; ok {
			snap.Interest = append(snap.Interest, InterestSnap{
				Account: key.Account, MarketID: key.Pool.MarketID, Token: key.Pool.Token,
				NetBorrowed:     st.NetBorrowed.String(),
				UserBorrowIndex: st.UserBorrowIndex.String(),
				PaidSinceIndex:  st.PaidSinceIndex.String(),
			})
		}
	}
	for _, key := range s.BookKeys() {
		for _, pos := range s.books[key].Positions() {
			snap.Positions = append(snap.Positions, pos.Clone())
		}
	}
	for _, key := range s.ChunkKeys() {
		c := s.chunks[key]
		cs := ChunkSnap{Key: key, NetLiquidity: c.NetLiquidity.String(), RemovedLiquidity: c.RemovedLiquidity.String()}
		for t := 0; t < 2; t++ {
			cs.Owed[t] = accumulatorSnap(c.Owed[t])
			cs.Gross[t] = accumulatorSnap(c.Gross[t])
			cs.Settled[t] = c.Settled[t].String()
			cs.GrossOutstanding[t] = c.GrossOutstanding[t].String()
		}
		snap.Chunks = append(snap.Chunks, cs)
	}
	for _, o := range s.oracles {
		snap.Oracles = append(snap.Oracles, o.Clone())
	}
	snap.Params = s.Params.All()
	return snap
}

// Restore replaces the store contents with a snapshot.
func (s *Store) Restore(snap *Snapshot) error {
	fresh := NewStore(NewRiskParamsManager())
	for _, p := range snap.Params {
		if err := fresh.Params.UpdateRiskParams(p); err != nil {
			return err
		}
	}
	for _, vs := range snap.Vaults {
		pool := PoolKey{MarketID: vs.MarketID, Token: vs.Token}
		word, ok := snap.Markets[pool.String()]
		if !ok {
			return fmt.Errorf("snapshot: vault %s without market state", pool)
		}
		w, err := uint256.FromHex(word)
		if err != nil {
			return fmt.Errorf("snapshot: market %s: %w", pool, err)
		}
		fresh.markets[pool] = UnpackMarketState(w)

		v := NewVault(pool)
		if v.DepositedAssets, err = parseBig("deposited_assets", vs.DepositedAssets); err != nil {
			return err
		}
		if v.AssetsInAMM, err = parseBig("assets_in_amm", vs.AssetsInAMM); err != nil {
			return err
		}
		if v.TotalAssets, err = parseBig("total_assets", vs.TotalAssets); err != nil {
			return err
		}
		if v.TotalShares, err = parseU256("total_shares", vs.TotalShares); err != nil {
			return err
		}
		fresh.vaults[pool] = v
	}
	for _, sh := range snap.Shares {
		u, err := parseU256("shares", sh.Shares)
		if err != nil {
			return err
		}
		fresh.shares[AccountKey{Account: sh.Account, Pool: PoolKey{sh.MarketID, sh.Token}}] = u
	}
	for _, is := range snap.Interest {
		st := &AccountInterestState{}
		var err error
		if st.NetBorrowed, err = parseBig("net_borrowed", is.NetBorrowed); err != nil {
			return err
		}
		if st.UserBorrowIndex, err = parseBig("user_borrow_index", is.UserBorrowIndex); err != nil {
			return err
		}
		if st.PaidSinceIndex, err = parseBig("paid_since_index", is.PaidSinceIndex); err != nil {
			return err
		}
		fresh.interest[AccountKey{Account: is.Account, Pool: PoolKey{is.MarketID, is.Token}}] = st
	}
	for _, pos := range snap.Positions {
		key := BookKey{Account: pos.Owner, MarketID: pos.MarketID}
		b, ok := fresh.books[key]
		if !ok {
			b = NewPositionBook(pos.Owner, pos.MarketID)
			fresh.books[key] = b
		}
		// Restored books already passed the leg limit when they were opened.
		b.positions[pos.ID] = pos.Clone()
	}
	for _, cs := range snap.Chunks {
		c := NewPremiumChunk(cs.Key)
		var err error
		if c.NetLiquidity, err = parseBig("net_liquidity", cs.NetLiquidity); err != nil {
			return err
		}
		if c.RemovedLiquidity, err = parseBig("removed_liquidity", cs.RemovedLiquidity); err != nil {
			return err
		}
		for t := 0; t < 2; t++ {
			if c.Owed[t], err = restoreAccumulator(cs.Owed[t]); err != nil {
				return err
			}
			if c.Gross[t], err = restoreAccumulator(cs.Gross[t]); err != nil {
				return err
			}
			if c.Settled[t], err = parseBig("settled", cs.Settled[t]); err != nil {
				return err
			}
			if c.GrossOutstanding[t], err = parseBig("gross_outstanding", cs.GrossOutstanding[t]); err != nil {
				return err
			}
		}
		fresh.chunks[cs.Key] = c
	}
	for _, o := range snap.Oracles {
		fresh.oracles[o.MarketID] = o.Clone()
	}

	*s = *fresh
	return nil
}

func accumulatorSnap(a Accumulator) AccumulatorSnap {
	return AccumulatorSnap{Value: a.Value.Dec(), Generation: a.Generation}
}

func restoreAccumulator(as AccumulatorSnap) (Accumulator, error) {
	v, err := parseU256("accumulator", as.Value)
	if err != nil {
		return Accumulator{}, err
	}
	return Accumulator{Value: v, Generation: as.Generation}, nil
}

func parseBig(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("snapshot: invalid %s %q", field, s)
	}
	return v, nil
}

func parseU256(field, s string) (*uint256.Int, error) {
	v, err := parseBig(field, s)
	if err != nil {
		return nil, err
	}
	return fpmath.ToU256(field, v)
}
