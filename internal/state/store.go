package state

import (
	"fmt"
	"math/big"
	"sort"

	fpmath "MarginLedger/internal/math"

	"github.com/holiman/uint256"
)

// Store is the committed ledger state. It is owned by the core goroutine and
// only changes through Txn.Commit.
type Store struct {
	markets  map[PoolKey]*MarketState
	vaults   map[PoolKey]*Vault
	shares   map[AccountKey]*uint256.Int
	interest map[AccountKey]*AccountInterestState
	books    map[BookKey]*PositionBook
	chunks   map[ChunkKey]*PremiumChunk
	oracles  map[string]*OracleSnapshot

	Params *RiskParamsManager
}

func NewStore(params *RiskParamsManager) *Store {
	if params == nil {
		params = NewRiskParamsManager()
	}
	return &Store{
		markets:  make(map[PoolKey]*MarketState),
		vaults:   make(map[PoolKey]*Vault),
		shares:   make(map[AccountKey]*uint256.Int),
		interest: make(map[AccountKey]*AccountInterestState),
		books:    make(map[BookKey]*PositionBook),
		chunks:   make(map[ChunkKey]*PremiumChunk),
		oracles:  make(map[string]*OracleSnapshot),
		Params:   params,
	}
}

// Read accessors return committed values. Callers must not mutate them.

func (s *Store) MarketState(pool PoolKey) *MarketState         { return s.markets[pool] }
func (s *Store) Vault(pool PoolKey) *Vault                     { return s.vaults[pool] }
func (s *Store) Interest(key AccountKey) *AccountInterestState { return s.interest[key] }
func (s *Store) Book(key BookKey) *PositionBook                { return s.books[key] }
func (s *Store) Chunk(key ChunkKey) *PremiumChunk              { return s.chunks[key] }
func (s *Store) Oracle(marketID string) *OracleSnapshot        { return s.oracles[marketID] }

// Shares returns an account's share balance (zero when absent).
func (s *Store) Shares(key AccountKey) *big.Int {
	return fpmath.U256(s.shares[key])
}

// Pools returns every pool with a vault, sorted.
func (s *Store) Pools() []PoolKey {
	pools := make([]PoolKey, 0, len(s.vaults))
	for k := range s.vaults {
		pools = append(pools, k)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].String() < pools[j].String() })
	return pools
}

// AccountKeys returns every account with shares or interest state, sorted.
func (s *Store) AccountKeys() []AccountKey {
	seen := make(map[AccountKey]struct{}, len(s.shares))
	for k := range s.shares {
		seen[k] = struct{}{}
	}
	for k := range s.interest {
		seen[k] = struct{}{}
	}
	keys := make([]AccountKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return accountKeyString(keys[i]) < accountKeyString(keys[j]) })
	return keys
}

// BookKeys returns every non-empty position book, sorted.
func (s *Store) BookKeys() []BookKey {
	keys := make([]BookKey, 0, len(s.books))
	for k := range s.books {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bookKeyString(keys[i]) < bookKeyString(keys[j]) })
	return keys
}

// ChunkKeys returns every premium chunk, sorted.
func (s *Store) ChunkKeys() []ChunkKey {
	keys := make([]ChunkKey, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Begin opens a transaction over the store.
func (s *Store) Begin() *Txn {
	return &Txn{
		store:    s,
		markets:  newOverlay(s.markets, (*MarketState).Clone, PoolKey.String, nil),
		vaults:   newOverlay(s.vaults, (*Vault).Clone, PoolKey.String, nil),
		shares:   newOverlay(s.shares, cloneU256, accountKeyString, func(v *uint256.Int) bool { return !v.IsZero() }),
		interest: newOverlay(s.interest, (*AccountInterestState).Clone, accountKeyString, func(v *AccountInterestState) bool { return !v.IsEmpty() }),
		books:    newOverlay(s.books, (*PositionBook).Clone, bookKeyString, func(v *PositionBook) bool { return v.Len() > 0 }),
		chunks:   newOverlay(s.chunks, (*PremiumChunk).Clone, ChunkKey.String, nil),
		oracles:  newOverlay(s.oracles, (*OracleSnapshot).Clone, func(m string) string { return m }, nil),
		params:   newOverlay(s.Params.params, cloneParams, func(m string) string { return m }, nil),
	}
}

// Txn is a copy-on-touch overlay. Every value handed out is private to the
// transaction until Commit; Discard drops all of it.
type Txn struct {
	store    *Store
	markets  *overlay[PoolKey, *MarketState]
	vaults   *overlay[PoolKey, *Vault]
	shares   *overlay[AccountKey, *uint256.Int]
	interest *overlay[AccountKey, *AccountInterestState]
	books    *overlay[BookKey, *PositionBook]
	chunks   *overlay[ChunkKey, *PremiumChunk]
	oracles  *overlay[string, *OracleSnapshot]
	params   *overlay[string, *RiskParams]
	done     bool
}

// EnsurePool creates the market state and vault of a pool on first use.
func (t *Txn) EnsurePool(pool PoolKey, epoch uint64) error {
	if pool.Token > 1 {
		return fmt.Errorf("pool %s: token must be 0 or 1", pool)
	}
	if _, ok := t.params.get(pool.MarketID); !ok {
		return fmt.Errorf("unknown market: %s", pool.MarketID)
	}
	if _, ok := t.markets.get(pool); !ok {
		ms, err := NewMarketState(epoch)
		if err != nil {
			return err
		}
		t.markets.put(pool, ms)
	}
	if _, ok := t.vaults.get(pool); !ok {
		t.vaults.put(pool, NewVault(pool))
	}
	return nil
}

// MarketState returns the pool's state, or nil before EnsurePool.
func (t *Txn) MarketState(pool PoolKey) *MarketState {
	ms, _ := t.markets.get(pool)
	return ms
}

// Vault returns the pool's vault, or nil before EnsurePool.
func (t *Txn) Vault(pool PoolKey) *Vault {
	v, _ := t.vaults.get(pool)
	return v
}

// Shares returns a copy of an account's share balance.
func (t *Txn) Shares(key AccountKey) *big.Int {
	v, _ := t.shares.get(key)
	return fpmath.U256(v)
}

// SetShares replaces an account's share balance.
func (t *Txn) SetShares(key AccountKey, shares *big.Int) error {
	u, err := fpmath.ToU256("accountShares", shares)
	if err != nil {
		return err
	}
	t.shares.put(key, u)
	return nil
}

// Interest returns the account's borrow state, creating it at the pool's
// current index when absent. The pool must exist.
func (t *Txn) Interest(key AccountKey) *AccountInterestState {
	if st, ok := t.interest.get(key); ok {
		return st
	}
	ms := t.MarketState(key.Pool)
	if ms == nil {
		return nil
	}
	st := NewAccountInterestState(ms.BorrowIndex())
	t.interest.put(key, st)
	return st
}

// Book returns the account's position book in a market, creating it on demand.
func (t *Txn) Book(key BookKey) *PositionBook {
	if b, ok := t.books.get(key); ok {
		return b
	}
	b := NewPositionBook(key.Account, key.MarketID)
	t.books.put(key, b)
	return b
}

// Chunk returns the premium state of a liquidity range, creating it on demand.
func (t *Txn) Chunk(key ChunkKey) *PremiumChunk {
	if c, ok := t.chunks.get(key); ok {
		return c
	}
	c := NewPremiumChunk(key)
	t.chunks.put(key, c)
	return c
}

func (t *Txn) Oracle(marketID string) *OracleSnapshot {
	o, _ := t.oracles.get(marketID)
	return o
}

func (t *Txn) PutOracle(o *OracleSnapshot) {
	t.oracles.put(o.MarketID, o)
}

func (t *Txn) Params(marketID string) (*RiskParams, bool) {
	return t.params.get(marketID)
}

func (t *Txn) PutParams(p *RiskParams) error {
	if err := ValidateRiskParams(p); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", p.MarketID, err)
	}
	t.params.put(p.MarketID, p)
	return nil
}

// CheckConservation verifies the asset identity of every touched vault.
func (t *Txn) CheckConservation() error {
	for _, pool := range t.vaults.touchedKeys() {
		v, _ := t.vaults.get(pool)
		ms, _ := t.markets.get(pool)
		if err := v.CheckConservation(ms.UnrealizedInterest()); err != nil {
			return err
		}
	}
	return nil
}

// TouchedCanonical returns the canonical encoding of every touched entry in
// deterministic order, for the state digest.
func (t *Txn) TouchedCanonical() [][]byte {
	var out [][]byte
	out = t.markets.canonical(out, "market", (*MarketState).CanonicalBytes)
	out = t.vaults.canonical(out, "vault", (*Vault).CanonicalBytes)
	out = t.shares.canonical(out, "shares", func(v *uint256.Int) []byte { b := v.Bytes32(); return b[:] })
	out = t.interest.canonical(out, "interest", (*AccountInterestState).CanonicalBytes)
	out = t.books.canonical(out, "book", (*PositionBook).CanonicalBytes)
	out = t.chunks.canonical(out, "chunk", (*PremiumChunk).CanonicalBytes)
	out = t.oracles.canonical(out, "oracle", (*OracleSnapshot).CanonicalBytes)
	return out
}

// Commit writes the overlay into the store. A transaction commits at most once.
func (t *Txn) Commit() {
	if t.done {
		panic("state: transaction already finished")
	}
	t.done = true
	t.markets.commit()
	t.vaults.commit()
	t.shares.commit()
	t.interest.commit()
	t.books.commit()
	t.chunks.commit()
	t.oracles.commit()
	t.params.commit()
}

// Discard drops the overlay.
func (t *Txn) Discard() {
	t.done = true
}

type overlay[K comparable, V any] struct {
	base  map[K]V
	dirty map[K]V
	clone func(V) V
	key   func(K) string
	keep  func(V) bool // nil keeps every value
}

func newOverlay[K comparable, V any](base map[K]V, clone func(V) V, key func(K) string, keep func(V) bool) *overlay[K, V] {
	return &overlay[K, V]{base: base, dirty: make(map[K]V), clone: clone, key: key, keep: keep}
}

// get clones the committed value into the overlay on first touch.
func (o *overlay[K, V]) get(k K) (V, bool) {
	if v, ok := o.dirty[k]; ok {
		return v, true
	}
	v, ok := o.base[k]
	if !ok {
		var zero V
		return zero, false
	}
	c := o.clone(v)
	o.dirty[k] = c
	return c, true
}

func (o *overlay[K, V]) put(k K, v V) {
	o.dirty[k] = v
}

func (o *overlay[K, V]) touchedKeys() []K {
	keys := make([]K, 0, len(o.dirty))
	for k := range o.dirty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return o.key(keys[i]) < o.key(keys[j]) })
	return keys
}

func (o *overlay[K, V]) canonical(out [][]byte, prefix string, enc func(V) []byte) [][]byte {
	for _, k := range o.touchedKeys() {
		entry := []byte(prefix + "/" + o.key(k) + "/")
		v := o.dirty[k]
		if o.keep == nil || o.keep(v) {
			entry = append(entry, enc(v)...)
		}
		out = append(out, entry)
	}
	return out
}

func (o *overlay[K, V]) commit() {
	for k, v := range o.dirty {
		if o.keep != nil && !o.keep(v) {
			delete(o.base, k)
			continue
		}
		o.base[k] = v
	}
	o.dirty = make(map[K]V)
}

func cloneU256(v *uint256.Int) *uint256.Int { return new(uint256.Int).Set(v) }

func cloneParams(p *RiskParams) *RiskParams {
	c := *p
	return &c
}

func accountKeyString(k AccountKey) string { return k.Account.String() + "/" + k.Pool.String() }
func bookKeyString(k BookKey) string       { return k.Account.String() + "/" + k.MarketID }
