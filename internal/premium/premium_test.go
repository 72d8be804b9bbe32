package premium_test

import (
	"math/big"
	"testing"

	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/premium"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const market = "ETH-USDC"

var pool0 = state.PoolKey{MarketID: market, Token: 0}

func newTxn(t *testing.T) *state.Txn {
	t.Helper()
	txn := state.NewStore(nil).Begin()
	require.NoError(t, txn.EnsurePool(pool0, 0))
	require.NoError(t, txn.EnsurePool(state.PoolKey{MarketID: market, Token: 1}, 0))
	return txn
}

func deposit(t *testing.T, txn *state.Txn, account uuid.UUID, assets int64) {
	t.Helper()
	v := txn.Vault(pool0)
	key := state.AccountKey{Account: account, Pool: pool0}
	shares := v.ConvertToShares(big.NewInt(assets), fpmath.RoundDown)
	require.NoError(t, v.AddDeposited(big.NewInt(assets)))
	require.NoError(t, v.MintShares(shares))
	require.NoError(t, txn.SetShares(key, new(big.Int).Add(txn.Shares(key), shares)))
}

func open(t *testing.T, txn *state.Txn, owner uuid.UUID, long bool, liquidity int64, spreadFactor uint32) *state.Position {
	t.Helper()
	pos := &state.Position{
		ID:           uuid.New(),
		Owner:        owner,
		MarketID:     market,
		Size:         big.NewInt(1),
		SpreadFactor: spreadFactor,
		Legs: []state.Leg{{
			TokenType: 0,
			IsLong:    long,
			TickLower: -600,
			TickUpper: 600,
			Liquidity: big.NewInt(liquidity),
		}},
	}
	require.NoError(t, premium.OpenLegs(txn, pos))
	require.NoError(t, txn.Book(state.BookKey{Account: owner, MarketID: market}).Add(pos, 0))
	return pos
}

func tokens(a, b int64) [2]*big.Int { return [2]*big.Int{big.NewInt(a), big.NewInt(b)} }

// ============================================================================
// Accumulators
// ============================================================================

func TestAddSaturating_CarriesIntoNextGeneration(t *testing.T) {
	acc := state.NewAccumulator()
	acc.Value = uint256.MustFromBig(new(big.Int).Sub(premium.MaxAccumulator, big.NewInt(10)))
	mark := acc.Mark()

	sealed, err := premium.AddSaturating(&acc, big.NewInt(25))
	require.NoError(t, err)
	require.Equal(t, uint64(1), sealed)
	require.Equal(t, uint64(1), acc.Generation)
	require.Equal(t, uint64(15), acc.Value.Uint64())
	require.Equal(t, int64(25), premium.Growth(acc, mark).Int64())

	// crediting keeps working after the cap
	for i := 0; i < 3; i++ {
		_, err := premium.AddSaturating(&acc, premium.MaxAccumulator)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(4), acc.Generation)
	want := new(big.Int).Mul(premium.MaxAccumulator, big.NewInt(3))
	want.Add(want, big.NewInt(25))
	require.Equal(t, want.String(), premium.Growth(acc, mark).String())
}

func TestAddSaturating_LargeDeltaSealsInOneStep(t *testing.T) {
	acc := state.NewAccumulator()
	mark := acc.Mark()

	delta := new(big.Int).Mul(premium.MaxAccumulator, new(big.Int).Lsh(big.NewInt(1), 40))
	delta.Add(delta, big.NewInt(7))
	sealed, err := premium.AddSaturating(&acc, delta)
	require.NoError(t, err)
	require.Equal(t, uint64(1)<<40, sealed)
	require.Equal(t, uint64(1)<<40, acc.Generation)
	require.Equal(t, uint64(7), acc.Value.Uint64())
	require.Equal(t, delta.String(), premium.Growth(acc, mark).String())

	// an exact multiple leaves the open generation full
	exact := state.NewAccumulator()
	sealed, err = premium.AddSaturating(&exact, new(big.Int).Mul(premium.MaxAccumulator, big.NewInt(3)))
	require.NoError(t, err)
	require.Equal(t, uint64(2), sealed)
	require.Equal(t, premium.MaxAccumulator.String(), exact.Value.ToBig().String())
}

func TestAddSaturating_GenerationOverflowLeavesAccumulator(t *testing.T) {
	acc := state.NewAccumulator()
	acc.Generation = ^uint64(0) - 1
	acc.Value = uint256.NewInt(5)

	_, err := premium.AddSaturating(&acc, new(big.Int).Mul(premium.MaxAccumulator, big.NewInt(4)))
	require.ErrorIs(t, err, ledgererr.ErrOverflow)
	require.Equal(t, ^uint64(0)-1, acc.Generation)
	require.Equal(t, uint64(5), acc.Value.Uint64())
}

func TestAddSaturating_IgnoresNonPositive(t *testing.T) {
	acc := state.NewAccumulator()
	n, err := premium.AddSaturating(&acc, big.NewInt(-5))
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = premium.AddSaturating(&acc, new(big.Int))
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, acc.Value.IsZero())
}

func TestAccrued_ScalesByLiquidity(t *testing.T) {
	acc := state.NewAccumulator()
	mark := acc.Mark()
	_, err := premium.AddSaturating(&acc, new(big.Int).Lsh(big.NewInt(3), 64)) // 3 per unit
	require.NoError(t, err)
	require.Equal(t, int64(3_000), premium.Accrued(acc, mark, big.NewInt(1_000)).Int64())
	require.Zero(t, premium.Accrued(acc, state.PremiumMark{}, big.NewInt(1_000)).Sign())
}

// ============================================================================
// Collection
// ============================================================================

func TestUpdateOnCollect_NoLongs(t *testing.T) {
	chunk := state.NewPremiumChunk(state.ChunkKey{MarketID: market, TickLower: -600, TickUpper: 600, SpreadFactor: 4})
	chunk.NetLiquidity = big.NewInt(1_000)

	c, err := premium.UpdateOnCollect(chunk, tokens(100, 0))
	require.NoError(t, err)
	require.Equal(t, c.OwedDelta[0].String(), c.GrossDelta[0].String())

	earned := premium.Accrued(chunk.Gross[0], state.PremiumMark{Value: new(big.Int)}, chunk.NetLiquidity)
	require.InDelta(t, 100, earned.Int64(), 1)
	require.Equal(t, int64(100), chunk.Settled[0].Int64())
	require.Zero(t, chunk.Settled[1].Sign())
}

func TestUpdateOnCollect_WithRemovedLiquidity(t *testing.T) {
	chunk := state.NewPremiumChunk(state.ChunkKey{MarketID: market, TickLower: -600, TickUpper: 600, SpreadFactor: 4})
	chunk.NetLiquidity = big.NewInt(750)
	chunk.RemovedLiquidity = big.NewInt(250)

	c, err := premium.UpdateOnCollect(chunk, tokens(100, 0))
	require.NoError(t, err)

	// base = 750 + ceil(250/4) = 813
	feeRate := new(big.Int).Lsh(big.NewInt(100), 64)
	feeRate.Quo(feeRate, big.NewInt(813))
	owed := new(big.Int).Mul(feeRate, big.NewInt(4_250))
	owed.Quo(owed, big.NewInt(4_000))
	gross := new(big.Int).Mul(feeRate, big.NewInt(750*4_000+250*4_250))
	gross.Quo(gross, big.NewInt(4_000*1_000))

	require.Equal(t, owed.String(), c.OwedDelta[0].String())
	require.Equal(t, gross.String(), c.GrossDelta[0].String())
	require.Equal(t, 1, c.OwedDelta[0].Cmp(c.GrossDelta[0]), "longs pay more per unit than shorts earn")
	require.Equal(t, 1, c.GrossDelta[0].Cmp(feeRate))
}

func TestUpdateOnCollect_EmptyRangeCreditsNothing(t *testing.T) {
	chunk := state.NewPremiumChunk(state.ChunkKey{MarketID: market, SpreadFactor: 4})
	c, err := premium.UpdateOnCollect(chunk, tokens(100, 100))
	require.NoError(t, err)
	require.Zero(t, c.Collected[0].Sign())
	require.Zero(t, chunk.Settled[0].Sign())
}

func TestUpdateOnCollect_Rejects(t *testing.T) {
	chunk := state.NewPremiumChunk(state.ChunkKey{MarketID: market})
	chunk.NetLiquidity = big.NewInt(1)
	_, err := premium.UpdateOnCollect(chunk, tokens(1, 0))
	require.Error(t, err, "zero spread factor")

	chunk.Key.SpreadFactor = 4
	_, err = premium.UpdateOnCollect(chunk, tokens(-1, 0))
	require.Error(t, err)

	_, err = premium.UpdateOnCollect(chunk, [2]*big.Int{new(big.Int).Lsh(big.NewInt(1), 128), nil})
	require.ErrorIs(t, err, ledgererr.ErrOverflow)
}

func TestUpdateOnCollect_HugeCollectionOnThinRange(t *testing.T) {
	chunk := state.NewPremiumChunk(state.ChunkKey{MarketID: market, TickLower: -600, TickUpper: 600, SpreadFactor: 4})
	chunk.NetLiquidity = big.NewInt(1)
	collected := new(big.Int).Lsh(big.NewInt(1), 100)

	c, err := premium.UpdateOnCollect(chunk, [2]*big.Int{collected, nil})
	require.NoError(t, err)

	// 2^164 per unit is 2^36 full generations plus a 2^36 remainder
	require.Equal(t, uint64(2)<<36, c.Sealed)
	require.Equal(t, uint64(1)<<36, chunk.Owed[0].Generation)
	require.Equal(t, uint64(1)<<36, chunk.Gross[0].Value.Uint64())

	clone := chunk.Clone()
	require.Equal(t, chunk.Gross[0].Generation, clone.Gross[0].Generation)

	earned := premium.Accrued(chunk.Gross[0], state.PremiumMark{Value: new(big.Int)}, chunk.NetLiquidity)
	require.Equal(t, collected.String(), earned.String())
}

func TestPayable_ProratesByEscrow(t *testing.T) {
	chunk := state.NewPremiumChunk(state.ChunkKey{MarketID: market, SpreadFactor: 4})
	chunk.Settled[0] = big.NewInt(50)
	chunk.GrossOutstanding[0] = big.NewInt(100)
	require.Equal(t, int64(20), premium.Payable(chunk, 0, big.NewInt(40)).Int64())

	chunk.Settled[0] = big.NewInt(150)
	require.Equal(t, int64(40), premium.Payable(chunk, 0, big.NewInt(40)).Int64())

	chunk.GrossOutstanding[0] = big.NewInt(10)
	chunk.Settled[0] = big.NewInt(30)
	require.Equal(t, int64(30), premium.Payable(chunk, 0, big.NewInt(40)).Int64(), "never more than the escrow")
}

// ============================================================================
// Ranges
// ============================================================================

func TestChunkKey_SeparatesSpreadFactors(t *testing.T) {
	txn := newTxn(t)
	a := open(t, txn, uuid.New(), false, 1_000, 4)
	b := open(t, txn, uuid.New(), false, 1_000, 8)

	ka := premium.ChunkKeyFor(a, a.Legs[0])
	kb := premium.ChunkKeyFor(b, b.Legs[0])
	require.NotEqual(t, ka, kb)
	require.Equal(t, int64(1_000), txn.Chunk(ka).NetLiquidity.Int64())
	require.Equal(t, int64(1_000), txn.Chunk(kb).NetLiquidity.Int64())

	// a long against the v=8 range cannot borrow the v=4 liquidity
	long := &state.Position{
		ID: uuid.New(), Owner: uuid.New(), MarketID: market, Size: big.NewInt(1), SpreadFactor: 8,
		Legs: []state.Leg{{TokenType: 0, IsLong: true, TickLower: -600, TickUpper: 600, Liquidity: big.NewInt(1_500)}},
	}
	require.Error(t, premium.OpenLegs(txn, long))
}

func TestOpenAndCloseLegs(t *testing.T) {
	txn := newTxn(t)
	short := open(t, txn, uuid.New(), false, 1_000, 4)
	long := open(t, txn, uuid.New(), true, 400, 4)

	chunk := txn.Chunk(premium.ChunkKeyFor(short, short.Legs[0]))
	require.Equal(t, int64(600), chunk.NetLiquidity.Int64())
	require.Equal(t, int64(400), chunk.RemovedLiquidity.Int64())

	require.NoError(t, premium.CloseLegs(txn, long))
	require.Equal(t, int64(1_000), chunk.NetLiquidity.Int64())
	require.Zero(t, chunk.RemovedLiquidity.Sign())

	require.NoError(t, premium.CloseLegs(txn, short))
	require.Zero(t, chunk.TotalLiquidity().Sign())
}

// ============================================================================
// Settlement
// ============================================================================

func TestSettle_LongsFundShorts(t *testing.T) {
	txn := newTxn(t)
	seller, buyer := uuid.New(), uuid.New()
	deposit(t, txn, buyer, 1_000_000_000)

	short := open(t, txn, seller, false, 1_000_000_000_000, 4)
	long := open(t, txn, buyer, true, 250_000_000_000, 4)
	chunk := txn.Chunk(premium.ChunkKeyFor(short, short.Legs[0]))

	_, err := premium.UpdateOnCollect(chunk, tokens(1_000_000, 0))
	require.NoError(t, err)

	owed, err := premium.LegAccrued(chunk, long, 0)
	require.NoError(t, err)
	earned, err := premium.LegAccrued(chunk, short, 0)
	require.NoError(t, err)
	require.Equal(t, 1, owed[0].Sign())
	require.True(t, premium.Payable(chunk, 0, earned[0]).Cmp(earned[0]) < 0, "fees alone do not cover the gross")

	buyerKey := state.AccountKey{Account: buyer, Pool: pool0}
	before := txn.Shares(buyerKey)
	paid, err := premium.SettleAccount(txn, state.BookKey{Account: buyer, MarketID: market})
	require.NoError(t, err)
	require.Equal(t, owed[0].String(), paid.Owed[0].String())
	require.Equal(t, -1, txn.Shares(buyerKey).Cmp(before))

	got, err := premium.SettlePosition(txn, short)
	require.NoError(t, err)
	require.Equal(t, earned[0].String(), got.Collected[0].String())
	require.Zero(t, got.Forfeited[0].Sign())
	require.Equal(t, 1, txn.Shares(state.AccountKey{Account: seller, Pool: pool0}).Sign())

	// escrow = collected + owed - paid
	escrow := new(big.Int).Add(big.NewInt(1_000_000), owed[0])
	escrow.Sub(escrow, earned[0])
	require.Equal(t, escrow.String(), chunk.Settled[0].String())
	require.True(t, escrow.Sign() >= 0)
	require.NoError(t, txn.CheckConservation())

	// marks moved: nothing accrues twice
	again, err := premium.LegAccrued(chunk, short, 0)
	require.NoError(t, err)
	require.Zero(t, again[0].Sign())
}

func TestSettle_ShortsProratedWhenEscrowShort(t *testing.T) {
	txn := newTxn(t)
	short := open(t, txn, uuid.New(), false, 1_000_000_000_000, 4)
	open(t, txn, uuid.New(), true, 250_000_000_000, 4)
	chunk := txn.Chunk(premium.ChunkKeyFor(short, short.Legs[0]))
	_, err := premium.UpdateOnCollect(chunk, tokens(1_000_000, 0))
	require.NoError(t, err)

	// the long never pays
	got, err := premium.SettlePosition(txn, short)
	require.NoError(t, err)
	require.True(t, got.Collected[0].Cmp(big.NewInt(1_000_000)) <= 0)
	require.Equal(t, 1, got.Forfeited[0].Sign())
	require.True(t, chunk.Settled[0].Sign() >= 0)
	require.NoError(t, txn.CheckConservation())
}

func TestSettle_LongWithoutCollateralIsInsolvent(t *testing.T) {
	txn := newTxn(t)
	short := open(t, txn, uuid.New(), false, 1_000_000_000_000, 4)
	long := open(t, txn, uuid.New(), true, 250_000_000_000, 4)
	chunk := txn.Chunk(premium.ChunkKeyFor(short, short.Legs[0]))
	_, err := premium.UpdateOnCollect(chunk, tokens(1_000_000, 0))
	require.NoError(t, err)

	_, err = premium.SettlePosition(txn, long)
	require.ErrorIs(t, err, ledgererr.ErrInsolvent)
}

func TestSettle_ShortPremiumBelowOneShareStaysInEscrow(t *testing.T) {
	txn := newTxn(t)
	// one share is worth 1000 tokens
	v := txn.Vault(pool0)
	require.NoError(t, v.AddDeposited(big.NewInt(999)))
	v.TotalShares = uint256.NewInt(1)

	seller := uuid.New()
	short := open(t, txn, seller, false, 1_000_000, 4)
	chunk := txn.Chunk(premium.ChunkKeyFor(short, short.Legs[0]))
	_, err := premium.UpdateOnCollect(chunk, tokens(500, 0))
	require.NoError(t, err)
	earned, err := premium.LegAccrued(chunk, short, 0)
	require.NoError(t, err)
	require.Equal(t, 1, earned[0].Sign())
	assetsBefore := new(big.Int).Set(v.TotalAssets)

	got, err := premium.SettlePosition(txn, short)
	require.NoError(t, err)
	require.Zero(t, got.Collected[0].Sign())
	require.Equal(t, earned[0].String(), got.Forfeited[0].String())
	require.Equal(t, int64(500), chunk.Settled[0].Int64())
	require.Zero(t, txn.Shares(state.AccountKey{Account: seller, Pool: pool0}).Sign())
	require.Equal(t, assetsBefore.String(), txn.Vault(pool0).TotalAssets.String())
}

func TestForfeitShort(t *testing.T) {
	txn := newTxn(t)
	short := open(t, txn, uuid.New(), false, 1_000_000, 4)
	chunk := txn.Chunk(premium.ChunkKeyFor(short, short.Legs[0]))
	_, err := premium.UpdateOnCollect(chunk, tokens(5_000, 0))
	require.NoError(t, err)
	outstanding := new(big.Int).Set(chunk.GrossOutstanding[0])

	forfeited, err := premium.ForfeitShort(txn, short, 0)
	require.NoError(t, err)
	require.Equal(t, 1, forfeited[0].Sign())
	require.Equal(t, new(big.Int).Sub(outstanding, forfeited[0]).String(), chunk.GrossOutstanding[0].String())
	require.Equal(t, int64(5_000), chunk.Settled[0].Int64(), "escrow stays for the remaining shorts")
}

func TestAccountPremium(t *testing.T) {
	txn := newTxn(t)
	trader := uuid.New()
	short := open(t, txn, trader, false, 1_000_000_000_000, 4)
	long := open(t, txn, trader, true, 100_000_000_000, 4)
	chunk := txn.Chunk(premium.ChunkKeyFor(short, short.Legs[0]))
	_, err := premium.UpdateOnCollect(chunk, tokens(1_000_000, 0))
	require.NoError(t, err)

	u, err := premium.AccountPremium(txn, []*state.Position{short, long})
	require.NoError(t, err)
	require.Equal(t, 1, u.Long[0].Sign())
	require.Equal(t, 1, u.Short[0].Sign())
	require.Equal(t, u.Long[0].String(), u.LegLong[1][0][0].String())
	require.Zero(t, u.LegLong[0][0][0].Sign())
}
