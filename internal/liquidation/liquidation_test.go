package liquidation_test

import (
	"math/big"
	"testing"

	"MarginLedger/internal/ledgererr"
	"MarginLedger/internal/liquidation"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var pool = state.PoolKey{MarketID: "ETH-USDC", Token: 0}

func atParity(t *testing.T) *uint256.Int {
	t.Helper()
	p, err := fpmath.SqrtPriceAtTick(0)
	require.NoError(t, err)
	return p
}

func bigs(a, b int64) [2]*big.Int { return [2]*big.Int{big.NewInt(a), big.NewInt(b)} }

func newTxn(t *testing.T) *state.Txn {
	t.Helper()
	txn := state.NewStore(nil).Begin()
	require.NoError(t, txn.EnsurePool(pool, 0))
	require.NoError(t, txn.EnsurePool(state.PoolKey{MarketID: pool.MarketID, Token: 1}, 0))
	return txn
}

func deposit(t *testing.T, txn *state.Txn, account uuid.UUID, assets int64) {
	t.Helper()
	v := txn.Vault(pool)
	key := state.AccountKey{Account: account, Pool: pool}
	shares := v.ConvertToShares(big.NewInt(assets), fpmath.RoundDown)
	require.NoError(t, v.AddDeposited(big.NewInt(assets)))
	require.NoError(t, v.MintShares(shares))
	require.NoError(t, txn.SetShares(key, new(big.Int).Add(txn.Shares(key), shares)))
}

// ============================================================================
// Bonus
// ============================================================================

func TestComputeBonus_CrossBonusSplitByBalance(t *testing.T) {
	res := liquidation.ComputeBonus(liquidation.BonusInput{
		Balance:      bigs(100, 1_000),
		Required:     bigs(400, 1_000),
		SqrtPriceX96: atParity(t),
	})
	// min(1100/2, 1400-1100) = 300, split 100:1000
	require.Equal(t, int64(27), res.Bonus[0].Int64())
	require.Equal(t, int64(272), res.Bonus[1].Int64())
	require.Zero(t, res.Shortfall[0].Sign())
	require.Zero(t, res.Shortfall[1].Sign())
	require.False(t, res.Clamped)
}

func TestComputeBonus_SolventAccountGetsNothing(t *testing.T) {
	res := liquidation.ComputeBonus(liquidation.BonusInput{
		Balance:      bigs(500, 500),
		Required:     bigs(100, 100),
		SqrtPriceX96: atParity(t),
	})
	require.Zero(t, res.Bonus[0].Sign())
	require.Zero(t, res.Bonus[1].Sign())
}

func TestComputeBonus_DeficitCoveredByOtherToken(t *testing.T) {
	res := liquidation.ComputeBonus(liquidation.BonusInput{
		Balance:      bigs(100, 1_000),
		Required:     bigs(400, 1_000),
		NetPaid:      bigs(150, 0),
		SqrtPriceX96: atParity(t),
	})
	// token0 owes 27 + 150 against 100: the 77 deficit moves to token1
	require.Equal(t, int64(-50), res.Bonus[0].Int64())
	require.Equal(t, int64(349), res.Bonus[1].Int64())
	require.Zero(t, res.Shortfall[0].Sign())
	require.Zero(t, res.Shortfall[1].Sign())
}

func TestComputeBonus_NegativeSurplusNeverCovers(t *testing.T) {
	res := liquidation.ComputeBonus(liquidation.BonusInput{
		Balance:      bigs(100, 1_000),
		Required:     bigs(400, 1_000),
		NetPaid:      bigs(150, 0),
		ShortPremium: bigs(0, 900),
		SqrtPriceX96: atParity(t),
	})
	// real token1 is 100 against 272 paid: no surplus to convert
	require.Equal(t, int64(27), res.Bonus[0].Int64())
	require.Equal(t, int64(272), res.Bonus[1].Int64())
	require.Equal(t, int64(77), res.Shortfall[0].Int64())
	require.Equal(t, int64(172), res.Shortfall[1].Int64())
	require.Equal(t, int64(100), res.Real[1].Int64())
}

func TestComputeBonus_NoSignFlipAtInt128Bound(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	res := liquidation.ComputeBonus(liquidation.BonusInput{
		Balance:      [2]*big.Int{huge, new(big.Int)},
		Required:     [2]*big.Int{new(big.Int).Lsh(huge, 2), new(big.Int)},
		SqrtPriceX96: atParity(t),
	})
	require.True(t, res.Clamped)
	require.Equal(t, 1, res.Bonus[0].Sign())
	require.Equal(t, fpmath.MaxInt(128).String(), res.Bonus[0].String())
	require.NoError(t, fpmath.CheckInt("bonus", res.Bonus[0], 128))

	// just inside the range passes through untouched
	edge := new(big.Int).Lsh(fpmath.MaxInt(128), 1) // bonus = balance/2 = MaxInt128
	res = liquidation.ComputeBonus(liquidation.BonusInput{
		Balance:      [2]*big.Int{edge, new(big.Int)},
		Required:     [2]*big.Int{new(big.Int).Lsh(edge, 1), new(big.Int)},
		SqrtPriceX96: atParity(t),
	})
	require.False(t, res.Clamped)
	require.Equal(t, fpmath.MaxInt(128).String(), res.Bonus[0].String())

	// one past it saturates instead of wrapping negative
	edge.Add(edge, big.NewInt(2))
	res = liquidation.ComputeBonus(liquidation.BonusInput{
		Balance:      [2]*big.Int{edge, new(big.Int)},
		Required:     [2]*big.Int{new(big.Int).Lsh(edge, 1), new(big.Int)},
		SqrtPriceX96: atParity(t),
	})
	require.True(t, res.Clamped)
	require.Equal(t, 1, res.Bonus[0].Sign())
}

// ============================================================================
// Haircut
// ============================================================================

func legs(premia ...int64) []liquidation.LegPremium {
	out := make([]liquidation.LegPremium, len(premia))
	for i, p := range premia {
		out[i] = liquidation.LegPremium{
			Position: uuid.New(),
			Chunk:    state.ChunkKey{MarketID: pool.MarketID, TickLower: int32(i) * 60, TickUpper: int32(i)*60 + 60, SpreadFactor: 4},
			Premium:  bigs(p, 0),
		}
	}
	return out
}

func TestHaircutPremia_RoundsUpButCapsAggregate(t *testing.T) {
	h := liquidation.HaircutPremia(legs(10, 20, 30), bigs(7, 0))
	// ceil shares are 2, 3, 4; the last is cut to keep the total at 7
	require.Equal(t, int64(2), h.PerLeg[0][0].Int64())
	require.Equal(t, int64(3), h.PerLeg[1][0].Int64())
	require.Equal(t, int64(2), h.PerLeg[2][0].Int64())
	require.Equal(t, int64(7), h.Total[0].Int64())
	require.Zero(t, h.Total[1].Sign())
}

func TestHaircutPremia_CappedAtLegPremium(t *testing.T) {
	h := liquidation.HaircutPremia(legs(10, 20, 30), bigs(100, 0))
	require.Equal(t, int64(10), h.PerLeg[0][0].Int64())
	require.Equal(t, int64(20), h.PerLeg[1][0].Int64())
	require.Equal(t, int64(30), h.PerLeg[2][0].Int64())
	require.Equal(t, int64(60), h.Total[0].Int64())
}

func TestHaircutPremia_NothingToTake(t *testing.T) {
	h := liquidation.HaircutPremia(legs(0, 0), bigs(50, 50))
	require.Zero(t, h.Total[0].Sign())
	h = liquidation.HaircutPremia(legs(10), bigs(0, 0))
	require.Zero(t, h.Total[0].Sign())
}

func TestApplyHaircut_BoundedByEscrow(t *testing.T) {
	txn := newTxn(t)
	ls := legs(10)
	chunk := txn.Chunk(ls[0].Chunk)
	chunk.Settled[0] = big.NewInt(5)
	before := new(big.Int).Set(txn.Vault(pool).DepositedAssets)

	h := liquidation.HaircutPremia(ls, bigs(7, 0))
	recovered, err := liquidation.ApplyHaircut(txn, pool.MarketID, ls, h)
	require.NoError(t, err)
	require.Equal(t, int64(5), recovered[0].Int64())
	require.Zero(t, chunk.Settled[0].Sign())
	require.Equal(t, new(big.Int).Add(before, big.NewInt(5)).String(), txn.Vault(pool).DepositedAssets.String())
	require.NoError(t, txn.CheckConservation())
}

// ============================================================================
// Settlement
// ============================================================================

func TestSettle_PaidFromLiquidateeShares(t *testing.T) {
	txn := newTxn(t)
	liquidatee, liquidator := uuid.New(), uuid.New()
	deposit(t, txn, liquidatee, 1_000)

	out, err := liquidation.Settle(txn, pool, liquidatee, liquidator, big.NewInt(300), 10)
	require.NoError(t, err)
	require.Zero(t, out.Minted.Sign())
	v := txn.Vault(pool)
	got := v.ConvertToAssets(txn.Shares(state.AccountKey{Account: liquidator, Pool: pool}), fpmath.RoundDown)
	require.InDelta(t, 300, got.Int64(), 1)
	require.NoError(t, txn.CheckConservation())
}

func TestSettle_InsolventVaultBoundsDilution(t *testing.T) {
	txn := newTxn(t)
	liquidatee, liquidator := uuid.New(), uuid.New()
	deposit(t, txn, liquidatee, 99) // plus the virtual asset: 100 in the vault
	v := txn.Vault(pool)
	require.Equal(t, int64(100), v.TotalAssets.Int64())
	supply := v.TotalShares.ToBig()

	out, err := liquidation.Settle(txn, pool, liquidatee, liquidator, big.NewInt(1_000), 10)
	require.NoError(t, err)
	require.True(t, out.Capped)

	limit := new(big.Int).Mul(supply, big.NewInt(10))
	require.True(t, v.TotalShares.ToBig().Cmp(limit) <= 0, "supply %s grew past 10x %s", v.TotalShares.Dec(), supply)

	claim := v.ConvertToAssets(txn.Shares(state.AccountKey{Account: liquidator, Pool: pool}), fpmath.RoundDown)
	require.True(t, claim.Cmp(big.NewInt(100)) <= 0, "liquidator claims %s", claim)
	require.Zero(t, txn.Shares(state.AccountKey{Account: liquidatee, Pool: pool}).Sign())
	require.NoError(t, txn.CheckConservation())
}

func TestSettle_SolventVaultMintsRemainder(t *testing.T) {
	txn := newTxn(t)
	liquidatee, liquidator, other := uuid.New(), uuid.New(), uuid.New()
	deposit(t, txn, other, 1_000_000)
	deposit(t, txn, liquidatee, 100)

	out, err := liquidation.Settle(txn, pool, liquidatee, liquidator, big.NewInt(1_000), 10)
	require.NoError(t, err)
	require.False(t, out.Capped)
	require.Equal(t, 1, out.Minted.Sign())

	v := txn.Vault(pool)
	claim := v.ConvertToAssets(txn.Shares(state.AccountKey{Account: liquidator, Pool: pool}), fpmath.RoundDown)
	require.InDelta(t, 1_000, claim.Int64(), 2)
}

func TestSettle_NegativeBonusPaidByLiquidator(t *testing.T) {
	txn := newTxn(t)
	liquidatee, liquidator := uuid.New(), uuid.New()

	_, err := liquidation.Settle(txn, pool, liquidatee, liquidator, big.NewInt(-50), 10)
	require.ErrorIs(t, err, ledgererr.ErrInsolvent)

	deposit(t, txn, liquidator, 500)
	out, err := liquidation.Settle(txn, pool, liquidatee, liquidator, big.NewInt(-50), 10)
	require.NoError(t, err)
	require.Equal(t, 1, out.Transferred.Sign())
	got := txn.Vault(pool).ConvertToAssets(txn.Shares(state.AccountKey{Account: liquidatee, Pool: pool}), fpmath.RoundDown)
	require.InDelta(t, 50, got.Int64(), 1)
}

func TestSettle_RejectsWideBonus(t *testing.T) {
	txn := newTxn(t)
	wide := new(big.Int).Lsh(big.NewInt(1), 127)
	_, err := liquidation.Settle(txn, pool, uuid.New(), uuid.New(), wide, 10)
	require.ErrorIs(t, err, ledgererr.ErrOverflow)
}
