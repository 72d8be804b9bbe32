package state_test

import (
	"errors"
	"math/big"
	"testing"

	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var ethPool0 = state.PoolKey{MarketID: "ETH-USDC", Token: 0}

// ============================================================================
// MarketState
// ============================================================================

func TestMarketState_PackRoundTrip(t *testing.T) {
	ms, err := state.NewMarketState(123456)
	require.NoError(t, err)

	index := new(big.Int).Sub(fpmath.MaxUint(state.BorrowIndexBits), big.NewInt(7))
	require.NoError(t, ms.SetBorrowIndex(index))
	require.NoError(t, ms.SetRateAtTarget(1<<37+5))
	unrealized := new(big.Int).Sub(fpmath.MaxUint(state.UnrealizedInterestBits), big.NewInt(1))
	require.NoError(t, ms.SetUnrealizedInterest(unrealized))

	back := state.UnpackMarketState(ms.Pack())
	require.Equal(t, 0, back.BorrowIndex().Cmp(index))
	require.Equal(t, uint64(123456), back.Epoch())
	require.Equal(t, uint64(1<<37+5), back.RateAtTarget())
	require.Equal(t, 0, back.UnrealizedInterest().Cmp(unrealized))
}

func TestMarketState_WritersRejectOverflow(t *testing.T) {
	ms, err := state.NewMarketState(0)
	require.NoError(t, err)

	tooWide := new(big.Int).Lsh(big.NewInt(1), state.BorrowIndexBits)
	err = ms.SetBorrowIndex(tooWide)
	require.ErrorIs(t, err, ledgererr.ErrOverflow)

	require.ErrorIs(t, ms.SetEpoch(1<<32), ledgererr.ErrOverflow)
	require.ErrorIs(t, ms.SetRateAtTarget(1<<38), ledgererr.ErrOverflow)
	require.ErrorIs(t, ms.SetUnrealizedInterest(new(big.Int).Lsh(big.NewInt(1), 106)), ledgererr.ErrOverflow)

	// a rejected write leaves the previous value in place
	require.Equal(t, 0, ms.BorrowIndex().Cmp(fpmath.WAD))
}

func TestMarketState_IndexNeverDecreases(t *testing.T) {
	ms, err := state.NewMarketState(0)
	require.NoError(t, err)

	err = ms.SetBorrowIndex(new(big.Int).Sub(fpmath.WAD, big.NewInt(1)))
	var inv *ledgererr.InvariantViolationError
	require.True(t, errors.As(err, &inv))
	require.Equal(t, "borrow_index_monotonic", inv.Invariant)
}

func TestEpochOf(t *testing.T) {
	require.Equal(t, uint64(0), state.EpochOf(3))
	require.Equal(t, uint64(1), state.EpochOf(4))
	require.Equal(t, uint64(250), state.EpochOf(1000))
	require.Equal(t, uint64(0), state.EpochOf(-5))
}

// ============================================================================
// Vault
// ============================================================================

func TestVault_Conservation(t *testing.T) {
	v := state.NewVault(ethPool0)
	unrealized := new(big.Int)
	require.NoError(t, v.CheckConservation(unrealized))

	require.NoError(t, v.AddDeposited(big.NewInt(1_000)))
	require.NoError(t, v.MoveToAMM(big.NewInt(400)))
	require.NoError(t, v.CheckConservation(unrealized))

	// 400 deployed comes back as 450
	require.NoError(t, v.SettleFromAMM(big.NewInt(400), big.NewInt(450)))
	require.NoError(t, v.CheckConservation(unrealized))
	require.Equal(t, int64(1_051), v.TotalAssets.Int64())
	require.Equal(t, int64(0), v.AssetsInAMM.Int64())

	v.AddTrackedTotal(big.NewInt(5))
	err := v.CheckConservation(unrealized)
	require.ErrorIs(t, err, ledgererr.ErrInvariantViolation)
	require.NoError(t, v.CheckConservation(big.NewInt(5)))
}

func TestVault_ShareConversion(t *testing.T) {
	v := state.NewVault(ethPool0)
	// 1 virtual asset backs 1e6 virtual shares
	shares := v.ConvertToShares(big.NewInt(10), fpmath.RoundDown)
	require.Equal(t, int64(10_000_000), shares.Int64())

	require.NoError(t, v.AddDeposited(big.NewInt(10)))
	require.NoError(t, v.MintShares(shares))
	assets := v.ConvertToAssets(shares, fpmath.RoundDown)
	require.Equal(t, int64(10), assets.Int64())
}

func TestVault_Utilization(t *testing.T) {
	v := state.NewVault(ethPool0)
	require.NoError(t, v.AddDeposited(big.NewInt(999)))
	require.NoError(t, v.MoveToAMM(big.NewInt(500)))
	require.Equal(t, int64(500_000), v.Utilization())
	require.Equal(t, "500000000000000000", v.UtilizationWad().String())
}

func TestVault_MoveToAMMRejectsNegativeIdle(t *testing.T) {
	v := state.NewVault(ethPool0)
	err := v.MoveToAMM(big.NewInt(2))
	require.ErrorIs(t, err, ledgererr.ErrOverflow)
}

// ============================================================================
// Positions
// ============================================================================

func newPosition(owner uuid.UUID, legs int) *state.Position {
	pos := &state.Position{
		ID:       uuid.New(),
		Owner:    owner,
		MarketID: "ETH-USDC",
		Size:     big.NewInt(1),
		Status:   state.PositionStatusOpen,
	}
	for i := 0; i < legs; i++ {
		pos.Legs = append(pos.Legs, state.Leg{
			TickLower: -600, TickUpper: 600, Liquidity: big.NewInt(1_000), RiskPartner: i,
		})
	}
	return pos
}

func TestPositionBook_LegLimit(t *testing.T) {
	owner := uuid.New()
	book := state.NewPositionBook(owner, "ETH-USDC")
	for i := 0; i < 8; i++ {
		require.NoError(t, book.Add(newPosition(owner, 4), state.MaxOpenLegsDefault))
	}
	require.Equal(t, 32, book.LegCount())
	require.NoError(t, book.Add(newPosition(owner, 1), state.MaxOpenLegsDefault))
	require.Error(t, book.Add(newPosition(owner, 1), state.MaxOpenLegsDefault))
}

func TestPositionBook_RemoveTransitions(t *testing.T) {
	owner := uuid.New()
	book := state.NewPositionBook(owner, "ETH-USDC")
	pos := newPosition(owner, 2)
	require.NoError(t, book.Add(pos, 0))

	_, err := book.Remove(pos.ID, state.PositionStatusOpen)
	require.Error(t, err)

	closed, err := book.Remove(pos.ID, state.PositionStatusLiquidated)
	require.NoError(t, err)
	require.Equal(t, state.PositionStatusLiquidated, closed.Status)
	require.Equal(t, 0, book.Len())
}

func TestPosition_ValidateRiskPartner(t *testing.T) {
	pos := newPosition(uuid.New(), 3)
	pos.Legs[0].RiskPartner = 1
	require.Error(t, pos.Validate(), "partner must point back")

	pos.Legs[1].RiskPartner = 0
	require.NoError(t, pos.Validate())

	pos.Legs[2].TickLower = 600
	require.Error(t, pos.Validate(), "empty range")
}

// ============================================================================
// Store / Txn
// ============================================================================

func TestTxn_DiscardLeavesStoreUntouched(t *testing.T) {
	store := state.NewStore(nil)
	txn := store.Begin()
	require.NoError(t, txn.EnsurePool(ethPool0, 10))
	require.NoError(t, txn.Vault(ethPool0).AddDeposited(big.NewInt(100)))
	txn.Discard()
	require.Nil(t, store.Vault(ethPool0))

	txn = store.Begin()
	require.NoError(t, txn.EnsurePool(ethPool0, 10))
	require.NoError(t, txn.Vault(ethPool0).AddDeposited(big.NewInt(100)))
	txn.Commit()
	require.Equal(t, int64(101), store.Vault(ethPool0).TotalAssets.Int64())

	// mutations in a later discarded txn do not leak into committed values
	txn = store.Begin()
	require.NoError(t, txn.Vault(ethPool0).AddDeposited(big.NewInt(50)))
	txn.Discard()
	require.Equal(t, int64(101), store.Vault(ethPool0).TotalAssets.Int64())
}

func TestTxn_EnsurePoolUnknownMarket(t *testing.T) {
	store := state.NewStore(nil)
	txn := store.Begin()
	require.Error(t, txn.EnsurePool(state.PoolKey{MarketID: "DOGE-USDC"}, 0))
}

func TestTxn_ZeroSharesDropped(t *testing.T) {
	store := state.NewStore(nil)
	key := state.AccountKey{Account: uuid.New(), Pool: ethPool0}

	txn := store.Begin()
	require.NoError(t, txn.SetShares(key, big.NewInt(42)))
	txn.Commit()
	require.Equal(t, int64(42), store.Shares(key).Int64())
	require.Len(t, store.AccountKeys(), 1)

	txn = store.Begin()
	require.NoError(t, txn.SetShares(key, new(big.Int)))
	require.NotEmpty(t, txn.TouchedCanonical())
	txn.Commit()
	require.Empty(t, store.AccountKeys())
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	store := state.NewStore(nil)
	owner := uuid.New()
	key := state.AccountKey{Account: owner, Pool: ethPool0}

	txn := store.Begin()
	require.NoError(t, txn.EnsurePool(ethPool0, 99))
	require.NoError(t, txn.Vault(ethPool0).AddDeposited(big.NewInt(5_000)))
	require.NoError(t, txn.SetShares(key, big.NewInt(5_000_000_000)))
	require.NoError(t, txn.Interest(key).AddNetBorrowed(big.NewInt(300)))
	require.NoError(t, txn.Book(state.BookKey{Account: owner, MarketID: "ETH-USDC"}).Add(newPosition(owner, 2), 0))
	txn.Chunk(state.ChunkKey{MarketID: "ETH-USDC", TickLower: -10, TickUpper: 10, SpreadFactor: 4}).Settled[0].SetInt64(17)
	txn.PutOracle(&state.OracleSnapshot{MarketID: "ETH-USDC", CurrentTick: 12, Timestamp: 400, Sequence: 3})
	txn.Commit()

	restored := state.NewStore(nil)
	require.NoError(t, restored.Restore(store.Export()))

	require.Equal(t, store.Vault(ethPool0).CanonicalBytes(), restored.Vault(ethPool0).CanonicalBytes())
	require.Equal(t, store.MarketState(ethPool0).CanonicalBytes(), restored.MarketState(ethPool0).CanonicalBytes())
	require.Equal(t, int64(5_000_000_000), restored.Shares(key).Int64())
	require.Equal(t, int64(300), restored.Interest(key).NetBorrowed.Int64())
	require.Equal(t, 1, restored.Book(state.BookKey{Account: owner, MarketID: "ETH-USDC"}).Len())
	require.Len(t, restored.ChunkKeys(), 1)
	require.Equal(t, int32(12), restored.Oracle("ETH-USDC").CurrentTick)
}

// ============================================================================
// Oracle / params
// ============================================================================

func TestOracle_CheckFresh(t *testing.T) {
	o := &state.OracleSnapshot{MarketID: "ETH-USDC", Timestamp: 1_000}
	require.NoError(t, o.CheckFresh(1_600, 600))
	require.ErrorIs(t, o.CheckFresh(1_601, 600), ledgererr.ErrStaleReference)

	var missing *state.OracleSnapshot
	require.ErrorIs(t, missing.CheckFresh(0, 600), ledgererr.ErrStaleReference)
}

func TestValidateRiskParams(t *testing.T) {
	for _, p := range state.NewRiskParamsManager().All() {
		require.NoError(t, state.ValidateRiskParams(p), p.MarketID)
	}

	p, _ := state.NewRiskParamsManager().GetRiskParams("ETH-USDC")
	p.SaturatedPoolUtil = p.TargetPoolUtil
	require.Error(t, state.ValidateRiskParams(p))
}

func TestLoadRiskParams_OverridesAndAdds(t *testing.T) {
	rpm := state.NewRiskParamsManager()
	doc := []byte(`
markets:
  - market_id: ETH-USDC
    seller_collateral_ratio: 250000
    irm:
      max_elapsed_seconds: 8192
  - market_id: ARB-USDC
    token0: {symbol: ARB, decimals: 18}
    token1: {symbol: USDC, decimals: 6}
    max_oracle_age_seconds: 120
`)
	loaded, err := rpm.LoadRiskParams(doc)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	eth, ok := rpm.GetRiskParams("ETH-USDC")
	require.True(t, ok)
	require.Equal(t, int64(250_000), eth.SellerCollateralRatio)
	require.Equal(t, int64(100_000), eth.BuyerCollateralRatio)
	require.Equal(t, int64(8192), eth.IRM.MaxElapsed)
	require.Equal(t, state.DefaultIRMParams.CurveSteepness, eth.IRM.CurveSteepness)

	arb, ok := rpm.GetRiskParams("ARB-USDC")
	require.True(t, ok)
	require.Equal(t, "ARB", arb.Token0.Symbol)
	require.Equal(t, int64(120), arb.MaxOracleAge)
	require.Len(t, rpm.All(), 3)
}

func TestLoadRiskParams_InvalidEntryAppliesNothing(t *testing.T) {
	rpm := state.NewRiskParamsManager()
	cases := map[string]string{
		"invalid ratio": `
markets:
  - market_id: ETH-USDC
    seller_collateral_ratio: 150000
  - market_id: WBTC-USDC
    buyer_collateral_ratio: 0
`,
		"missing tokens": `
markets:
  - market_id: SOL-USDC
`,
		"duplicate": `
markets:
  - market_id: ETH-USDC
  - market_id: ETH-USDC
`,
		"unknown top-level key": `
market:
  - market_id: ETH-USDC
`,
	}
	for name, doc := range cases {
		_, err := rpm.LoadRiskParams([]byte(doc))
		require.Error(t, err, name)
	}

	eth, _ := rpm.GetRiskParams("ETH-USDC")
	require.Equal(t, int64(200_000), eth.SellerCollateralRatio)
	require.Len(t, rpm.All(), 2)
}
