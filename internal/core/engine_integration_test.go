package core_test

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/ledgererr"
	"MarginLedger/internal/liquidation"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testMarket = "ETH-USDC"
	t0         = int64(1_700_000_000)
)

// --- Test helpers ---

type harness struct {
	t       *testing.T
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	metrics *observability.Metrics
	seq     map[event.EventType]int64
}

// newHarness creates a core with buffered channels and no DB checker.
func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	m := observability.NewMetrics(nil)
	c := core.NewDeterministicCore(core.Config{
		PersistChan:    persist,
		ProjectionChan: proj,
		Metrics:        m,
		Logger:         zerolog.Nop(),
	})
	return &harness{t: t, core: c, persist: persist, metrics: m, seq: make(map[event.EventType]int64)}
}

func (h *harness) next(et event.EventType) int64 {
	h.seq[et]++
	return h.seq[et]
}

func (h *harness) apply(evt event.Event) error {
	return h.core.ProcessEvent(evt)
}

func (h *harness) mustApply(evt event.Event) {
	h.t.Helper()
	require.NoError(h.t, h.core.ProcessEvent(evt))
}

func (h *harness) deposit(account uuid.UUID, token uint8, amount int64, ts int64) *event.CollateralDeposited {
	return &event.CollateralDeposited{
		DepositID: uuid.New(),
		Account:   account,
		Market:    testMarket,
		Token:     token,
		Amount:    big.NewInt(amount),
		Sequence:  h.next(event.EventTypeCollateralDeposited),
		Timestamp: ts,
	}
}

func (h *harness) withdraw(account uuid.UUID, token uint8, amount int64, ts int64) *event.CollateralWithdrawn {
	return &event.CollateralWithdrawn{
		WithdrawalID: uuid.New(),
		Account:      account,
		Market:       testMarket,
		Token:        token,
		Amount:       big.NewInt(amount),
		Sequence:     h.next(event.EventTypeCollateralWithdrawn),
		Timestamp:    ts,
	}
}

func (h *harness) oracle(tick int32, ts int64) *event.OracleUpdated {
	return &event.OracleUpdated{
		Market:      testMarket,
		CurrentTick: tick,
		SpotTick:    tick,
		SlowTick:    tick,
		MedianTick:  tick,
		LatestTick:  tick,
		TWAPTick:    tick,
		Sequence:    h.next(event.EventTypeOracleUpdated),
		Timestamp:   ts,
	}
}

// shortMint sells one unit of a token0 range around tick 0.
func (h *harness) shortMint(account uuid.UUID, ts int64) *event.PositionMinted {
	return &event.PositionMinted{
		PositionID: uuid.New(),
		Account:    account,
		Market:     testMarket,
		Size:       big.NewInt(1),
		Legs: []event.LegSpec{{
			TokenType: 0,
			TickLower: -600,
			TickUpper: 600,
			Liquidity: big.NewInt(1_000_000),
		}},
		AmountsMoved: [2]*big.Int{big.NewInt(30_000), big.NewInt(30_000)},
		Sequence:     h.next(event.EventTypePositionMinted),
		Timestamp:    ts,
	}
}

func (h *harness) burn(m *event.PositionMinted, returned [2]int64, ts int64) *event.PositionBurned {
	return &event.PositionBurned{
		PositionID:      m.PositionID,
		Account:         m.Account,
		Market:          m.Market,
		AmountsReturned: [2]*big.Int{big.NewInt(returned[0]), big.NewInt(returned[1])},
		Sequence:        h.next(event.EventTypePositionBurned),
		Timestamp:       ts,
	}
}

func (h *harness) liquidate(account, liquidator uuid.UUID, ts int64) *event.LiquidationRequested {
	return &event.LiquidationRequested{
		LiquidationID: uuid.New(),
		Account:       account,
		Liquidator:    liquidator,
		Market:        testMarket,
		Sequence:      h.next(event.EventTypeLiquidationRequested),
		Timestamp:     ts,
	}
}

func (h *harness) risk(account uuid.UUID, now int64, ticks ...int32) *core.AccountRisk {
	h.t.Helper()
	res, err := h.core.Query(core.Query{Kind: core.QueryAccountRisk, Account: account, Market: testMarket, Now: now, Ticks: ticks})
	require.NoError(h.t, err)
	return res.(*core.AccountRisk)
}

func (h *harness) pool(token uint8, now int64) *core.PoolStatus {
	h.t.Helper()
	res, err := h.core.Query(core.Query{Kind: core.QueryPoolStatus, Market: testMarket, Token: token, Now: now})
	require.NoError(h.t, err)
	return res.(*core.PoolStatus)
}

func (h *harness) shares(account uuid.UUID, token uint8) *big.Int {
	return h.core.Store().Shares(state.AccountKey{Account: account, Pool: state.PoolKey{MarketID: testMarket, Token: token}})
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case out := <-ch:
			outputs = append(outputs, out)
		default:
			return outputs
		}
	}
}

func hasJournal(b *ledger.Batch, jt ledger.JournalType) bool {
	for _, j := range b.Journals {
		if j.JournalType == jt {
			return true
		}
	}
	return false
}

// --- Deposits and withdrawals ---

func TestDeposit_MintsSharesAgainstVirtualPool(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	h.mustApply(h.deposit(user, 0, 1_000_000, t0))

	require.Equal(t, "1000000000000", h.shares(user, 0).String())

	ps := h.pool(0, t0)
	require.Equal(t, "1000001", ps.TotalAssets.String())
	require.Equal(t, "1000000", ps.DepositedAssets.String())
	require.Equal(t, fpmath.WAD.String(), ps.BorrowIndex.String())

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 1)
	out := outputs[0]
	require.Equal(t, int64(1), out.Envelope.Sequence)
	require.Equal(t, core.GenesisHash(), out.Envelope.PrevHash)
	require.True(t, hasJournal(out.Batch, ledger.JournalTypeDeposit))
	require.Len(t, out.Accounts, 1)
	require.Equal(t, user, out.Accounts[0].Account)
	require.Equal(t, "1000000", out.Accounts[0].Assets.String())
	require.Len(t, out.Pools, 2)
}

func TestDeposit_UnknownMarketRejected(t *testing.T) {
	h := newHarness(t)
	evt := &event.CollateralDeposited{
		DepositID: uuid.New(),
		Account:   uuid.New(),
		Market:    "DOGE-USDC",
		Amount:    big.NewInt(10),
		Sequence:  1,
		Timestamp: t0,
	}

	require.Error(t, h.apply(evt))
	require.Equal(t, int64(1), h.core.GetSequence())
	require.Empty(t, drainOutputs(h.persist))
	require.Equal(t, float64(1), testutil.ToFloat64(
		h.metrics.CoreEventsRejected.WithLabelValues(event.EventTypeCollateralDeposited.String(), "rejected")))

	// A redelivery is acknowledged, not retried.
	require.NoError(t, h.apply(evt))
}

func TestWithdraw_ReturnsAssets(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.mustApply(h.deposit(user, 1, 5_000_000, t0))

	h.mustApply(h.withdraw(user, 1, 2_000_000, t0))

	r := h.risk(user, t0, 0)
	require.Equal(t, "3000000", r.Balance[1].String())
	require.Equal(t, "3000000", h.pool(1, t0).DepositedAssets.String())
}

func TestWithdraw_MoreThanHeldIsInsolvent(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.mustApply(h.deposit(a, 0, 1_000_000, t0))
	h.mustApply(h.deposit(b, 0, 5_000_000, t0))
	drainOutputs(h.persist)

	err := h.apply(h.withdraw(a, 0, 2_000_000, t0))
	require.Error(t, err)
	require.True(t, errors.Is(err, ledgererr.ErrInsolvent), "got %v", err)
	require.Empty(t, drainOutputs(h.persist))

	// b's stake is untouched.
	require.Equal(t, "5000000", h.risk(b, t0, 0).Balance[0].String())
}

// --- Sequencing ---

func TestIdempotency_DuplicateDepositIgnored(t *testing.T) {
	h := newHarness(t)
	evt := h.deposit(uuid.New(), 0, 1_000, t0)

	h.mustApply(evt)
	h.mustApply(evt)

	require.Len(t, drainOutputs(h.persist), 1)
	require.Equal(t, int64(2), h.core.GetSequence())
}

func TestSequenceValidation_GapDetected(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.mustApply(h.deposit(user, 0, 1_000, t0))

	gap := h.deposit(user, 0, 1_000, t0)
	gap.Sequence = 3
	require.Error(t, h.apply(gap))
	require.Equal(t, float64(1), testutil.ToFloat64(
		h.metrics.EventSequenceGap.WithLabelValues("CollateralDeposited:"+testMarket)))
}

func TestOracle_StaleSequenceSkipped(t *testing.T) {
	h := newHarness(t)
	h.mustApply(h.oracle(10, t0))
	h.mustApply(h.oracle(20, t0))

	stale := h.oracle(30, t0)
	stale.Sequence = 1
	require.ErrorIs(t, h.apply(stale), core.ErrStaleSequence)
	require.Equal(t, int32(20), h.core.Store().Oracle(testMarket).CurrentTick)
}

// --- Hash chain and recovery ---

func scriptedEvents(h *harness, user uuid.UUID) []event.Event {
	return []event.Event{
		h.deposit(user, 0, 1_000_000, t0),
		h.deposit(user, 1, 2_000_000, t0),
		h.oracle(0, t0),
		h.withdraw(user, 1, 500_000, t0+60),
	}
}

func TestStateHashChain_Deterministic(t *testing.T) {
	h1, h2 := newHarness(t), newHarness(t)
	events := scriptedEvents(h1, uuid.New())

	for _, evt := range events {
		require.NoError(t, h1.apply(evt))
		require.NoError(t, h2.apply(evt))
	}
	require.Equal(t, h1.core.GetStateHash(), h2.core.GetStateHash())
	require.NotEqual(t, core.GenesisHash(), h1.core.GetStateHash())

	outputs := drainOutputs(h1.persist)
	require.Len(t, outputs, len(events))
	for i := 1; i < len(outputs); i++ {
		require.Equal(t, outputs[i-1].Envelope.StateHash, outputs[i].Envelope.PrevHash)
		require.Equal(t, outputs[i-1].Envelope.Sequence+1, outputs[i].Envelope.Sequence)
	}
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	for _, evt := range scriptedEvents(h, user) {
		h.mustApply(evt)
	}

	raw, err := json.Marshal(h.core.CreateSnapshotState())
	require.NoError(t, err)
	var snap core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := newHarness(t)
	require.NoError(t, restored.core.RestoreFromSnapshot(&snap))
	require.Equal(t, h.core.GetSequence(), restored.core.GetSequence())
	require.Equal(t, h.core.GetStateHash(), restored.core.GetStateHash())

	next := h.withdraw(user, 0, 100_000, t0+120)
	require.NoError(t, h.apply(next))
	require.NoError(t, restored.apply(next))
	require.Equal(t, h.core.GetStateHash(), restored.core.GetStateHash())
}

// --- Positions ---

func fundedWriter(t *testing.T) (*harness, uuid.UUID) {
	h := newHarness(t)
	lp, writer := uuid.New(), uuid.New()
	h.mustApply(h.deposit(lp, 0, 1_000_000_000, t0))
	h.mustApply(h.deposit(lp, 1, 1_000_000_000, t0))
	h.mustApply(h.deposit(writer, 0, 500_000, t0))
	h.mustApply(h.deposit(writer, 1, 500_000, t0))
	h.mustApply(h.oracle(0, t0))
	return h, writer
}

func TestMintBurn_RoundTrip(t *testing.T) {
	h, writer := fundedWriter(t)
	mint := h.shortMint(writer, t0)
	h.mustApply(mint)

	ps := h.pool(0, t0)
	require.Equal(t, "30000", ps.AssetsInAMM.String())
	r := h.risk(writer, t0)
	require.Equal(t, 1, r.Positions)
	require.True(t, r.Solvent)

	h.mustApply(h.burn(mint, [2]int64{30_000, 30_000}, t0))

	require.Equal(t, "0", h.pool(0, t0).AssetsInAMM.String())
	require.Equal(t, "0", h.pool(1, t0).AssetsInAMM.String())
	require.Zero(t, h.risk(writer, t0).Positions)
	book := h.core.Store().Book(state.BookKey{Account: writer, MarketID: testMarket})
	require.True(t, book == nil || book.Len() == 0)
}

func TestMint_ChargesCommission(t *testing.T) {
	h, writer := fundedWriter(t)
	before := h.risk(writer, t0).Balance[0]

	h.mustApply(h.shortMint(writer, t0))

	after := h.risk(writer, t0).Balance[0]
	require.Equal(t, -1, after.Cmp(before))
	outputs := drainOutputs(h.persist)
	require.True(t, hasJournal(outputs[len(outputs)-1].Batch, ledger.JournalTypeCommission))
}

func TestBurn_LossChargedToOwner(t *testing.T) {
	h, writer := fundedWriter(t)
	mint := h.shortMint(writer, t0)
	h.mustApply(mint)
	before := h.risk(writer, t0).Balance[0]

	h.mustApply(h.burn(mint, [2]int64{29_000, 30_000}, t0))

	after := h.risk(writer, t0).Balance[0]
	loss := new(big.Int).Sub(before, after).Int64()
	require.GreaterOrEqual(t, loss, int64(999))
	require.LessOrEqual(t, loss, int64(1_002))
}

func TestMint_WithoutOracleIsStale(t *testing.T) {
	h := newHarness(t)
	writer := uuid.New()
	h.mustApply(h.deposit(writer, 0, 500_000, t0))

	err := h.apply(h.shortMint(writer, t0))
	require.ErrorIs(t, err, ledgererr.ErrStaleReference)
}

func TestInterest_AccruesAndIsPaidOnBurn(t *testing.T) {
	h, writer := fundedWriter(t)
	mint := h.shortMint(writer, t0)
	h.mustApply(mint)

	later := t0 + 30*24*3600
	h.mustApply(&event.AccrualTick{Market: testMarket, Token: 0, Sequence: 1, Timestamp: later})

	ps := h.pool(0, later)
	require.Equal(t, 1, ps.BorrowIndex.Cmp(fpmath.WAD))
	require.Equal(t, 1, ps.UnrealizedInterest.Sign())

	h.mustApply(h.burn(mint, [2]int64{30_000, 30_000}, later))
	require.Greater(t, testutil.ToFloat64(h.metrics.InterestPaid.WithLabelValues(testMarket, "0")), float64(0))
	require.Equal(t, "0", h.risk(writer, later).InterestOwed[0].String())
}

func TestInterest_SaturatedIndexStillAllowsWithdrawal(t *testing.T) {
	h := newHarness(t)
	lp, writer := uuid.New(), uuid.New()
	h.mustApply(h.deposit(lp, 0, 1_000_000_000, t0))
	h.mustApply(h.deposit(lp, 1, 1_000_000_000, t0))
	h.mustApply(h.deposit(writer, 0, 500_000, t0))
	h.mustApply(h.oracle(0, t0))
	h.mustApply(h.shortMint(writer, t0))

	pool0 := state.PoolKey{MarketID: testMarket, Token: 0}
	top := fpmath.MaxUint(state.BorrowIndexBits)
	require.NoError(t, h.core.Store().MarketState(pool0).SetBorrowIndex(top))

	later := t0 + 24*3600
	err := h.apply(h.deposit(lp, 0, 1_000, later))
	require.ErrorIs(t, err, ledgererr.ErrOverflow)

	h.mustApply(h.withdraw(lp, 0, 1_000, later))
	require.Equal(t, top.String(), h.core.Store().MarketState(pool0).BorrowIndex().String())
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AccrualFrozen.WithLabelValues(testMarket, "0")))
	require.Zero(t, testutil.ToFloat64(h.metrics.AccrualFrozen.WithLabelValues(testMarket, "1")))
}

// --- Liquidation ---

// exposedWriter sells a token0 range with only token0 collateral, then the
// price moves far above the range.
func exposedWriter(t *testing.T, moveTo int32) (*harness, uuid.UUID) {
	h := newHarness(t)
	lp, writer := uuid.New(), uuid.New()
	h.mustApply(h.deposit(writer, 0, 20_000, t0))
	h.mustApply(h.deposit(lp, 0, 1_000_000_000, t0))
	h.mustApply(h.deposit(lp, 1, 1_000_000_000, t0))
	h.mustApply(h.oracle(0, t0))
	h.mustApply(h.shortMint(writer, t0))
	h.mustApply(h.oracle(moveTo, t0))
	return h, writer
}

func TestLiquidation_SolventAccountRefused(t *testing.T) {
	h, writer := exposedWriter(t, 0)

	err := h.apply(h.liquidate(writer, uuid.New(), t0))
	require.ErrorIs(t, err, liquidation.ErrAccountSolvent)
	require.Equal(t, 1, h.risk(writer, t0).Positions)
}

func TestLiquidation_StaleOracleRefused(t *testing.T) {
	h, writer := exposedWriter(t, 5000)

	err := h.apply(h.liquidate(writer, uuid.New(), t0+3600))
	require.ErrorIs(t, err, ledgererr.ErrStaleReference)
}

func TestLiquidation_InsolventAccountPaysLiquidator(t *testing.T) {
	h, writer := exposedWriter(t, 5000)
	require.False(t, h.risk(writer, t0).Solvent)
	drainOutputs(h.persist)

	liquidator := uuid.New()
	h.mustApply(h.liquidate(writer, liquidator, t0))

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 1)
	report := outputs[0].Liquidation
	require.NotNil(t, report)
	require.Equal(t, 1, report.Bonus[0].Sign())
	require.Zero(t, report.Bonus[1].Sign())
	require.Zero(t, report.Shortfall[0].Sign())
	require.Zero(t, report.Shortfall[1].Sign())
	require.Len(t, report.Positions, 1)
	require.Equal(t, "covered", report.Outcome())
	require.True(t, hasJournal(outputs[0].Batch, ledger.JournalTypeLiquidationBonus))

	require.Zero(t, h.risk(writer, t0).Positions)
	require.Equal(t, 1, h.shares(liquidator, 0).Sign())
	require.Equal(t, "0", h.pool(0, t0).AssetsInAMM.String())
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LiquidationTriggered.WithLabelValues(testMarket)))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LiquidationCompleted.WithLabelValues(testMarket, "covered")))
}

// longMint buys back part of the token0 range shortMint sells.
func (h *harness) longMint(account uuid.UUID, liquidity int64, ts int64) *event.PositionMinted {
	return &event.PositionMinted{
		PositionID: uuid.New(),
		Account:    account,
		Market:     testMarket,
		Size:       big.NewInt(1),
		Legs: []event.LegSpec{{
			TokenType: 0,
			IsLong:    true,
			TickLower: -600,
			TickUpper: 600,
			Liquidity: big.NewInt(liquidity),
		}},
		AmountsMoved: [2]*big.Int{new(big.Int), new(big.Int)},
		Sequence:     h.next(event.EventTypePositionMinted),
		Timestamp:    ts,
	}
}

func (h *harness) fees(amount0 int64, ts int64) *event.FeesCollected {
	return &event.FeesCollected{
		Market:       testMarket,
		TokenType:    0,
		TickLower:    -600,
		TickUpper:    600,
		SpreadFactor: 4,
		Amounts:      [2]*big.Int{big.NewInt(amount0), new(big.Int)},
		Sequence:     h.next(event.EventTypeFeesCollected),
		Timestamp:    ts,
	}
}

func TestLiquidation_ProtocolLossHaircutsPremiumAndWritesOffInterest(t *testing.T) {
	h := newHarness(t)
	lp, writer, liquidator := uuid.New(), uuid.New(), uuid.New()
	h.mustApply(h.deposit(lp, 0, 1_000_000_000, t0))
	h.mustApply(h.deposit(lp, 1, 1_000_000_000, t0))
	h.mustApply(h.deposit(writer, 0, 20_000, t0))
	h.mustApply(h.oracle(0, t0))

	// the lp's range deploys token0 only, so the writer is the sole token1 borrower
	lpMint := h.shortMint(lp, t0)
	lpMint.AmountsMoved[1] = new(big.Int)
	h.mustApply(lpMint)
	short := h.shortMint(writer, t0)
	h.mustApply(short)
	h.mustApply(h.longMint(writer, 100_000, t0))
	h.mustApply(h.fees(10_000, t0))

	// a month of interest the writer has no token1 shares to pay
	later := t0 + 30*24*3600
	h.mustApply(h.oracle(5000, later))
	r := h.risk(writer, later)
	require.False(t, r.Solvent)
	require.Equal(t, 1, r.LongPremium[0].Sign())
	require.Equal(t, 1, r.InterestOwed[1].Sign())
	supply0 := h.core.Store().Vault(state.PoolKey{MarketID: testMarket, Token: 0}).TotalShares.ToBig()
	drainOutputs(h.persist)

	liq := h.liquidate(writer, liquidator, later)
	liq.Closes = []event.PositionClose{{PositionID: short.PositionID, Returned: [2]*big.Int{new(big.Int), new(big.Int)}}}
	h.mustApply(liq)

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 1)
	report := outputs[0].Liquidation
	require.NotNil(t, report)
	require.Equal(t, "protocol_loss", report.Outcome())
	require.Equal(t, 1, report.Shortfall[0].Sign())
	require.Equal(t, 1, report.Shortfall[1].Sign())
	require.Len(t, report.Positions, 2)

	// long premium paid into the range comes back against the shortfall
	require.Equal(t, 1, report.Haircut[0].Sign())
	require.LessOrEqual(t, report.Haircut[0].Cmp(r.LongPremium[0]), 0)

	// the writer's shares are gone, so the bonus is minted within the dilution bound
	require.Equal(t, 1, report.Bonus[0].Sign())
	require.Equal(t, 1, report.Minted[0].Sign())
	require.LessOrEqual(t, report.Minted[0].Cmp(new(big.Int).Mul(supply0, big.NewInt(9))), 0)
	require.Equal(t, 0, report.Minted[0].Cmp(h.shares(liquidator, 0)))

	// unpaid token1 interest is written off and no longer counted as an asset
	require.Zero(t, report.WrittenOff[0].Sign())
	require.Equal(t, 0, report.WrittenOff[1].Cmp(r.InterestOwed[1]))
	require.Equal(t, "0", h.pool(1, later).UnrealizedInterest.String())
	require.Greater(t, testutil.ToFloat64(h.metrics.InterestWrittenOff.WithLabelValues(testMarket, "1")), float64(0))
	require.True(t, hasJournal(outputs[0].Batch, ledger.JournalTypeInterestWriteOff))

	require.Zero(t, h.risk(writer, later).Positions)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LiquidationCompleted.WithLabelValues(testMarket, "protocol_loss")))
}

// --- Outputs ---

func TestEnvelope_HasCorrectFields(t *testing.T) {
	h := newHarness(t)
	evt := h.deposit(uuid.New(), 0, 1_000, t0)
	h.mustApply(evt)

	env := drainOutputs(h.persist)[0].Envelope
	require.Equal(t, event.EventTypeCollateralDeposited, env.EventType)
	require.Equal(t, evt.IdempotencyKey(), env.IdempotencyKey)
	require.Equal(t, evt.Sequence, env.SourceSequence)
	require.NotNil(t, env.MarketID)
	require.Equal(t, testMarket, *env.MarketID)
	require.Equal(t, t0, env.Timestamp.Unix())

	decoded, err := event.DecodePayload(env.EventType, env.Payload)
	require.NoError(t, err)
	require.Equal(t, evt.IdempotencyKey(), decoded.IdempotencyKey())
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	proj := make(chan core.CoreOutput)
	m := observability.NewMetrics(nil)
	c := core.NewDeterministicCore(core.Config{PersistChan: persist, ProjectionChan: proj, Metrics: m, Logger: zerolog.Nop()})

	require.NoError(t, c.ProcessEvent(&event.CollateralDeposited{
		DepositID: uuid.New(),
		Account:   uuid.New(),
		Market:    testMarket,
		Amount:    big.NewInt(1),
		Sequence:  1,
		Timestamp: t0,
	}))

	require.Len(t, persist, 1)
	require.Equal(t, float64(1), testutil.ToFloat64(m.ProjectionDrops.WithLabelValues("core")))
}
