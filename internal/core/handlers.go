package core

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"MarginLedger/internal/collateral"
	"MarginLedger/internal/event"
	"MarginLedger/internal/interest"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/ledgererr"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/premium"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// eventContext carries one event's transaction, its journal generator and
// the figures reported as metrics once the event commits.
type eventContext struct {
	txn    *state.Txn
	jg     *ledger.JournalGenerator
	now    int64
	report *LiquidationReport

	accruals    []*interest.Accrual
	settlements []*interest.Settlement
	writeOffs   []*interest.WriteOff
	premia      []premiumFlow
	sealed      map[string]uint64
	frozen      []frozenPool
}

type frozenPool struct {
	pool state.PoolKey
	err  error
}

type premiumFlow struct {
	market string
	s      *premium.Settlement
}

// prepareMarket loads the market's params, creates its two pools on first
// use and accrues both up to the event time.
func (c *DeterministicCore) prepareMarket(ec *eventContext, market string) (*state.RiskParams, error) {
	return c.prepareMarketMode(ec, market, false)
}

// prepareExit is prepareMarket for withdrawals and liquidations. A pool whose
// index can no longer grow stays frozen at its last index instead of
// rejecting the event, so accounts can still leave a saturated market.
func (c *DeterministicCore) prepareExit(ec *eventContext, market string) (*state.RiskParams, error) {
	return c.prepareMarketMode(ec, market, true)
}

func (c *DeterministicCore) prepareMarketMode(ec *eventContext, market string, allowFrozen bool) (*state.RiskParams, error) {
	p, ok := ec.txn.Params(market)
	if !ok {
		return nil, fmt.Errorf("unknown market: %s", market)
	}
	for t := uint8(0); t < 2; t++ {
		pool := state.PoolKey{MarketID: market, Token: t}
		err := c.accruePool(ec, pool, p)
		if err != nil && allowFrozen && errors.Is(err, ledgererr.ErrOverflow) {
			ec.frozen = append(ec.frozen, frozenPool{pool: pool, err: err})
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (c *DeterministicCore) accruePool(ec *eventContext, pool state.PoolKey, p *state.RiskParams) error {
	if err := ec.txn.EnsurePool(pool, state.EpochOf(ec.now)); err != nil {
		return err
	}
	a, err := interest.Accrue(ec.txn.MarketState(pool), ec.txn.Vault(pool), ec.now, p.IRM)
	if err != nil {
		return err
	}
	if !a.Skipped {
		ec.accruals = append(ec.accruals, a)
		ec.jg.InterestAccrual(pool.String(), a.Interest)
	}
	return nil
}

// settleInterest settles one pool and books the payment.
func (c *DeterministicCore) settleInterest(ec *eventContext, key state.AccountKey, mode interest.Mode) (*interest.Settlement, error) {
	s, err := interest.SettleAccount(ec.txn, key, mode)
	if err != nil {
		return nil, err
	}
	if s.Paid.Sign() > 0 {
		ec.settlements = append(ec.settlements, s)
		ec.jg.InterestPayment(key.Account, key.Pool.String(), s.Paid)
	}
	return s, nil
}

// settleFully settles both pools of a market and fails unless nothing is
// left owed, which every borrow change requires.
func (c *DeterministicCore) settleFully(ec *eventContext, account uuid.UUID, market string, mode interest.Mode) error {
	for t := uint8(0); t < 2; t++ {
		key := state.AccountKey{Account: account, Pool: state.PoolKey{MarketID: market, Token: t}}
		s, err := c.settleInterest(ec, key, mode)
		if err != nil {
			return err
		}
		if !s.Full {
			return &ledgererr.InsolvencyError{
				Account: account.String(),
				Market:  market,
				Detail:  fmt.Sprintf("token %d: %s interest unpaid", t, s.Remaining()),
			}
		}
	}
	return nil
}

func (ec *eventContext) recordPremium(market string, owner uuid.UUID, s *premium.Settlement) {
	ec.premia = append(ec.premia, premiumFlow{market: market, s: s})
	for t := 0; t < 2; t++ {
		asset := state.PoolKey{MarketID: market, Token: uint8(t)}.String()
		ec.jg.PremiumPaid(owner, asset, s.Owed[t])
		ec.jg.PremiumReceived(owner, asset, s.Collected[t])
	}
}

// buildAccount gathers what solvency needs about one account in a market.
func buildAccount(txn *state.Txn, account uuid.UUID, market string, positions []*state.Position) (*collateral.Account, *premium.Unsettled, error) {
	acct := &collateral.Account{Positions: positions}
	for t := 0; t < 2; t++ {
		pool := state.PoolKey{MarketID: market, Token: uint8(t)}
		key := state.AccountKey{Account: account, Pool: pool}
		v := txn.Vault(pool)
		ms := txn.MarketState(pool)
		if v == nil || ms == nil {
			return nil, nil, fmt.Errorf("pool %s not initialized", pool)
		}
		acct.Balance[t] = v.ConvertToAssets(txn.Shares(key), fpmath.RoundDown)
		acct.Utilization[t] = v.Utilization()
		owed, err := interest.InterestOwed(txn.Interest(key), ms.BorrowIndex())
		if err != nil {
			return nil, nil, err
		}
		acct.InterestOwed[t] = owed
	}
	u, err := premium.AccountPremium(txn, positions)
	if err != nil {
		return nil, nil, err
	}
	acct.LongPremium = u.Long
	acct.ShortPremium = u.Short
	return acct, u, nil
}

// requireSolvent checks an account with open positions against a fresh
// oracle at the shared reference ticks.
func (c *DeterministicCore) requireSolvent(ec *eventContext, account uuid.UUID, market string, p *state.RiskParams) error {
	positions := ec.txn.Book(state.BookKey{Account: account, MarketID: market}).Positions()
	if len(positions) == 0 {
		return nil
	}
	o := ec.txn.Oracle(market)
	if err := o.CheckFresh(ec.now, p.MaxOracleAge); err != nil {
		return err
	}
	acct, _, err := buildAccount(ec.txn, account, market, positions)
	if err != nil {
		return err
	}
	ok, evals, err := collateral.IsSolvent(acct, collateral.ReferenceTicks(o, p), collateral.SafeMode(o, p), p)
	if err != nil {
		return err
	}
	if !ok {
		last := evals[len(evals)-1]
		return &ledgererr.InsolvencyError{
			Account: account.String(),
			Market:  market,
			Tick:    last.Tick,
			Detail:  fmt.Sprintf("balance %s/%s below required %s/%s", last.Balance[0], last.Balance[1], last.Required[0], last.Required[1]),
		}
	}
	return nil
}

// burnShares takes shares from an account and the pool supply without moving assets.
func burnShares(txn *state.Txn, key state.AccountKey, shares *big.Int) error {
	if shares.Sign() == 0 {
		return nil
	}
	have := txn.Shares(key)
	if have.Cmp(shares) < 0 {
		return &ledgererr.InsolvencyError{
			Account: key.Account.String(),
			Market:  key.Pool.MarketID,
			Detail:  fmt.Sprintf("token %d: %s shares held, %s required", key.Pool.Token, have, shares),
		}
	}
	if err := txn.Vault(key.Pool).BurnShares(shares); err != nil {
		return err
	}
	return txn.SetShares(key, have.Sub(have, shares))
}

func mintShares(txn *state.Txn, key state.AccountKey, shares *big.Int) error {
	if shares.Sign() == 0 {
		return nil
	}
	if err := txn.Vault(key.Pool).MintShares(shares); err != nil {
		return err
	}
	return txn.SetShares(key, new(big.Int).Add(txn.Shares(key), shares))
}

// realize closes deployed principal that came back as returned and charges
// the difference to the owner's shares, priced before the close. In strict
// mode a loss the shares cannot cover fails; otherwise the shares are
// burned to zero and the uncovered loss is returned as bad debt.
func (c *DeterministicCore) realize(ec *eventContext, key state.AccountKey, principal, returned *big.Int, strict bool) (*big.Int, error) {
	txn := ec.txn
	v := txn.Vault(key.Pool)
	asset := key.Pool.String()
	pnl := new(big.Int).Sub(returned, principal)
	badDebt := new(big.Int)

	var burn, mint *big.Int
	switch pnl.Sign() {
	case -1:
		loss := new(big.Int).Neg(pnl)
		burn = v.ConvertToShares(loss, fpmath.RoundUp)
		if have := txn.Shares(key); burn.Cmp(have) > 0 && !strict {
			covered := v.ConvertToAssets(have, fpmath.RoundDown)
			badDebt = fpmath.NonNegative(new(big.Int).Sub(loss, covered))
			burn = have
		}
	case 1:
		mint = v.ConvertToShares(pnl, fpmath.RoundDown)
	}

	if err := v.SettleFromAMM(principal, returned); err != nil {
		return nil, err
	}
	if burn != nil {
		if err := burnShares(txn, key, burn); err != nil {
			return nil, err
		}
	}
	if mint != nil {
		if err := mintShares(txn, key, mint); err != nil {
			return nil, err
		}
	}

	ec.jg.AMMReturn(asset, principal)
	ec.jg.RealizedPnL(key.Account, asset, pnl)
	ec.jg.BadDebt(key.Account, asset, badDebt)
	return badDebt, nil
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// --- Event Handlers ---

func (c *DeterministicCore) handleDeposit(ec *eventContext, e *event.CollateralDeposited) error {
	if _, err := c.prepareMarket(ec, e.Market); err != nil {
		return err
	}
	pool := state.PoolKey{MarketID: e.Market, Token: e.Token}
	key := state.AccountKey{Account: e.Account, Pool: pool}

	if _, err := c.settleInterest(ec, key, interest.SettleDeposit); err != nil {
		return err
	}

	v := ec.txn.Vault(pool)
	shares := v.ConvertToShares(e.Amount, fpmath.RoundDown)
	if shares.Sign() == 0 {
		return fmt.Errorf("deposit of %s into %s mints no shares", e.Amount, pool)
	}
	if err := v.AddDeposited(e.Amount); err != nil {
		return err
	}
	if err := mintShares(ec.txn, key, shares); err != nil {
		return err
	}

	ec.jg.Deposit(e.Account, pool.String(), e.Amount)
	return nil
}

func (c *DeterministicCore) handleWithdrawal(ec *eventContext, e *event.CollateralWithdrawn) error {
	p, err := c.prepareExit(ec, e.Market)
	if err != nil {
		return err
	}
	pool := state.PoolKey{MarketID: e.Market, Token: e.Token}
	key := state.AccountKey{Account: e.Account, Pool: pool}

	s, err := c.settleInterest(ec, key, interest.SettleWithdraw)
	if err != nil {
		return err
	}
	if !s.Full {
		return &ledgererr.InsolvencyError{
			Account: e.Account.String(),
			Market:  e.Market,
			Detail:  fmt.Sprintf("token %d: %s interest unpaid", e.Token, s.Remaining()),
		}
	}

	v := ec.txn.Vault(pool)
	if e.Amount.Cmp(v.DepositedAssets) > 0 {
		return fmt.Errorf("withdraw %s from %s: only %s idle", e.Amount, pool, v.DepositedAssets)
	}
	if err := burnShares(ec.txn, key, v.ConvertToShares(e.Amount, fpmath.RoundUp)); err != nil {
		return err
	}
	if err := v.AddDeposited(new(big.Int).Neg(e.Amount)); err != nil {
		return err
	}

	if err := c.requireSolvent(ec, e.Account, e.Market, p); err != nil {
		return err
	}

	ec.jg.Withdrawal(e.Account, pool.String(), e.Amount)
	return nil
}

func (c *DeterministicCore) handleMint(ec *eventContext, e *event.PositionMinted) error {
	p, err := c.prepareMarket(ec, e.Market)
	if err != nil {
		return err
	}
	txn := ec.txn
	if err := txn.Oracle(e.Market).CheckFresh(ec.now, p.MaxOracleAge); err != nil {
		return err
	}
	if err := c.settleFully(ec, e.Account, e.Market, interest.SettlePassive); err != nil {
		return err
	}

	pos := e.ToPosition(c.sequence)
	pos.SpreadFactor = p.SpreadFactor
	if err := pos.Validate(); err != nil {
		return err
	}
	book := txn.Book(state.BookKey{Account: e.Account, MarketID: e.Market})
	if err := book.Add(pos, p.MaxOpenLegs); err != nil {
		return err
	}
	if err := premium.OpenLegs(txn, pos); err != nil {
		return err
	}

	var notional [2]*big.Int
	notional[0], notional[1] = new(big.Int), new(big.Int)
	for i, leg := range pos.Legs {
		liquidity, err := pos.LegLiquidity(i)
		if err != nil {
			return err
		}
		n, err := collateral.Notionals(leg, liquidity)
		if err != nil {
			return err
		}
		notional[leg.TokenType].Add(notional[leg.TokenType], n[leg.TokenType])
	}

	for t := 0; t < 2; t++ {
		pool := state.PoolKey{MarketID: e.Market, Token: uint8(t)}
		key := state.AccountKey{Account: e.Account, Pool: pool}
		v := txn.Vault(pool)
		moved := orZero(e.AmountsMoved[t])

		fee := fpmath.MulRatio(notional[t], p.NotionalFee, fpmath.RoundUp)
		if fee.Sign() > 0 {
			if err := burnShares(txn, key, v.ConvertToShares(fee, fpmath.RoundUp)); err != nil {
				return err
			}
			ec.jg.Commission(e.Account, pool.String(), fee)
		}

		if err := v.MoveToAMM(moved); err != nil {
			return err
		}
		if err := interest.ChangeNetBorrowed(txn, key, moved); err != nil {
			return err
		}
		pos.UtilizationSnapshot[t] = v.Utilization()
		ec.jg.AMMDeploy(pool.String(), moved)
	}

	return c.requireSolvent(ec, e.Account, e.Market, p)
}

func (c *DeterministicCore) handleBurn(ec *eventContext, e *event.PositionBurned) error {
	if _, err := c.prepareMarket(ec, e.Market); err != nil {
		return err
	}
	txn := ec.txn
	book := txn.Book(state.BookKey{Account: e.Account, MarketID: e.Market})
	pos := book.Get(e.PositionID)
	if pos == nil {
		return fmt.Errorf("position %s not open for %s in %s", e.PositionID, e.Account, e.Market)
	}

	if err := c.settleFully(ec, e.Account, e.Market, interest.SettlePassive); err != nil {
		return err
	}

	s, err := premium.SettlePosition(txn, pos)
	if err != nil {
		return err
	}
	ec.recordPremium(e.Market, e.Account, s)
	if err := premium.CloseLegs(txn, pos); err != nil {
		return err
	}

	for t := 0; t < 2; t++ {
		key := state.AccountKey{Account: e.Account, Pool: state.PoolKey{MarketID: e.Market, Token: uint8(t)}}
		principal := orZero(pos.Principal[t])
		if _, err := c.realize(ec, key, principal, orZero(e.AmountsReturned[t]), true); err != nil {
			return err
		}
		if err := interest.ChangeNetBorrowed(txn, key, new(big.Int).Neg(principal)); err != nil {
			return err
		}
	}

	_, err = book.Remove(pos.ID, state.PositionStatusClosed)
	return err
}

func (c *DeterministicCore) handleOracleUpdate(ec *eventContext, e *event.OracleUpdated) error {
	if _, ok := ec.txn.Params(e.Market); !ok {
		return fmt.Errorf("unknown market: %s", e.Market)
	}
	if cur := ec.txn.Oracle(e.Market); cur != nil && e.Sequence <= cur.Sequence {
		return ErrStaleSequence
	}
	ec.txn.PutOracle(e.Snapshot())
	return nil
}

func (c *DeterministicCore) handleFeesCollected(ec *eventContext, e *event.FeesCollected) error {
	if _, err := c.prepareMarket(ec, e.Market); err != nil {
		return err
	}
	chunk := ec.txn.Chunk(e.Chunk())
	coll, err := premium.UpdateOnCollect(chunk, e.Amounts)
	if err != nil {
		return err
	}
	for t := 0; t < 2; t++ {
		ec.jg.FeesCollected(state.PoolKey{MarketID: e.Market, Token: uint8(t)}.String(), coll.Collected[t])
	}
	if coll.Sealed > 0 {
		if ec.sealed == nil {
			ec.sealed = make(map[string]uint64)
		}
		ec.sealed[e.Market] += coll.Sealed
	}
	return nil
}

func (c *DeterministicCore) handleAccrualTick(ec *eventContext, e *event.AccrualTick) error {
	p, ok := ec.txn.Params(e.Market)
	if !ok {
		return fmt.Errorf("unknown market: %s", e.Market)
	}
	return c.accruePool(ec, state.PoolKey{MarketID: e.Market, Token: e.Token}, p)
}

func (c *DeterministicCore) handlePremiumSettle(ec *eventContext, e *event.PremiumSettleRequested) error {
	if _, err := c.prepareMarket(ec, e.Market); err != nil {
		return err
	}
	s, err := premium.SettleAccount(ec.txn, state.BookKey{Account: e.Account, MarketID: e.Market})
	if err != nil {
		return err
	}
	ec.recordPremium(e.Market, e.Account, s)
	return nil
}

func (c *DeterministicCore) handleRiskParamUpdate(ec *eventContext, e *event.RiskParamUpdate) error {
	p := e.Params
	p.EffectiveSeq = c.sequence
	if err := ec.txn.PutParams(&p); err != nil {
		return err
	}
	c.logger.Info().
		Str("market_id", p.MarketID).
		Int64("effective_seq", p.EffectiveSeq).
		Msg("risk params updated")
	return nil
}

// flushMetrics reports a committed event's figures.
func (c *DeterministicCore) flushMetrics(ec *eventContext) {
	m := c.metrics
	for _, a := range ec.accruals {
		labels := poolLabels(a.Pool)
		m.InterestAccruals.WithLabelValues(labels...).Inc()
		observability.AddBig(m.InterestAccrued.WithLabelValues(labels...), a.Interest)
		m.BorrowIndex.WithLabelValues(labels...).Set(observability.BigRatio(a.NewIndex, fpmath.WAD))
		if v := c.store.Vault(a.Pool); v != nil {
			m.PoolUtilization.WithLabelValues(labels...).Set(float64(v.Utilization()) / float64(fpmath.RatioScale))
		}
	}
	for _, f := range ec.frozen {
		c.logger.Warn().Err(f.err).Str("pool", f.pool.String()).Msg("borrow index frozen, accrual skipped")
		m.AccrualFrozen.WithLabelValues(poolLabels(f.pool)...).Inc()
	}
	for _, s := range ec.settlements {
		observability.AddBig(m.InterestPaid.WithLabelValues(poolLabels(s.Key.Pool)...), s.Paid)
	}
	for _, w := range ec.writeOffs {
		observability.AddBig(m.InterestWrittenOff.WithLabelValues(poolLabels(w.Key.Pool)...), w.Owed)
	}
	for _, f := range ec.premia {
		for t := 0; t < 2; t++ {
			labels := poolLabels(state.PoolKey{MarketID: f.market, Token: uint8(t)})
			observability.AddBig(m.PremiumCollected.WithLabelValues(labels...), f.s.Collected[t])
			observability.AddBig(m.PremiumForfeited.WithLabelValues(labels...), f.s.Forfeited[t])
		}
	}
	for market, n := range ec.sealed {
		m.AccumulatorsSealed.WithLabelValues(market).Add(float64(n))
	}
	if r := ec.report; r != nil {
		m.LiquidationTriggered.WithLabelValues(r.Market).Inc()
		m.LiquidationCompleted.WithLabelValues(r.Market, r.Outcome()).Inc()
		for t := 0; t < 2; t++ {
			labels := poolLabels(state.PoolKey{MarketID: r.Market, Token: uint8(t)})
			observability.AddBig(m.LiquidationShortfall.WithLabelValues(labels...), r.Shortfall[t])
			observability.AddBig(m.LiquidationHaircut.WithLabelValues(labels...), r.Haircut[t])
			if r.Capped[t] {
				m.DilutionCapped.WithLabelValues(labels...).Inc()
			}
		}
		if r.Clamped {
			m.BonusClamped.WithLabelValues(r.Market).Inc()
		}
	}
}

func poolLabels(pool state.PoolKey) []string {
	return []string{pool.MarketID, strconv.Itoa(int(pool.Token))}
}
