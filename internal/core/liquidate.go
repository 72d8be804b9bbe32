package core

import (
	"fmt"
	"math/big"

	"MarginLedger/internal/collateral"
	"MarginLedger/internal/event"
	"MarginLedger/internal/interest"
	"MarginLedger/internal/liquidation"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/premium"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// LiquidationReport summarizes one applied liquidation, per token.
type LiquidationReport struct {
	LiquidationID uuid.UUID   `json:"liquidation_id"`
	Account       uuid.UUID   `json:"account"`
	Liquidator    uuid.UUID   `json:"liquidator"`
	Market        string      `json:"market"`
	Tick          int32       `json:"tick"`
	Bonus         [2]*big.Int `json:"bonus"`
	Shortfall     [2]*big.Int `json:"shortfall"`
	Haircut       [2]*big.Int `json:"haircut"`
	Minted        [2]*big.Int `json:"minted"`
	BadDebt       [2]*big.Int `json:"bad_debt"`
	WrittenOff    [2]*big.Int `json:"written_off"`
	Capped        [2]bool     `json:"capped"`
	Clamped       bool        `json:"clamped"`
	Positions     []uuid.UUID `json:"positions"`
}

// Outcome labels the liquidation for metrics.
func (r *LiquidationReport) Outcome() string {
	for t := 0; t < 2; t++ {
		if r.Shortfall[t].Sign() > 0 || r.BadDebt[t].Sign() > 0 {
			return "protocol_loss"
		}
	}
	return "covered"
}

// handleLiquidation closes every open position of an insolvent account,
// pays the liquidator, recovers protocol loss from long premium and writes
// off interest the account can no longer pay. Nothing is applied unless
// every step succeeds.
func (c *DeterministicCore) handleLiquidation(ec *eventContext, e *event.LiquidationRequested) error {
	p, err := c.prepareExit(ec, e.Market)
	if err != nil {
		return err
	}
	txn := ec.txn
	pools := [2]state.PoolKey{{MarketID: e.Market, Token: 0}, {MarketID: e.Market, Token: 1}}
	keyOf := func(account uuid.UUID, t int) state.AccountKey {
		return state.AccountKey{Account: account, Pool: pools[t]}
	}

	for t := 0; t < 2; t++ {
		if _, err := c.settleInterest(ec, keyOf(e.Account, t), interest.SettleLiquidation); err != nil {
			return err
		}
	}

	// Step 1: reference prices, captured once
	o := txn.Oracle(e.Market)
	if err := o.CheckFresh(ec.now, p.MaxOracleAge); err != nil {
		return err
	}
	if err := collateral.CheckLiquidationPrice(o, p); err != nil {
		return err
	}
	safeMode := collateral.SafeMode(o, p)

	book := txn.Book(state.BookKey{Account: e.Account, MarketID: e.Market})
	positions := book.Positions()
	if len(positions) == 0 {
		return fmt.Errorf("liquidate %s: no open positions in %s", e.Account, e.Market)
	}
	for _, cl := range e.Closes {
		if book.Get(cl.PositionID) == nil {
			return fmt.Errorf("liquidate %s: position %s not open", e.Account, cl.PositionID)
		}
	}

	// Step 2: solvency at the shared reference ticks
	acct, unsettled, err := buildAccount(txn, e.Account, e.Market, positions)
	if err != nil {
		return err
	}
	solvent, _, err := collateral.IsSolvent(acct, collateral.ReferenceTicks(o, p), safeMode, p)
	if err != nil {
		return err
	}
	if solvent {
		return fmt.Errorf("liquidate %s in %s: %w", e.Account, e.Market, liquidation.ErrAccountSolvent)
	}
	ev, err := collateral.Evaluate(acct, o.CurrentTick, safeMode, p)
	if err != nil {
		return err
	}

	report := &LiquidationReport{
		LiquidationID: e.LiquidationID,
		Account:       e.Account,
		Liquidator:    e.Liquidator,
		Market:        e.Market,
		Tick:          o.CurrentTick,
	}
	netPaid := [2]*big.Int{new(big.Int), new(big.Int)}
	for t := 0; t < 2; t++ {
		report.BadDebt[t] = new(big.Int)
		report.Minted[t] = new(big.Int)
	}

	// Step 3: long legs pay what premium the account's shares still cover
	var legs []liquidation.LegPremium
	paidPremium := &premium.Settlement{
		Owed:      [2]*big.Int{new(big.Int), new(big.Int)},
		Collected: [2]*big.Int{new(big.Int), new(big.Int)},
		Forfeited: [2]*big.Int{new(big.Int), new(big.Int)},
	}
	for pi, pos := range positions {
		for i, leg := range pos.Legs {
			if !leg.IsLong {
				continue
			}
			chunk := txn.Chunk(premium.ChunkKeyFor(pos, leg))
			lp := liquidation.LegPremium{Position: pos.ID, Leg: i, Chunk: chunk.Key, Premium: [2]*big.Int{new(big.Int), new(big.Int)}}
			for t := 0; t < 2; t++ {
				owed := unsettled.LegLong[pi][i][t]
				if owed.Sign() == 0 {
					continue
				}
				key := keyOf(e.Account, t)
				amount := fpmath.Min(owed, txn.Vault(pools[t]).ConvertToAssets(txn.Shares(key), fpmath.RoundDown))
				if amount.Sign() == 0 {
					continue
				}
				if err := premium.PayLong(txn, key, chunk, t, amount); err != nil {
					return err
				}
				lp.Premium[t] = amount
				netPaid[t].Add(netPaid[t], amount)
				paidPremium.Owed[t].Add(paidPremium.Owed[t], amount)
			}
			legs = append(legs, lp)
		}
	}

	// Interest the shares could not pay leaves the pool. This must run while
	// the borrow is still open: once the closes take it to zero nothing is owed.
	for t := 0; t < 2; t++ {
		w, err := interest.WriteOffAccount(txn, keyOf(e.Account, t))
		if err != nil {
			return err
		}
		if w.Owed.Sign() > 0 {
			ec.writeOffs = append(ec.writeOffs, w)
		}
		report.WrittenOff[t] = w.Removed
	}

	// Step 4: close every position at what it returned from the AMM
	for _, pos := range positions {
		returned, ok := e.ReturnedFor(pos.ID)
		if !ok {
			returned = pos.Principal
		}
		for t := 0; t < 2; t++ {
			principal := orZero(pos.Principal[t])
			ret := orZero(returned[t])
			netPaid[t].Add(netPaid[t], new(big.Int).Sub(principal, ret))
			badDebt, err := c.realize(ec, keyOf(e.Account, t), principal, ret, false)
			if err != nil {
				return err
			}
			report.BadDebt[t].Add(report.BadDebt[t], badDebt)
			if err := txn.Interest(keyOf(e.Account, t)).AddNetBorrowed(new(big.Int).Neg(principal)); err != nil {
				return err
			}
		}
	}

	// Step 5: bonus at the current tick
	sqrtPrice, err := fpmath.SqrtPriceAtTick(o.CurrentTick)
	if err != nil {
		return err
	}
	res := liquidation.ComputeBonus(liquidation.BonusInput{
		Balance:      ev.Balance,
		Required:     ev.Required,
		NetPaid:      netPaid,
		ShortPremium: acct.ShortPremium,
		SqrtPriceX96: sqrtPrice,
	})
	report.Bonus = res.Bonus
	report.Shortfall = res.Shortfall
	report.Clamped = res.Clamped

	// Step 6: claw back long premium to cover the shortfall
	haircut := liquidation.HaircutPremia(legs, res.Shortfall)
	recovered, err := liquidation.ApplyHaircut(txn, e.Market, legs, haircut)
	if err != nil {
		return err
	}
	report.Haircut = recovered

	// Step 7: pay the liquidator
	for t := 0; t < 2; t++ {
		asset := pools[t].String()
		from := keyOf(e.Account, t)
		held := txn.Vault(pools[t]).ConvertToAssets(txn.Shares(from), fpmath.RoundDown)
		payout, err := liquidation.Settle(txn, pools[t], e.Account, e.Liquidator, res.Bonus[t], p.MaxDilutionMultiple)
		if err != nil {
			return err
		}
		report.Minted[t] = payout.Minted
		report.Capped[t] = payout.Capped

		bonus := res.Bonus[t]
		if bonus.Sign() <= 0 {
			ec.jg.LiquidationBonus(e.Account, e.Liquidator, asset, bonus)
			continue
		}
		covered := fpmath.Min(bonus, held)
		ec.jg.LiquidationBonus(e.Account, e.Liquidator, asset, covered)
		if payout.Minted.Sign() > 0 {
			ec.jg.BonusMint(e.Liquidator, asset, new(big.Int).Sub(bonus, covered))
		}
	}

	// Step 8: short legs give up their premium, every position closes
	for _, pos := range positions {
		for i, leg := range pos.Legs {
			if leg.IsLong {
				continue
			}
			forfeited, err := premium.ForfeitShort(txn, pos, i)
			if err != nil {
				return err
			}
			for t := 0; t < 2; t++ {
				paidPremium.Forfeited[t].Add(paidPremium.Forfeited[t], forfeited[t])
			}
		}
		if err := premium.CloseLegs(txn, pos); err != nil {
			return err
		}
		if _, err := book.Remove(pos.ID, state.PositionStatusLiquidated); err != nil {
			return err
		}
		report.Positions = append(report.Positions, pos.ID)
	}

	for t := 0; t < 2; t++ {
		ec.jg.InterestWriteOff(pools[t].String(), report.WrittenOff[t])
		ec.jg.Haircut(pools[t].String(), recovered[t])
	}

	ec.recordPremium(e.Market, e.Account, paidPremium)
	ec.report = report

	return nil
}
