package projection

import (
	"context"
	"database/sql"

	"MarginLedger/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidationHistoryEntry is one row of projections.liquidation_history.
type LiquidationHistoryEntry struct {
	LiquidationID uuid.UUID
	Sequence      int64
	Account       uuid.UUID
	Liquidator    uuid.UUID
	MarketID      string
	Tick          int32
	Bonus         [2]decimal.Decimal // signed; negative is paid by the liquidator
	Shortfall     [2]decimal.Decimal
	Haircut       [2]decimal.Decimal
	Outcome       string
	Timestamp     int64
}

func NewLiquidationHistoryEntry(r *core.LiquidationReport, seq, ts int64) LiquidationHistoryEntry {
	e := LiquidationHistoryEntry{
		LiquidationID: r.LiquidationID,
		Sequence:      seq,
		Account:       r.Account,
		Liquidator:    r.Liquidator,
		MarketID:      r.Market,
		Tick:          r.Tick,
		Outcome:       r.Outcome(),
		Timestamp:     ts,
	}
	for t := 0; t < 2; t++ {
		e.Bonus[t] = Amount(r.Bonus[t])
		e.Shortfall[t] = Amount(r.Shortfall[t])
		e.Haircut[t] = Amount(r.Haircut[t])
	}
	return e
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, e LiquidationHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(liquidation_id, sequence, account, liquidator, market_id, tick,
			 bonus0, bonus1, shortfall0, shortfall1, haircut0, haircut1, outcome, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (liquidation_id) DO NOTHING
	`,
		e.LiquidationID, e.Sequence, e.Account, e.Liquidator, e.MarketID, e.Tick,
		e.Bonus[0], e.Bonus[1], e.Shortfall[0], e.Shortfall[1], e.Haircut[0], e.Haircut[1],
		e.Outcome, e.Timestamp,
	)
	return err
}
