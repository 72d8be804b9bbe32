package projection

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ProjectionWorker updates projection tables from processed events. Its
// channel drops on overflow, so projections are eventually consistent and
// can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue // replayed during recovery
			}
			if pw.lastSeq > 0 && seq != pw.lastSeq+1 && pw.metrics != nil {
				pw.metrics.ProjectionDrops.WithLabelValues("gap").Add(float64(seq - pw.lastSeq - 1))
			}

			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := updateBalance(ctx, tx, j.DebitAccount.AccountPath(), j.Asset, decimal.NewFromBigInt(j.Amount, 0), seq); err != nil {
				return fmt.Errorf("debit projection: %w", err)
			}
			if err := updateBalance(ctx, tx, j.CreditAccount.AccountPath(), j.Asset, decimal.NewFromBigInt(j.Amount, 0).Neg(), seq); err != nil {
				return fmt.Errorf("credit projection: %w", err)
			}
		}
	}
	for _, p := range output.Pools {
		if err := upsertPool(ctx, tx, p, seq); err != nil {
			return fmt.Errorf("pool projection: %w", err)
		}
	}
	for _, a := range output.Accounts {
		if err := upsertAccount(ctx, tx, a, seq); err != nil {
			return fmt.Errorf("account projection: %w", err)
		}
	}
	if r := output.Liquidation; r != nil {
		if err := insertLiquidation(ctx, tx, NewLiquidationHistoryEntry(r, seq, output.Envelope.Timestamp.Unix())); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalance applies a signed delta; debits increase a balance.
func updateBalance(ctx context.Context, tx *sql.Tx, path, asset string, delta decimal.Decimal, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, path, asset, delta, seq)
	return err
}

func upsertPool(ctx context.Context, tx *sql.Tx, p core.PoolSnapshot, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pools
			(market_id, token, epoch, borrow_index, unrealized_interest, deposited_assets,
			 assets_in_amm, total_assets, total_shares, utilization, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (market_id, token) DO UPDATE SET
			epoch = $3, borrow_index = $4, unrealized_interest = $5, deposited_assets = $6,
			assets_in_amm = $7, total_assets = $8, total_shares = $9, utilization = $10,
			last_sequence = $11
	`,
		p.MarketID, int16(p.Token), int64(p.Epoch),
		Wad(p.BorrowIndex), Amount(p.UnrealizedInterest), Amount(p.DepositedAssets),
		Amount(p.AssetsInAMM), Amount(p.TotalAssets), Amount(p.TotalShares),
		Ppm(p.Utilization), seq,
	)
	return err
}

func upsertAccount(ctx context.Context, tx *sql.Tx, a core.AccountSnapshot, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.accounts
			(account, market_id, token, shares, assets, net_borrowed, open_positions, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account, market_id, token) DO UPDATE SET
			shares = $4, assets = $5, net_borrowed = $6, open_positions = $7, last_sequence = $8
	`,
		a.Account, a.MarketID, int16(a.Token),
		Amount(a.Shares), Amount(a.Assets), Amount(a.NetBorrowed), a.OpenPositions, seq,
	)
	return err
}

// Amount converts a base-unit integer to a decimal for a NUMERIC column.
func Amount(x *big.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, 0)
}

// Wad converts an 18-decimal fixed-point value.
func Wad(x *big.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -18)
}

// Ppm converts a parts-per-million ratio to a fraction.
func Ppm(x int64) decimal.Decimal {
	return decimal.New(x, -6)
}

// RebuildProjections rebuilds the balance projection from the journal. Pool
// and account rows are rebuilt by replaying through the core.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.accounts`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(liquidation_id, sequence, account, liquidator, market_id, tick,
			 bonus0, bonus1, shortfall0, shortfall1, haircut0, haircut1, outcome, timestamp)
		SELECT liquidation_id, sequence, account, liquidator, market_id, tick,
		       (report->'bonus'->>0)::NUMERIC, (report->'bonus'->>1)::NUMERIC,
		       (report->'shortfall'->>0)::NUMERIC, (report->'shortfall'->>1)::NUMERIC,
		       (report->'haircut'->>0)::NUMERIC, (report->'haircut'->>1)::NUMERIC,
		       outcome, EXTRACT(EPOCH FROM timestamp)::BIGINT
		FROM event_log.liquidations
	`)
	if err != nil {
		return fmt.Errorf("rebuild liquidation history: %w", err)
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
