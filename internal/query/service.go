package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a projection has no row for the request.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to projection tables. Every
// response carries as_of_sequence, the projection watermark it was read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalance returns an account's stake in one pool.
func (qs *QueryService) GetBalance(ctx context.Context, account uuid.UUID, marketID string, token uint8) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	pool := state.PoolKey{MarketID: marketID, Token: token}
	path := ledger.NewUserAccountKey(account, ledger.SubTypeCollateral, pool.String()).AccountPath()
	collateral, err := qs.getProjectedBalance(ctx, path, pool.String())
	if err != nil {
		return nil, err
	}

	resp := &BalanceResponse{
		Account:      account,
		MarketID:     marketID,
		Token:        token,
		Collateral:   collateral,
		AsOfSequence: asOfSeq,
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT shares, assets, net_borrowed, open_positions
		FROM projections.accounts
		WHERE account = $1 AND market_id = $2 AND token = $3
	`, account, marketID, int16(token)).Scan(&resp.Shares, &resp.Assets, &resp.NetBorrowed, &resp.OpenPositions)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPool returns one pool's projected state.
func (qs *QueryService) GetPool(ctx context.Context, marketID string, token uint8) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	p := &PoolResponse{MarketID: marketID, Token: token, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT epoch, borrow_index, unrealized_interest, deposited_assets, assets_in_amm,
		       total_assets, total_shares, utilization, last_sequence
		FROM projections.pools
		WHERE market_id = $1 AND token = $2
	`, marketID, int16(token)).Scan(
		&p.Epoch, &p.BorrowIndex, &p.UnrealizedInterest, &p.DepositedAssets, &p.AssetsInAMM,
		&p.TotalAssets, &p.TotalShares, &p.Utilization, &p.LastSequence,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pool %s: %w", state.PoolKey{MarketID: marketID, Token: token}, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetLiquidations returns an account's liquidations, newest first. Pass
// beforeSequence to page.
func (qs *QueryService) GetLiquidations(ctx context.Context, account uuid.UUID, limit int, beforeSequence *int64) ([]LiquidationResponse, error) {
	query := `
		SELECT liquidation_id, sequence, account, liquidator, market_id, tick,
		       bonus0, bonus1, shortfall0, shortfall1, haircut0, haircut1, outcome, timestamp
		FROM projections.liquidation_history
		WHERE account = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		if err := rows.Scan(
			&r.LiquidationID, &r.Sequence, &r.Account, &r.Liquidator, &r.MarketID, &r.Tick,
			&r.Bonus[0], &r.Bonus[1], &r.Shortfall[0], &r.Shortfall[1], &r.Haircut[0], &r.Haircut[1],
			&r.Outcome, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching an account, newest
// first, with pagination.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e  JournalHistoryEntry
			jt int32
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// journal balances net to zero per pool.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// Watermark returns the last sequence the projections have applied.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	return qs.getWatermark(ctx)
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath, asset string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, accountPath, asset).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	return balance, err
}
