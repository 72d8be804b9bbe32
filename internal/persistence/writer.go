package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events, journals and liquidation reports to Postgres
// using multi-row INSERT. Every write is idempotent on its primary key so a
// replayed batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal. Amount is a decimal
// string; the column is NUMERIC.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   int32
	Timestamp     int64
}

// LiquidationRow represents a row in event_log.liquidations. Report is the
// JSON-encoded core report.
type LiquidationRow struct {
	LiquidationID string
	Sequence      int64
	Account       string
	Liquidator    string
	MarketID      string
	Tick          int32
	Outcome       string
	Report        []byte
	Timestamp     time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// placeholders renders "($1, $2, ...), (...)" for n rows of width columns.
func placeholders(n, width int) string {
	rows := make([]string, n)
	cols := make([]string, width)
	for i := 0; i < n; i++ {
		for c := 0; c < width; c++ {
			cols[c] = fmt.Sprintf("$%d", i*width+c+1)
		}
		rows[i] = "(" + strings.Join(cols, ", ") + ")"
	}
	return strings.Join(rows, ", ")
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(events)*9)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES ` + placeholders(len(events), 9) + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 10) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteLiquidationBatch writes liquidation reports to event_log.liquidations.
func (w *EventLogWriter) WriteLiquidationBatch(ctx context.Context, ex execer, rows []LiquidationRow) error {
	if len(rows) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(rows)*9)
	for _, r := range rows {
		args = append(args,
			r.LiquidationID, r.Sequence, r.Account, r.Liquidator, r.MarketID,
			r.Tick, r.Outcome, string(r.Report), r.Timestamp,
		)
	}

	query := `INSERT INTO event_log.liquidations
		(liquidation_id, sequence, account, liquidator, market_id, tick, outcome, report, timestamp)
		VALUES ` + placeholders(len(rows), 9) + ` ON CONFLICT (liquidation_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
