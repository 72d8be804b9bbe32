package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeInterestAccrual
	JournalTypeInterestPayment
	JournalTypeInterestWriteOff
	JournalTypeCommission
	JournalTypeAMMDeploy
	JournalTypeAMMReturn
	JournalTypeRealizedPnL
	JournalTypePremiumPaid
	JournalTypePremiumReceived
	JournalTypeFeesCollected
	JournalTypeHaircut
	JournalTypeLiquidationBonus
	JournalTypeBonusMint
	JournalTypeBadDebt
)

var journalTypeNames = [...]string{
	"deposit",
	"withdrawal",
	"interest_accrual",
	"interest_payment",
	"interest_write_off",
	"commission",
	"amm_deploy",
	"amm_return",
	"realized_pnl",
	"premium_paid",
	"premium_received",
	"fees_collected",
	"haircut",
	"liquidation_bonus",
	"bonus_mint",
	"bad_debt",
}

func (jt JournalType) String() string {
	if jt < 0 || int(jt) >= len(journalTypeNames) {
		return "unknown"
	}
	return journalTypeNames[jt]
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic from the batch and index
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         string      // Pool the amount is denominated in
	Amount        *big.Int    // Pool token base units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Event time (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single positive
// amount moves from credit account to debit account), so Σ debits == Σ credits
// per entry and per asset.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %v", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between accounts of another asset", j.JournalID, j.Asset)
		}
	}

	return nil
}
