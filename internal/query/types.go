package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PoolResponse is one pool's projected interest and share state.
type PoolResponse struct {
	MarketID           string          `json:"market_id"`
	Token              uint8           `json:"token"`
	Epoch              int64           `json:"epoch"`
	BorrowIndex        decimal.Decimal `json:"borrow_index"`
	UnrealizedInterest decimal.Decimal `json:"unrealized_interest"`
	DepositedAssets    decimal.Decimal `json:"deposited_assets"`
	AssetsInAMM        decimal.Decimal `json:"assets_in_amm"`
	TotalAssets        decimal.Decimal `json:"total_assets"`
	TotalShares        decimal.Decimal `json:"total_shares"`
	Utilization        decimal.Decimal `json:"utilization"`
	LastSequence       int64           `json:"last_sequence"`
	AsOfSequence       int64           `json:"as_of_sequence"`
}

// LiquidationResponse is one settled liquidation.
type LiquidationResponse struct {
	LiquidationID uuid.UUID          `json:"liquidation_id"`
	Sequence      int64              `json:"sequence"`
	Account       uuid.UUID          `json:"account"`
	Liquidator    uuid.UUID          `json:"liquidator"`
	MarketID      string             `json:"market_id"`
	Tick          int32              `json:"tick"`
	Bonus         [2]decimal.Decimal `json:"bonus"`
	Shortfall     [2]decimal.Decimal `json:"shortfall"`
	Haircut       [2]decimal.Decimal `json:"haircut"`
	Outcome       string             `json:"outcome"`
	Timestamp     int64              `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset is a pool whose journal balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string          `json:"asset"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
