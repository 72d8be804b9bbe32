package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceResponse is an account's stake in one pool as of the projection
// watermark.
type BalanceResponse struct {
	Account  uuid.UUID `json:"account"`
	MarketID string    `json:"market_id"`
	Token    uint8     `json:"token"`

	// Ledger balance: deposits less withdrawals, fees and realized losses.
	Collateral decimal.Decimal `json:"collateral"`

	// Vault position at the last event that touched the account. Assets
	// drift from Collateral as interest and premium move the share price.
	Shares        decimal.Decimal `json:"shares"`
	Assets        decimal.Decimal `json:"assets"`
	NetBorrowed   decimal.Decimal `json:"net_borrowed"`
	OpenPositions int             `json:"open_positions"`

	AsOfSequence int64 `json:"as_of_sequence"`
}
