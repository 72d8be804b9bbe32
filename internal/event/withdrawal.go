package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// CollateralWithdrawn debits tokens from an account's collateral in one pool.
// An account with open positions must stay solvent afterwards.
type CollateralWithdrawn struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Account      uuid.UUID `json:"account"`
	Market       string    `json:"market"`
	Token        uint8     `json:"token"`
	Amount       *big.Int  `json:"amount"`
	Sequence     int64     `json:"sequence"`
	Timestamp    int64     `json:"timestamp"`
}

func (w *CollateralWithdrawn) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *CollateralWithdrawn) EventType() EventType {
	return EventTypeCollateralWithdrawn
}

func (w *CollateralWithdrawn) MarketID() *string {
	return marketPtr(w.Market)
}

func (w *CollateralWithdrawn) SourceSequence() int64 {
	return w.Sequence
}

func (w *CollateralWithdrawn) EventTime() int64 {
	return w.Timestamp
}

func (w *CollateralWithdrawn) Validate() error {
	if w.WithdrawalID == uuid.Nil || w.Account == uuid.Nil {
		return fmt.Errorf("withdrawal_id and account are required")
	}
	if err := validatePool(w.Market, w.Token); err != nil {
		return err
	}
	return positive("amount", w.Amount)
}
