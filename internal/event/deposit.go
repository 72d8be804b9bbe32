package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// CollateralDeposited credits tokens to an account's collateral in one pool.
type CollateralDeposited struct {
	DepositID uuid.UUID `json:"deposit_id"`
	Account   uuid.UUID `json:"account"`
	Market    string    `json:"market"`
	Token     uint8     `json:"token"`
	Amount    *big.Int  `json:"amount"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (d *CollateralDeposited) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *CollateralDeposited) EventType() EventType {
	return EventTypeCollateralDeposited
}

func (d *CollateralDeposited) MarketID() *string {
	return marketPtr(d.Market)
}

func (d *CollateralDeposited) SourceSequence() int64 {
	return d.Sequence
}

func (d *CollateralDeposited) EventTime() int64 {
	return d.Timestamp
}

func (d *CollateralDeposited) Validate() error {
	if d.DepositID == uuid.Nil || d.Account == uuid.Nil {
		return fmt.Errorf("deposit_id and account are required")
	}
	if err := validatePool(d.Market, d.Token); err != nil {
		return err
	}
	return positive("amount", d.Amount)
}

func validatePool(market string, token uint8) error {
	if market == "" {
		return fmt.Errorf("market is required")
	}
	if token > 1 {
		return fmt.Errorf("token must be 0 or 1, got %d", token)
	}
	return nil
}

func positive(field string, x *big.Int) error {
	if x == nil || x.Sign() <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}
