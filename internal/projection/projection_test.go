package projection_test

import (
	"math/big"
	"testing"

	"MarginLedger/internal/core"
	"MarginLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDecimalConversions(t *testing.T) {
	idx, _ := new(big.Int).SetString("1050000000000000000", 10)
	require.Equal(t, "1.05", projection.Wad(idx).String())
	require.Equal(t, "0.666667", projection.Ppm(666_667).String())
	require.Equal(t, "-42", projection.Amount(big.NewInt(-42)).String())
	require.True(t, projection.Amount(nil).IsZero())
}

func TestLiquidationHistoryEntry_FromReport(t *testing.T) {
	r := &core.LiquidationReport{
		LiquidationID: uuid.New(),
		Account:       uuid.New(),
		Liquidator:    uuid.New(),
		Market:        "ETH-USDC",
		Tick:          5000,
		Bonus:         [2]*big.Int{big.NewInt(9_997), big.NewInt(-3)},
		Shortfall:     [2]*big.Int{big.NewInt(0), big.NewInt(12)},
		Haircut:       [2]*big.Int{big.NewInt(0), big.NewInt(5)},
		BadDebt:       [2]*big.Int{new(big.Int), new(big.Int)},
	}

	e := projection.NewLiquidationHistoryEntry(r, 7, 1_700_000_000)

	require.Equal(t, r.LiquidationID, e.LiquidationID)
	require.Equal(t, int64(7), e.Sequence)
	require.Equal(t, "9997", e.Bonus[0].String())
	require.Equal(t, "-3", e.Bonus[1].String())
	require.Equal(t, "12", e.Shortfall[1].String())
	require.Equal(t, "5", e.Haircut[1].String())
	require.Equal(t, "protocol_loss", e.Outcome)
}
