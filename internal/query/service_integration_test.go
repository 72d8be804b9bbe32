package query_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestQueryService_ReadsProjections(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 4)
	proj := make(chan core.CoreOutput, 4)
	c := core.NewDeterministicCore(core.Config{PersistChan: persist, ProjectionChan: proj, Logger: zerolog.Nop()})

	account := uuid.New()
	require.NoError(t, c.ProcessEvent(&event.CollateralDeposited{
		DepositID: uuid.New(),
		Account:   account,
		Market:    "ETH-USDC",
		Token:     1,
		Amount:    big.NewInt(2_500_000),
		Sequence:  1,
		Timestamp: 1_700_000_000,
	}))
	close(persist)
	close(proj)

	require.NoError(t, persistence.NewPersistenceWorker(db, persist, 10, time.Millisecond, nil, zerolog.Nop()).Run(ctx))
	require.NoError(t, projection.NewProjectionWorker(db, proj, nil, zerolog.Nop()).Run(ctx))

	qs := query.NewQueryService(db)

	wm, err := qs.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), wm)

	pool, err := qs.GetPool(ctx, "ETH-USDC", 1)
	require.NoError(t, err)
	require.True(t, pool.DepositedAssets.Equal(decimal.NewFromInt(2_500_000)), pool.DepositedAssets.String())
	require.Equal(t, int64(1), pool.AsOfSequence)

	_, err = qs.GetPool(ctx, "ETH-USDC", 0)
	require.True(t, errors.Is(err, query.ErrNotFound))

	bal, err := qs.GetBalance(ctx, account, "ETH-USDC", 1)
	require.NoError(t, err)
	require.True(t, bal.Collateral.Equal(decimal.NewFromInt(2_500_000)), bal.Collateral.String())
	require.True(t, bal.Shares.IsPositive())

	journals, err := qs.GetJournalHistory(ctx, account, 10, nil)
	require.NoError(t, err)
	require.Len(t, journals, 1)
	require.Equal(t, "deposit", journals[0].JournalType)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.IsHealthy)
}
