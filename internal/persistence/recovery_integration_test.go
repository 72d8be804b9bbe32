package persistence_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRecover_ReplaysPersistedLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 16)
	c := core.NewDeterministicCore(core.Config{PersistChan: persist, Logger: zerolog.Nop()})
	account := uuid.New()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, c.ProcessEvent(&event.CollateralDeposited{
			DepositID: uuid.New(),
			Account:   account,
			Market:    "ETH-USDC",
			Token:     uint8(i % 2),
			Amount:    big.NewInt(1_000_000 * i),
			Sequence:  i,
			Timestamp: 1_700_000_000 + i,
		}))
	}
	close(persist)

	var flushed []int64
	pw := persistence.NewPersistenceWorker(db, persist, 100, 10*time.Millisecond, nil, zerolog.Nop())
	pw.OnFlushed(func(rows []persistence.EventRow) {
		for _, r := range rows {
			flushed = append(flushed, r.Sequence)
		}
	})
	require.NoError(t, pw.Run(ctx))
	require.Len(t, flushed, 3)

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, flushed[len(flushed)-1], latest)

	// replay into a fresh core; its persist channel must keep draining
	replayOut := make(chan core.CoreOutput, 16)
	fresh := core.NewDeterministicCore(core.Config{PersistChan: replayOut, Logger: zerolog.Nop()})
	last, err := persistence.Recover(ctx, sm, fresh, 100, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, latest, last)
	require.Equal(t, c.GetStateHash(), fresh.GetStateHash())

	// the deposit partition resumes after the replayed sources
	require.NoError(t, fresh.ProcessEvent(&event.CollateralDeposited{
		DepositID: uuid.New(),
		Account:   account,
		Market:    "ETH-USDC",
		Token:     1,
		Amount:    big.NewInt(5),
		Sequence:  4,
		Timestamp: 1_700_000_010,
	}))
	require.Equal(t, last+1, fresh.GetSequence()-1)
}

func TestMigrator_StatusAfterUp(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	m := persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop())
	require.NoError(t, m.Up(context.Background())) // second run is a no-op

	statuses, err := m.Status(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, st := range statuses {
		require.True(t, st.Applied, st.Filename)
		require.False(t, st.Drifted, st.Filename)
	}
}
