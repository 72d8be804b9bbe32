package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/testutil"

	"github.com/rs/zerolog"
)

type chanSubmitter chan event.Event

func (c chanSubmitter) Submit(ctx context.Context, evt event.Event) (int64, error) {
	select {
	case c <- evt:
		return 1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestNATS_SubscribeDispatch(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	var accrual []ingestion.SubjectConfig
	for _, sc := range ingestion.DefaultSubjects() {
		if sc.EventType == "AccrualTick" {
			accrual = append(accrual, sc)
		}
	}

	inbound := make(chan ingestion.RawEvent, 8)
	sub := ingestion.NewNATSSubscriber(js, inbound, zerolog.Nop())
	if err := sub.Subscribe(ctx, accrual); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	submitted := make(chanSubmitter, 1)
	go ingestion.NewDispatcher(submitted, nil, zerolog.Nop()).Run(ctx, inbound)

	seq := time.Now().UnixNano()
	data, _ := json.Marshal(map[string]interface{}{
		"market":    "ETH-USDC",
		"token":     1,
		"sequence":  seq,
		"timestamp": 1700000000,
	})
	if _, err := js.Publish(ctx, "margin.cmd.pool.accrual.ETH-USDC", data); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for {
		select {
		case evt := <-submitted:
			tick, ok := evt.(*event.AccrualTick)
			if !ok {
				t.Fatalf("got %T, want *event.AccrualTick", evt)
			}
			if tick.Sequence != seq {
				continue // left over from an earlier run
			}
			if tick.Token != 1 || tick.Market != "ETH-USDC" {
				t.Errorf("unexpected tick %+v", tick)
			}
			return
		case <-ctx.Done():
			t.Fatal("timed out waiting for dispatch")
		}
	}
}
