package ingestion

import (
	"context"
	"fmt"

	"MarginLedger/internal/event"
)

// GRPCIngestService is the admin path for manual event injection. Bulk
// traffic goes through NATS. Injected events carry their own source
// sequence and take the same pipeline as consumed ones.
type GRPCIngestService struct {
	core Submitter
}

func NewGRPCIngestService(submitter Submitter) *GRPCIngestService {
	return &GRPCIngestService{core: submitter}
}

// Inject decodes a JSON payload of the named event type and applies it.
// Returns the assigned sequence, zero for a duplicate.
func (s *GRPCIngestService) Inject(ctx context.Context, eventType string, payload []byte) (int64, error) {
	evt, err := ParseRawEvent(RawEvent{Data: payload}, eventType)
	if err != nil {
		return 0, err
	}
	return s.core.Submit(ctx, evt)
}

// InjectAccrualTick asks the core to accrue one pool's interest up to
// timestamp.
func (s *GRPCIngestService) InjectAccrualTick(ctx context.Context, market string, token uint8, sequence, timestamp int64) (int64, error) {
	evt := &event.AccrualTick{
		Market:    market,
		Token:     token,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
	if err := evt.Validate(); err != nil {
		return 0, fmt.Errorf("invalid AccrualTick: %w", err)
	}
	return s.core.Submit(ctx, evt)
}
