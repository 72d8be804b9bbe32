package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const OutboundStream = "MARGIN_LEDGER_EVENTS"

// OutboundPublisher publishes persisted events to NATS for downstream
// consumers. Events enter through Offer once their batch is committed, so
// nothing is announced that a restart could lose.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan chan PublishableEvent
	floor     atomic.Int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of one applied event.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishable converts a persisted event row.
func NewPublishable(row persistence.EventRow) PublishableEvent {
	return PublishableEvent{
		Sequence:       row.Sequence,
		EventType:      row.EventType,
		IdempotencyKey: row.IdempotencyKey,
		MarketID:       row.MarketID,
		Payload:        append(json.RawMessage(nil), row.Payload...),
		StateHash:      hex.EncodeToString(row.StateHash),
		Timestamp:      row.Timestamp,
	}
}

// Subject returns margin.ledger.events.<event_type>.<market_id>. Global
// events use "global" as the market token.
func (p PublishableEvent) Subject() string {
	market := "global"
	if p.MarketID != nil && *p.MarketID != "" {
		market = *p.MarketID
	}
	return fmt.Sprintf("margin.ledger.events.%s.%s", p.EventType, market)
}

func NewOutboundPublisher(js jetstream.JetStream, bufferSize int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan PublishableEvent, bufferSize),
		metrics:   metrics,
		logger:    logger,
	}
}

// SkipThrough suppresses events up to and including seq. Recovery replays
// already-published events through the persistence worker; call this with
// the last persisted sequence before replay starts.
func (op *OutboundPublisher) SkipThrough(seq int64) {
	op.floor.Store(seq)
}

// Offer queues committed rows without blocking. A full buffer drops the
// event; consumers can catch up from the event log.
func (op *OutboundPublisher) Offer(rows []persistence.EventRow) {
	floor := op.floor.Load()
	for _, row := range rows {
		if row.Sequence <= floor {
			continue
		}
		select {
		case op.inputChan <- NewPublishable(row):
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
		}
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.inputChan:
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				continue
			}
			if op.metrics != nil {
				op.metrics.EventsPublished.WithLabelValues(evt.EventType).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data,
		jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)),
		jetstream.WithExpectStream(OutboundStream),
	)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{"margin.ledger.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
