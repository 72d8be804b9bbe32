package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to the inbound command streams and feeds raw
// messages to the Dispatcher. Each subject maps to one event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded inbound message.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed or finally rejected
	NakFunc   func() // redeliver later
	TermFunc  func() // never redeliver
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard inbound subject layout. The last
// token of every subject is the market id.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "margin.cmd.collateral.deposited.>", EventType: "CollateralDeposited", ConsumerName: "ledger-deposits", StreamName: "MARGIN_COLLATERAL"},
		{Subject: "margin.cmd.collateral.withdrawn.>", EventType: "CollateralWithdrawn", ConsumerName: "ledger-withdrawals", StreamName: "MARGIN_COLLATERAL"},
		{Subject: "margin.cmd.positions.minted.>", EventType: "PositionMinted", ConsumerName: "ledger-mints", StreamName: "MARGIN_POSITIONS"},
		{Subject: "margin.cmd.positions.burned.>", EventType: "PositionBurned", ConsumerName: "ledger-burns", StreamName: "MARGIN_POSITIONS"},
		{Subject: "margin.cmd.oracle.>", EventType: "OracleUpdated", ConsumerName: "ledger-oracle", StreamName: "MARGIN_ORACLE"},
		{Subject: "margin.cmd.pool.fees.>", EventType: "FeesCollected", ConsumerName: "ledger-fees", StreamName: "MARGIN_POOLS"},
		{Subject: "margin.cmd.pool.accrual.>", EventType: "AccrualTick", ConsumerName: "ledger-accrual", StreamName: "MARGIN_POOLS"},
		{Subject: "margin.cmd.keeper.liquidate.>", EventType: "LiquidationRequested", ConsumerName: "ledger-liquidations", StreamName: "MARGIN_KEEPER"},
		{Subject: "margin.cmd.keeper.settle.>", EventType: "PremiumSettleRequested", ConsumerName: "ledger-settlements", StreamName: "MARGIN_KEEPER"},
		{Subject: "margin.cmd.risk.params.>", EventType: "RiskParamUpdate", ConsumerName: "ledger-risk-params", StreamName: "MARGIN_RISK"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			MaxAckPending: 1, // strict partitions need in-order delivery
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.NakWithDelay(time.Second) },
				TermFunc:  func() { _ = msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// InboundStreams lists the command streams the service consumes.
func InboundStreams() []jetstream.StreamConfig {
	layout := [][2]string{
		{"MARGIN_COLLATERAL", "margin.cmd.collateral.>"},
		{"MARGIN_POSITIONS", "margin.cmd.positions.>"},
		{"MARGIN_ORACLE", "margin.cmd.oracle.>"},
		{"MARGIN_POOLS", "margin.cmd.pool.>"},
		{"MARGIN_KEEPER", "margin.cmd.keeper.>"},
		{"MARGIN_RISK", "margin.cmd.risk.>"},
	}

	streams := make([]jetstream.StreamConfig, 0, len(layout))
	for _, l := range layout {
		streams = append(streams, jetstream.StreamConfig{
			Name:      l[0],
			Subjects:  []string{l[1]},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		})
	}
	return streams
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	for _, cfg := range InboundStreams() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("marginledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
