package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledgererr"
	"MarginLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Submitter applies one event and returns its assigned sequence, zero for a
// duplicate. *core.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (int64, error)
}

// Outcome of one inbound message, also the metric label.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeRejected  Outcome = "rejected"
	OutcomeRetry     Outcome = "retry"
	OutcomePoison    Outcome = "poison"
)

// Dispatcher turns raw inbound messages into core submissions and settles
// each message with the broker.
type Dispatcher struct {
	core    Submitter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(submitter Submitter, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{core: submitter, metrics: metrics, logger: logger}
}

// Run handles messages until ctx ends or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks, naks or terminates it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) Outcome {
	eventType := raw.EventType
	if eventType == "" {
		var err error
		if eventType, err = EventTypeFromSubject(raw.Subject); err != nil {
			return d.settle(raw, "unknown", OutcomePoison, err)
		}
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		return d.settle(raw, eventType, OutcomePoison, err)
	}
	if err := checkSubjectMarket(raw.Subject, evt); err != nil {
		return d.settle(raw, eventType, OutcomePoison, err)
	}

	seq, err := d.core.Submit(ctx, evt)
	switch {
	case err == nil && seq == 0:
		return d.settle(raw, eventType, OutcomeDuplicate, nil)
	case err == nil:
		return d.settle(raw, eventType, OutcomeApplied, nil)
	case errors.Is(err, core.ErrOutOfSequence), ctx.Err() != nil:
		return d.settle(raw, eventType, OutcomeRetry, err)
	case errors.Is(err, core.ErrStaleSequence):
		return d.settle(raw, eventType, OutcomeStale, nil)
	default:
		return d.settle(raw, eventType, OutcomeRejected, err)
	}
}

func (d *Dispatcher) settle(raw RawEvent, eventType string, outcome Outcome, err error) Outcome {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(eventType, string(outcome)).Inc()
	}

	switch outcome {
	case OutcomeRetry:
		d.logger.Debug().Err(err).Str("subject", raw.Subject).Msg("redelivery requested")
		call(raw.NakFunc)
	case OutcomePoison:
		d.logger.Error().Err(err).Str("subject", raw.Subject).Msg("undecodable message dropped")
		call(raw.TermFunc)
	case OutcomeRejected:
		ev := d.logger.Warn()
		if ledgererr.IsAlert(err) {
			ev = d.logger.Error().Bool("alert", true)
		}
		ev.Err(err).Str("subject", raw.Subject).Str("event_type", eventType).Msg("event rejected")
		call(raw.AckFunc)
	default:
		call(raw.AckFunc)
	}
	return outcome
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

// checkSubjectMarket verifies that the last subject token names the same
// market as the payload.
func checkSubjectMarket(subject string, evt event.Event) error {
	m := evt.MarketID()
	if subject == "" || m == nil {
		return nil
	}
	last := subject[strings.LastIndexByte(subject, '.')+1:]
	if last != *m {
		return fmt.Errorf("subject market %q does not match payload market %q", last, *m)
	}
	return nil
}
