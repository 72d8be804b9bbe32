package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypePositionMinted
	EventTypePositionBurned
	EventTypeOracleUpdated
	EventTypeFeesCollected
	EventTypeAccrualTick
	EventTypeLiquidationRequested
	EventTypePremiumSettleRequested
	EventTypeRiskParamUpdate
)

var eventTypeNames = map[EventType]string{
	EventTypeCollateralDeposited:    "CollateralDeposited",
	EventTypeCollateralWithdrawn:    "CollateralWithdrawn",
	EventTypePositionMinted:         "PositionMinted",
	EventTypePositionBurned:         "PositionBurned",
	EventTypeOracleUpdated:          "OracleUpdated",
	EventTypeFeesCollected:          "FeesCollected",
	EventTypeAccrualTick:            "AccrualTick",
	EventTypeLiquidationRequested:   "LiquidationRequested",
	EventTypePremiumSettleRequested: "PremiumSettleRequested",
	EventTypeRiskParamUpdate:        "RiskParamUpdate",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType maps a name back to its EventType.
func ParseEventType(name string) (EventType, error) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %s", name)
}

// AllEventTypes lists every known type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeCollateralDeposited; et <= EventTypeRiskParamUpdate; et++ {
		out = append(out, et)
	}
	return out
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Market context (nullable for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event, replayable through the ingestion parser
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime is the event's unix timestamp in seconds. The core never
	// reads the wall clock; every time-dependent step uses this.
	EventTime() int64

	// Validate checks the payload before it reaches the core.
	Validate() error
}

func marketPtr(m string) *string {
	return &m
}

// MarshalPayload encodes an event for the envelope payload.
func MarshalPayload(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// New returns an empty event of the given type for decoding.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeCollateralDeposited:
		return &CollateralDeposited{}, nil
	case EventTypeCollateralWithdrawn:
		return &CollateralWithdrawn{}, nil
	case EventTypePositionMinted:
		return &PositionMinted{}, nil
	case EventTypePositionBurned:
		return &PositionBurned{}, nil
	case EventTypeOracleUpdated:
		return &OracleUpdated{}, nil
	case EventTypeFeesCollected:
		return &FeesCollected{}, nil
	case EventTypeAccrualTick:
		return &AccrualTick{}, nil
	case EventTypeLiquidationRequested:
		return &LiquidationRequested{}, nil
	case EventTypePremiumSettleRequested:
		return &PremiumSettleRequested{}, nil
	case EventTypeRiskParamUpdate:
		return &RiskParamUpdate{}, nil
	}
	return nil, fmt.Errorf("unknown event type: %d", et)
}

// DecodePayload is the inverse of MarshalPayload, used for replay.
func DecodePayload(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
