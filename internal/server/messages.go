package server

import (
	"encoding/json"

	"MarginLedger/internal/query"
)

type SubmitEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitEventResponse struct {
	Sequence  int64 `json:"sequence"`
	Duplicate bool  `json:"duplicate"`
}

// AccountRiskRequest previews an account at Now (server clock when zero).
// Ticks overrides the oracle's reference ticks.
type AccountRiskRequest struct {
	Account string  `json:"account"`
	Market  string  `json:"market"`
	Now     int64   `json:"now,omitempty"`
	Ticks   []int32 `json:"ticks,omitempty"`
}

type PoolStatusRequest struct {
	Market string `json:"market"`
	Token  uint8  `json:"token"`
	Now    int64  `json:"now,omitempty"`
}

type BalanceRequest struct {
	Account string `json:"account"`
	Market  string `json:"market"`
	Token   uint8  `json:"token"`
}

type PoolRequest struct {
	Market string `json:"market"`
	Token  uint8  `json:"token"`
}

type ListLiquidationsRequest struct {
	Account        string `json:"account"`
	PageSize       int32  `json:"page_size,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type ListLiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type ListJournalsRequest struct {
	Account        string `json:"account"`
	PageSize       int32  `json:"page_size,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type VerifyIntegrityRequest struct{}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
	Bytes    int   `json:"bytes"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

type EventLogInfoRequest struct{}

type EventLogInfoResponse struct {
	LastSequence        int64  `json:"last_sequence"`
	ProjectionWatermark int64  `json:"projection_watermark"`
	Ready               bool   `json:"ready"`
	Uptime              string `json:"uptime"`
}
