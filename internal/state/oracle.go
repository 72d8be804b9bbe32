package state

import (
	"fmt"

	"MarginLedger/internal/ledgererr"
)

// OracleSnapshot holds the latest price observations of a market, in ticks.
// Only strictly newer sequences replace a snapshot.
type OracleSnapshot struct {
	MarketID    string
	CurrentTick int32 // pool tick at the time of the update
	SpotTick    int32 // fast EMA
	SlowTick    int32 // slow EMA
	MedianTick  int32
	LatestTick  int32 // most recent observation
	TWAPTick    int32
	Timestamp   int64 // unix seconds
	Sequence    int64
}

func (o *OracleSnapshot) Clone() *OracleSnapshot {
	c := *o
	return &c
}

// Age returns seconds since the snapshot, from the caller's event time.
func (o *OracleSnapshot) Age(now int64) int64 {
	return now - o.Timestamp
}

// CheckFresh fails with a stale reference error when the snapshot is older than maxAge.
func (o *OracleSnapshot) CheckFresh(now, maxAge int64) error {
	if o == nil {
		return &ledgererr.StaleReferenceError{Reason: "no oracle observation"}
	}
	if age := o.Age(now); age > maxAge {
		return &ledgererr.StaleReferenceError{
			Market: o.MarketID,
			Reason: fmt.Sprintf("oracle age %ds exceeds %ds", age, maxAge),
		}
	}
	return nil
}

func (o *OracleSnapshot) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)
	buf = append(buf, byte(len(o.MarketID)))
	buf = append(buf, []byte(o.MarketID)...)
	for _, t := range []int32{o.CurrentTick, o.SpotTick, o.SlowTick, o.MedianTick, o.LatestTick, o.TWAPTick} {
		buf = appendInt64LE(buf, int64(t))
	}
	buf = appendInt64LE(buf, o.Timestamp)
	return appendInt64LE(buf, o.Sequence)
}
