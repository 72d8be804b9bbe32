package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledgererr"
	"MarginLedger/internal/observability"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// Recover rebuilds the core from the newest verified snapshot and replays
// the event log after it. Every replayed event must reproduce the state hash
// recorded when it was first applied. Returns the last applied sequence.
//
// The core's persist channel must be drained while this runs: replayed events
// are emitted again and their writes are no-ops.
func Recover(ctx context.Context, sm *SnapshotManager, c *core.DeterministicCore, warmKeys int, logger zerolog.Logger) (int64, error) {
	start := time.Now()
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		keys, err := sm.RecentIdempotencyKeys(ctx, warmKeys)
		if err != nil {
			return 0, fmt.Errorf("load idempotency keys: %w", err)
		}
		c.WarmLRU(keys)
		logger.Info().Int("keys", len(keys)).Msg("no verified snapshot, replaying from genesis")
	}

	replayed := 0
	for {
		rows, err := sm.LoadEventsFrom(ctx, c.GetSequence(), replayPageSize)
		if err != nil {
			return 0, fmt.Errorf("load events from %d: %w", c.GetSequence(), err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := replayRow(c, row); err != nil {
				return 0, err
			}
			replayed++
		}
	}

	last := c.GetSequence() - 1
	logger.Info().
		Int64("sequence", last).
		Int("replayed", replayed).
		Dur("elapsed", time.Since(start)).
		Msg("recovery complete")
	return last, nil
}

func replayRow(c *core.DeterministicCore, row EventRow) error {
	if row.Sequence != c.GetSequence() {
		return &ledgererr.InvariantViolationError{
			Invariant: "event_log_contiguous",
			Detail:    fmt.Sprintf("expected sequence %d, log has %d", c.GetSequence(), row.Sequence),
		}
	}
	et, err := event.ParseEventType(row.EventType)
	if err != nil {
		return fmt.Errorf("replay %d: %w", row.Sequence, err)
	}
	evt, err := event.DecodePayload(et, row.Payload)
	if err != nil {
		return fmt.Errorf("replay %d: %w", row.Sequence, err)
	}
	if err := c.ReplayEvent(evt); err != nil {
		return fmt.Errorf("replay %d (%s): %w", row.Sequence, row.EventType, err)
	}
	tip := c.GetStateHash()
	if !bytes.Equal(tip[:], row.StateHash) {
		return &ledgererr.InvariantViolationError{
			Invariant: "state_hash_replay",
			Detail:    fmt.Sprintf("sequence %d: replayed %x, logged %x", row.Sequence, tip, row.StateHash),
		}
	}
	return nil
}

// SnapshotSource captures core state on the core goroutine.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*core.SnapshotState, error)
}

// SnapshotScheduler takes a snapshot every interval. A snapshot is verified
// on the following tick, once the persistence worker has had time to write
// the event it ends at.
type SnapshotScheduler struct {
	source   SnapshotSource
	manager  *SnapshotManager
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
	pending []int64
}

func NewSnapshotScheduler(source SnapshotSource, manager *SnapshotManager, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotScheduler {
	return &SnapshotScheduler{
		source:   source,
		manager:  manager,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *SnapshotScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			s.verifyPending(ctx)
			_, _, err := s.take(ctx)
			s.mu.Unlock()
			if err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// TakeNow snapshots immediately and queues the result for verification.
// Returns the snapshot sequence and its encoded size; size is zero when
// nothing was applied since the previous snapshot.
func (s *SnapshotScheduler) TakeNow(ctx context.Context) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.take(ctx)
}

func (s *SnapshotScheduler) take(ctx context.Context) (int64, int, error) {
	start := time.Now()
	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return 0, 0, err
	}
	if snap.Sequence <= s.lastSeq {
		return s.lastSeq, 0, nil // nothing applied since the last one
	}
	size, err := s.manager.SaveSnapshot(ctx, snap, time.Now().UTC())
	if err != nil {
		return 0, 0, err
	}
	s.lastSeq = snap.Sequence
	s.pending = append(s.pending, snap.Sequence)

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return snap.Sequence, size, nil
}

func (s *SnapshotScheduler) verifyPending(ctx context.Context) {
	remaining := s.pending[:0]
	for _, seq := range s.pending {
		ok, err := s.manager.VerifySnapshot(ctx, seq)
		if errors.Is(err, ledgererr.ErrInvariantViolation) {
			s.logger.Error().Err(err).Bool("alert", true).Int64("sequence", seq).Msg("snapshot diverged from event log")
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Int64("sequence", seq).Msg("snapshot verification failed")
			remaining = append(remaining, seq)
			continue
		}
		if !ok {
			// the event may not be flushed yet
			remaining = append(remaining, seq)
			continue
		}
		s.logger.Debug().Int64("sequence", seq).Msg("snapshot verified")
	}
	s.pending = remaining
}
