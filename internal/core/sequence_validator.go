package core

import (
	"fmt"
	"sort"

	"MarginLedger/internal/observability"
)

// FirstSourceSequence is the sequence every strict partition starts at.
const FirstSourceSequence int64 = 1

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.GetExpectedSequence(partition)

	if sourceSequence < expected {
		if isDuplicate {
			// already processed
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidateFeedSequence validates oracle and accrual feeds, where gaps are
// tolerated. Returns false for a stale sequence, which must be skipped.
func (sv *SequenceValidator) ValidateFeedSequence(partition string, seq int64) bool {
	expected, seen := sv.expectedNextSeq[partition]

	if seq < expected {
		return false
	}

	if seen && seq > expected && sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}

	sv.expectedNextSeq[partition] = seq + 1
	return true
}

// GetExpectedSequence returns next expected sequence for a partition.
// Partitions start at FirstSourceSequence.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	if seq, ok := sv.expectedNextSeq[partition]; ok {
		return seq
	}
	return FirstSourceSequence
}

// RestorePartition sets the expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of every partition's expected sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// Partitions lists partition names in order.
func (sv *SequenceValidator) Partitions() []string {
	names := make([]string, 0, len(sv.expectedNextSeq))
	for k := range sv.expectedNextSeq {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
