package core

import (
	"fmt"

	"MarginLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultLRUCapacity bounds the in-memory dedup tier.
const DefaultLRUCapacity = 1_000_000

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity, metrics),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate checks if event has been processed (two-tier lookup). The
// Postgres tier is consulted only when useDB is set.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string, useDB bool) bool {
	key := compositeKey(eventType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if useDB && ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// a DB outage must not stall the core; the unique index on the
			// event log still rejects a true duplicate at persist time
			ic.logger.Warn().Err(err).Str("event_type", eventType).Msg("tier-2 dedup lookup failed")
			if ic.metrics != nil {
				ic.metrics.PersistErrors.WithLabelValues("dedup_lookup").Inc()
			}
			return false
		}

		if isDup {
			ic.recordDuplicate(eventType, "postgres")
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey))
}

// --- LRU ---

// IdempotencyLRU is a bounded set of recently processed composite keys.
type IdempotencyLRU struct {
	cache     *lru.Cache[string, struct{}]
	evictions int64
	metrics   *observability.Metrics
}

func NewIdempotencyLRU(capacity int, metrics *observability.Metrics) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = DefaultLRUCapacity
	}
	l := &IdempotencyLRU{metrics: metrics}
	cache, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		l.evictions++
		if l.metrics != nil {
			l.metrics.DedupLRUEvictions.Inc()
		}
	})
	if err != nil {
		// only returned for a non-positive size
		panic(fmt.Sprintf("FATAL: idempotency lru: %v", err))
	}
	l.cache = cache
	return l
}

// Contains checks if key exists (promotes to front)
func (l *IdempotencyLRU) Contains(key string) bool {
	_, ok := l.cache.Get(key)
	return ok
}

// Add inserts a key (or promotes if exists)
func (l *IdempotencyLRU) Add(key string) {
	l.cache.Add(key, struct{}{})
	if l.metrics != nil {
		l.metrics.DedupLRUSize.Set(float64(l.cache.Len()))
	}
}

// WarmFromKeys loads composite keys, oldest first, so the newest survive eviction.
func (l *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		l.Add(key)
	}
}

// GetAllKeys returns the cached keys from oldest to newest.
func (l *IdempotencyLRU) GetAllKeys() []string {
	return l.cache.Keys()
}

// Size returns current number of entries
func (l *IdempotencyLRU) Size() int {
	return l.cache.Len()
}

// Evictions returns total evictions
func (l *IdempotencyLRU) Evictions() int64 {
	return l.evictions
}
