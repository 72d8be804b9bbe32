package observability

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MarginLedger.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreAlerts         *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge
	CoreQueries        *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Interest ---
	InterestAccruals   *prometheus.CounterVec
	InterestAccrued    *prometheus.CounterVec
	InterestPaid       *prometheus.CounterVec
	InterestWrittenOff *prometheus.CounterVec
	AccrualFrozen      *prometheus.CounterVec
	BorrowIndex        *prometheus.GaugeVec
	PoolUtilization    *prometheus.GaugeVec

	// --- Premium ---
	PremiumCollected   *prometheus.CounterVec
	PremiumForfeited   *prometheus.CounterVec
	AccumulatorsSealed *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationTriggered *prometheus.CounterVec
	LiquidationCompleted *prometheus.CounterVec
	LiquidationShortfall *prometheus.CounterVec
	LiquidationHaircut   *prometheus.CounterVec
	DilutionCapped       *prometheus.CounterVec
	BonusClamped         *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Ingestion ---
	IngestMessages  *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	RateLimited   *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg gets
// a private registry, which keeps tests from colliding on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	pool := []string{"market_id", "token"}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_events_rejected_total",
			Help: "Events rejected, by error kind",
		}, []string{"event_type", "reason"}),

		CoreAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_alerts_total",
			Help: "Overflow and invariant violations",
		}, []string{"kind"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_core_sequence",
			Help: "Current global sequence number",
		}),

		CoreQueries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_queries_total",
			Help: "Read queries answered by the core loop",
		}, []string{"query", "status"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_projection_drops_total",
			Help: "Outputs dropped due to a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		InterestAccruals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_interest_accruals_total",
			Help: "Borrow index updates",
		}, pool),

		InterestAccrued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_interest_accrued_assets_total",
			Help: "Interest added to unrealized interest (raw token units)",
		}, pool),

		InterestPaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_interest_paid_assets_total",
			Help: "Interest paid by borrowers (raw token units)",
		}, pool),

		InterestWrittenOff: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_interest_written_off_assets_total",
			Help: "Uncollectible interest removed at liquidation (raw token units)",
		}, pool),

		AccrualFrozen: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_interest_accrual_frozen_total",
			Help: "Withdrawals and liquidations applied on a borrow index that overflowed",
		}, pool),

		BorrowIndex: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_borrow_index",
			Help: "Borrow index (WAD scaled to 1.0)",
		}, pool),

		PoolUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_pool_utilization",
			Help: "Assets in AMM over total assets (0.0-1.0)",
		}, pool),

		PremiumCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_premium_collected_assets_total",
			Help: "Fees credited to premium accumulators (raw token units)",
		}, pool),

		PremiumForfeited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_premium_forfeited_assets_total",
			Help: "Short premium the escrow could not pay (raw token units)",
		}, pool),

		AccumulatorsSealed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_premium_accumulators_sealed_total",
			Help: "Accumulator generations closed at the 128-bit cap",
		}, []string{"market_id"}),

		LiquidationTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidation_triggered_total",
			Help: "Liquidation requests received",
		}, []string{"market_id"}),

		LiquidationCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidation_completed_total",
			Help: "Liquidations by outcome (settled/shortfall/rejected)",
		}, []string{"market_id", "outcome"}),

		LiquidationShortfall: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidation_shortfall_assets_total",
			Help: "Protocol loss left after bonus and haircut (raw token units)",
		}, pool),

		LiquidationHaircut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidation_haircut_assets_total",
			Help: "Long premium clawed back from escrow (raw token units)",
		}, pool),

		DilutionCapped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidation_dilution_capped_total",
			Help: "Bonus settlements that hit the dilution bound",
		}, pool),

		BonusClamped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidation_bonus_clamped_total",
			Help: "Bonuses saturated at the int128 bounds",
		}, []string{"market_id"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_replay_duration_seconds",
			Help: "Total replay time",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_ingest_messages_total",
			Help: "Inbound messages by outcome (applied, duplicate, rejected, retry, poison)",
		}, []string{"event_type", "result"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_events_published_total",
			Help: "Ledger events published to the outbound stream",
		}, []string{"event_type"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_api_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"method"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// AddBig adds a non-negative wide amount to a counter. Gauges and counters
// are float64, so large values lose precision; the ledger itself never does.
func AddBig(c prometheus.Counter, x *big.Int) {
	if x == nil || x.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	c.Add(f)
}

// BigRatio returns num/den as a float64, or 0 for a zero denominator.
func BigRatio(num, den *big.Int) float64 {
	if den == nil || den.Sign() == 0 || num == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(num), new(big.Float).SetInt(den)).Float64()
	return f
}
