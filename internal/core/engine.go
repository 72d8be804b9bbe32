package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/ledgererr"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/state"

	"github.com/rs/zerolog"
)

// ErrStaleSequence is returned for a feed or keeper request whose source
// sequence is not newer than the last one applied. Nothing is changed.
var ErrStaleSequence = errors.New("stale source sequence")

// ErrOutOfSequence is returned when a strict partition sees a gap. The event
// is not consumed; redelivering it after the missing ones succeeds.
var ErrOutOfSequence = errors.New("out of sequence")

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	store             *state.Store
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied event.
type CoreOutput struct {
	Envelope    *event.EventEnvelope
	Batch       *ledger.Batch
	StateDelta  []byte
	Pools       []PoolSnapshot
	Accounts    []AccountSnapshot
	Liquidation *LiquidationReport
}

// Config wires a core. Nil channels are allowed in tests; a nil DB checker
// disables the Postgres dedup tier.
type Config struct {
	StartSequence  int64
	Params         *state.RiskParamsManager
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	LRUCapacity    int
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

func NewDeterministicCore(cfg Config) *DeterministicCore {
	params := cfg.Params
	if params == nil {
		params = state.NewRiskParamsManager()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	start := cfg.StartSequence
	if start <= 0 {
		start = 1
	}
	balanceTracker := ledger.NewBalanceTracker()

	return &DeterministicCore{
		sequence:          start,
		store:             state.NewStore(params),
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		validator:         ledger.NewInvariantValidator(balanceTracker),
		idempotency:       NewIdempotencyChecker(cfg.LRUCapacity, cfg.DBChecker, metrics, cfg.Logger),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            cfg.Logger,
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
	}
}

// ProcessEvent is the main processing pipeline. A rejected event changes no
// state, consumes its source sequence and is remembered as processed so a
// redelivery is acknowledged as a duplicate.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	return c.process(evt, false)
}

// ReplayEvent re-applies a persisted event during recovery. Rejected events
// never reach the log, so a strict partition may skip ahead here. The
// Postgres dedup tier is bypassed because every replayed event is in it.
func (c *DeterministicCore) ReplayEvent(evt event.Event) error {
	if !isFeed(evt) {
		partition := c.getPartition(evt)
		if evt.SourceSequence() > c.sequenceValidator.GetExpectedSequence(partition) {
			c.sequenceValidator.RestorePartition(partition, evt.SourceSequence())
		}
	}
	return c.process(evt, true)
}

func (c *DeterministicCore) process(evt event.Event, replay bool) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey, !replay)

	// Step 2: Sequence validation
	partition := c.getPartition(evt)
	if isFeed(evt) {
		if isDuplicate {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
			return nil
		}
		if !c.sequenceValidator.ValidateFeedSequence(partition, evt.SourceSequence()) {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "stale_sequence").Inc()
			return ErrStaleSequence
		}
	} else {
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "sequence").Inc()
			return fmt.Errorf("%w: %w", ErrOutOfSequence, err)
		}
		if isDuplicate {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
			return nil
		}
	}

	// Step 3: Dispatch inside a transaction
	if err := evt.Validate(); err != nil {
		return c.reject(evt, fmt.Errorf("invalid %s: %w", eventType, err))
	}

	now := evt.EventTime()
	txn := c.store.Begin()
	ec := &eventContext{
		txn: txn,
		jg:  ledger.NewJournalGenerator(idempotencyKey, c.sequence, now),
		now: now,
	}

	if err := c.dispatchEvent(ec, evt); err != nil {
		txn.Discard()
		return c.reject(evt, err)
	}
	if err := txn.CheckConservation(); err != nil {
		txn.Discard()
		return c.reject(evt, err)
	}

	// Step 4: Journal validation. A malformed batch is a core defect
	batch := ec.jg.Batch()
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			txn.Discard()
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
	}

	// Step 5: Commit state and journals
	touched := txn.TouchedCanonical()
	txn.Commit()
	if batch != nil {
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed after validation: %v", err))
		}
		if err := c.postCheckInvariants(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	// Step 6: State digest and hash chain
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(touched, batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())

	payload, err := event.MarshalPayload(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: event %s not serializable after apply: %v", idempotencyKey, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      time.Unix(now, 0).UTC(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:    envelope,
		Batch:       batch,
		StateDelta:  stateDigest,
		Pools:       c.poolSnapshots(evt),
		Accounts:    c.accountSnapshots(batch),
		Liquidation: ec.report,
	}
	c.sequence++

	// Step 7: Emit outputs. Persistence is a blocking send so no event is
	// lost; projections drop on a full channel and catch up by rebuild.
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			c.metrics.PersistBackpressure.Inc()
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	// Step 8: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence - 1))
	if batch != nil {
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	c.flushMetrics(ec)
	if r := ec.report; r != nil {
		c.logger.Info().
			Int64("sequence", envelope.Sequence).
			Str("liquidation_id", r.LiquidationID.String()).
			Str("account", r.Account.String()).
			Str("liquidator", r.Liquidator.String()).
			Str("market_id", r.Market).
			Int32("tick", r.Tick).
			Str("bonus0", r.Bonus[0].String()).
			Str("bonus1", r.Bonus[1].String()).
			Str("shortfall0", r.Shortfall[0].String()).
			Str("shortfall1", r.Shortfall[1].String()).
			Str("outcome", r.Outcome()).
			Msg("account liquidated")
	}

	c.logger.Debug().
		Int64("sequence", envelope.Sequence).
		Str("event_type", eventType).
		Str("idempotency_key", idempotencyKey).
		Int("journals", journalCount(batch)).
		Msg("event applied")
	return nil
}

// reject logs and counts a failed event. Overflow and invariant violations
// are alerts; everything else is an ordinary rejection.
func (c *DeterministicCore) reject(evt event.Event, err error) error {
	eventType := evt.EventType().String()
	kind := ledgererr.Kind(err)
	c.metrics.CoreEventsRejected.WithLabelValues(eventType, kind).Inc()
	c.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	logEvt := c.logger.Warn()
	if ledgererr.IsAlert(err) {
		c.metrics.CoreAlerts.WithLabelValues(kind).Inc()
		logEvt = c.logger.Error().Bool("alert", true)
	}
	logEvt.Err(err).
		Str("event_type", eventType).
		Str("idempotency_key", evt.IdempotencyKey()).
		Str("kind", kind).
		Msg("event rejected")
	return err
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	market := "global"
	if m := evt.MarketID(); m != nil {
		market = *m
	}
	if a, ok := evt.(*event.AccrualTick); ok {
		return fmt.Sprintf("%s:%s:%d", evt.EventType(), market, a.Token)
	}
	return fmt.Sprintf("%s:%s", evt.EventType(), market)
}

// isFeed reports whether an event belongs to a gap-tolerant stream: price
// feeds and keeper requests, where only the newest sequence matters.
func isFeed(evt event.Event) bool {
	switch evt.(type) {
	case *event.OracleUpdated, *event.AccrualTick, *event.LiquidationRequested, *event.PremiumSettleRequested:
		return true
	}
	return false
}

// computeStateDigest creates canonical bytes for the state hash: every state
// entry the event touched, then every journal account balance it moved.
func (c *DeterministicCore) computeStateDigest(touched [][]byte, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, 256)
	for _, entry := range touched {
		digest = appendUint32LE(digest, uint32(len(entry)))
		digest = append(digest, entry...)
	}

	if batch == nil {
		return digest
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	for _, key := range accounts {
		path := key.AccountPath()
		digest = appendUint32LE(digest, uint32(len(path)))
		digest = append(digest, path...)
		bal := c.balanceTracker.GetBalance(key)
		sign := byte(0)
		if bal.Sign() < 0 {
			sign = 1
		}
		mag := bal.Abs(bal).Bytes()
		digest = append(digest, sign)
		digest = appendUint32LE(digest, uint32(len(mag)))
		digest = append(digest, mag...)
	}

	return digest
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// postCheckInvariants validates journal invariants after a batch is applied
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch) error {
	seen := make(map[string]bool)
	for _, j := range batch.Journals {
		if seen[j.Asset] {
			continue
		}
		seen[j.Asset] = true
		if err := c.validator.ValidateEscrowNonNegative(j.Asset); err != nil {
			return err
		}
	}
	return nil
}

func journalCount(b *ledger.Batch) int {
	if b == nil {
		return 0
	}
	return len(b.Journals)
}

func (c *DeterministicCore) dispatchEvent(ec *eventContext, evt event.Event) error {
	switch e := evt.(type) {
	case *event.CollateralDeposited:
		return c.handleDeposit(ec, e)
	case *event.CollateralWithdrawn:
		return c.handleWithdrawal(ec, e)
	case *event.PositionMinted:
		return c.handleMint(ec, e)
	case *event.PositionBurned:
		return c.handleBurn(ec, e)
	case *event.OracleUpdated:
		return c.handleOracleUpdate(ec, e)
	case *event.FeesCollected:
		return c.handleFeesCollected(ec, e)
	case *event.AccrualTick:
		return c.handleAccrualTick(ec, e)
	case *event.LiquidationRequested:
		return c.handleLiquidation(ec, e)
	case *event.PremiumSettleRequested:
		return c.handlePremiumSettle(ec, e)
	case *event.RiskParamUpdate:
		return c.handleRiskParamUpdate(ec, e)
	default:
		return fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64             `json:"sequence"`
	StateHash       [32]byte          `json:"state_hash"`
	Store           *state.Snapshot   `json:"store"`
	Balances        map[string]string `json:"balances"`
	SequenceState   map[string]int64  `json:"sequence_state"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// Events after snap.Sequence are then replayed through ProcessEvent.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.store.Restore(snap.Store); err != nil {
		return fmt.Errorf("restore store: %w", err)
	}
	if err := c.balanceTracker.Restore(snap.Balances); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	c.hasher.SetPrevHash(snap.StateHash)
	c.sequence = snap.Sequence + 1
	c.metrics.CoreSequence.Set(float64(snap.Sequence))
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence the core will assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Store exposes committed state for read-only use on the core goroutine.
func (c *DeterministicCore) Store() *state.Store {
	return c.store
}

// Balances exposes the journal balances for read-only use on the core goroutine.
func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Store:           c.store.Export(),
		Balances:        c.balanceTracker.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
