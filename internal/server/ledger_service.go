package server

import (
	"context"
	"errors"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/query"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CoreReader serves live reads on the core goroutine. *core.Client
// implements it.
type CoreReader interface {
	AccountRisk(ctx context.Context, account uuid.UUID, market string, now int64, ticks []int32) (*core.AccountRisk, error)
	PoolStatus(ctx context.Context, market string, token uint8, now int64) (*core.PoolStatus, error)
}

// Injector applies a JSON-encoded event. *ingestion.GRPCIngestService
// implements it.
type Injector interface {
	Inject(ctx context.Context, eventType string, payload []byte) (int64, error)
}

// ProjectionReader reads projection tables. *query.QueryService implements it.
type ProjectionReader interface {
	GetBalance(ctx context.Context, account uuid.UUID, marketID string, token uint8) (*query.BalanceResponse, error)
	GetPool(ctx context.Context, marketID string, token uint8) (*query.PoolResponse, error)
	GetLiquidations(ctx context.Context, account uuid.UUID, limit int, beforeSequence *int64) ([]query.LiquidationResponse, error)
	GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
	Watermark(ctx context.Context) (int64, error)
}

// Snapshotter takes an on-demand snapshot. *persistence.SnapshotScheduler
// implements it.
type Snapshotter interface {
	TakeNow(ctx context.Context) (int64, int, error)
}

// EventLog reports the persisted tip. *persistence.SnapshotManager
// implements it.
type EventLog interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Deps holds the Ledger service's collaborators. Any of them may be nil;
// the methods that need a missing one return Unimplemented.
type Deps struct {
	Core      CoreReader
	Ingest    Injector
	Query     ProjectionReader
	Snapshots Snapshotter
	EventLog  EventLog
	Rebuild   func(ctx context.Context) error
	Health    *observability.HealthChecker
	Clock     func() time.Time
}

type ledgerService struct {
	deps Deps
}

// NewLedgerService returns the LedgerServer backed by deps.
func NewLedgerService(deps Deps) LedgerServer {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &ledgerService{deps: deps}
}

var errUnwired = status.Error(codes.Unimplemented, "not available on this instance")

func (s *ledgerService) SubmitEvent(ctx context.Context, req *SubmitEventRequest) (*SubmitEventResponse, error) {
	if s.deps.Ingest == nil {
		return nil, errUnwired
	}
	if req.EventType == "" || len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "event_type and payload are required")
	}
	seq, err := s.deps.Ingest.Inject(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitEventResponse{Sequence: seq, Duplicate: seq == 0}, nil
}

func (s *ledgerService) GetAccountRisk(ctx context.Context, req *AccountRiskRequest) (*core.AccountRisk, error) {
	if s.deps.Core == nil {
		return nil, errUnwired
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	if req.Market == "" {
		return nil, status.Error(codes.InvalidArgument, "market is required")
	}
	risk, err := s.deps.Core.AccountRisk(ctx, account, req.Market, s.now(req.Now), req.Ticks)
	if err != nil {
		return nil, toStatus(err)
	}
	return risk, nil
}

func (s *ledgerService) GetPoolStatus(ctx context.Context, req *PoolStatusRequest) (*core.PoolStatus, error) {
	if s.deps.Core == nil {
		return nil, errUnwired
	}
	if req.Market == "" || req.Token > 1 {
		return nil, status.Error(codes.InvalidArgument, "market and token 0 or 1 are required")
	}
	ps, err := s.deps.Core.PoolStatus(ctx, req.Market, req.Token, s.now(req.Now))
	if err != nil {
		return nil, toStatus(err)
	}
	return ps, nil
}

func (s *ledgerService) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	if s.deps.Query == nil {
		return nil, errUnwired
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	if req.Market == "" || req.Token > 1 {
		return nil, status.Error(codes.InvalidArgument, "market and token 0 or 1 are required")
	}
	bal, err := s.deps.Query.GetBalance(ctx, account, req.Market, req.Token)
	if err != nil {
		return nil, queryStatus(err)
	}
	return bal, nil
}

func (s *ledgerService) GetPool(ctx context.Context, req *PoolRequest) (*query.PoolResponse, error) {
	if s.deps.Query == nil {
		return nil, errUnwired
	}
	p, err := s.deps.Query.GetPool(ctx, req.Market, req.Token)
	if err != nil {
		return nil, queryStatus(err)
	}
	return p, nil
}

func (s *ledgerService) ListLiquidations(ctx context.Context, req *ListLiquidationsRequest) (*ListLiquidationsResponse, error) {
	if s.deps.Query == nil {
		return nil, errUnwired
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	liqs, err := s.deps.Query.GetLiquidations(ctx, account, pageSize(req.PageSize, 50, 100), cursor(req.BeforeSequence))
	if err != nil {
		return nil, queryStatus(err)
	}
	return &ListLiquidationsResponse{Liquidations: liqs}, nil
}

func (s *ledgerService) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	if s.deps.Query == nil {
		return nil, errUnwired
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.Query.GetJournalHistory(ctx, account, pageSize(req.PageSize, 100, 500), cursor(req.BeforeSequence))
	if err != nil {
		return nil, queryStatus(err)
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.deps.Query == nil {
		return nil, errUnwired
	}
	report, err := s.deps.Query.VerifyIntegrity(ctx)
	if err != nil {
		return nil, queryStatus(err)
	}
	return report, nil
}

func (s *ledgerService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.deps.Snapshots == nil {
		return nil, errUnwired
	}
	seq, size, err := s.deps.Snapshots.TakeNow(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return &TakeSnapshotResponse{Sequence: seq, Bytes: size}, nil
}

func (s *ledgerService) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.deps.Rebuild == nil {
		return nil, errUnwired
	}
	if err := s.deps.Rebuild(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{Rebuilt: true}, nil
}

func (s *ledgerService) GetEventLogInfo(ctx context.Context, _ *EventLogInfoRequest) (*EventLogInfoResponse, error) {
	resp := &EventLogInfoResponse{}
	if s.deps.EventLog != nil {
		seq, err := s.deps.EventLog.GetLatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
		}
		resp.LastSequence = seq
	}
	if s.deps.Query != nil {
		wm, err := s.deps.Query.Watermark(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "get watermark: %v", err)
		}
		resp.ProjectionWatermark = wm
	}
	if h := s.deps.Health; h != nil {
		resp.Ready = h.IsReady()
		resp.Uptime = h.Uptime().Truncate(time.Second).String()
	}
	return resp, nil
}

func (s *ledgerService) now(requested int64) int64 {
	if requested > 0 {
		return requested
	}
	return s.deps.Clock().Unix()
}

// --- helpers ---

func parseAccount(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "account is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account: %v", err)
	}
	return id, nil
}

func pageSize(requested int32, def, max int) int {
	n := int(requested)
	if n <= 0 || n > max {
		return def
	}
	return n
}

func cursor(before int64) *int64 {
	if before <= 0 {
		return nil
	}
	return &before
}

// queryStatus maps projection read errors; anything but a missing row is a
// server-side failure.
func queryStatus(err error) error {
	if errors.Is(err, query.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Errorf(codes.Internal, "query: %v", err)
}
