package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ledgererr"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/server"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeCore struct {
	lastNow   int64
	lastTicks []int32
	err       error
}

func (f *fakeCore) AccountRisk(_ context.Context, account uuid.UUID, market string, now int64, ticks []int32) (*core.AccountRisk, error) {
	f.lastNow, f.lastTicks = now, ticks
	if f.err != nil {
		return nil, f.err
	}
	return &core.AccountRisk{
		Account: account,
		Market:  market,
		Balance: [2]*big.Int{big.NewInt(1_000), big.NewInt(0)},
		Solvent: true,
	}, nil
}

func (f *fakeCore) PoolStatus(_ context.Context, market string, token uint8, now int64) (*core.PoolStatus, error) {
	return &core.PoolStatus{
		Pool:        fmt.Sprintf("%s:%d", market, token),
		BorrowIndex: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		Utilization: 500_000,
	}, nil
}

type fakeInjector struct {
	seq int64
	err error
}

func (f *fakeInjector) Inject(_ context.Context, _ string, _ []byte) (int64, error) {
	return f.seq, f.err
}

const testNow = 1_700_000_000

func newTestServer(t *testing.T, deps server.Deps, cfg server.Config) (*server.GRPCServer, *server.LedgerClient, *observability.Metrics) {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Unix(testNow, 0) }
	}
	metrics := observability.NewMetrics(nil)
	srv := server.NewGRPCServer(cfg, server.NewLedgerService(deps), deps.Health, metrics, zerolog.Nop())

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return srv, server.NewLedgerClient(conn), metrics
}

func TestGRPC_AccountRiskUsesServerClock(t *testing.T) {
	fc := &fakeCore{}
	_, client, metrics := newTestServer(t, server.Deps{Core: fc}, server.Config{})

	account := uuid.New()
	risk, err := client.GetAccountRisk(context.Background(), &server.AccountRiskRequest{
		Account: account.String(),
		Market:  "ETH-USDC",
		Ticks:   []int32{-10, 10},
	})
	require.NoError(t, err)
	require.Equal(t, account, risk.Account)
	require.Equal(t, int64(1_000), risk.Balance[0].Int64())
	require.True(t, risk.Solvent)
	require.Equal(t, int64(testNow), fc.lastNow)
	require.Equal(t, []int32{-10, 10}, fc.lastTicks)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.QueryRequests.WithLabelValues("GetAccountRisk", "OK")))
}

func TestGRPC_InvalidAccount(t *testing.T) {
	_, client, _ := newTestServer(t, server.Deps{Core: &fakeCore{}}, server.Config{})

	_, err := client.GetAccountRisk(context.Background(), &server.AccountRiskRequest{Account: "nope", Market: "ETH-USDC"})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{&ledgererr.InsolvencyError{Account: "a", Market: "m"}, codes.FailedPrecondition},
		{&ledgererr.StaleReferenceError{Market: "m", Reason: "old"}, codes.Unavailable},
		{ledgererr.NewOverflow("shares", big.NewInt(1), 128), codes.OutOfRange},
		{ledgererr.NewInvariant("conservation", "off by %d", 1), codes.Internal},
		{core.ErrStaleSequence, codes.Aborted},
		{fmt.Errorf("unknown market %q", "x"), codes.InvalidArgument},
	}
	for _, tc := range cases {
		_, client, _ := newTestServer(t, server.Deps{Ingest: &fakeInjector{err: tc.err}}, server.Config{})
		_, err := client.SubmitEvent(context.Background(), &server.SubmitEventRequest{
			EventType: "OracleUpdated",
			Payload:   json.RawMessage(`{}`),
		})
		require.Equal(t, tc.want, status.Code(err), "error %v", tc.err)
	}
}

func TestGRPC_SubmitReportsDuplicate(t *testing.T) {
	inj := &fakeInjector{seq: 0}
	_, client, _ := newTestServer(t, server.Deps{Ingest: inj}, server.Config{})

	resp, err := client.SubmitEvent(context.Background(), &server.SubmitEventRequest{EventType: "AccrualTick", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.True(t, resp.Duplicate)

	inj.seq = 44
	resp, err = client.SubmitEvent(context.Background(), &server.SubmitEventRequest{EventType: "AccrualTick", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.False(t, resp.Duplicate)
	require.Equal(t, int64(44), resp.Sequence)
}

func TestGRPC_UnwiredMethodsUnimplemented(t *testing.T) {
	_, client, _ := newTestServer(t, server.Deps{}, server.Config{})

	_, err := client.GetBalance(context.Background(), &server.BalanceRequest{Account: uuid.NewString(), Market: "ETH-USDC"})
	require.Equal(t, codes.Unimplemented, status.Code(err))

	info, err := client.GetEventLogInfo(context.Background(), &server.EventLogInfoRequest{})
	require.NoError(t, err)
	require.Zero(t, info.LastSequence)
}

func TestGRPC_RateLimited(t *testing.T) {
	_, client, metrics := newTestServer(t, server.Deps{Core: &fakeCore{}}, server.Config{RequestsPerSecond: 0.001, Burst: 1})

	req := &server.PoolStatusRequest{Market: "ETH-USDC", Token: 1}
	_, err := client.GetPoolStatus(context.Background(), req)
	require.NoError(t, err)

	_, err = client.GetPoolStatus(context.Background(), req)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimited.WithLabelValues("GetPoolStatus")))
}

func TestGRPC_HealthFollowsServing(t *testing.T) {
	srv, _, _ := newTestServer(t, server.Deps{}, server.Config{})
	lis := bufconn.Listen(1 << 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// --- HTTP gateway ---

func newGateway(t *testing.T, deps server.Deps) http.Handler {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Unix(testNow, 0) }
	}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	srv := server.NewGRPCServer(server.Config{Gatherer: reg}, server.NewLedgerService(deps), deps.Health, metrics, zerolog.Nop())
	h, err := srv.HTTPHandler()
	require.NoError(t, err)
	return h
}

func TestGateway_AccountRisk(t *testing.T) {
	fc := &fakeCore{}
	h := newGateway(t, server.Deps{Core: fc})

	account := uuid.New()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/accounts/"+account.String()+"/risk?market=ETH-USDC&ticks=-5,5&now=1700000500", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var risk core.AccountRisk
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &risk))
	require.Equal(t, account, risk.Account)
	require.Equal(t, int64(1700000500), fc.lastNow)
	require.Equal(t, []int32{-5, 5}, fc.lastTicks)
}

func TestGateway_PoolStatusBadToken(t *testing.T) {
	h := newGateway(t, server.Deps{Core: &fakeCore{}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/pools/ETH-USDC/2/status", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/pools/ETH-USDC/1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"pool":"ETH-USDC:1"`)
}

func TestGateway_SubmitInsolventIsPreconditionFailed(t *testing.T) {
	h := newGateway(t, server.Deps{Ingest: &fakeInjector{err: &ledgererr.InsolvencyError{Account: "a", Market: "m"}}})

	body := strings.NewReader(`{"event_type":"CollateralWithdrawn","payload":{"market":"ETH-USDC"}}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/events", body))
	require.Equal(t, http.StatusBadRequest, rec.Code) // FailedPrecondition maps to 400
	require.Contains(t, rec.Body.String(), "insolvent")
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	hc := observability.NewHealthChecker()
	h := newGateway(t, server.Deps{Health: hc})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hc.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
