package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// route binds one HTTP path to a Ledger method. call builds the request
// from path params, query string and body.
type route struct {
	method  string
	pattern string
	call    func(ctx context.Context, r *http.Request, params map[string]string, in runtime.Marshaler) (interface{}, error)
}

func (s *GRPCServer) routes() []route {
	l := s.ledger
	return []route{
		{"POST", "/v1/events", func(ctx context.Context, r *http.Request, _ map[string]string, in runtime.Marshaler) (interface{}, error) {
			req := &SubmitEventRequest{}
			if err := in.NewDecoder(r.Body).Decode(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
			}
			return l.SubmitEvent(ctx, req)
		}},
		{"GET", "/v1/accounts/{account}/risk", func(ctx context.Context, r *http.Request, p map[string]string, _ runtime.Marshaler) (interface{}, error) {
			q := r.URL.Query()
			now, err := int64Param(q.Get("now"))
			if err != nil {
				return nil, err
			}
			ticks, err := ticksParam(q["ticks"])
			if err != nil {
				return nil, err
			}
			return l.GetAccountRisk(ctx, &AccountRiskRequest{Account: p["account"], Market: q.Get("market"), Now: now, Ticks: ticks})
		}},
		{"GET", "/v1/pools/{market}/{token}/status", func(ctx context.Context, r *http.Request, p map[string]string, _ runtime.Marshaler) (interface{}, error) {
			token, err := tokenParam(p["token"])
			if err != nil {
				return nil, err
			}
			now, err := int64Param(r.URL.Query().Get("now"))
			if err != nil {
				return nil, err
			}
			return l.GetPoolStatus(ctx, &PoolStatusRequest{Market: p["market"], Token: token, Now: now})
		}},
		{"GET", "/v1/pools/{market}/{token}", func(ctx context.Context, _ *http.Request, p map[string]string, _ runtime.Marshaler) (interface{}, error) {
			token, err := tokenParam(p["token"])
			if err != nil {
				return nil, err
			}
			return l.GetPool(ctx, &PoolRequest{Market: p["market"], Token: token})
		}},
		{"GET", "/v1/accounts/{account}/balances/{market}/{token}", func(ctx context.Context, _ *http.Request, p map[string]string, _ runtime.Marshaler) (interface{}, error) {
			token, err := tokenParam(p["token"])
			if err != nil {
				return nil, err
			}
			return l.GetBalance(ctx, &BalanceRequest{Account: p["account"], Market: p["market"], Token: token})
		}},
		{"GET", "/v1/accounts/{account}/liquidations", func(ctx context.Context, r *http.Request, p map[string]string, _ runtime.Marshaler) (interface{}, error) {
			size, before, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return l.ListLiquidations(ctx, &ListLiquidationsRequest{Account: p["account"], PageSize: size, BeforeSequence: before})
		}},
		{"GET", "/v1/accounts/{account}/journals", func(ctx context.Context, r *http.Request, p map[string]string, _ runtime.Marshaler) (interface{}, error) {
			size, before, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return l.ListJournals(ctx, &ListJournalsRequest{Account: p["account"], PageSize: size, BeforeSequence: before})
		}},
		{"POST", "/v1/admin/verify-integrity", func(ctx context.Context, _ *http.Request, _ map[string]string, _ runtime.Marshaler) (interface{}, error) {
			return l.VerifyIntegrity(ctx, &VerifyIntegrityRequest{})
		}},
		{"POST", "/v1/admin/snapshots", func(ctx context.Context, _ *http.Request, _ map[string]string, _ runtime.Marshaler) (interface{}, error) {
			return l.TakeSnapshot(ctx, &TakeSnapshotRequest{})
		}},
		{"POST", "/v1/admin/rebuild-projections", func(ctx context.Context, _ *http.Request, _ map[string]string, _ runtime.Marshaler) (interface{}, error) {
			return l.RebuildProjections(ctx, &RebuildProjectionsRequest{})
		}},
		{"GET", "/v1/admin/event-log", func(ctx context.Context, _ *http.Request, _ map[string]string, _ runtime.Marshaler) (interface{}, error) {
			return l.GetEventLogInfo(ctx, &EventLogInfoRequest{})
		}},
	}
}

// HTTPHandler builds the HTTP/JSON surface: the Ledger routes on a gateway
// mux plus /healthz, /readyz and /metrics.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
	)
	for _, rt := range s.routes() {
		call := rt.call
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			inbound, outbound := runtime.MarshalerForRequest(mux, r)
			resp, err := call(r.Context(), r, params, inbound)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
				return
			}
			body, err := outbound.Marshal(resp)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, outbound, w, r, status.Errorf(codes.Internal, "marshal: %v", err))
				return
			}
			w.Header().Set("Content-Type", outbound.ContentType(resp))
			_, _ = w.Write(body)
		})
		if err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if s.cfg.Gatherer != nil {
		gatherer = s.cfg.Gatherer
	}
	httpMux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func int64Param(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid integer %q", v)
	}
	return n, nil
}

func tokenParam(v string) (uint8, error) {
	switch v {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	}
	return 0, status.Errorf(codes.InvalidArgument, "token must be 0 or 1, got %q", v)
}

// ticksParam accepts ?ticks=1&ticks=2 and ?ticks=1,2.
func ticksParam(values []string) ([]int32, error) {
	var ticks []int32
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part == "" {
				continue
			}
			t, err := strconv.ParseInt(part, 10, 32)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid tick %q", part)
			}
			ticks = append(ticks, int32(t))
		}
	}
	return ticks, nil
}

func pageParams(r *http.Request) (int32, int64, error) {
	q := r.URL.Query()
	size, err := int64Param(q.Get("page_size"))
	if err != nil {
		return 0, 0, err
	}
	before, err := int64Param(q.Get("before_sequence"))
	if err != nil {
		return 0, 0, err
	}
	return int32(size), before, nil
}
