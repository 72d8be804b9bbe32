package server

import (
	"context"

	"MarginLedger/internal/core"
	"MarginLedger/internal/query"

	"google.golang.org/grpc"
)

const ServiceName = "marginledger.v1.Ledger"

// LedgerServer is the server API for the Ledger service.
type LedgerServer interface {
	SubmitEvent(context.Context, *SubmitEventRequest) (*SubmitEventResponse, error)
	GetAccountRisk(context.Context, *AccountRiskRequest) (*core.AccountRisk, error)
	GetPoolStatus(context.Context, *PoolStatusRequest) (*core.PoolStatus, error)
	GetBalance(context.Context, *BalanceRequest) (*query.BalanceResponse, error)
	GetPool(context.Context, *PoolRequest) (*query.PoolResponse, error)
	ListLiquidations(context.Context, *ListLiquidationsRequest) (*ListLiquidationsResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	GetEventLogInfo(context.Context, *EventLogInfoRequest) (*EventLogInfoResponse, error)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds a method descriptor the way protoc-gen-go-grpc would, with
// the request decoded by whichever codec the call negotiated.
func unary[Req, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc is the grpc.ServiceDesc for the Ledger service.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitEvent", LedgerServer.SubmitEvent),
		unary("GetAccountRisk", LedgerServer.GetAccountRisk),
		unary("GetPoolStatus", LedgerServer.GetPoolStatus),
		unary("GetBalance", LedgerServer.GetBalance),
		unary("GetPool", LedgerServer.GetPool),
		unary("ListLiquidations", LedgerServer.ListLiquidations),
		unary("ListJournals", LedgerServer.ListJournals),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
		unary("TakeSnapshot", LedgerServer.TakeSnapshot),
		unary("RebuildProjections", LedgerServer.RebuildProjections),
		unary("GetEventLogInfo", LedgerServer.GetEventLogInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marginledger/v1/ledger.json",
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// LedgerClient calls the Ledger service over the JSON codec.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *LedgerClient, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) SubmitEvent(ctx context.Context, in *SubmitEventRequest, opts ...grpc.CallOption) (*SubmitEventResponse, error) {
	return invoke[SubmitEventResponse](ctx, c, "SubmitEvent", in, opts)
}

func (c *LedgerClient) GetAccountRisk(ctx context.Context, in *AccountRiskRequest, opts ...grpc.CallOption) (*core.AccountRisk, error) {
	return invoke[core.AccountRisk](ctx, c, "GetAccountRisk", in, opts)
}

func (c *LedgerClient) GetPoolStatus(ctx context.Context, in *PoolStatusRequest, opts ...grpc.CallOption) (*core.PoolStatus, error) {
	return invoke[core.PoolStatus](ctx, c, "GetPoolStatus", in, opts)
}

func (c *LedgerClient) GetBalance(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*query.BalanceResponse, error) {
	return invoke[query.BalanceResponse](ctx, c, "GetBalance", in, opts)
}

func (c *LedgerClient) GetPool(ctx context.Context, in *PoolRequest, opts ...grpc.CallOption) (*query.PoolResponse, error) {
	return invoke[query.PoolResponse](ctx, c, "GetPool", in, opts)
}

func (c *LedgerClient) ListLiquidations(ctx context.Context, in *ListLiquidationsRequest, opts ...grpc.CallOption) (*ListLiquidationsResponse, error) {
	return invoke[ListLiquidationsResponse](ctx, c, "ListLiquidations", in, opts)
}

func (c *LedgerClient) ListJournals(ctx context.Context, in *ListJournalsRequest, opts ...grpc.CallOption) (*ListJournalsResponse, error) {
	return invoke[ListJournalsResponse](ctx, c, "ListJournals", in, opts)
}

func (c *LedgerClient) VerifyIntegrity(ctx context.Context, in *VerifyIntegrityRequest, opts ...grpc.CallOption) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c, "VerifyIntegrity", in, opts)
}

func (c *LedgerClient) TakeSnapshot(ctx context.Context, in *TakeSnapshotRequest, opts ...grpc.CallOption) (*TakeSnapshotResponse, error) {
	return invoke[TakeSnapshotResponse](ctx, c, "TakeSnapshot", in, opts)
}

func (c *LedgerClient) RebuildProjections(ctx context.Context, in *RebuildProjectionsRequest, opts ...grpc.CallOption) (*RebuildProjectionsResponse, error) {
	return invoke[RebuildProjectionsResponse](ctx, c, "RebuildProjections", in, opts)
}

func (c *LedgerClient) GetEventLogInfo(ctx context.Context, in *EventLogInfoRequest, opts ...grpc.CallOption) (*EventLogInfoResponse, error) {
	return invoke[EventLogInfoResponse](ctx, c, "GetEventLogInfo", in, opts)
}
