package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"MarginLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Config for the gRPC server and its HTTP gateway.
type Config struct {
	GRPCAddr string
	HTTPAddr string

	// RequestsPerSecond caps unary calls; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int

	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	cfg           Config
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	ledger        LedgerServer
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the Ledger, health and
// reflection services registered. Health reports NOT_SERVING for the Ledger
// service until SetServing(true).
func NewGRPCServer(cfg Config, ledger LedgerServer, hc *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) *GRPCServer {
	unaryInterceptors := []grpc.UnaryServerInterceptor{
		recoveryUnaryInterceptor(logger),
		observeUnaryInterceptor(metrics, logger),
	}
	if limiter := newRequestLimiter(cfg.RequestsPerSecond, cfg.Burst); limiter != nil {
		unaryInterceptors = append(unaryInterceptors, limiter.unaryInterceptor(metrics))
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryInterceptors...))
	RegisterLedgerServer(grpcServer, ledger)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		cfg:           cfg,
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		ledger:        ledger,
		healthChecker: hc,
		metrics:       metrics,
		logger:        logger,
	}
}

// SetServing flips the Ledger service's gRPC health status.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(ServiceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx ends.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func methodName(fullMethod string) string {
	return fullMethod[strings.LastIndexByte(fullMethod, '/')+1:]
}

func recoveryUnaryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("panic in unary handler")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func observeUnaryInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
		start := time.Now()
		defer func() {
			code := status.Code(err)
			method := methodName(info.FullMethod)
			if metrics != nil {
				metrics.QueryRequests.WithLabelValues(method, code.String()).Inc()
				metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			}
			logger.Debug().Str("method", info.FullMethod).Str("code", code.String()).Dur("duration", time.Since(start)).Msg("grpc unary")
		}()
		return handler(ctx, req)
	}
}

type requestLimiter struct {
	limiter *rate.Limiter
}

func newRequestLimiter(perSecond float64, burst int) *requestLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond) + 1
	}
	return &requestLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *requestLimiter) unaryInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !r.limiter.Allow() {
			if metrics != nil {
				metrics.RateLimited.WithLabelValues(methodName(info.FullMethod)).Inc()
			}
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}
