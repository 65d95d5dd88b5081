// Package grpcapi serves the dashboard snapshot over gRPC next to the
// standard health service. Messages are well-known types, so there is no
// generated code: the service descriptor is declared by hand.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/internal/services/aggregator"
)

const (
	ServiceName       = "sensordash.v1.Dashboard"
	getSnapshotMethod = "/" + ServiceName + "/GetSnapshot"
)

// DashboardServer is the server side of sensordash.v1.Dashboard.
type DashboardServer interface {
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DashboardServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sensordash/v1/dashboard.proto",
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DashboardServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSnapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DashboardServer).GetSnapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// SnapshotSource is satisfied by *aggregator.Aggregator.
type SnapshotSource interface {
	Snapshot() aggregator.Snapshot
}

// Service implements DashboardServer and drives the health status from
// connection state changes.
type Service struct {
	src    SnapshotSource
	health *health.Server
	log    *slog.Logger
}

var _ DashboardServer = (*Service)(nil)

func NewService(src SnapshotSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{src: src, health: health.NewServer(), log: logger.With("component", "grpcapi")}
	s.setServing(false)
	return s
}

// Register installs the dashboard and health services on srv.
func (s *Service) Register(srv *grpc.Server) {
	srv.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(srv, s.health)
}

func (s *Service) GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.src.Snapshot())
	if err != nil {
		s.log.Error("snapshot conversion failed", "err", err)
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Handle is the bus subscriber: SERVING while connected, NOT_SERVING
// otherwise.
func (s *Service) Handle(n messages.Notification) {
	if ev, ok := n.(messages.StateChangeEvent); ok {
		s.setServing(ev.State == messages.StateConnected)
	}
}

func (s *Service) setServing(up bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown flips every service to NOT_SERVING ahead of GracefulStop.
func (s *Service) Shutdown() { s.health.Shutdown() }

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return structpb.NewStruct(m)
}
