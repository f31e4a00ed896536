// Package control serves the rotation controller over gRPC, together with the
// standard health service.
package control

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/rotation"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

// Controller is the rotation surface the service drives.
type Controller interface {
	Status() rotation.Status
	Watch() (rotation.State, <-chan struct{})
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Reload(ctx context.Context) (uint64, error)
}

// ControlServer is the server API of the Control service.
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Start(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Pause(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Resume(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Reload(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Service implements ControlServer and keeps the health status in step with
// the rotation state.
type Service struct {
	ctrl   Controller
	health *health.Server
}

var _ ControlServer = (*Service)(nil)

// NewService creates a service for ctrl.
func NewService(ctrl Controller) *Service {
	return &Service{ctrl: ctrl, health: health.NewServer()}
}

// Health returns the health server registered alongside the service.
func (s *Service) Health() *health.Server { return s.health }

// Status returns the coordinator status as a struct.
func (s *Service) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st, err := toStruct(s.ctrl.Status())
	if err != nil {
		return nil, rpcError(apperrors.Wrap(err, apperrors.Internal, "encode status"))
	}
	return st, nil
}

func (s *Service) Start(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return empty(ctx, "start", s.ctrl.Start)
}

func (s *Service) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return empty(ctx, "stop", s.ctrl.Stop)
}

func (s *Service) Pause(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return empty(ctx, "pause", s.ctrl.Pause)
}

func (s *Service) Resume(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return empty(ctx, "resume", s.ctrl.Resume)
}

// Reload re-reads the probe file and returns {"version": n}.
func (s *Service) Reload(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	version, err := s.ctrl.Reload(ctx)
	if err != nil {
		trace.Logger(ctx).Warn("control reload failed", "error", err)
		return nil, rpcError(err)
	}
	return structpb.NewStruct(map[string]any{"version": float64(version)})
}

func empty(ctx context.Context, op string, fn func(context.Context) error) (*emptypb.Empty, error) {
	if err := fn(ctx); err != nil {
		trace.Logger(ctx).Warn("control command failed", "command", op, "error", err)
		return nil, rpcError(err)
	}
	return &emptypb.Empty{}, nil
}

// WatchHealth reports the Control service as SERVING while the rotation runs
// and NOT_SERVING otherwise. The overall server status stays SERVING until
// ctx ends.
func (s *Service) WatchHealth(ctx context.Context) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for {
		state, changed := s.ctrl.Watch()
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if state == rotation.Running {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(ServiceName, status)

		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return nil
		case <-changed:
		}
	}
}

// Register adds the Control and health services to srv.
func Register(srv grpc.ServiceRegistrar, svc *Service) {
	srv.RegisterService(&ServiceDesc, svc)
	healthpb.RegisterHealthServer(srv, svc.health)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// rpcError converts err to a status error carrying the AppError code. The
// cause is folded into the message since status details only hold the code.
func rpcError(err error) error {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return apperrors.New(apperrors.Internal, err.Error()).GRPCStatus().Err()
	}
	out := *appErr
	if out.Cause != nil {
		out.Message += ": " + out.Cause.Error()
	}
	return out.GRPCStatus().Err()
}
