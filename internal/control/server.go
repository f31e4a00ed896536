package control

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

// Server settings
const (
	KeepaliveMinTime = 5 * time.Second // fastest client ping accepted
	StopTimeout      = 5 * time.Second
)

// NewServer returns a gRPC server with tracing and access logging that serves
// svc and its health status.
func NewServer(svc *Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(trace.UnaryServerInterceptor(), logInterceptor()),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: KeepaliveMinTime, PermitWithoutStream: true}),
	}, opts...)
	srv := grpc.NewServer(opts...)
	Register(srv, svc)
	return srv
}

// ListenAndServe serves srv on addr until ctx ends.
func ListenAndServe(ctx context.Context, srv *grpc.Server, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.Unavailable, "listen %s", addr)
	}
	return Serve(ctx, srv, ln)
}

// Serve serves srv on ln until ctx ends, then stops gracefully. Calls still
// running after StopTimeout are cut off.
func Serve(ctx context.Context, srv *grpc.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		trace.Logger(ctx).Info("grpc server starting", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(StopTimeout):
		srv.Stop()
	}
	<-errCh
	return nil
}

func logInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log := trace.Logger(ctx).With("method", info.FullMethod, "duration", time.Since(start))
		if err != nil {
			log.Warn("rpc failed", "code", status.Code(err).String(), "error", err)
		} else {
			log.Debug("rpc ok")
		}
		return resp, err
	}
}
