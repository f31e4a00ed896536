package grpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GriffinCanCode/skillloop/internal/control"
	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/resilience"
	"github.com/GriffinCanCode/skillloop/internal/rotation"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

// Config holds client connection settings.
type Config struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	CallTimeout      time.Duration
	Retry            resilience.RetryConfig
	Breaker          resilience.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		CallTimeout:      DefaultCallTimeout,
		Retry: resilience.RetryConfig{
			MaxRetries:  DefaultMaxRetries,
			BaseDelay:   DefaultRetryDelay,
			MaxDelay:    time.Second,
			IsRetryable: retryable,
		},
		Breaker: resilience.Config{Name: "control"},
	}
}

// Client calls the Control and health services of a running skillloop.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	breaker *resilience.Breaker
	cfg     Config
}

// New creates a client for addr. The connection is established lazily.
func New(addr string, cfg Config) (*Client, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Retry.IsRetryable == nil {
		cfg.Retry.IsRetryable = retryable
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(trace.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(trace.StreamClientInterceptor()),
	)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.InvalidArgument, "dial %s", addr)
	}
	return newClient(conn, cfg), nil
}

func newClient(conn *grpc.ClientConn, cfg Config) *Client {
	return &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		breaker: resilience.New(cfg.Breaker),
		cfg:     cfg,
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Breaker exposes the transport breaker state.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// retryable accepts only transport unavailability; commands are not retried
// after the server has seen them.
func retryable(err error) bool {
	if errors.Is(err, resilience.ErrOpen) {
		return false
	}
	return status.Code(err) == codes.Unavailable
}

func (c *Client) invoke(ctx context.Context, method string, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	err := resilience.Retry(ctx, c.cfg.Retry, func() error {
		_, err := resilience.ExecuteFiltered(c.breaker, retryable, func() (struct{}, error) {
			return struct{}{}, c.conn.Invoke(ctx, method, &emptypb.Empty{}, out)
		})
		return err
	})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, resilience.ErrOpen):
		return apperrors.Wrap(err, apperrors.Unavailable, "control service unreachable")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(err, apperrors.Timeout, method)
	case errors.Is(err, context.Canceled):
		return apperrors.Wrap(err, apperrors.Cancelled, method)
	}
	return apperrors.FromGRPCError(err)
}

// Status returns the coordinator status.
func (c *Client) Status(ctx context.Context) (rotation.Status, error) {
	var out structpb.Struct
	if err := c.invoke(ctx, control.MethodStatus, &out); err != nil {
		return rotation.Status{}, err
	}
	var st rotation.Status
	data, err := json.Marshal(out.AsMap())
	if err == nil {
		err = json.Unmarshal(data, &st)
	}
	if err != nil {
		return rotation.Status{}, apperrors.Wrap(err, apperrors.Internal, "decode status")
	}
	return st, nil
}

func (c *Client) Start(ctx context.Context) error {
	return c.invoke(ctx, control.MethodStart, &emptypb.Empty{})
}

func (c *Client) Stop(ctx context.Context) error {
	return c.invoke(ctx, control.MethodStop, &emptypb.Empty{})
}

func (c *Client) Pause(ctx context.Context) error {
	return c.invoke(ctx, control.MethodPause, &emptypb.Empty{})
}

func (c *Client) Resume(ctx context.Context) error {
	return c.invoke(ctx, control.MethodResume, &emptypb.Empty{})
}

// Reload asks the server to re-read its probe file and returns the new
// probe set version.
func (c *Client) Reload(ctx context.Context) (uint64, error) {
	var out structpb.Struct
	if err := c.invoke(ctx, control.MethodReload, &out); err != nil {
		return 0, err
	}
	return uint64(out.GetFields()["version"].GetNumberValue()), nil
}

// Health reports whether the rotation is running, as seen by the standard
// health service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: control.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, apperrors.FromGRPCError(err)
	}
	return resp.GetStatus(), nil
}
