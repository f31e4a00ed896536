package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ServiceName is the fully qualified Control service name.
const ServiceName = "skillloop.v1.Control"

// Full method names, shared with the client.
const (
	MethodStatus = "/" + ServiceName + "/Status"
	MethodStart  = "/" + ServiceName + "/Start"
	MethodStop   = "/" + ServiceName + "/Stop"
	MethodPause  = "/" + ServiceName + "/Pause"
	MethodResume = "/" + ServiceName + "/Resume"
	MethodReload = "/" + ServiceName + "/Reload"
)

// ServiceDesc describes the Control service. Every method takes Empty, so the
// messages are the well-known types and no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unary(MethodStatus, ControlServer.Status)},
		{MethodName: "Start", Handler: unary(MethodStart, ControlServer.Start)},
		{MethodName: "Stop", Handler: unary(MethodStop, ControlServer.Stop)},
		{MethodName: "Pause", Handler: unary(MethodPause, ControlServer.Pause)},
		{MethodName: "Resume", Handler: unary(MethodResume, ControlServer.Resume)},
		{MethodName: "Reload", Handler: unary(MethodReload, ControlServer.Reload)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "skillloop/v1/control.proto",
}

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unary[Resp any](fullMethod string, call func(ControlServer, context.Context, *emptypb.Empty) (Resp, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}
