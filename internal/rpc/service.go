package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/kueuedb/kueue/internal/permission"
)

// GatewayServer is the interface a hand-written ServiceDesc method
// handler needs — the one method protoc-gen-go-grpc would otherwise
// generate a full client/server pair for.
type GatewayServer interface {
	Invoke(ctx context.Context, in *Envelope) (*Reply, error)
}

// ServiceDesc is the gRPC service descriptor every §6.1 method is
// reached through: one RPC, dispatched by Server.Invoke via the method
// registry rather than by a generated switch over message types.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "kueue.rpc.Gateway",
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    gatewayInvokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpc/service.go",
}

func gatewayInvokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kueue.rpc.Gateway/Invoke"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).Invoke(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements GatewayServer: it runs every call through the
// Permission Gate, dispatches authorized calls through the Registry, and
// appends the §6.2 log-stream lines around each dispatch.
type Server struct {
	registry *Registry
	gate     *permission.Gate
	sinks    sinkInstaller
}

func NewServer(registry *Registry, gate *permission.Gate) *Server {
	return &Server{registry: registry, gate: gate}
}

// InstallSink attaches a log-stream sink. It may be called at most once
// per Server lifetime (§6.2).
func (s *Server) InstallSink(sink LogSink) error {
	return s.sinks.install(sink)
}

// Invoke is the single RPC entry point for every method in the §6.1
// table. Server-originated calls (the Scheduler calling internal/
// statemachine directly) never go through here, so there is no bypass
// logic to special-case — only externally reached calls pass the gate.
func (s *Server) Invoke(ctx context.Context, in *Envelope) (*Reply, error) {
	sink := s.sinks.get()
	params := fromValue(in.Params)
	writeDispatch(sink, in.CallerID, in.Method, params)

	call := permission.Call{CallerID: in.CallerID, Method: in.Method, Params: params}
	if s.gate != nil && !s.gate.Allowed(call) {
		writeResult(sink, in.CallerID, in.Method, true, nil, "")
		return &Reply{Unauthorized: true}, nil
	}

	handler, ok := s.registry.lookup(in.Method)
	if !ok {
		errMsg := fmt.Sprintf("%s: %s", ErrUnknownMethod, in.Method)
		writeResult(sink, in.CallerID, in.Method, false, nil, errMsg)
		return &Reply{Err: errMsg}, nil
	}

	result, err := handler(ctx, in.CallerID, params)
	if err != nil {
		writeResult(sink, in.CallerID, in.Method, false, nil, err.Error())
		return &Reply{Err: err.Error()}, nil
	}

	value, err := toValue(result)
	if err != nil {
		writeResult(sink, in.CallerID, in.Method, false, nil, err.Error())
		return &Reply{Err: err.Error()}, nil
	}
	writeResult(sink, in.CallerID, in.Method, false, result, "")
	return &Reply{Result: value}, nil
}
