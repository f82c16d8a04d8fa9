package rpc

import (
	"context"
	"errors"
)

// ErrUnknownMethod is returned (as a Reply.Err string, not a Go error —
// Invoke itself never fails transport-level on a bad method name) when
// no handler is registered for the requested method.
var ErrUnknownMethod = errors.New("rpc: unknown method")

// Handler implements one §6.1 RPC method. params is the caller's
// argument value already decoded from the wire (a map, slice, string,
// number, bool, or nil, per that method's documented shape); the
// returned value is re-encoded by Server.Invoke.
type Handler func(ctx context.Context, callerID string, params interface{}) (interface{}, error)

// Registry is the string-keyed method table Invoke dispatches through —
// the hand-written stand-in for what a generated gRPC service interface
// would otherwise provide one method per RPC for.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds method to h. Registering the same method twice
// replaces the previous handler — callers build the table once at
// startup, so last-write-wins is simpler than erroring.
func (r *Registry) Register(method string, h Handler) {
	r.handlers[method] = h
}

func (r *Registry) lookup(method string) (Handler, bool) {
	h, ok := r.handlers[method]
	return h, ok
}
