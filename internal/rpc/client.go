package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnauthorized is returned by Client.Call when the gate rejected the
// call (§7 "not authorised").
var ErrUnauthorized = errors.New("rpc: unauthorized")

// Client is the worker- and CLI-side counterpart to Server: it wraps an
// established *grpc.ClientConn and turns a method name plus arguments
// into one Invoke round trip, the way the teacher's GrpcJobSource wraps
// a generated stub — except here there is no generated stub, so Client
// builds the Envelope by hand and calls grpc.Invoke directly against
// codecName.
type Client struct {
	conn       grpc.ClientConnInterface
	collection string
	callerID   string
}

// NewClient builds a Client bound to one collection and caller identity.
func NewClient(conn grpc.ClientConnInterface, collection, callerID string) *Client {
	return &Client{conn: conn, collection: collection, callerID: callerID}
}

// Call invokes method with params (a Go value JSON-shaped enough for
// structpb.NewValue) and decodes the result into out (a pointer), or
// returns ErrUnauthorized / the server-reported error string.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	paramsValue, err := toValue(params)
	if err != nil {
		return fmt.Errorf("rpc: encoding params for %s: %w", method, err)
	}

	req := &Envelope{
		Collection: c.collection,
		Method:     method,
		CallerID:   c.callerID,
		Params:     paramsValue,
	}
	reply := new(Reply)

	callOpt := grpc.CallContentSubtype(codecName)
	if err := c.conn.Invoke(ctx, "/kueue.rpc.Gateway/Invoke", req, reply, callOpt); err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}

	if reply.Unauthorized {
		return ErrUnauthorized
	}
	if reply.Err != "" {
		return fmt.Errorf("rpc: %s: %s", method, reply.Err)
	}
	if out == nil {
		return nil
	}
	return decodeInto(reply.Result, out)
}

// decodeInto round-trips a wire Value into a typed Go value via JSON,
// since the caller usually wants a concrete struct (e.g. *types.Job)
// rather than the loosely-typed map structpb.Value.AsInterface returns.
func decodeInto(v *structpb.Value, out interface{}) error {
	raw, err := json.Marshal(fromValue(v))
	if err != nil {
		return fmt.Errorf("rpc: re-encoding result: %w", err)
	}
	return json.Unmarshal(raw, out)
}
