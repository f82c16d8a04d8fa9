// Package rpc is the transport skeleton the teacher's protoc-generated
// client/server pair would normally provide. With the generated
// api/proto/v1 package unavailable and the wire encoding itself out of
// scope, every one of the spec's §6.1 RPC methods is carried over one
// gRPC method — Invoke — as a JSON-coded envelope dispatched through a
// string-keyed registry, the way a generic RPC proxy or service mesh
// sidecar would.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Envelope is the single request message for Invoke. Method selects the
// handler (one of the §6.1 method names, e.g. "jobSave", "getWork");
// Params carries whatever shape that handler expects, encoded as a
// structpb.Value so any JSON-shaped argument list travels without a
// bespoke message per method.
type Envelope struct {
	Collection string           `json:"collection"`
	Method     string           `json:"method"`
	CallerID   string           `json:"callerId"`
	Params     *structpb.Value  `json:"params,omitempty"`
}

// Reply is the single response message. Exactly one of Result,
// Unauthorized, or Err is meaningful for a given call — §7's "not
// authorised" and "invalid argument" failure kinds map onto Unauthorized
// and Err respectively; a nil Result with none of those set is the
// spec's distinguished "shutdown in progress" null.
type Reply struct {
	Result       *structpb.Value `json:"result,omitempty"`
	Unauthorized bool            `json:"unauthorized,omitempty"`
	Err          string          `json:"err,omitempty"`
}

// toValue converts a Go value returned by a Handler into the wire Value.
// structpb.NewValue only accepts its own closed set of primitive/map/
// slice types, so arbitrary structs (e.g. *types.Job) and named string
// types (e.g. types.JobID) are normalized through a JSON round trip
// first, the same trick decodeParams uses on the way in.
func toValue(v interface{}) (*structpb.Value, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshaling value: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("rpc: normalizing value: %w", err)
	}
	return structpb.NewValue(generic)
}

// fromValue converts a wire Value back into a plain Go value (map,
// slice, string, float64, bool, or nil) for handlers to type-assert.
func fromValue(v *structpb.Value) interface{} {
	if v == nil {
		return nil
	}
	return v.AsInterface()
}
