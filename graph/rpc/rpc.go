// Package rpc exposes remote node execution over JSON-RPC 2.0 so a worker
// pool can run outside the coordinator's own process, carrying enough trace
// context for the remote span to nest correctly under the caller's.
package rpc

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/trace"

	"github.com/dashflow/dashflow/graph"
)

// Method is the JSON-RPC method name a Server registers and a Client calls.
const Method = "dashflow/execute"

// TraceContext is the wire form of a trace's identity, carried alongside
// every ExecuteParams so the remote worker's NodeStart span is a child of
// the caller's step span rather than a disconnected trace.
type TraceContext struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
	Flags   byte   `json:"flags"`
}

// ExecuteParams is the request body for Method: the node to run and the
// JSON-encoded state to run it against.
type ExecuteParams struct {
	NodeID       string          `json:"node_id"`
	StateBytes   json.RawMessage `json:"state_bytes"`
	TraceContext TraceContext    `json:"trace_context"`
}

// ExecuteResult is the response body for Method.
type ExecuteResult struct {
	StateBytes json.RawMessage `json:"state_bytes"`
}

// NodeRunner executes a single node against a decoded state. A Server calls
// it once per inbound request.
type NodeRunner[S any] func(ctx context.Context, nodeID graph.NodeID, state S) (S, error)

func encodeTraceContext(sc trace.SpanContext) TraceContext {
	if !sc.IsValid() {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Flags:   byte(sc.TraceFlags()),
	}
}

func decodeTraceContext(tc TraceContext) (trace.SpanContext, bool) {
	if tc.TraceID == "" || tc.SpanID == "" {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(tc.TraceID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(tc.SpanID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(tc.Flags),
		Remote:     true,
	})
	return sc, true
}
