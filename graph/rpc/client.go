package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/sourcegraph/jsonrpc2"
	"go.opentelemetry.io/otel/trace"

	"github.com/dashflow/dashflow/graph"
)

// Client calls a remote Server's Execute method over an established
// connection. It implements the same NodeRunner shape a local node does, so
// a coordinator can treat a remote worker identically to an in-process one.
type Client[S any] struct {
	conn   *jsonrpc2.Conn
	tracer trace.Tracer
}

// NewClient wraps an already-dialed connection. A nil tracer skips local
// span creation; the calling context's span, if any, is still sent as the
// TraceContext.
func NewClient[S any](conn *jsonrpc2.Conn, tracer trace.Tracer) *Client[S] {
	return &Client[S]{conn: conn, tracer: tracer}
}

// Dial opens a TCP connection to addr and wraps it as a Client.
func Dial[S any](ctx context.Context, addr string, tracer trace.Tracer) (*Client[S], error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	stream := jsonrpc2.NewBufferedStream(nc, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(rejectAll))
	return NewClient[S](conn, tracer), nil
}

func rejectAll(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client does not serve requests"}
}

// Execute runs nodeID remotely against state, propagating the calling
// context's active span (if any) as the request's trace_context so the
// server's own span nests under it.
func (c *Client[S]) Execute(ctx context.Context, nodeID graph.NodeID, state S) (S, error) {
	var zero S
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("rpc: encode state: %w", err)
	}

	tc := encodeTraceContext(trace.SpanContextFromContext(ctx))
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "dashflow.rpc.call_execute")
		defer span.End()
		tc = encodeTraceContext(span.SpanContext())
	}

	params := ExecuteParams{NodeID: string(nodeID), StateBytes: stateBytes, TraceContext: tc}
	var result ExecuteResult
	if err := c.conn.Call(ctx, Method, params, &result); err != nil {
		return zero, fmt.Errorf("rpc: execute %s: %w", nodeID, err)
	}
	var out S
	if err := json.Unmarshal(result.StateBytes, &out); err != nil {
		return zero, fmt.Errorf("rpc: decode result: %w", err)
	}
	return out, nil
}

// Close closes the underlying connection.
func (c *Client[S]) Close() error {
	return c.conn.Close()
}

var _ io.Closer = (*Client[struct{}])(nil)
