package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net"

	"github.com/sourcegraph/jsonrpc2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dashflow/dashflow/graph"
)

// Server answers ExecuteParams requests by running them through run. A
// Server has no notion of which worker it is; that identity lives in
// whatever process or deployment wraps it.
type Server[S any] struct {
	run    NodeRunner[S]
	tracer trace.Tracer
}

// NewServer returns a Server that executes incoming requests with run. A nil
// tracer disables span creation; requests still run correctly, just
// untraced.
func NewServer[S any](run NodeRunner[S], tracer trace.Tracer) *Server[S] {
	return &Server[S]{run: run, tracer: tracer}
}

// Handle implements jsonrpc2.Handler via jsonrpc2.HandlerWithError.
func (s *Server[S]) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method != Method {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method: " + req.Method}
	}
	if req.Params == nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	var params ExecuteParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}

	if sc, ok := decodeTraceContext(params.TraceContext); ok {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
	}
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "dashflow.rpc.execute_node",
			trace.WithAttributes(attribute.String("dashflow.node_id", params.NodeID)))
		defer span.End()
	}

	var state S
	if err := json.Unmarshal(params.StateBytes, &state); err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "decode state: " + err.Error()}
	}
	out, err := s.run(ctx, graph.NodeID(params.NodeID), state)
	if err != nil {
		return nil, &jsonrpc2.Error{Message: err.Error()}
	}
	bytes, err := json.Marshal(out)
	if err != nil {
		return nil, &jsonrpc2.Error{Message: "encode result: " + err.Error()}
	}
	return ExecuteResult{StateBytes: bytes}, nil
}

// Serve wires a Server to a connection, returning the live *jsonrpc2.Conn.
// The caller owns rwc's lifetime; closing it (or cancelling ctx) tears the
// connection down.
func Serve[S any](ctx context.Context, rwc io.ReadWriteCloser, run NodeRunner[S], tracer trace.Tracer) *jsonrpc2.Conn {
	srv := NewServer(run, tracer)
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	return jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(srv.Handle))
}

// ListenAndServe binds addr and serves run to every connection that arrives,
// one jsonrpc2.Conn per accepted net.Conn, until ctx is cancelled or accept
// fails. It blocks; callers that need to keep doing other work should run it
// in its own goroutine.
func ListenAndServe[S any](ctx context.Context, addr string, run NodeRunner[S], tracer trace.Tracer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer lis.Close()
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	for {
		nc, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		Serve(ctx, nc, run, tracer)
	}
}
