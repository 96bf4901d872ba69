package grpc

import (
	"context"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
)

// requestIDFields are the request keys copied into call logs.
var requestIDFields = []string{"handoff_id", "workflow_id", "exception_id", "actor", "event"}

// callFields returns method plus the entity ids named by a Struct request.
func callFields(method string, req any) []any {
	kv := []any{"method", method}
	s, ok := req.(*structpb.Struct)
	if !ok || s == nil {
		return kv
	}
	for _, key := range requestIDFields {
		if v, ok := s.GetFields()[key]; ok && v.GetStringValue() != "" {
			kv = append(kv, key, v.GetStringValue())
		}
	}
	return kv
}

// observe logs and counts one finished call. Caller faults (invalid,
// illegal, not found, conflicts) log at Warn; server faults at Error.
func observe(logger Logger, kind, method string, req any, start time.Time, err error) {
	elapsed := time.Since(start)
	code := status.Code(err)
	observability.RecordGRPCRequest(method, code.String(), int(elapsed.Milliseconds()))
	if logger == nil {
		return
	}

	kv := append(callFields(method, req), "duration_ms", elapsed.Milliseconds())
	if err == nil {
		logger.Debug("grpc_"+kind+"_completed", kv...)
		return
	}
	kv = append(kv, "code", code.String(), "error", err.Error())
	switch code {
	case codes.Internal, codes.Unknown, codes.DataLoss:
		logger.Error("grpc_"+kind+"_failed", kv...)
	case codes.Canceled:
		logger.Debug("grpc_"+kind+"_cancelled", kv...)
	default:
		logger.Warn("grpc_"+kind+"_failed", kv...)
	}
}

// RecoveryHandler turns a recovered panic value into the error returned
// to the client.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler hides the panic value behind codes.Internal.
func DefaultRecoveryHandler(p any) error {
	return status.Error(codes.Internal, "internal error")
}

func recoverCall(logger Logger, method string, handler RecoveryHandler, errp *error) {
	p := recover()
	if p == nil {
		return
	}
	if logger != nil {
		logger.Error("grpc_panic_recovered", "method", method, "panic", p, "stack", string(debug.Stack()))
	}
	*errp = handler(p)
}

// UnaryInterceptor recovers panics, then logs and meters each unary call.
func UnaryInterceptor(logger Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() { observe(logger, "request", info.FullMethod, req, start, err) }()
		defer recoverCall(logger, info.FullMethod, handler, &err)
		return next(ctx, req)
	}
}

// StreamInterceptor is UnaryInterceptor for server streams. The log entry is
// written when the stream ends.
func StreamInterceptor(logger Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		start := time.Now()
		defer func() { observe(logger, "stream", info.FullMethod, nil, start, err) }()
		defer recoverCall(logger, info.FullMethod, handler, &err)
		return next(srv, ss)
	}
}

// ServerOptions returns the interceptors and OpenTelemetry instrumentation
// every handoff server runs with. extra unary interceptors run inside them.
func ServerOptions(logger Logger, extra ...grpc.UnaryServerInterceptor) []grpc.ServerOption {
	unary := append([]grpc.UnaryServerInterceptor{UnaryInterceptor(logger, nil)}, extra...)
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(StreamInterceptor(logger, nil)),
	}
}
