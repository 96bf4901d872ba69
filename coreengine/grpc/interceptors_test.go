package grpc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// TestLogger captures log calls for verification.
type TestLogger struct {
	mu         sync.Mutex
	debugCalls []map[string]any
	infoCalls  []map[string]any
	warnCalls  []map[string]any
	errorCalls []map[string]any
}

func (l *TestLogger) record(calls *[]map[string]any, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*calls = append(*calls, toMap(msg, keysAndValues))
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.record(&l.debugCalls, msg, keysAndValues)
}

func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.record(&l.infoCalls, msg, keysAndValues)
}

func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.record(&l.warnCalls, msg, keysAndValues)
}

func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.record(&l.errorCalls, msg, keysAndValues)
}

func toMap(msg string, keysAndValues []any) map[string]any {
	m := map[string]any{"msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	return m
}

func (l *TestLogger) last(calls *[]map[string]any) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(*calls) == 0 {
		return nil
	}
	return (*calls)[len(*calls)-1]
}

var getHandoffInfo = &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodGetHandoff)}

func handoffRequest(t *testing.T) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]any{"handoff_id": "ho_1", "actor": "designer", "note": "ignored"})
	require.NoError(t, err)
	return req
}

func TestUnaryInterceptor_LogsRequestIDs(t *testing.T) {
	logger := &TestLogger{}
	intercept := UnaryInterceptor(logger, nil)

	resp, err := intercept(context.Background(), handoffRequest(t), getHandoffInfo,
		func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	entry := logger.last(&logger.debugCalls)
	require.NotNil(t, entry)
	assert.Equal(t, "grpc_request_completed", entry["msg"])
	assert.Equal(t, FullMethod(MethodGetHandoff), entry["method"])
	assert.Equal(t, "ho_1", entry["handoff_id"])
	assert.Equal(t, "designer", entry["actor"])
	assert.NotContains(t, entry, "note")
}

func TestUnaryInterceptor_LevelByCode(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
		code  string
	}{
		{"not found is a caller fault", StatusFromError(handoff.NewNotFoundError("handoff", "ho_1")), "warn", "NotFound"},
		{"conflict is a caller fault", status.Error(codes.Aborted, "version mismatch"), "warn", "Aborted"},
		{"internal is a server fault", errors.New("disk full"), "error", "Unknown"},
		{"cancelled is quiet", status.Error(codes.Canceled, "client gone"), "debug", "Canceled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &TestLogger{}
			_, err := UnaryInterceptor(logger, nil)(context.Background(), nil, getHandoffInfo,
				func(context.Context, any) (any, error) { return nil, tt.err })
			require.Error(t, err)

			calls := map[string]*[]map[string]any{
				"debug": &logger.debugCalls,
				"warn":  &logger.warnCalls,
				"error": &logger.errorCalls,
			}
			entry := logger.last(calls[tt.level])
			require.NotNil(t, entry)
			assert.Equal(t, tt.code, entry["code"])
		})
	}
}

func TestUnaryInterceptor_RecoversPanic(t *testing.T) {
	logger := &TestLogger{}
	_, err := UnaryInterceptor(logger, nil)(context.Background(), handoffRequest(t), getHandoffInfo,
		func(context.Context, any) (any, error) { panic("nil store") })

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.NotContains(t, st.Message(), "nil store")

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.errorCalls, 2)
	assert.Equal(t, "grpc_panic_recovered", logger.errorCalls[0]["msg"])
	assert.Equal(t, "nil store", logger.errorCalls[0]["panic"])
	assert.Equal(t, "grpc_request_failed", logger.errorCalls[1]["msg"])
}

func TestUnaryInterceptor_CustomRecoveryHandler(t *testing.T) {
	handler := func(p any) error { return status.Errorf(codes.Unavailable, "retry: %v", p) }
	_, err := UnaryInterceptor(nil, handler)(context.Background(), nil, getHandoffInfo,
		func(context.Context, any) (any, error) { panic("draining") })
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Contains(t, err.Error(), "retry: draining")
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context { return m.ctx }

func TestStreamInterceptor(t *testing.T) {
	info := &grpc.StreamServerInfo{FullMethod: FullMethod(MethodWatchEvents), IsServerStream: true}
	ss := &mockServerStream{ctx: context.Background()}

	t.Run("completes", func(t *testing.T) {
		logger := &TestLogger{}
		err := StreamInterceptor(logger, nil)(nil, ss, info, func(any, grpc.ServerStream) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, "grpc_stream_completed", logger.last(&logger.debugCalls)["msg"])
	})

	t.Run("recovers panic", func(t *testing.T) {
		logger := &TestLogger{}
		err := StreamInterceptor(logger, nil)(nil, ss, info, func(any, grpc.ServerStream) error { panic("closed channel") })
		assert.Equal(t, codes.Internal, status.Code(err))
		assert.Equal(t, "grpc_stream_failed", logger.last(&logger.errorCalls)["msg"])
	})
}

func TestServerOptions(t *testing.T) {
	extra := func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		return next(ctx, req)
	}
	opts := ServerOptions(&TestLogger{}, extra)
	assert.Len(t, opts, 3)

	srv := grpc.NewServer(opts...)
	srv.Stop()
}
