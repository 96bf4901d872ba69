package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordTransition(t *testing.T) {
	tests := []struct {
		name  string
		event string
		from  string
		to    string
	}{
		{"submit", "submit", "pending", "in_transit"},
		{"ack", "deliver_ack", "in_transit", "under_review"},
		{"decline", "decline", "under_review", "rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(handoffTransitionsTotal.WithLabelValues(tt.event, tt.from, tt.to))
			RecordTransition(tt.event, tt.from, tt.to, 1.5)
			after := testutil.ToFloat64(handoffTransitionsTotal.WithLabelValues(tt.event, tt.from, tt.to))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestRecordExceptionMetrics(t *testing.T) {
	RecordExceptionRaised("clarity", "validation")
	RecordEscalation("clarity")
	RecordResolutionAttempt("clarity", "rejected")

	assert.Greater(t, testutil.ToFloat64(exceptionsRaisedTotal.WithLabelValues("clarity", "validation")), 0.0)
	assert.Greater(t, testutil.ToFloat64(exceptionsEscalatedTotal.WithLabelValues("clarity")), 0.0)
	assert.Greater(t, testutil.ToFloat64(resolutionAttemptsTotal.WithLabelValues("clarity", "rejected")), 0.0)
}

func TestRecordGRPCRequest(t *testing.T) {
	RecordGRPCRequest("/handoffkernel.v1.HandoffService/GetHandoff", "OK", 3)
	count := testutil.ToFloat64(grpcRequestsTotal.WithLabelValues("/handoffkernel.v1.HandoffService/GetHandoff", "OK"))
	assert.Greater(t, count, 0.0)
}

func TestMetrics_Concurrent(t *testing.T) {
	before := testutil.ToFloat64(workflowAdvancesTotal.WithLabelValues("issued"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RecordWorkflowAdvance("issued")
		}()
	}
	wg.Wait()

	assert.Equal(t, before+50, testutil.ToFloat64(workflowAdvancesTotal.WithLabelValues("issued")))
}

// =============================================================================
// TRACING TESTS
// =============================================================================

func TestInitTracer_LazyConnect(t *testing.T) {
	// The exporter dials lazily, so an unreachable collector is not an init error.
	shutdown, err := InitTracer(context.Background(), "handoffd-test", "127.0.0.1:1", "test")
	if err != nil {
		assert.Contains(t, err.Error(), "failed to create")
		return
	}
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
	assert.NotNil(t, Tracer())
}

// =============================================================================
// RECORD TESTS
// =============================================================================

func TestNewRecord_CopiesPayload(t *testing.T) {
	payload := map[string]any{"target_agent": "b"}
	rec := NewRecord(EntityHandoff, "ho_1", EventHandoffTransitioned, "", payload)
	payload["target_agent"] = "mutated"

	assert.Equal(t, "b", rec.PayloadString("target_agent"))
	assert.Equal(t, SeverityInfo, rec.Severity)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, "", rec.PayloadString("missing"))
}

// =============================================================================
// EMITTER TESTS
// =============================================================================

type captureLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *captureLogger) Debug(string, ...any) {}
func (l *captureLogger) Info(string, ...any)  {}
func (l *captureLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}
func (l *captureLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func (l *captureLogger) has(list *[]string, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range *list {
		if m == msg {
			return true
		}
	}
	return false
}

func flush(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Flush(ctx))
}

func TestEmitter_DeliversInOrder(t *testing.T) {
	sink := NewMemorySink()
	e := NewEmitter(nil, 16)
	e.AddSink(sink)
	e.Start()
	defer e.Close(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		e.Emit(NewRecord(EntityHandoff, id, EventHandoffTransitioned, SeverityInfo, nil))
	}
	flush(t, e)

	got := sink.Records()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].EntityID)
	assert.Equal(t, "c", got[2].EntityID)
	assert.Len(t, sink.Since(2), 1)
	assert.Nil(t, sink.Since(10))
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	logger := &captureLogger{}
	e := NewEmitter(logger, 2)
	// Not started: the queue fills up.
	for i := 0; i < 5; i++ {
		e.Emit(NewRecord(EntityHandoff, "h", EventHandoffTransitioned, SeverityInfo, nil))
	}

	assert.Equal(t, int64(3), e.Dropped())
	assert.Equal(t, int64(2), e.Pending())
	assert.True(t, logger.has(&logger.warns, "event_dropped"))
}

func TestEmitter_EmitNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	e := NewEmitter(nil, 1)
	e.AddSink(SinkFunc{SinkName: "slow", Fn: func(ctx context.Context, _ Record) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}})
	e.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Emit(NewRecord(EntityWorkflow, "wf", EventWorkflowAdvanced, SeverityInfo, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow sink")
	}
	close(block)
	flush(t, e)
	assert.Greater(t, e.Dropped(), int64(0))
}

func TestEmitter_SinkFailureAndPanicAreContained(t *testing.T) {
	logger := &captureLogger{}
	good := NewMemorySink()
	e := NewEmitter(logger, 8)
	e.AddSink(SinkFunc{SinkName: "failing", Fn: func(context.Context, Record) error {
		return errors.New("broker down")
	}})
	e.AddSink(SinkFunc{SinkName: "panicking", Fn: func(context.Context, Record) error {
		panic("boom")
	}})
	e.AddSink(good)
	e.Start()

	before := testutil.ToFloat64(sinkFailuresTotal.WithLabelValues("failing"))
	e.Emit(NewRecord(EntityException, "exc_1", EventExceptionEscalated, SeverityAlert, nil))
	flush(t, e)

	assert.Len(t, good.Records(), 1)
	assert.Equal(t, before+1, testutil.ToFloat64(sinkFailuresTotal.WithLabelValues("failing")))
	assert.True(t, logger.has(&logger.warns, "event_delivery_failed"))
	assert.True(t, logger.has(&logger.errs, "sink_panic_recovered"))
}

func TestEmitter_CloseDrainsAndIgnoresLateEmits(t *testing.T) {
	sink := NewMemorySink()
	e := NewEmitter(nil, 8)
	e.AddSink(sink)
	e.Start()

	e.Emit(NewRecord(EntityHandoff, "h1", EventHandoffCreated, SeverityInfo, nil))
	require.NoError(t, e.Close(context.Background()))
	e.Emit(NewRecord(EntityHandoff, "h2", EventHandoffCreated, SeverityInfo, nil))
	require.NoError(t, e.Close(context.Background()))

	require.Len(t, sink.Records(), 1)
	assert.Equal(t, "h1", sink.Records()[0].EntityID)
}

func TestLogSink_AlertsAtWarn(t *testing.T) {
	logger := &captureLogger{}
	s := NewLogSink(logger)
	require.NoError(t, s.Deliver(context.Background(), NewRecord(EntityHandoff, "h", EventHandoffRejected, SeverityAlert, nil)))
	assert.True(t, logger.has(&logger.warns, "handoff_alert"))
}

// =============================================================================
// FILTER TESTS
// =============================================================================

func TestFilterFor(t *testing.T) {
	records := []Record{
		NewRecord(EntityHandoff, "h1", EventHandoffTransitioned, SeverityInfo, map[string]any{"source_agent": "a", "target_agent": "b"}),
		NewRecord(EntityHandoff, "h2", EventHandoffRejected, SeverityAlert, map[string]any{"source_agent": "c", "target_agent": "d"}),
		NewRecord(EntityWorkflow, "wf", EventWorkflowAdvanced, SeverityInfo, map[string]any{"target_agent": "b"}),
		NewRecord(EntityException, "e1", EventExceptionRaised, SeverityInfo, map[string]any{"handoff_id": "h1"}),
	}

	tests := []struct {
		role Role
		want []string
	}{
		{RoleOperator, []string{"h1", "h2", "wf", "e1"}},
		{"", []string{"h1", "h2", "wf", "e1"}},
		{RoleExecutive, []string{"h2", "wf"}},
		{"agent:b", []string{"h1", "wf"}},
		{"agent:d", []string{"h2"}},
		{"agent:zzz", []string{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			f, err := FilterFor(tt.role)
			require.NoError(t, err)
			got := []string{}
			for _, r := range f.Apply(records) {
				got = append(got, r.EntityID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterFor_Invalid(t *testing.T) {
	_, err := FilterFor("agent:")
	assert.Error(t, err)
	_, err = FilterFor("janitor")
	assert.Error(t, err)
}

// =============================================================================
// BROADCASTER TESTS
// =============================================================================

func TestBroadcaster_FiltersPerSubscriber(t *testing.T) {
	b := NewBroadcaster()
	exec, err := FilterFor(RoleExecutive)
	require.NoError(t, err)

	all, cancelAll := b.Subscribe(nil, 4)
	defer cancelAll()
	alerts, cancelAlerts := b.Subscribe(exec, 4)
	defer cancelAlerts()
	assert.Equal(t, 2, b.Subscribers())

	ctx := context.Background()
	require.NoError(t, b.Deliver(ctx, NewRecord(EntityHandoff, "ho_1", EventHandoffTransitioned, SeverityInfo, nil)))
	require.NoError(t, b.Deliver(ctx, NewRecord(EntityException, "exc_1", EventExceptionEscalated, SeverityAlert, nil)))

	assert.Equal(t, "ho_1", (<-all).EntityID)
	assert.Equal(t, "exc_1", (<-all).EntityID)
	assert.Equal(t, "exc_1", (<-alerts).EntityID)
	assert.Empty(t, alerts)
}

func TestBroadcaster_SlowSubscriberDrops(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(nil, 1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Deliver(ctx, NewRecord(EntityWorkflow, "wf_1", EventWorkflowAdvanced, "", nil)))
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, int64(2), b.Dropped())

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())
	<-ch
	_, open := <-ch
	assert.False(t, open)
}
