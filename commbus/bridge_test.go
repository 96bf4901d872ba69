package commbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
)

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *captureLogger) Debug(msg string, _ ...any) { l.add(msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.add(msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.add(msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.add(msg) }

func (l *captureLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func escalationRecord() observability.Record {
	return observability.NewRecord(observability.EntityException, "exc_1",
		observability.EventExceptionEscalated, observability.SeverityAlert, map[string]any{
			"handoff_id":       "ho_1",
			"workflow_id":      "wf_1",
			"category":         "resource",
			"description":      "artifact \"brief\" not found",
			"missing_resource": "brief",
			"escalation_count": 1,
		})
}

func TestMessageFromRecord(t *testing.T) {
	msg, ok := MessageFromRecord(escalationRecord())
	require.True(t, ok)
	esc := msg.(*ExceptionEscalated)
	assert.Equal(t, "exc_1", esc.ExceptionID)
	assert.Equal(t, "brief", esc.MissingResource)
	assert.Equal(t, 1, esc.EscalationCount)

	rec := observability.NewRecord(observability.EntityHandoff, "ho_1",
		observability.EventHandoffRejected, observability.SeverityAlert, map[string]any{
			"event": "decline", "from": "under_review", "to": "rejected", "actor": "agent-b",
		})
	msg, ok = MessageFromRecord(rec)
	require.True(t, ok)
	tr := msg.(*HandoffTransitioned)
	assert.Equal(t, "rejected", tr.To)
	assert.Equal(t, "agent-b", tr.Actor)

	rec = observability.NewRecord(observability.EntityWorkflow, "wf_1",
		observability.EventWorkflowStatusChanged, observability.SeverityAlert, map[string]any{
			"status": "blocked", "current_stage": "design", "exception_id": "exc_2",
		})
	msg, ok = MessageFromRecord(rec)
	require.True(t, ok)
	assert.Equal(t, "design", msg.(*WorkflowStatusChanged).Stage)

	_, ok = MessageFromRecord(observability.NewRecord(observability.EntityWorkflow, "wf_1",
		observability.EventWorkflowAdvanced, "", nil))
	assert.False(t, ok)
}

func TestSupervisorRelay(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	got := make(chan *NotifySupervisors, 1)
	require.NoError(t, bus.RegisterHandler("NotifySupervisors", func(ctx context.Context, msg Message) (any, error) {
		got <- msg.(*NotifySupervisors)
		return nil, nil
	}))
	stop := NewSupervisorRelay(bus, []string{"account-lead"}, nil).Start()
	defer stop()

	sink := NewRecordSink(bus)
	assert.Equal(t, "commbus", sink.Name())
	require.NoError(t, sink.Deliver(ctx, escalationRecord()))

	select {
	case cmd := <-got:
		assert.Equal(t, []string{"account-lead"}, cmd.Supervisors)
		assert.Equal(t, "exc_1", cmd.ExceptionID)
		assert.True(t, strings.HasPrefix(cmd.Summary, "resource exception exc_1 on handoff ho_1 (missing brief)"))
	case <-time.After(time.Second):
		t.Fatal("supervisors were not notified")
	}
}

func TestSupervisorRelay_NoSupervisors(t *testing.T) {
	bus := newTestBus()
	logger := &captureLogger{}
	NewSupervisorRelay(bus, nil, logger).Start()

	require.NoError(t, bus.Publish(context.Background(), &ExceptionEscalated{ExceptionID: "exc_1"}))
	assert.True(t, logger.has("escalation_without_supervisors"))
}

type mapReader map[string]*handoff.Handoff

func (m mapReader) GetHandoff(_ context.Context, id string) (*handoff.Handoff, error) {
	h, ok := m[id]
	if !ok {
		return nil, handoff.NewNotFoundError("handoff", id)
	}
	return h, nil
}

func TestRegisterStatusQuery(t *testing.T) {
	bus := newTestBus()
	reader := mapReader{"ho_1": {ID: "ho_1", State: handoff.StateAccepted, TargetAgent: "agent-b", Version: 4}}
	require.NoError(t, RegisterStatusQuery(bus, reader))

	res, err := bus.QuerySync(context.Background(), &GetHandoffStatus{HandoffID: "ho_1"})
	require.NoError(t, err)
	assert.Equal(t, &HandoffStatusResponse{
		HandoffID: "ho_1", Found: true, State: "accepted", TargetAgent: "agent-b", Version: 4,
	}, res)

	res, err = bus.QuerySync(context.Background(), &GetHandoffStatus{HandoffID: "ho_missing"})
	require.NoError(t, err)
	assert.False(t, res.(*HandoffStatusResponse).Found)
}

func TestRegisterHealthQuery(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()
	require.NoError(t, RegisterHealthQuery(bus, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
		"nats":  func(context.Context) error { return errors.New("not connected") },
	}))

	got, err := bus.QuerySync(ctx, &HealthCheckRequest{Component: "store"})
	require.NoError(t, err)
	assert.Equal(t, HealthStatusHealthy, got.(*HealthCheckResponse).Status)

	got, err = bus.QuerySync(ctx, &HealthCheckRequest{Component: "nats"})
	require.NoError(t, err)
	resp := got.(*HealthCheckResponse)
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, "not connected", resp.Details["error"])

	_, err = bus.QuerySync(ctx, &HealthCheckRequest{Component: "cache"})
	assert.ErrorContains(t, err, "unknown component")
}
