package natsbus

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
)

func startServer(t *testing.T, jetStream bool) *Server {
	t.Helper()
	cfg := config.NATSConfig{Host: "127.0.0.1", Port: natsserver.RANDOM_PORT}
	if jetStream {
		cfg.DataDir = t.TempDir()
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Connect(srv.ClientURL(), "handoffd-test", nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func receive(t *testing.T, ch <-chan observability.Record) observability.Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for record")
		return observability.Record{}
	}
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "handoff.events.handoff", SubjectFor(observability.EntityHandoff))
	assert.Equal(t, "handoff.events.workflow", SubjectFor(observability.EntityWorkflow))
}

func TestPublishRecord_EntityAndAlertSubjects(t *testing.T) {
	srv := startServer(t, false)
	c := connect(t, srv)

	events := make(chan observability.Record, 4)
	alerts := make(chan observability.Record, 4)
	_, err := c.SubscribeRecords(SubjectEventsAll, func(r observability.Record) { events <- r })
	require.NoError(t, err)
	_, err = c.SubscribeRecords(SubjectAlerts, func(r observability.Record) { alerts <- r })
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	info := observability.NewRecord(observability.EntityHandoff, "ho_1",
		observability.EventHandoffTransitioned, observability.SeverityInfo, map[string]any{"to": "in_transit"})
	alert := observability.NewRecord(observability.EntityException, "exc_1",
		observability.EventExceptionEscalated, observability.SeverityAlert, map[string]any{"category": "resource"})

	require.NoError(t, c.PublishRecord(info))
	require.NoError(t, c.PublishRecord(alert))
	require.NoError(t, c.Flush())

	got := receive(t, events)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, "in_transit", got.PayloadString("to"))
	assert.Equal(t, alert.ID, receive(t, events).ID)

	gotAlert := receive(t, alerts)
	assert.Equal(t, "exc_1", gotAlert.EntityID)
	assert.True(t, gotAlert.IsAlert())

	select {
	case extra := <-alerts:
		t.Fatalf("unexpected alert %s", extra.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSink_ThroughEmitter(t *testing.T) {
	srv := startServer(t, false)
	c := connect(t, srv)

	workflows := make(chan observability.Record, 1)
	_, err := c.SubscribeRecords(SubjectFor(observability.EntityWorkflow), func(r observability.Record) { workflows <- r })
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	emitter := observability.NewEmitter(nil, 8)
	sink := NewSink(c)
	assert.Equal(t, "nats", sink.Name())
	emitter.AddSink(sink)
	emitter.Start()
	t.Cleanup(func() { _ = emitter.Close(context.Background()) })

	emitter.Emit(observability.NewRecord(observability.EntityWorkflow, "wf_1",
		observability.EventWorkflowStarted, "", map[string]any{"graph": "campaign"}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, emitter.Flush(ctx))

	rec := receive(t, workflows)
	assert.Equal(t, "wf_1", rec.EntityID)
	assert.Equal(t, "campaign", rec.PayloadString("graph"))
}

func TestEnsureStream_RetainsRecords(t *testing.T) {
	srv := startServer(t, true)
	c := connect(t, srv)
	ctx := context.Background()

	stream, err := c.EnsureStream(ctx, "HANDOFF_EVENTS", time.Hour)
	require.NoError(t, err)

	// Idempotent.
	_, err = c.EnsureStream(ctx, "HANDOFF_EVENTS", time.Hour)
	require.NoError(t, err)

	require.NoError(t, c.PublishRecord(observability.NewRecord(observability.EntityException, "exc_1",
		observability.EventExceptionEscalated, observability.SeverityAlert, nil)))
	require.NoError(t, c.Flush())

	require.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "handoffd-test", nil)
	assert.Error(t, err)
}
