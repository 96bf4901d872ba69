package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/store"
)

// =============================================================================
// FIXTURE TESTS
// =============================================================================

func TestCampaignGraph_Validates(t *testing.T) {
	g := CampaignGraph()
	require.NoError(t, g.Validate())
	assert.True(t, g.IsIterative("design"))
	assert.True(t, g.IsFinal("launch"))
}

func TestNewCampaignKernel_RunsToLaunch(t *testing.T) {
	ctx := context.Background()
	k, err := NewCampaignKernel()
	require.NoError(t, err)
	graph, err := k.Graph("campaign")
	require.NoError(t, err)

	wf, err := k.StartWorkflow(ctx, "camp-1", graph, nil)
	require.NoError(t, err)

	var stages []string
	for {
		h, err := k.Advance(ctx, wf.ID)
		require.NoError(t, err)
		if h == nil {
			break
		}
		stages = append(stages, h.Context.Stage)
		_, err = Drive(ctx, k, h.ID, h.TargetAgent, WorkEvents...)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"brief", "design", "review", "launch"}, stages)

	got, err := k.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, handoff.WorkflowCompleted, got.Status)
}

func TestDrive_StopsAtFirstError(t *testing.T) {
	ctx := context.Background()
	k, err := NewCampaignKernel()
	require.NoError(t, err)

	h, err := k.CreateHandoff(ctx, "strategist", "designer", "", "", "adhoc", ValidPayload(), 2)
	require.NoError(t, err)

	_, err = Drive(ctx, k, h.ID, "designer", kernel.EventSubmit, kernel.EventComplete)
	require.Error(t, err)
	assert.ErrorIs(t, err, handoff.ErrIllegalTransition)
	assert.Contains(t, err.Error(), "complete")
}

// =============================================================================
// RECORDING LOGGER TESTS
// =============================================================================

func TestRecordingLogger(t *testing.T) {
	l := NewRecordingLogger()
	l.Info("started", "port", 8080)
	l.Warn("slow", "ms", 12)
	l.Warn("slow", "ms", 40)

	assert.True(t, l.Has("started"))
	assert.False(t, l.Has("stopped"))
	assert.Equal(t, 2, l.Count("warn"))

	call, ok := l.Find("slow")
	require.True(t, ok)
	assert.Equal(t, 12, call.Fields["ms"])
}

// =============================================================================
// RECORDING SINK TESTS
// =============================================================================

func TestRecordingSink_ThroughEmitter(t *testing.T) {
	logger := NewRecordingLogger()
	good := NewRecordingSink("good")
	bad := NewRecordingSink("bad").WithError(errors.New("sink offline"))

	e := observability.NewEmitter(logger, 16)
	e.AddSink(good)
	e.AddSink(bad)
	e.Start()
	defer e.Close(context.Background())

	e.Emit(observability.NewRecord(observability.EntityHandoff, "ho_1", observability.EventHandoffCreated, "", nil))
	e.Emit(observability.NewRecord(observability.EntityHandoff, "ho_1", observability.EventHandoffTransitioned, "", nil))
	require.NoError(t, e.Flush(context.Background()))

	assert.Equal(t, []string{observability.EventHandoffCreated, observability.EventHandoffTransitioned}, good.EventTypes())
	assert.Empty(t, bad.Records())
	assert.Equal(t, 2, logger.Count("warn"))
	call, ok := logger.Find("event_delivery_failed")
	require.True(t, ok)
	assert.Equal(t, "bad", call.Fields["sink"])
}

func TestRecordingSink_DelayHonoursContext(t *testing.T) {
	s := NewRecordingSink("slow").WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Deliver(ctx, observability.Record{EventType: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.Records())
}

// =============================================================================
// FLAKY STORE TESTS
// =============================================================================

func TestFlakyStore_DeferredWorkflowEventIsReconciled(t *testing.T) {
	ctx := context.Background()
	logger := NewRecordingLogger()
	flaky := NewFlakyStore(store.NewMemoryStore())
	k, err := NewCampaignKernel(kernel.WithStore(flaky), kernel.WithLogger(logger))
	require.NoError(t, err)
	graph, err := k.Graph("campaign")
	require.NoError(t, err)

	wf, err := k.StartWorkflow(ctx, "camp-1", graph, nil)
	require.NoError(t, err)
	brief, err := k.Advance(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, brief)

	// The completion succeeds even though its workflow update is lost.
	flaky.FailWorkflowSaves(1, errors.New("disk full"))
	done, err := Drive(ctx, k, brief.ID, "strategist", WorkEvents...)
	require.NoError(t, err)
	assert.Equal(t, handoff.StateCompleted, done.State)
	assert.True(t, logger.Has("workflow_event_deferred"))

	stale, err := k.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, stale.Path)

	design, err := k.Advance(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, design)
	assert.Equal(t, "design", design.Context.Stage)

	got, err := k.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got.Path, 1)
	assert.Equal(t, "brief", got.Path[0].Stage)
}
