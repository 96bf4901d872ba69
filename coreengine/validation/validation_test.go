package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
)

type mapResolver map[string]*handoff.Artifact

func (m mapResolver) Resolve(_ context.Context, id string) (*handoff.Artifact, error) {
	if a, ok := m[id]; ok {
		return a, nil
	}
	return nil, handoff.NewNotFoundError("artifact", id)
}

type brokenResolver struct{}

func (brokenResolver) Resolve(context.Context, string) (*handoff.Artifact, error) {
	return nil, errors.New("connection refused")
}

type directory map[string][]string

func (d directory) HasCapability(agentID, capability string) bool {
	for _, c := range d[agentID] {
		if c == capability {
			return true
		}
	}
	return false
}

func testGraph(t *testing.T) *stagegraph.Graph {
	t.Helper()
	g := &stagegraph.Graph{
		Name: "campaign",
		Stages: []*stagegraph.Stage{
			{Name: "brief", Capability: "strategy", Successors: []stagegraph.Transition{{To: "creative_review"}}},
			{Name: "creative_review", Capability: "review", Successors: []stagegraph.Transition{{To: "launch"}}},
			{Name: "launch", Capability: "media"},
		},
	}
	require.NoError(t, g.Validate())
	return g
}

func newHandoff(t *testing.T, stage string, payload handoff.Payload, opts ...handoff.Option) *handoff.Handoff {
	t.Helper()
	h, err := handoff.New("agent-a", "agent-b", "wf-1", "camp-1", stage, payload, 3, opts...)
	require.NoError(t, err)
	return h
}

func validPayload() handoff.Payload {
	return handoff.Payload{
		TaskDescription: "Review creative",
		Deliverables:    []handoff.DeliverableSpec{{Format: "pdf"}},
	}
}

func TestValidate_Passes(t *testing.T) {
	e := NewEngine()
	h := newHandoff(t, "creative_review", validPayload())

	r := e.Validate(context.Background(), h, nil)
	assert.True(t, r.Passed())
	assert.True(t, r.Completeness)
	assert.True(t, r.Consistency)
	assert.True(t, r.Quality)
	assert.True(t, r.Context)
}

func TestValidate_MissingTaskDescription(t *testing.T) {
	e := NewEngine()
	p := validPayload()
	p.TaskDescription = ""
	h := newHandoff(t, "creative_review", p)

	r := e.Validate(context.Background(), h, nil)
	assert.False(t, r.Passed())
	assert.False(t, r.Completeness)
	assert.True(t, r.Quality)

	violations := r.ByCategory(CategoryCompleteness)
	require.Len(t, violations, 1)
	assert.Equal(t, "task_description", violations[0].Field)
	assert.Equal(t, CodeMissingField, violations[0].Code)
}

func TestValidate_AggregatesAllCategories(t *testing.T) {
	e := NewEngine()
	now := time.Now().UTC()
	p := handoff.Payload{
		Deliverables: []handoff.DeliverableSpec{{Name: "deck"}},
		Constraints: []handoff.Constraint{
			{Key: "budget", Value: "10000"},
			{Key: "budget", Value: "5000"},
			{Key: "budget", Value: "2000"},
		},
	}
	h := newHandoff(t, "launch", p, handoff.WithPreviousStages(
		handoff.StageRecord{Name: "brief", CompletedAt: now},
		handoff.StageRecord{Name: "creative_review", CompletedAt: now.Add(-time.Hour)},
	))
	graph := testGraph(t)

	r := e.Validate(context.Background(), h, graph)
	assert.False(t, r.Completeness)
	assert.False(t, r.Consistency)
	assert.False(t, r.Quality)
	assert.False(t, r.Context)

	codes := map[string]int{}
	for _, v := range r.Violations {
		codes[v.Code]++
	}
	assert.Equal(t, 1, codes[CodeMissingField])
	assert.Equal(t, 1, codes[CodeConstraintConflict], "one violation per conflicting key")
	assert.Equal(t, 1, codes[CodeMissingFormat])
	assert.Equal(t, 1, codes[CodeStageOrder])
}

func TestValidate_StageGraph(t *testing.T) {
	e := NewEngine()
	graph := testGraph(t)
	now := time.Now().UTC()

	t.Run("start stage without history", func(t *testing.T) {
		r := e.Validate(context.Background(), newHandoff(t, "brief", validPayload()), graph)
		assert.True(t, r.Passed(), "%v", r.Violations)
	})

	t.Run("legal successor", func(t *testing.T) {
		h := newHandoff(t, "creative_review", validPayload(),
			handoff.WithPreviousStages(handoff.StageRecord{Name: "brief", CompletedAt: now}))
		assert.True(t, e.Validate(context.Background(), h, graph).Passed())
	})

	t.Run("skipped stage", func(t *testing.T) {
		h := newHandoff(t, "launch", validPayload(),
			handoff.WithPreviousStages(handoff.StageRecord{Name: "brief", CompletedAt: now}))
		r := e.Validate(context.Background(), h, graph)
		require.Len(t, r.Violations, 1)
		assert.Equal(t, CodeIllegalSuccessor, r.Violations[0].Code)
		assert.False(t, r.Consistency)
	})

	t.Run("non start stage without history", func(t *testing.T) {
		r := e.Validate(context.Background(), newHandoff(t, "launch", validPayload()), graph)
		require.Len(t, r.Violations, 1)
		assert.Contains(t, r.Violations[0].Message, "start stage")
	})

	t.Run("unknown stage", func(t *testing.T) {
		r := e.Validate(context.Background(), newHandoff(t, "nowhere", validPayload()), graph)
		require.Len(t, r.Violations, 1)
		assert.Equal(t, CodeUnknownCapability, r.Violations[0].Code)
	})

	t.Run("capability mismatch", func(t *testing.T) {
		h := newHandoff(t, "brief", validPayload(), handoff.WithCapability("media"))
		r := e.Validate(context.Background(), h, graph)
		require.Len(t, r.Violations, 1)
		assert.Equal(t, "target_capability", r.Violations[0].Field)
	})
}

func TestValidate_StageRepeat(t *testing.T) {
	now := time.Now().UTC()
	g := &stagegraph.Graph{
		Name: "loop",
		Stages: []*stagegraph.Stage{
			{Name: "brief", Capability: "strategy", Successors: []stagegraph.Transition{{To: "draft"}}},
			{Name: "draft", Capability: "copy", Iterative: true, Successors: []stagegraph.Transition{{To: "draft"}, {To: "ship"}}},
			{Name: "ship", Capability: "media"},
		},
	}
	require.NoError(t, g.Validate())
	e := NewEngine()

	iterative := newHandoff(t, "draft", validPayload(), handoff.WithPreviousStages(
		handoff.StageRecord{Name: "brief", CompletedAt: now},
		handoff.StageRecord{Name: "draft", CompletedAt: now.Add(time.Minute)},
	))
	assert.True(t, e.Validate(context.Background(), iterative, g).Passed())

	repeated := newHandoff(t, "ship", validPayload(), handoff.WithPreviousStages(
		handoff.StageRecord{Name: "brief", CompletedAt: now},
		handoff.StageRecord{Name: "brief", CompletedAt: now.Add(time.Minute)},
	))
	r := e.Validate(context.Background(), repeated, nil)
	require.Len(t, r.ByCategory(CategoryContext), 1)
	assert.Equal(t, CodeStageRepeat, r.ByCategory(CategoryContext)[0].Code)
}

func TestValidate_Artifacts(t *testing.T) {
	resolver := mapResolver{
		"art-ok":    {ID: "art-ok", SizeBytes: 2048, FieldCount: 12},
		"art-small": {ID: "art-small", SizeBytes: 10, FieldCount: 1},
	}
	e := NewEngine(
		WithArtifactResolver(resolver),
		WithQualityPolicy(config.QualityPolicy{MinArtifactSizeBytes: 100, MinArtifactFields: 5}),
	)

	p := validPayload()
	p.InputArtifacts = []handoff.ArtifactRef{{ID: "art-ok"}, {ID: "art-missing"}}
	p.OutputArtifacts = []handoff.ArtifactRef{{ID: "art-small"}}
	h := newHandoff(t, "creative_review", p)

	r := e.Validate(context.Background(), h, nil)
	completeness := r.ByCategory(CategoryCompleteness)
	require.Len(t, completeness, 1)
	assert.Equal(t, CodeArtifactNotFound, completeness[0].Code)
	assert.Equal(t, "art-missing", completeness[0].Resource)
	assert.Equal(t, "input_artifacts[1]", completeness[0].Field)

	quality := r.ByCategory(CategoryQuality)
	require.Len(t, quality, 2)
	for _, v := range quality {
		assert.Equal(t, CodeArtifactTooSmall, v.Code)
		assert.Equal(t, "artifact.art-small", v.Field)
	}
}

func TestValidate_ArtifactStoreUnavailable(t *testing.T) {
	e := NewEngine(WithArtifactResolver(brokenResolver{}))
	p := validPayload()
	p.InputArtifacts = []handoff.ArtifactRef{{ID: "art-1"}}

	r := e.Validate(context.Background(), newHandoff(t, "s", p), nil)
	require.Len(t, r.Violations, 1)
	assert.Equal(t, CodeArtifactUnavailable, r.Violations[0].Code)
}

func TestValidate_CapabilityDirectory(t *testing.T) {
	e := NewEngine(WithCapabilityDirectory(directory{"agent-b": {"review"}}))
	graph := testGraph(t)
	now := time.Now().UTC()

	ok := newHandoff(t, "creative_review", validPayload(),
		handoff.WithPreviousStages(handoff.StageRecord{Name: "brief", CompletedAt: now}))
	assert.True(t, e.Validate(context.Background(), ok, graph).Passed())

	bad := newHandoff(t, "brief", validPayload())
	r := e.Validate(context.Background(), bad, graph)
	require.Len(t, r.Violations, 1)
	assert.Equal(t, "target_agent", r.Violations[0].Field)
}
