package stagegraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearGraph() *Graph {
	return &Graph{
		Name: "linear",
		Stages: []*Stage{
			{Name: "A", Capability: "brief", Successors: []Transition{{To: "B"}}},
			{Name: "B", Capability: "design", Successors: []Transition{{To: "C"}}},
			{Name: "C", Capability: "review"},
		},
	}
}

func TestGraphValidate(t *testing.T) {
	t.Run("linear graph", func(t *testing.T) {
		g := linearGraph()
		require.NoError(t, g.Validate())
		assert.Equal(t, "A", g.Start)
		assert.Equal(t, []string{"A", "B", "C"}, g.TopologicalOrder())
		assert.Equal(t, SelectFirst, g.Stages[0].SelectionRule)
	})

	t.Run("missing name", func(t *testing.T) {
		g := linearGraph()
		g.Name = ""
		err := g.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("unknown successor", func(t *testing.T) {
		g := linearGraph()
		g.Stages[2].Successors = []Transition{{To: "Z"}}
		err := g.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown stage 'Z'")
	})

	t.Run("duplicate stage", func(t *testing.T) {
		g := linearGraph()
		g.Stages = append(g.Stages, &Stage{Name: "A", Capability: "x"})
		err := g.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate stage name")
	})

	t.Run("missing capability", func(t *testing.T) {
		g := linearGraph()
		g.Stages[1].Capability = ""
		require.Error(t, g.Validate())
	})

	t.Run("cycle without iterative stage", func(t *testing.T) {
		g := linearGraph()
		g.Stages[2].Successors = []Transition{{To: "B"}}
		err := g.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("cycle through iterative stage", func(t *testing.T) {
		g := linearGraph()
		g.Stages[1].Iterative = true
		g.Stages[1].MaxIterations = 2
		g.Stages[2].Successors = []Transition{{To: "B"}}
		require.NoError(t, g.Validate())
	})

	t.Run("self loop requires iterative", func(t *testing.T) {
		g := linearGraph()
		g.Stages[1].Successors = append(g.Stages[1].Successors, Transition{To: "B"})
		err := g.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not iterative")

		g.Stages[1].Iterative = true
		require.NoError(t, g.Validate())
	})

	t.Run("unreachable stage", func(t *testing.T) {
		g := linearGraph()
		g.Stages = append(g.Stages, &Stage{Name: "D", Capability: "x"})
		err := g.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unreachable")
	})

	t.Run("unknown selection rule", func(t *testing.T) {
		g := linearGraph()
		g.Stages[0].SelectionRule = "random"
		require.Error(t, g.Validate())
	})

	t.Run("invalid condition", func(t *testing.T) {
		g := linearGraph()
		g.Stages[0].Successors[0].When = &Condition{Path: "x"}
		require.Error(t, g.Validate())
	})
}

func TestGraphQueries(t *testing.T) {
	g := linearGraph()
	require.NoError(t, g.Validate())

	assert.True(t, g.IsLegalSuccessor("", "A"))
	assert.False(t, g.IsLegalSuccessor("", "B"))
	assert.True(t, g.IsLegalSuccessor("A", "B"))
	assert.False(t, g.IsLegalSuccessor("A", "C"))
	assert.True(t, g.IsFinal("C"))
	assert.False(t, g.IsFinal("A"))

	capability, ok := g.CapabilityFor("B")
	assert.True(t, ok)
	assert.Equal(t, "design", capability)

	_, ok = g.Stage("missing")
	assert.False(t, ok)
}

func TestGraphLookupWithoutValidate(t *testing.T) {
	g := linearGraph()
	s, ok := g.Stage("B")
	require.True(t, ok)
	assert.Equal(t, "design", s.Capability)
	assert.Equal(t, "A", g.StartStage())
}


func TestGraphClone(t *testing.T) {
	g := linearGraph()
	g.Stages[0].Successors[0].When = &Condition{Path: "budget", In: []any{"low", "high"}}
	g.Stages[0].Deliverables = []DeliverableTemplate{{Name: "brief", Format: "pdf"}}
	require.NoError(t, g.Validate())

	c := g.Clone()
	assert.Nil(t, c.TopologicalOrder())
	require.NoError(t, c.Validate())
	assert.Equal(t, g.TopologicalOrder(), c.TopologicalOrder())

	c.Stages[0].Capability = "changed"
	c.Stages[0].Successors[0].To = "C"
	c.Stages[0].Successors[0].When.In[0] = "none"
	c.Stages[0].Deliverables[0].Format = "docx"

	assert.Equal(t, "brief", g.Stages[0].Capability)
	assert.Equal(t, "B", g.Stages[0].Successors[0].To)
	assert.Equal(t, "low", g.Stages[0].Successors[0].When.In[0])
	assert.Equal(t, "pdf", g.Stages[0].Deliverables[0].Format)

	s, ok := g.Stage("A")
	require.True(t, ok)
	assert.Same(t, g.Stages[0], s)

	assert.Nil(t, (*Graph)(nil).Clone())
}

func TestGraphCloneLeavesSourceUnvalidated(t *testing.T) {
	g := linearGraph()
	c := g.Clone()
	require.NoError(t, c.Validate())

	assert.Empty(t, g.Start)
	assert.Empty(t, g.Stages[0].SelectionRule)
	assert.Equal(t, SelectFirst, c.Stages[0].SelectionRule)
}
