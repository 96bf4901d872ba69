// Package stagegraph models campaign workflows as directed graphs of stages.
//
// A Graph is plain data until Validate builds its lookup index. Validate
// writes to the graph, so a graph shared between goroutines is validated
// once and then only read; callers that need a private copy use Clone.
package stagegraph

import (
	"fmt"
	"sort"
)

// SelectionRule decides which agent receives a stage when several share the capability.
type SelectionRule string

const (
	SelectFirst      SelectionRule = "first"       // Highest priority registered agent
	SelectRoundRobin SelectionRule = "round_robin" // Rotate across capable agents
)

// Transition is an edge to a successor stage, optionally guarded by a condition.
type Transition struct {
	To   string     `json:"to" yaml:"to"`
	When *Condition `json:"when,omitempty" yaml:"when,omitempty"`
}

// DeliverableTemplate is copied into every handoff created for the stage.
type DeliverableTemplate struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Format      string `json:"format" yaml:"format"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Stage describes one node of a campaign workflow.
type Stage struct {
	Name          string        `json:"name" yaml:"name"`
	Capability    string        `json:"capability" yaml:"capability"`
	SelectionRule SelectionRule `json:"selection_rule,omitempty" yaml:"selection_rule,omitempty"`
	Successors    []Transition  `json:"successors,omitempty" yaml:"successors,omitempty"`

	// Iterative stages may be revisited, up to MaxIterations runs.
	Iterative     bool `json:"iterative,omitempty" yaml:"iterative,omitempty"`
	MaxIterations int  `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// Handoff template
	TaskDescription          string                `json:"task_description,omitempty" yaml:"task_description,omitempty"`
	Deliverables             []DeliverableTemplate `json:"deliverables,omitempty" yaml:"deliverables,omitempty"`
	Priority                 int                   `json:"priority,omitempty" yaml:"priority,omitempty"`
	ExpectedCompletionSecond int                   `json:"expected_completion_seconds,omitempty" yaml:"expected_completion_seconds,omitempty"`
	RequiresHumanApproval    bool                  `json:"requires_human_approval,omitempty" yaml:"requires_human_approval,omitempty"`
}

// Graph is a small directed graph of stages for one campaign type.
type Graph struct {
	Name   string   `json:"name" yaml:"name"`
	Start  string   `json:"start" yaml:"start"`
	Stages []*Stage `json:"stages" yaml:"stages"`

	// Computed at validation time
	index            map[string]*Stage
	topologicalOrder []string
}

// Clone returns a deep copy of the graph. The copy carries no index until
// it is validated.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	c := &Graph{Name: g.Name, Start: g.Start}
	if g.Stages != nil {
		c.Stages = make([]*Stage, len(g.Stages))
	}
	for i, s := range g.Stages {
		c.Stages[i] = s.clone()
	}
	return c
}

func (s *Stage) clone() *Stage {
	if s == nil {
		return nil
	}
	c := *s
	c.Deliverables = append([]DeliverableTemplate(nil), s.Deliverables...)
	if s.Successors != nil {
		c.Successors = make([]Transition, len(s.Successors))
		for i, t := range s.Successors {
			c.Successors[i] = Transition{To: t.To, When: t.When.clone()}
		}
	}
	return &c
}

// Validate checks stage names, successor references and cycles.
// Cycles are legal only when every cycle passes through an iterative stage.
func (g *Graph) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("stage graph name is required")
	}
	if len(g.Stages) == 0 {
		return fmt.Errorf("stage graph '%s' has no stages", g.Name)
	}

	g.index = make(map[string]*Stage, len(g.Stages))
	for _, s := range g.Stages {
		if s == nil || s.Name == "" {
			return fmt.Errorf("stage graph '%s' has a stage without a name", g.Name)
		}
		if s.Capability == "" {
			return fmt.Errorf("stage '%s' has no capability", s.Name)
		}
		if _, dup := g.index[s.Name]; dup {
			return fmt.Errorf("duplicate stage name: %s", s.Name)
		}
		if s.MaxIterations < 0 {
			return fmt.Errorf("stage '%s' max_iterations must be >= 0", s.Name)
		}
		if s.Priority < 0 || s.Priority > 5 {
			return fmt.Errorf("stage '%s' priority must be between 1 and 5", s.Name)
		}
		switch s.SelectionRule {
		case "":
			s.SelectionRule = SelectFirst
		case SelectFirst, SelectRoundRobin:
		default:
			return fmt.Errorf("stage '%s' has unknown selection_rule '%s'", s.Name, s.SelectionRule)
		}
		g.index[s.Name] = s
	}

	if g.Start == "" {
		g.Start = g.Stages[0].Name
	}
	if _, ok := g.index[g.Start]; !ok {
		return fmt.Errorf("start stage '%s' not found", g.Start)
	}

	for _, s := range g.Stages {
		for _, t := range s.Successors {
			target, ok := g.index[t.To]
			if !ok {
				return fmt.Errorf("stage '%s' routes to unknown stage '%s'", s.Name, t.To)
			}
			if t.To == s.Name && !target.Iterative {
				return fmt.Errorf("stage '%s' loops to itself but is not iterative", s.Name)
			}
			if t.When != nil {
				if err := t.When.Validate(); err != nil {
					return fmt.Errorf("stage '%s' -> '%s': %w", s.Name, t.To, err)
				}
			}
		}
	}

	if err := g.sortStages(); err != nil {
		return err
	}
	return g.checkReachable()
}

// sortStages runs Kahn's algorithm over the graph with edges into iterative
// stages removed. Any remaining cycle has no iterative stage on it.
func (g *Graph) sortStages() error {
	inDegree := make(map[string]int, len(g.Stages))
	adjacency := make(map[string][]string, len(g.Stages))
	for _, s := range g.Stages {
		inDegree[s.Name] += 0
		for _, t := range s.Successors {
			if g.index[t.To].Iterative && g.reaches(t.To, s.Name) {
				continue // back-edge into a loop
			}
			adjacency[s.Name] = append(adjacency[s.Name], t.To)
			inDegree[t.To]++
		}
	}

	queue := make([]string, 0)
	for _, s := range g.Stages {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	order := make([]string, 0, len(g.Stages))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)
		for _, next := range adjacency[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(g.Stages) {
		cycle := []string{}
		for name, degree := range inDegree {
			if degree > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return fmt.Errorf("cycle without an iterative stage involving: %v", cycle)
	}
	g.topologicalOrder = order
	return nil
}

// reaches reports whether to is reachable from from.
func (g *Graph) reaches(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, t := range g.index[cur].Successors {
			stack = append(stack, t.To)
		}
	}
	return false
}

func (g *Graph) checkReachable() error {
	var unreachable []string
	for _, s := range g.Stages {
		if !g.reaches(g.Start, s.Name) {
			unreachable = append(unreachable, s.Name)
		}
	}
	if len(unreachable) > 0 {
		return fmt.Errorf("stages unreachable from '%s': %v", g.Start, unreachable)
	}
	return nil
}

// Stage returns the named stage definition.
func (g *Graph) Stage(name string) (*Stage, bool) {
	if g.index != nil {
		s, ok := g.index[name]
		return s, ok
	}
	for _, s := range g.Stages {
		if s != nil && s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// StartStage returns the name of the first stage.
func (g *Graph) StartStage() string {
	if g.Start == "" && len(g.Stages) > 0 {
		return g.Stages[0].Name
	}
	return g.Start
}

// Successors returns the outgoing transitions of a stage.
func (g *Graph) Successors(name string) []Transition {
	s, ok := g.Stage(name)
	if !ok {
		return nil
	}
	return s.Successors
}

// IsLegalSuccessor reports whether to may directly follow from.
// An empty from means to must be the start stage.
func (g *Graph) IsLegalSuccessor(from, to string) bool {
	if from == "" {
		return to == g.StartStage()
	}
	for _, t := range g.Successors(from) {
		if t.To == to {
			return true
		}
	}
	return false
}

// IsIterative reports whether the stage may repeat.
func (g *Graph) IsIterative(name string) bool {
	s, ok := g.Stage(name)
	return ok && s.Iterative
}

// IsFinal reports whether the stage has no successors.
func (g *Graph) IsFinal(name string) bool {
	return len(g.Successors(name)) == 0
}

// CapabilityFor returns the capability required by a stage.
func (g *Graph) CapabilityFor(name string) (string, bool) {
	s, ok := g.Stage(name)
	if !ok {
		return "", false
	}
	return s.Capability, true
}

// TopologicalOrder returns the order computed by Validate.
func (g *Graph) TopologicalOrder() []string {
	return g.topologicalOrder
}

