// Package agents provides the agent registry - the kernel's capability matcher.
//
// Agents are opaque identifiers with declared capabilities. The registry
// answers two questions: which agent should take a stage, and does an agent
// declare a capability.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
)

// Agent is a registered agent.
type Agent struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	// Priority orders candidates under the "first" rule; lower wins.
	Priority  int  `json:"priority"`
	Available bool `json:"available"`

	seq int
}

// Has reports whether the agent declares capability.
func (a *Agent) Has(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Registry is a concurrency-safe agent directory.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	// round-robin cursor per capability
	cursor map[string]int
	seq    int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		cursor: make(map[string]int),
	}
}

// FromSpecs builds a registry from configuration.
func FromSpecs(specs []config.AgentSpec) (*Registry, error) {
	r := NewRegistry()
	for _, s := range specs {
		if err := r.Register(s.ID, s.Priority, s.Capabilities...); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces an agent. Re-registering keeps its position.
func (r *Registry) Register(id string, priority int, capabilities ...string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("agent id is required")
	}
	if len(capabilities) == 0 {
		return fmt.Errorf("agent '%s' declares no capabilities", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.seq
	if existing, ok := r.agents[id]; ok {
		seq = existing.seq
	} else {
		r.seq++
	}
	r.agents[id] = &Agent{
		ID:           id,
		Capabilities: append([]string(nil), capabilities...),
		Priority:     priority,
		Available:    true,
		seq:          seq,
	}
	return nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	return ok
}

// SetAvailable marks an agent as able or unable to take new work.
func (r *Registry) SetAvailable(id string, available bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if ok {
		a.Available = available
	}
	return ok
}

// Get returns a copy of a registered agent.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return c, true
}

// List returns every agent ordered by priority, then registration.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.sorted() {
		c := *a
		c.Capabilities = append([]string(nil), a.Capabilities...)
		out = append(out, c)
	}
	return out
}

// sorted must be called with mu held.
func (r *Registry) sorted() []*Agent {
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// HasCapability reports whether agentID is registered with capability.
func (r *Registry) HasCapability(agentID, capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return ok && a.Has(capability)
}

// FindAgent picks an available agent declaring capability that is not
// excluded. The "first" rule returns the best-priority candidate;
// "round_robin" rotates across candidates on every call.
func (r *Registry) FindAgent(_ context.Context, capability string, c kernel.Constraints) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Agent
	for _, a := range r.sorted() {
		if a.Available && a.Has(capability) && !c.Excludes(a.ID) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	if c.Rule == stagegraph.SelectRoundRobin {
		i := r.cursor[capability] % len(candidates)
		r.cursor[capability] = i + 1
		return candidates[i].ID, true
	}
	return candidates[0].ID, true
}
