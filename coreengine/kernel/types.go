// Package kernel implements the handoff protocol core.
//
// Key concepts:
//   - Machine: the handoff FSM (submit -> ... -> completed | rejected)
//   - Resolver: exception classification and the bounded resolution loop
//   - Orchestrator: stage graph traversal for campaign workflows
//   - Kernel: the facade that serializes per-id work, persists state and
//     emits observability records
package kernel

import (
	"context"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/validation"
)

// Logger is the key/value logger used throughout the kernel.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Events
// =============================================================================

// Event is an input to the handoff state machine.
type Event string

const (
	EventSubmit               Event = "submit"
	EventDeliverAck           Event = "deliver_ack"
	EventAccept               Event = "accept"
	EventRequestClarification Event = "request_clarification"
	EventSupplyClarification  Event = "supply_clarification"
	EventStartWork            Event = "start_work"
	EventComplete             Event = "complete"
	EventFail                 Event = "fail"
	EventDecline              Event = "decline"
	EventCancel               Event = "cancel"
)

// AllEvents lists every machine event.
var AllEvents = []Event{
	EventSubmit, EventDeliverAck, EventAccept, EventRequestClarification,
	EventSupplyClarification, EventStartWork, EventComplete, EventFail,
	EventDecline, EventCancel,
}

// IsValid returns true for known events.
func (e Event) IsValid() bool {
	for _, known := range AllEvents {
		if e == known {
			return true
		}
	}
	return false
}

// Reason explains a decline or failure. It selects the exception category.
type Reason string

const (
	ReasonUnclear         Reason = "unclear"
	ReasonNotCapable      Reason = "not_capable"
	ReasonConflict        Reason = "conflict"
	ReasonMissingResource Reason = "missing_resource"
	ReasonQuality         Reason = "quality"
)

// IsValid returns true for known reasons.
func (r Reason) IsValid() bool {
	switch r {
	case ReasonUnclear, ReasonNotCapable, ReasonConflict, ReasonMissingResource, ReasonQuality:
		return true
	}
	return false
}

// =============================================================================
// Requests and outcomes
// =============================================================================

// PayloadPatch is a partial update to a handoff payload. Nil fields are left
// untouched; constraints replace existing values by key.
type PayloadPatch struct {
	TaskDescription    *string                   `json:"task_description,omitempty"`
	Deliverables       []handoff.DeliverableSpec `json:"deliverables,omitempty"`
	AddInputArtifacts  []handoff.ArtifactRef     `json:"add_input_artifacts,omitempty"`
	AddOutputArtifacts []handoff.ArtifactRef     `json:"add_output_artifacts,omitempty"`
	Constraints        []handoff.Constraint      `json:"constraints,omitempty"`
	TargetCapability   *string                   `json:"target_capability,omitempty"`
}

// IsEmpty reports whether applying the patch changes nothing.
func (p *PayloadPatch) IsEmpty() bool {
	return p == nil || (p.TaskDescription == nil && p.Deliverables == nil &&
		len(p.AddInputArtifacts) == 0 && len(p.AddOutputArtifacts) == 0 &&
		len(p.Constraints) == 0 && p.TargetCapability == nil)
}

// Apply writes the patch into h. h must be a private copy.
func (p *PayloadPatch) Apply(h *handoff.Handoff) {
	if p == nil {
		return
	}
	if p.TaskDescription != nil {
		h.Payload.TaskDescription = *p.TaskDescription
	}
	if p.Deliverables != nil {
		h.Payload.Deliverables = append([]handoff.DeliverableSpec(nil), p.Deliverables...)
	}
	h.Payload.InputArtifacts = append(h.Payload.InputArtifacts, p.AddInputArtifacts...)
	h.Payload.OutputArtifacts = append(h.Payload.OutputArtifacts, p.AddOutputArtifacts...)
	for _, c := range p.Constraints {
		replaced := false
		for i := range h.Payload.Constraints {
			if h.Payload.Constraints[i].Key == c.Key {
				h.Payload.Constraints[i].Value = c.Value
				replaced = true
			}
		}
		if !replaced {
			h.Payload.Constraints = append(h.Payload.Constraints, c)
		}
	}
	if p.TargetCapability != nil {
		h.TargetCapability = *p.TargetCapability
	}
}

// TransitionRequest asks the machine to apply one event.
type TransitionRequest struct {
	Event Event  `json:"event"`
	Actor string `json:"actor"`
	Note  string `json:"note,omitempty"`

	// Reason selects the exception category for decline and fail.
	Reason Reason `json:"reason,omitempty"`
	// Patch carries clarification answers or completed outputs.
	Patch *PayloadPatch `json:"patch,omitempty"`

	// ExpectedVersion, when set, must equal the stored handoff version.
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// Outcome describes what a transition did besides changing state.
type Outcome struct {
	From handoff.State `json:"from"`
	To   handoff.State `json:"to"`

	// Validation is set for events that run the validation engine.
	Validation *validation.Result `json:"validation,omitempty"`
	// Exception is set when the transition raised one.
	Exception *handoff.Exception `json:"exception,omitempty"`
}

// Changed reports whether the state moved.
func (o Outcome) Changed() bool {
	return o.From != o.To
}

// HandoffEvent reports a handoff state change to the orchestrator.
type HandoffEvent struct {
	HandoffID   string        `json:"handoff_id"`
	State       handoff.State `json:"state"`
	ExceptionID string        `json:"exception_id,omitempty"`
}

// =============================================================================
// Collaborators
// =============================================================================

// Constraints narrow capability matching.
type Constraints struct {
	Exclude []string                 `json:"exclude,omitempty"`
	Rule    stagegraph.SelectionRule `json:"rule,omitempty"`
}

// Excludes reports whether agentID is excluded.
func (c Constraints) Excludes(agentID string) bool {
	for _, id := range c.Exclude {
		if id == agentID {
			return true
		}
	}
	return false
}

// AgentMatcher selects an agent for a capability.
type AgentMatcher interface {
	FindAgent(ctx context.Context, capability string, constraints Constraints) (string, bool)
}

// HandoffStore persists handoffs with optimistic versions.
//
// SaveHandoff inserts when h.Version is 0, otherwise updates only if the
// stored version equals h.Version. On success h.Version is incremented.
// A version mismatch returns a ConcurrentModificationError.
type HandoffStore interface {
	GetHandoff(ctx context.Context, id string) (*handoff.Handoff, error)
	SaveHandoff(ctx context.Context, h *handoff.Handoff) error
	ListHandoffs(ctx context.Context, workflowID string) ([]*handoff.Handoff, error)
}

// WorkflowStore persists workflow instances with the same version contract.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*handoff.WorkflowInstance, error)
	SaveWorkflow(ctx context.Context, w *handoff.WorkflowInstance) error
	ListWorkflows(ctx context.Context, status handoff.WorkflowStatus) ([]*handoff.WorkflowInstance, error)
}

// ExceptionStore persists exceptions with the same version contract.
type ExceptionStore interface {
	GetException(ctx context.Context, id string) (*handoff.Exception, error)
	SaveException(ctx context.Context, e *handoff.Exception) error
	ListExceptions(ctx context.Context, handoffID string) ([]*handoff.Exception, error)
}

// Store combines every persistence contract the kernel needs.
type Store interface {
	HandoffStore
	WorkflowStore
	ExceptionStore
}

// Locker grants exclusive, non-blocking ownership of a key.
// TryLock returns ok=false when the key is held elsewhere.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// BranchEvaluator decides whether a candidate successor matches the current
// workflow state. It must be a pure predicate.
type BranchEvaluator func(wf *handoff.WorkflowInstance, from string, candidate stagegraph.Transition) bool

// DefaultBranchEvaluator matches unconditional edges and edges whose
// condition holds over the workflow variables.
func DefaultBranchEvaluator(wf *handoff.WorkflowInstance, _ string, candidate stagegraph.Transition) bool {
	if candidate.When == nil {
		return true
	}
	return candidate.When.Matches(wf.Variables)
}
