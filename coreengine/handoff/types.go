// Package handoff defines the handoff, artifact, exception and workflow model.
//
// A Handoff is a unit of work transferred between two agents. Agents are
// opaque identifiers; the model only carries what the protocol needs to
// validate, route and audit the transfer.
package handoff

import (
	"time"
)

// =============================================================================
// Handoff States
// =============================================================================

// State represents the lifecycle state of a handoff.
// State transitions:
//
//	pending -> in_transit -> under_review -> accepted -> in_progress -> completed
//	under_review <-> pending_clarification (bounded loop)
//	pending | under_review | in_progress -> rejected
type State string

const (
	// StatePending indicates a created handoff that has not been submitted.
	StatePending State = "pending"
	// StateInTransit indicates a validated handoff on its way to the target.
	StateInTransit State = "in_transit"
	// StateUnderReview indicates the target acknowledged delivery and is reviewing.
	StateUnderReview State = "under_review"
	// StateAccepted indicates the target accepted the work.
	StateAccepted State = "accepted"
	// StateInProgress indicates the target started the work.
	StateInProgress State = "in_progress"
	// StatePendingClarification indicates the target asked the source for more information.
	StatePendingClarification State = "pending_clarification"
	// StateCompleted indicates the deliverables were produced and validated.
	StateCompleted State = "completed"
	// StateRejected indicates the handoff failed or was declined.
	StateRejected State = "rejected"
)

// IsTerminal returns true if no transition may leave this state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateRejected
}

// IsValid returns true if s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateInTransit, StateUnderReview, StateAccepted,
		StateInProgress, StatePendingClarification, StateCompleted, StateRejected:
		return true
	}
	return false
}

// Direction selects which artifact list AttachArtifact appends to.
type Direction string

const (
	// DirectionInput marks an artifact consumed by the handoff.
	DirectionInput Direction = "input"
	// DirectionOutput marks an artifact produced by the handoff.
	DirectionOutput Direction = "output"
)

// =============================================================================
// Artifacts
// =============================================================================

// Artifact is a referenced work product.
type Artifact struct {
	ID             string `json:"id" yaml:"id"`
	Type           string `json:"type" yaml:"type"`
	Name           string `json:"name" yaml:"name"`
	Location       string `json:"location" yaml:"location"`
	Version        string `json:"version,omitempty" yaml:"version,omitempty"`
	SizeBytes      int64  `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`
	FieldCount     int    `json:"field_count,omitempty" yaml:"field_count,omitempty"`
	OwnerHandoffID string `json:"owner_handoff_id,omitempty" yaml:"owner_handoff_id,omitempty"`
}

// ArtifactRef is a weak reference to an artifact by id.
type ArtifactRef struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// =============================================================================
// Payload
// =============================================================================

// DeliverableSpec describes one expected output of the handoff.
type DeliverableSpec struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Format      string `json:"format" yaml:"format"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Constraint is a free-form key/value restriction on the work.
type Constraint struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FeedbackEntry is a note attached to the handoff by a reviewer or the kernel.
type FeedbackEntry struct {
	At       time.Time `json:"at"`
	Author   string    `json:"author"`
	Category string    `json:"category,omitempty"`
	Field    string    `json:"field,omitempty"`
	Message  string    `json:"message"`
}

// Payload is the work description carried by a handoff.
type Payload struct {
	TaskDescription string            `json:"task_description"`
	Deliverables    []DeliverableSpec `json:"deliverables"`
	InputArtifacts  []ArtifactRef     `json:"input_artifacts,omitempty"`
	OutputArtifacts []ArtifactRef     `json:"output_artifacts,omitempty"`
	Constraints     []Constraint      `json:"constraints,omitempty"`
	Feedback        []FeedbackEntry   `json:"feedback,omitempty"`
}

// =============================================================================
// Context
// =============================================================================

// StageRecord is one previously completed workflow stage.
type StageRecord struct {
	Name        string    `json:"name"`
	CompletedAt time.Time `json:"completed_at"`
}

// Governance carries approval parameters for the stage.
type Governance struct {
	RequiresHumanApproval bool     `json:"requires_human_approval"`
	Approvers             []string `json:"approvers,omitempty"`
}

// Context places the handoff inside its workflow.
type Context struct {
	Stage          string        `json:"stage"`
	PreviousStages []StageRecord `json:"previous_stages,omitempty"`
	Governance     Governance    `json:"governance"`
}

// LastStage returns the most recently completed stage name, or "".
func (c Context) LastStage() string {
	if len(c.PreviousStages) == 0 {
		return ""
	}
	return c.PreviousStages[len(c.PreviousStages)-1].Name
}

// =============================================================================
// Handoff
// =============================================================================

// HistoryEntry is one immutable audit trail record.
type HistoryEntry struct {
	State     State     `json:"state"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Note      string    `json:"note,omitempty"`
}

// Handoff is a unit of work transfer between two agents.
type Handoff struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	CampaignID string `json:"campaign_id"`

	SourceAgent      string `json:"source_agent"`
	TargetAgent      string `json:"target_agent"`
	TargetCapability string `json:"target_capability,omitempty"`

	CreatedAt          time.Time     `json:"created_at"`
	ExpectedCompletion time.Duration `json:"expected_completion,omitempty"`
	Priority           int           `json:"priority"`

	Payload Payload `json:"payload"`
	Context Context `json:"context"`

	State               State          `json:"state"`
	ClarificationCycles int            `json:"clarification_cycles"`
	History             []HistoryEntry `json:"history"`

	// Version is incremented by the store on every successful save.
	Version int64 `json:"version"`
}

// Constraint returns the value of the first constraint with key.
func (h *Handoff) Constraint(key string) (string, bool) {
	for _, c := range h.Payload.Constraints {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the handoff.
func (h *Handoff) Clone() *Handoff {
	if h == nil {
		return nil
	}
	c := *h
	c.Payload.Deliverables = append([]DeliverableSpec(nil), h.Payload.Deliverables...)
	c.Payload.InputArtifacts = append([]ArtifactRef(nil), h.Payload.InputArtifacts...)
	c.Payload.OutputArtifacts = append([]ArtifactRef(nil), h.Payload.OutputArtifacts...)
	c.Payload.Constraints = append([]Constraint(nil), h.Payload.Constraints...)
	c.Payload.Feedback = append([]FeedbackEntry(nil), h.Payload.Feedback...)
	c.Context.PreviousStages = append([]StageRecord(nil), h.Context.PreviousStages...)
	c.Context.Governance.Approvers = append([]string(nil), h.Context.Governance.Approvers...)
	c.History = append([]HistoryEntry(nil), h.History...)
	return &c
}

// AppendHistory appends an audit entry. Existing entries are never modified.
func (h *Handoff) AppendHistory(entry HistoryEntry) {
	h.History = append(h.History, entry)
}

// LastEntry returns the latest audit entry.
func (h *Handoff) LastEntry() (HistoryEntry, bool) {
	if len(h.History) == 0 {
		return HistoryEntry{}, false
	}
	return h.History[len(h.History)-1], true
}
