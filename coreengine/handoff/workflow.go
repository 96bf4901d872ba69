package handoff

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
)

// WorkflowStatus is the overall status of a workflow instance.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowBlocked   WorkflowStatus = "blocked"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowAborted   WorkflowStatus = "aborted"
)

// IsTerminal returns true for completed and aborted workflows.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowAborted
}

// StageRun is one completed execution of a stage.
type StageRun struct {
	Stage       string    `json:"stage"`
	HandoffID   string    `json:"handoff_id"`
	TargetAgent string    `json:"target_agent"`
	Iteration   int       `json:"iteration"`
	CompletedAt time.Time `json:"completed_at"`
}

// WorkflowInstance ties a sequence of handoffs to one campaign execution.
type WorkflowInstance struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Graph      *stagegraph.Graph `json:"graph"`

	// CurrentStage is the stage whose handoff is in flight, or the last
	// completed stage when none is.
	CurrentStage     string         `json:"current_stage,omitempty"`
	CurrentHandoffID string         `json:"current_handoff_id,omitempty"`
	StageIndex       int            `json:"stage_index"`
	Path             []StageRun     `json:"path"`
	Iterations       map[string]int `json:"iterations"`

	Status        WorkflowStatus `json:"status"`
	BlockedReason string         `json:"blocked_reason,omitempty"`
	ExceptionID   string         `json:"exception_id,omitempty"`
	AbortReason   string         `json:"abort_reason,omitempty"`

	// Variables feed branch predicates.
	Variables map[string]any `json:"variables,omitempty"`

	// RetryPayload is set when a rejected stage handoff was resolved; the
	// next advance re-issues the stage with it.
	RetryPayload *Payload `json:"retry_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// NewWorkflowID returns a fresh workflow id.
func NewWorkflowID() string {
	return "wf_" + uuid.New().String()
}

// Clone returns a copy that shares only the stage graph snapshot, which is
// never written after the workflow starts.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	c.Path = append([]StageRun(nil), w.Path...)
	c.Iterations = make(map[string]int, len(w.Iterations))
	for k, v := range w.Iterations {
		c.Iterations[k] = v
	}
	if w.RetryPayload != nil {
		p := (&Handoff{Payload: *w.RetryPayload}).Clone().Payload
		c.RetryPayload = &p
	}
	if w.Variables != nil {
		c.Variables = make(map[string]any, len(w.Variables))
		for k, v := range w.Variables {
			c.Variables[k] = v
		}
	}
	return &c
}

// LastRun returns the most recent completed stage run.
func (w *WorkflowInstance) LastRun() (StageRun, bool) {
	if len(w.Path) == 0 {
		return StageRun{}, false
	}
	return w.Path[len(w.Path)-1], true
}

// PreviousStages converts the path into handoff context records.
func (w *WorkflowInstance) PreviousStages() []StageRecord {
	out := make([]StageRecord, 0, len(w.Path))
	for _, run := range w.Path {
		out = append(out, StageRecord{Name: run.Stage, CompletedAt: run.CompletedAt})
	}
	return out
}
