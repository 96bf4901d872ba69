package handoff

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MinPriority is the most urgent priority.
	MinPriority = 1
	// MaxPriority is the least urgent priority.
	MaxPriority = 5
)

// Option customizes a handoff during construction.
type Option func(*Handoff)

// WithID sets an explicit handoff id.
func WithID(id string) Option {
	return func(h *Handoff) { h.ID = id }
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) Option {
	return func(h *Handoff) { h.CreatedAt = t.UTC() }
}

// WithExpectedCompletion sets the duration budget.
func WithExpectedCompletion(d time.Duration) Option {
	return func(h *Handoff) { h.ExpectedCompletion = d }
}

// WithCapability records the capability the target was selected for.
func WithCapability(capability string) Option {
	return func(h *Handoff) { h.TargetCapability = capability }
}

// WithPreviousStages sets the ordered list of completed stages.
func WithPreviousStages(stages ...StageRecord) Option {
	return func(h *Handoff) {
		h.Context.PreviousStages = append([]StageRecord(nil), stages...)
	}
}

// WithGovernance sets governance parameters.
func WithGovernance(g Governance) Option {
	return func(h *Handoff) { h.Context.Governance = g }
}

// NewID returns a fresh handoff id.
func NewID() string {
	return "ho_" + uuid.New().String()
}

// New creates a pending handoff.
//
// Returns an InvalidHandoffError when source or target is empty, source equals
// target, priority is outside 1..5, or stage is empty. Invalid handoffs are
// never returned and so never persisted.
func New(source, target, workflowID, campaignID, stage string, payload Payload, priority int, opts ...Option) (*Handoff, error) {
	source = strings.TrimSpace(source)
	target = strings.TrimSpace(target)
	stage = strings.TrimSpace(stage)

	switch {
	case source == "":
		return nil, NewInvalidHandoffError("source_agent", "required")
	case target == "":
		return nil, NewInvalidHandoffError("target_agent", "required")
	case source == target:
		return nil, NewInvalidHandoffError("target_agent", "must differ from source_agent")
	case priority < MinPriority || priority > MaxPriority:
		return nil, NewInvalidHandoffError("priority", "must be between 1 and 5")
	case stage == "":
		return nil, NewInvalidHandoffError("stage", "required")
	}

	h := &Handoff{
		WorkflowID:  workflowID,
		CampaignID:  campaignID,
		SourceAgent: source,
		TargetAgent: target,
		Priority:    priority,
		Payload:     payload,
		Context:     Context{Stage: stage},
		State:       StatePending,
		History:     []HistoryEntry{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.ID == "" {
		h.ID = NewID()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	// Detach caller-owned slices.
	h = h.Clone()
	h.AppendHistory(HistoryEntry{
		State:     StatePending,
		Event:     "create",
		Timestamp: h.CreatedAt,
		Actor:     source,
	})
	return h, nil
}

// AttachArtifact returns a copy of h with a reference to a appended to the
// input or output artifact list. h itself is not modified.
func AttachArtifact(h *Handoff, a Artifact, dir Direction) *Handoff {
	c := h.Clone()
	ref := ArtifactRef{ID: a.ID, Version: a.Version}
	switch dir {
	case DirectionOutput:
		c.Payload.OutputArtifacts = append(c.Payload.OutputArtifacts, ref)
	default:
		c.Payload.InputArtifacts = append(c.Payload.InputArtifacts, ref)
	}
	return c
}
