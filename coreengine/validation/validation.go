// Package validation decides whether a handoff may move forward.
//
// Validate is a pure function of the handoff, the workflow's stage graph and
// the artifact store. It never fails fast: every violation found in the four
// check categories is reported in a single Result.
package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
)

// Category groups violations.
type Category string

const (
	CategoryCompleteness Category = "completeness"
	CategoryConsistency  Category = "consistency"
	CategoryQuality      Category = "quality"
	CategoryContext      Category = "context"
)

// Violation codes. The exception resolver classifies on these.
const (
	CodeMissingField        = "missing_field"
	CodeUnknownCapability   = "unknown_capability"
	CodeArtifactNotFound    = "artifact_not_found"
	CodeArtifactUnavailable = "artifact_unavailable"
	CodeIllegalSuccessor    = "illegal_successor"
	CodeConstraintConflict  = "constraint_conflict"
	CodeMissingFormat       = "missing_format"
	CodeArtifactTooSmall    = "artifact_too_small"
	CodeStageOrder          = "stage_order"
	CodeStageRepeat         = "stage_repeat"
)

// Violation is one failed rule.
type Violation struct {
	Category Category `json:"category"`
	Code     string   `json:"code"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	// Resource names the missing artifact for artifact_not_found.
	Resource string `json:"resource,omitempty"`
}

// Result is the outcome of one validation run.
type Result struct {
	Completeness bool        `json:"completeness"`
	Consistency  bool        `json:"consistency"`
	Quality      bool        `json:"quality"`
	Context      bool        `json:"context"`
	Violations   []Violation `json:"violations"`
}

// Passed returns true when no violation was found.
func (r Result) Passed() bool {
	return len(r.Violations) == 0
}

// ByCategory returns the violations of one category.
func (r Result) ByCategory(c Category) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Category == c {
			out = append(out, v)
		}
	}
	return out
}

func (r *Result) add(v Violation) {
	r.Violations = append(r.Violations, v)
	switch v.Category {
	case CategoryCompleteness:
		r.Completeness = false
	case CategoryConsistency:
		r.Consistency = false
	case CategoryQuality:
		r.Quality = false
	case CategoryContext:
		r.Context = false
	}
}

// =============================================================================
// Collaborators
// =============================================================================

// ArtifactResolver resolves artifact ids. A missing artifact returns an error
// matching handoff.ErrNotFound.
type ArtifactResolver interface {
	Resolve(ctx context.Context, id string) (*handoff.Artifact, error)
}

// CapabilityDirectory reports whether an agent declares a capability.
type CapabilityDirectory interface {
	HasCapability(agentID, capability string) bool
}

// =============================================================================
// Engine
// =============================================================================

// Engine holds the collaborators and policy used by Validate.
// It has no mutable state and is safe for concurrent use.
type Engine struct {
	artifacts ArtifactResolver
	agents    CapabilityDirectory
	policy    config.QualityPolicy
}

// Option configures an Engine.
type Option func(*Engine)

// WithArtifactResolver enables artifact existence and quality checks.
func WithArtifactResolver(r ArtifactResolver) Option {
	return func(e *Engine) { e.artifacts = r }
}

// WithCapabilityDirectory enables the target-agent capability check.
func WithCapabilityDirectory(d CapabilityDirectory) Option {
	return func(e *Engine) { e.agents = d }
}

// WithQualityPolicy sets artifact thresholds.
func WithQualityPolicy(p config.QualityPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// NewEngine creates a validation engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{policy: config.DefaultQualityPolicy()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate runs every check against h. graph may be nil for handoffs outside
// a workflow, in which case graph-dependent rules are skipped.
func (e *Engine) Validate(ctx context.Context, h *handoff.Handoff, graph *stagegraph.Graph) Result {
	r := Result{Completeness: true, Consistency: true, Quality: true, Context: true}
	resolved := e.checkCompleteness(ctx, h, graph, &r)
	checkConsistency(h, graph, &r)
	e.checkQuality(h, resolved, &r)
	checkContext(h, graph, &r)
	return r
}

func (e *Engine) checkCompleteness(ctx context.Context, h *handoff.Handoff, graph *stagegraph.Graph, r *Result) []*handoff.Artifact {
	if h.Payload.TaskDescription == "" {
		r.add(Violation{
			Category: CategoryCompleteness,
			Code:     CodeMissingField,
			Field:    "task_description",
			Message:  "task description is required",
		})
	}
	if len(h.Payload.Deliverables) == 0 {
		r.add(Violation{
			Category: CategoryCompleteness,
			Code:     CodeMissingField,
			Field:    "deliverables",
			Message:  "at least one deliverable is required",
		})
	}

	capability := h.TargetCapability
	if graph != nil {
		stageCapability, ok := graph.CapabilityFor(h.Context.Stage)
		switch {
		case !ok:
			r.add(Violation{
				Category: CategoryCompleteness,
				Code:     CodeUnknownCapability,
				Field:    "context.stage",
				Message:  fmt.Sprintf("stage %q is not in graph %q", h.Context.Stage, graph.Name),
			})
		case capability == "":
			capability = stageCapability
		case capability != stageCapability:
			r.add(Violation{
				Category: CategoryCompleteness,
				Code:     CodeUnknownCapability,
				Field:    "target_capability",
				Message:  fmt.Sprintf("stage %q requires capability %q, handoff declares %q", h.Context.Stage, stageCapability, capability),
			})
		}
	}
	if e.agents != nil && capability != "" && !e.agents.HasCapability(h.TargetAgent, capability) {
		r.add(Violation{
			Category: CategoryCompleteness,
			Code:     CodeUnknownCapability,
			Field:    "target_agent",
			Message:  fmt.Sprintf("agent %q does not declare capability %q", h.TargetAgent, capability),
		})
	}

	if e.artifacts == nil {
		return nil
	}
	var resolved []*handoff.Artifact
	check := func(field string, refs []handoff.ArtifactRef) {
		for i, ref := range refs {
			a, err := e.artifacts.Resolve(ctx, ref.ID)
			if err == nil && a != nil {
				resolved = append(resolved, a)
				continue
			}
			v := Violation{
				Category: CategoryCompleteness,
				Code:     CodeArtifactNotFound,
				Field:    fmt.Sprintf("%s[%d]", field, i),
				Message:  fmt.Sprintf("artifact %q not found", ref.ID),
				Resource: ref.ID,
			}
			if err != nil && !errors.Is(err, handoff.ErrNotFound) {
				v.Code = CodeArtifactUnavailable
				v.Message = fmt.Sprintf("artifact %q unavailable: %v", ref.ID, err)
			}
			r.add(v)
		}
	}
	check("input_artifacts", h.Payload.InputArtifacts)
	check("output_artifacts", h.Payload.OutputArtifacts)
	return resolved
}

func checkConsistency(h *handoff.Handoff, graph *stagegraph.Graph, r *Result) {
	if graph != nil {
		if _, known := graph.Stage(h.Context.Stage); known {
			last := h.Context.LastStage()
			if !graph.IsLegalSuccessor(last, h.Context.Stage) {
				msg := fmt.Sprintf("stage %q is not a legal successor of %q", h.Context.Stage, last)
				if last == "" {
					msg = fmt.Sprintf("stage %q is not the start stage %q", h.Context.Stage, graph.StartStage())
				}
				r.add(Violation{
					Category: CategoryConsistency,
					Code:     CodeIllegalSuccessor,
					Field:    "context.stage",
					Message:  msg,
				})
			}
		}
	}

	seen := make(map[string]string, len(h.Payload.Constraints))
	reported := map[string]bool{}
	for _, c := range h.Payload.Constraints {
		prev, ok := seen[c.Key]
		if !ok {
			seen[c.Key] = c.Value
			continue
		}
		if prev != c.Value && !reported[c.Key] {
			reported[c.Key] = true
			r.add(Violation{
				Category: CategoryConsistency,
				Code:     CodeConstraintConflict,
				Field:    "constraints." + c.Key,
				Message:  fmt.Sprintf("constraint %q has conflicting values %q and %q", c.Key, prev, c.Value),
			})
		}
	}
}

func (e *Engine) checkQuality(h *handoff.Handoff, resolved []*handoff.Artifact, r *Result) {
	for i, d := range h.Payload.Deliverables {
		if d.Format == "" {
			r.add(Violation{
				Category: CategoryQuality,
				Code:     CodeMissingFormat,
				Field:    fmt.Sprintf("deliverables[%d].format", i),
				Message:  "deliverable must declare a format",
			})
		}
	}
	for _, a := range resolved {
		if e.policy.MinArtifactSizeBytes > 0 && a.SizeBytes < e.policy.MinArtifactSizeBytes {
			r.add(Violation{
				Category: CategoryQuality,
				Code:     CodeArtifactTooSmall,
				Field:    "artifact." + a.ID,
				Message:  fmt.Sprintf("artifact %q is %d bytes, minimum is %d", a.ID, a.SizeBytes, e.policy.MinArtifactSizeBytes),
			})
		}
		if e.policy.MinArtifactFields > 0 && a.FieldCount < e.policy.MinArtifactFields {
			r.add(Violation{
				Category: CategoryQuality,
				Code:     CodeArtifactTooSmall,
				Field:    "artifact." + a.ID,
				Message:  fmt.Sprintf("artifact %q has %d fields, minimum is %d", a.ID, a.FieldCount, e.policy.MinArtifactFields),
			})
		}
	}
}

func checkContext(h *handoff.Handoff, graph *stagegraph.Graph, r *Result) {
	prev := h.Context.PreviousStages
	for i := 1; i < len(prev); i++ {
		if prev[i].CompletedAt.Before(prev[i-1].CompletedAt) {
			r.add(Violation{
				Category: CategoryContext,
				Code:     CodeStageOrder,
				Field:    fmt.Sprintf("context.previous_stages[%d]", i),
				Message:  fmt.Sprintf("stage %q completed before its predecessor %q", prev[i].Name, prev[i-1].Name),
			})
		}
	}

	iterative := func(name string) bool {
		return graph != nil && graph.IsIterative(name)
	}
	seen := map[string]bool{}
	for i, s := range prev {
		if seen[s.Name] && !iterative(s.Name) {
			r.add(Violation{
				Category: CategoryContext,
				Code:     CodeStageRepeat,
				Field:    fmt.Sprintf("context.previous_stages[%d]", i),
				Message:  fmt.Sprintf("stage %q repeats but is not iterative", s.Name),
			})
		}
		seen[s.Name] = true
	}
	if seen[h.Context.Stage] && !iterative(h.Context.Stage) {
		r.add(Violation{
			Category: CategoryContext,
			Code:     CodeStageRepeat,
			Field:    "context.stage",
			Message:  fmt.Sprintf("stage %q already completed and is not iterative", h.Context.Stage),
		})
	}
}
