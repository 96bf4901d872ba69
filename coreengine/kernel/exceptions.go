package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/validation"
)

// Exception sources recorded on every raised exception.
const (
	SourceValidation    = "validation"
	SourceDecline       = "decline"
	SourceFailure       = "failure"
	SourceClarification = "clarification_cap"
	SourceOverdue       = "overdue"
	SourceWorkflow      = "workflow"
)

// Exception log actions.
const (
	ActionRaised              = "raised"
	ActionResolutionRequested = "resolution_requested"
	ActionResolutionRejected  = "resolution_rejected"
	ActionResolved            = "resolved"
	ActionEscalated           = "escalated"
)

// codeCategories classifies violation codes.
var codeCategories = map[string]handoff.ExceptionCategory{
	validation.CodeMissingField:        handoff.CategoryClarity,
	validation.CodeUnknownCapability:   handoff.CategoryCapability,
	validation.CodeArtifactNotFound:    handoff.CategoryResource,
	validation.CodeArtifactUnavailable: handoff.CategoryResource,
	validation.CodeIllegalSuccessor:    handoff.CategoryConflict,
	validation.CodeConstraintConflict:  handoff.CategoryConflict,
	validation.CodeStageOrder:          handoff.CategoryConflict,
	validation.CodeStageRepeat:         handoff.CategoryConflict,
	validation.CodeMissingFormat:       handoff.CategoryQuality,
	validation.CodeArtifactTooSmall:    handoff.CategoryQuality,
}

// validationCategories is the fallback for codes not in codeCategories.
var validationCategories = map[validation.Category]handoff.ExceptionCategory{
	validation.CategoryCompleteness: handoff.CategoryClarity,
	validation.CategoryConsistency:  handoff.CategoryConflict,
	validation.CategoryQuality:      handoff.CategoryQuality,
	validation.CategoryContext:      handoff.CategoryConflict,
}

// categoryPrecedence orders categories when several violations apply.
var categoryPrecedence = map[handoff.ExceptionCategory]int{
	handoff.CategoryResource:   5,
	handoff.CategoryConflict:   4,
	handoff.CategoryCapability: 3,
	handoff.CategoryQuality:    2,
	handoff.CategoryClarity:    1,
}

var reasonCategories = map[Reason]handoff.ExceptionCategory{
	ReasonUnclear:         handoff.CategoryClarity,
	ReasonNotCapable:      handoff.CategoryCapability,
	ReasonConflict:        handoff.CategoryConflict,
	ReasonMissingResource: handoff.CategoryResource,
	ReasonQuality:         handoff.CategoryQuality,
}

// Classify returns the exception category for a set of violations and the
// first missing resource named by a resource violation.
func Classify(violations []validation.Violation) (handoff.ExceptionCategory, string) {
	category := handoff.CategoryClarity
	best := 0
	missing := ""
	for _, v := range violations {
		c, ok := codeCategories[v.Code]
		if !ok {
			c, ok = validationCategories[v.Category]
			if !ok {
				c = handoff.CategoryClarity
			}
		}
		if categoryPrecedence[c] > best {
			best = categoryPrecedence[c]
			category = c
		}
		if c == handoff.CategoryResource && missing == "" && v.Resource != "" {
			missing = v.Resource
		}
	}
	return category, missing
}

// CategoryForReason maps a decline or failure reason to a category.
func CategoryForReason(r Reason) handoff.ExceptionCategory {
	if c, ok := reasonCategories[r]; ok {
		return c
	}
	return handoff.CategoryClarity
}

// EscalatesImmediately reports whether an exception escalates on raise:
// conflict and resource exceptions that name a missing resource.
func EscalatesImmediately(e *handoff.Exception) bool {
	return (e.Category == handoff.CategoryConflict || e.Category == handoff.CategoryResource) &&
		e.MissingResource != ""
}

// issuesFrom copies violations onto an exception.
func issuesFrom(violations []validation.Violation) []handoff.Issue {
	if len(violations) == 0 {
		return nil
	}
	out := make([]handoff.Issue, 0, len(violations))
	for _, v := range violations {
		out = append(out, handoff.Issue{
			Category: string(v.Category),
			Code:     v.Code,
			Field:    v.Field,
			Message:  v.Message,
			Resource: v.Resource,
		})
	}
	return out
}

func describe(violations []validation.Violation) string {
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

// =============================================================================
// Raise options
// =============================================================================

type raiseOptions struct {
	category        handoff.ExceptionCategory
	source          string
	description     string
	missingResource string
	actor           string
	escalateReason  string
}

// RaiseOption customizes a raised exception.
type RaiseOption func(*raiseOptions)

// WithCategory overrides violation-based classification.
func WithCategory(c handoff.ExceptionCategory) RaiseOption {
	return func(o *raiseOptions) { o.category = c }
}

// WithSource records what produced the exception.
func WithSource(source string) RaiseOption {
	return func(o *raiseOptions) { o.source = source }
}

// WithDescription overrides the description built from violations.
func WithDescription(d string) RaiseOption {
	return func(o *raiseOptions) { o.description = d }
}

// WithMissingResource names the missing artifact or agent.
func WithMissingResource(id string) RaiseOption {
	return func(o *raiseOptions) { o.missingResource = id }
}

// WithActor sets the actor of the "raised" log entry.
func WithActor(actor string) RaiseOption {
	return func(o *raiseOptions) { o.actor = actor }
}

// WithEscalation escalates the exception as soon as it is raised.
func WithEscalation(reason string) RaiseOption {
	return func(o *raiseOptions) { o.escalateReason = reason }
}

// =============================================================================
// Resolver
// =============================================================================

// Response is a reply to an open exception.
type Response struct {
	Responder string        `json:"responder"`
	Message   string        `json:"message,omitempty"`
	Patch     *PayloadPatch `json:"patch,omitempty"`
	// Variables are merged into the workflow variables when the exception
	// blocks a workflow.
	Variables map[string]any `json:"variables,omitempty"`
}

// Resolver classifies failures and drives the bounded resolution loop.
// Every method is a pure transformation: inputs are never modified.
type Resolver struct {
	validator   *validation.Engine
	maxAttempts int
	now         func() time.Time
}

// NewResolver creates a resolver. A nil cfg uses the defaults.
func NewResolver(validator *validation.Engine, cfg *config.CoreConfig) *Resolver {
	if cfg == nil {
		cfg = config.DefaultCoreConfig()
	}
	if validator == nil {
		validator = validation.NewEngine()
	}
	return &Resolver{
		validator:   validator,
		maxAttempts: cfg.MaxResolutionAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// MaxAttempts returns the failed attempts allowed before escalation.
func (r *Resolver) MaxAttempts() int {
	return r.maxAttempts
}

// Raise creates an open exception for h from violations. Conflict and
// resource exceptions naming a missing resource are escalated immediately.
func (r *Resolver) Raise(h *handoff.Handoff, violations []validation.Violation, opts ...RaiseOption) *handoff.Exception {
	o := raiseOptions{source: SourceValidation, actor: "kernel"}
	for _, opt := range opts {
		opt(&o)
	}

	category, missing := Classify(violations)
	if o.category != "" {
		category = o.category
	}
	if o.missingResource != "" {
		missing = o.missingResource
	}
	description := o.description
	if description == "" {
		description = describe(violations)
	}

	now := r.now()
	e := &handoff.Exception{
		ID:                handoff.NewExceptionID(),
		HandoffID:         h.ID,
		WorkflowID:        h.WorkflowID,
		Category:          category,
		Source:            o.source,
		Description:       description,
		Issues:            issuesFrom(violations),
		MissingResource:   missing,
		Status:            handoff.ExceptionOpen,
		PreExceptionState: h.State,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	e.AppendLog(handoff.ExceptionLogEntry{At: now, Actor: o.actor, Action: ActionRaised, Note: description})

	switch {
	case o.escalateReason != "":
		return r.escalate(e, o.actor, o.escalateReason)
	case EscalatesImmediately(e):
		return r.escalate(e, o.actor, fmt.Sprintf("required resource %q is missing", missing))
	}
	return e
}

// RaiseForWorkflow creates an exception that blocks a workflow rather than
// a single handoff, such as a failed branch or agent selection.
func (r *Resolver) RaiseForWorkflow(wf *handoff.WorkflowInstance, category handoff.ExceptionCategory, description string, opts ...RaiseOption) *handoff.Exception {
	anchor := &handoff.Handoff{ID: wf.CurrentHandoffID, WorkflowID: wf.ID}
	opts = append([]RaiseOption{WithSource(SourceWorkflow), WithCategory(category), WithDescription(description)}, opts...)
	e := r.Raise(anchor, nil, opts...)
	e.PreExceptionState = ""
	return e
}

// Escalate marks the exception escalated. Escalating an escalated exception
// is a no-op; a resolved exception fails with ErrExceptionClosed.
func (r *Resolver) Escalate(exc *handoff.Exception, actor, reason string) (*handoff.Exception, error) {
	switch exc.Status {
	case handoff.ExceptionEscalated:
		return exc.Clone(), nil
	case handoff.ExceptionResolved:
		return nil, fmt.Errorf("escalate %s: %w", exc.ID, handoff.ErrExceptionClosed)
	}
	return r.escalate(exc.Clone(), actor, reason), nil
}

func (r *Resolver) escalate(e *handoff.Exception, actor, reason string) *handoff.Exception {
	e.Status = handoff.ExceptionEscalated
	e.AppendLog(handoff.ExceptionLogEntry{At: r.now(), Actor: actor, Action: ActionEscalated, Note: reason})
	return e
}

// AttemptResolution applies a response to an exception.
//
// The response patch is applied to a copy of h and validation is re-run. With
// zero violations the exception is resolved and the returned handoff carries
// the patch, resumed in its pre-exception state when that state is not
// terminal. Otherwise the escalation count grows, the rejected attempt is
// logged, and the exception escalates once the count reaches the configured
// maximum. h may be nil for workflow-level exceptions, which resolve on any
// response.
func (r *Resolver) AttemptResolution(ctx context.Context, exc *handoff.Exception, h *handoff.Handoff, graph *stagegraph.Graph, resp Response) (*handoff.Exception, *handoff.Handoff, error) {
	if exc.Status.IsClosed() {
		return nil, nil, fmt.Errorf("exception %s is %s: %w", exc.ID, exc.Status, handoff.ErrExceptionClosed)
	}
	actor := resp.Responder
	if actor == "" {
		actor = "unknown"
	}

	e := exc.Clone()
	now := r.now()
	e.AppendLog(handoff.ExceptionLogEntry{At: now, Actor: actor, Action: ActionResolutionRequested, Note: resp.Message})

	if h == nil {
		e.Status = handoff.ExceptionResolved
		e.AppendLog(handoff.ExceptionLogEntry{At: now, Actor: actor, Action: ActionResolved, Note: resp.Message})
		return e, nil, nil
	}

	patched := h.Clone()
	resp.Patch.Apply(patched)
	result := r.validator.Validate(ctx, patched, graph)

	if result.Passed() {
		e.Status = handoff.ExceptionResolved
		e.Issues = nil
		e.AppendLog(handoff.ExceptionLogEntry{At: now, Actor: actor, Action: ActionResolved, Note: resp.Message})
		if !patched.State.IsTerminal() {
			if e.PreExceptionState != "" && !e.PreExceptionState.IsTerminal() {
				patched.State = e.PreExceptionState
			}
			patched.AppendHistory(handoff.HistoryEntry{
				State:     patched.State,
				Event:     "resolve_exception",
				Timestamp: now,
				Actor:     actor,
				Note:      e.ID,
			})
		}
		return e, patched, nil
	}

	e.EscalationCount++
	e.Status = handoff.ExceptionResolutionRequested
	e.Issues = issuesFrom(result.Violations)
	e.AppendLog(handoff.ExceptionLogEntry{
		At:     now,
		Actor:  actor,
		Action: ActionResolutionRejected,
		Note:   describe(result.Violations),
	})
	if e.EscalationCount >= r.maxAttempts {
		e = r.escalate(e, "kernel", fmt.Sprintf("%d resolution attempts failed", e.EscalationCount))
	}
	return e, h.Clone(), nil
}
