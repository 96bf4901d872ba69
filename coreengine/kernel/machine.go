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

// =============================================================================
// Valid State Transitions
// =============================================================================

// transitionTable maps each non-terminal state to the events it accepts and
// their nominal target. Validation-dependent events may end elsewhere: a
// failed submit rejects, a failed complete stays in progress, and a request
// over the clarification cap stays under review.
var transitionTable = map[handoff.State]map[Event]handoff.State{
	handoff.StatePending: {
		EventSubmit: handoff.StateInTransit,
		EventCancel: handoff.StateRejected,
	},
	handoff.StateInTransit: {
		EventDeliverAck: handoff.StateUnderReview,
		EventCancel:     handoff.StateRejected,
	},
	handoff.StateUnderReview: {
		EventAccept:               handoff.StateAccepted,
		EventRequestClarification: handoff.StatePendingClarification,
		EventDecline:              handoff.StateRejected,
		EventCancel:               handoff.StateRejected,
	},
	handoff.StatePendingClarification: {
		EventSupplyClarification: handoff.StateUnderReview,
		EventCancel:              handoff.StateRejected,
	},
	handoff.StateAccepted: {
		EventStartWork: handoff.StateInProgress,
		EventCancel:    handoff.StateRejected,
	},
	handoff.StateInProgress: {
		EventComplete: handoff.StateCompleted,
		EventFail:     handoff.StateRejected,
		EventCancel:   handoff.StateRejected,
	},
}

// IsValidTransition reports whether event is defined for state from.
func IsValidTransition(from handoff.State, event Event) bool {
	_, ok := NominalTarget(from, event)
	return ok
}

// NominalTarget returns the state event leads to from when validation passes.
func NominalTarget(from handoff.State, event Event) (handoff.State, bool) {
	targets, ok := transitionTable[from]
	if !ok {
		return "", false
	}
	to, ok := targets[event]
	return to, ok
}

// AllowedEvents returns the events accepted in state s.
func AllowedEvents(s handoff.State) []Event {
	var out []Event
	for _, e := range AllEvents {
		if IsValidTransition(s, e) {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// Machine
// =============================================================================

// Machine applies events to handoffs. It holds no per-handoff state: Apply
// is a function of the handoff, the stage graph and the request, and never
// modifies its input.
type Machine struct {
	validator              *validation.Engine
	resolver               *Resolver
	maxClarificationCycles int
	now                    func() time.Time
}

// NewMachine creates a state machine. A nil cfg uses the defaults.
func NewMachine(validator *validation.Engine, resolver *Resolver, cfg *config.CoreConfig) *Machine {
	if cfg == nil {
		cfg = config.DefaultCoreConfig()
	}
	if validator == nil {
		validator = validation.NewEngine()
	}
	if resolver == nil {
		resolver = NewResolver(validator, cfg)
	}
	return &Machine{
		validator:              validator,
		resolver:               resolver,
		maxClarificationCycles: cfg.MaxClarificationCycles,
		now:                    func() time.Time { return time.Now().UTC() },
	}
}

// MaxClarificationCycles returns the clarification loop bound.
func (m *Machine) MaxClarificationCycles() int {
	return m.maxClarificationCycles
}

// Apply performs one transition and returns the new handoff value.
//
// Events not defined for the current state, and every event on a completed
// or rejected handoff, fail with an IllegalTransitionError. So does a
// clarification request once the clarification cap has escalated: the
// handoff then only moves on by accept or decline. Every applied
// event appends exactly one history entry, including the outcomes where
// validation keeps the handoff in place.
func (m *Machine) Apply(ctx context.Context, h *handoff.Handoff, graph *stagegraph.Graph, req TransitionRequest) (*handoff.Handoff, Outcome, error) {
	if h == nil {
		return nil, Outcome{}, handoff.NewInvalidHandoffError("handoff", "required")
	}
	to, ok := NominalTarget(h.State, req.Event)
	if !ok || (req.Event == EventRequestClarification && clarificationCapReached(h)) {
		return nil, Outcome{}, handoff.NewIllegalTransitionError(h.ID, h.State, string(req.Event))
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return nil, Outcome{}, handoff.NewInvalidHandoffError("actor", "required")
	}
	if req.Reason != "" && !req.Reason.IsValid() {
		return nil, Outcome{}, handoff.NewInvalidHandoffError("reason", fmt.Sprintf("unknown reason %q", req.Reason))
	}

	next := h.Clone()
	out := Outcome{From: h.State}
	note := req.Note
	now := m.now()

	switch req.Event {
	case EventSubmit:
		result := m.validator.Validate(ctx, next, graph)
		out.Validation = &result
		if !result.Passed() {
			to = handoff.StateRejected
			addViolationFeedback(next, result.Violations, now)
			out.Exception = m.resolver.Raise(next, result.Violations,
				WithSource(SourceValidation), WithActor(actor))
			note = joinNote(note, "validation failed: "+describe(result.Violations))
		}

	case EventRequestClarification:
		if next.ClarificationCycles >= m.maxClarificationCycles {
			to = handoff.StateUnderReview
			desc := fmt.Sprintf("clarification cap of %d cycles reached", m.maxClarificationCycles)
			if req.Note != "" {
				desc += ": " + req.Note
			}
			out.Exception = m.resolver.Raise(next, nil,
				WithCategory(handoff.CategoryClarity),
				WithSource(SourceClarification),
				WithDescription(desc),
				WithActor(actor),
				WithEscalation("clarification cycles exhausted"))
			note = joinNote(note, "clarification cap reached")
		} else {
			next.ClarificationCycles++
			if req.Note != "" {
				next.Payload.Feedback = append(next.Payload.Feedback, handoff.FeedbackEntry{
					At: now, Author: actor, Category: "clarification_request", Message: req.Note,
				})
			}
		}

	case EventSupplyClarification:
		req.Patch.Apply(next)
		if req.Note != "" {
			next.Payload.Feedback = append(next.Payload.Feedback, handoff.FeedbackEntry{
				At: now, Author: actor, Category: "clarification", Message: req.Note,
			})
		}

	case EventComplete:
		req.Patch.Apply(next)
		result := m.validator.Validate(ctx, next, graph)
		out.Validation = &result
		if !result.Passed() {
			to = handoff.StateInProgress
			addViolationFeedback(next, result.Violations, now)
			out.Exception = m.resolver.Raise(next, result.Violations,
				WithSource(SourceValidation), WithActor(actor))
			note = joinNote(note, "completion refused: "+describe(result.Violations))
		}

	case EventDecline, EventFail:
		reason := req.Reason
		source := SourceDecline
		if reason == "" {
			reason = ReasonUnclear
		}
		if req.Event == EventFail {
			source = SourceFailure
			if req.Reason == "" {
				reason = ReasonQuality
			}
		}
		desc := fmt.Sprintf("%s by %s: %s", req.Event, actor, reason)
		if req.Note != "" {
			desc += ": " + req.Note
		}
		next.Payload.Feedback = append(next.Payload.Feedback, handoff.FeedbackEntry{
			At: now, Author: actor, Category: string(reason), Message: desc,
		})
		out.Exception = m.resolver.Raise(next, nil,
			WithCategory(CategoryForReason(reason)),
			WithSource(source),
			WithDescription(desc),
			WithActor(actor))
		note = joinNote(note, string(reason))

	case EventCancel:
		if note == "" {
			note = "cancelled"
		}
	}

	next.State = to
	next.AppendHistory(handoff.HistoryEntry{
		State:     to,
		Event:     string(req.Event),
		Timestamp: now,
		Actor:     actor,
		Note:      note,
	})
	out.To = to
	return next, out, nil
}

func addViolationFeedback(h *handoff.Handoff, violations []validation.Violation, at time.Time) {
	for _, v := range violations {
		h.Payload.Feedback = append(h.Payload.Feedback, handoff.FeedbackEntry{
			At:       at,
			Author:   "validation",
			Category: string(v.Category),
			Field:    v.Field,
			Message:  v.Message,
		})
	}
}

// clarificationCapReached reports whether an earlier request hit the cap.
// Only those requests leave the handoff under review.
func clarificationCapReached(h *handoff.Handoff) bool {
	for _, e := range h.History {
		if e.Event == string(EventRequestClarification) && e.State == handoff.StateUnderReview {
			return true
		}
	}
	return false
}

func joinNote(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
