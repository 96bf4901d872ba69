// Package kernel provides the handoff kernel - unified protocol interface.
//
// The Kernel composes:
//   - Machine (handoff FSM)
//   - Resolver (exception classification and resolution)
//   - Orchestrator (workflow stage traversal)
//   - Store and Locker (persistence and per-id serialization)
//   - an event emitter (observability fan-out)
//
// This is the main entry point for the transport layers.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/lock"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/store"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/validation"
)

// Emitter receives observability records. Emit must not block.
type Emitter interface {
	Emit(rec observability.Record)
}

// EventHandler handles kernel records synchronously.
type EventHandler func(observability.Record)

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger.
func WithLogger(l Logger) Option { return func(k *Kernel) { k.logger = l } }

// WithStore sets the persistence backend.
func WithStore(s Store) Option { return func(k *Kernel) { k.store = s } }

// WithLocker sets the per-id lock provider.
func WithLocker(l Locker) Option { return func(k *Kernel) { k.locker = l } }

// WithMatcher sets the capability matcher.
func WithMatcher(m AgentMatcher) Option { return func(k *Kernel) { k.matcher = m } }

// WithValidator sets the validation engine.
func WithValidator(v *validation.Engine) Option { return func(k *Kernel) { k.validator = v } }

// WithEmitter sets the observability emitter.
func WithEmitter(e Emitter) Option { return func(k *Kernel) { k.emitter = e } }

// WithBranchEvaluator sets the workflow branch predicate.
func WithBranchEvaluator(b BranchEvaluator) Option { return func(k *Kernel) { k.evaluator = b } }

// WithTracer sets the tracer used for kernel spans.
func WithTracer(t trace.Tracer) Option { return func(k *Kernel) { k.tracer = t } }

// WithCloser registers a function run by Shutdown.
func WithCloser(name string, fn func(context.Context) error) Option {
	return func(k *Kernel) { k.closers = append(k.closers, namedCloser{name: name, fn: fn}) }
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

// =============================================================================
// Kernel
// =============================================================================

// Kernel is the handoff kernel: the single coordinator for handoff
// transitions, exception handling and workflow progression.
//
// Usage:
//
//	k := kernel.New(cfg,
//	    kernel.WithStore(st),
//	    kernel.WithMatcher(registry),
//	    kernel.WithEmitter(emitter),
//	)
//
//	wf, err := k.StartWorkflow(ctx, "camp-1", graph, nil)
//	h, err := k.Advance(ctx, wf.ID)
//	h, out, err := k.TransitionHandoff(ctx, h.ID, kernel.TransitionRequest{Event: kernel.EventDeliverAck, Actor: h.TargetAgent})
type Kernel struct {
	cfg    *config.CoreConfig
	logger Logger

	store     Store
	locker    Locker
	matcher   AgentMatcher
	validator *validation.Engine
	emitter   Emitter
	evaluator BranchEvaluator
	tracer    trace.Tracer

	machine      *Machine
	resolver     *Resolver
	orchestrator *Orchestrator

	graphs   map[string]*stagegraph.Graph
	graphsMu sync.RWMutex

	eventHandlers []EventHandler
	eventMu       sync.RWMutex

	closers   []namedCloser
	startedAt time.Time
}

// New creates a kernel. A nil cfg uses the defaults. Without WithStore and
// WithLocker the kernel runs on in-memory implementations.
func New(cfg *config.CoreConfig, opts ...Option) *Kernel {
	if cfg == nil {
		cfg = config.DefaultCoreConfig()
	}
	k := &Kernel{
		cfg:       cfg,
		graphs:    make(map[string]*stagegraph.Graph),
		startedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.store == nil {
		k.store = store.NewMemoryStore()
	}
	if k.locker == nil {
		k.locker = lock.NewMemoryLocker()
	}
	if k.validator == nil {
		k.validator = validation.NewEngine()
	}
	if k.evaluator == nil {
		k.evaluator = DefaultBranchEvaluator
	}
	if k.tracer == nil {
		k.tracer = observability.Tracer()
	}
	k.resolver = NewResolver(k.validator, cfg)
	k.machine = NewMachine(k.validator, k.resolver, cfg)
	k.orchestrator = NewOrchestrator(k, k.logger, k.evaluator)

	if k.logger != nil {
		k.logger.Info("kernel_initialized",
			"max_clarification_cycles", cfg.MaxClarificationCycles,
			"max_resolution_attempts", cfg.MaxResolutionAttempts,
			"default_max_iterations", cfg.DefaultMaxIterations,
		)
	}
	return k
}

// =============================================================================
// Subsystem Access
// =============================================================================

// Config returns the protocol limits.
func (k *Kernel) Config() *config.CoreConfig { return k.cfg }

// Machine returns the handoff state machine.
func (k *Kernel) Machine() *Machine { return k.machine }

// Resolver returns the exception resolver.
func (k *Kernel) Resolver() *Resolver { return k.resolver }

// Orchestrator returns the workflow orchestrator.
func (k *Kernel) Orchestrator() *Orchestrator { return k.orchestrator }

// Validator returns the validation engine.
func (k *Kernel) Validator() *validation.Engine { return k.validator }

// Store returns the persistence backend.
func (k *Kernel) Store() Store { return k.store }

// =============================================================================
// Stage graphs
// =============================================================================

// RegisterGraph validates and registers a copy of a named stage graph.
// Later changes to g do not affect the registered graph.
func (k *Kernel) RegisterGraph(g *stagegraph.Graph) error {
	if g == nil {
		return handoff.NewInvalidHandoffError("graph", "required")
	}
	registered := g.Clone()
	if err := registered.Validate(); err != nil {
		return fmt.Errorf("register graph: %w", err)
	}
	k.graphsMu.Lock()
	defer k.graphsMu.Unlock()
	k.graphs[registered.Name] = registered
	return nil
}

// Graph returns a registered stage graph. The graph is shared by every
// caller and must not be modified; StartWorkflow takes its own copy.
func (k *Kernel) Graph(name string) (*stagegraph.Graph, error) {
	k.graphsMu.RLock()
	defer k.graphsMu.RUnlock()
	g, ok := k.graphs[name]
	if !ok {
		return nil, handoff.NewNotFoundError("stage graph", name)
	}
	return g, nil
}

// graphFor returns the stage graph of a handoff's workflow, or nil.
func (k *Kernel) graphFor(ctx context.Context, h *handoff.Handoff) (*stagegraph.Graph, error) {
	if h.WorkflowID == "" {
		return nil, nil
	}
	wf, err := k.store.GetWorkflow(ctx, h.WorkflowID)
	if errors.Is(err, handoff.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wf.Graph, nil
}

// =============================================================================
// Locking
// =============================================================================

func (k *Kernel) acquire(ctx context.Context, entity, id string) (func(), error) {
	unlock, ok, err := k.locker.TryLock(ctx, entity+":"+id)
	if err != nil {
		return nil, fmt.Errorf("lock %s %s: %w", entity, id, err)
	}
	if !ok {
		return nil, handoff.NewConcurrentModificationError(entity, id, 0, 0)
	}
	return unlock, nil
}

// =============================================================================
// Handoffs
// =============================================================================

// CreateHandoff builds, persists and announces a pending handoff.
func (k *Kernel) CreateHandoff(ctx context.Context, source, target, workflowID, campaignID, stage string, payload handoff.Payload, priority int, opts ...handoff.Option) (*handoff.Handoff, error) {
	h, err := handoff.New(source, target, workflowID, campaignID, stage, payload, priority, opts...)
	if err != nil {
		return nil, err
	}
	if err := k.store.SaveHandoff(ctx, h); err != nil {
		return nil, fmt.Errorf("save handoff: %w", err)
	}
	k.emit(observability.NewRecord(observability.EntityHandoff, h.ID, observability.EventHandoffCreated,
		observability.SeverityInfo, handoffPayload(h)))
	if k.logger != nil {
		k.logger.Debug("handoff_created",
			"handoff_id", h.ID,
			"source_agent", h.SourceAgent,
			"target_agent", h.TargetAgent,
			"stage", h.Context.Stage,
		)
	}
	return h.Clone(), nil
}

// GetHandoff loads a handoff.
func (k *Kernel) GetHandoff(ctx context.Context, id string) (*handoff.Handoff, error) {
	return k.store.GetHandoff(ctx, id)
}

// GetHandoffHistory returns the audit trail of a handoff.
func (k *Kernel) GetHandoffHistory(ctx context.Context, id string) ([]handoff.HistoryEntry, error) {
	h, err := k.store.GetHandoff(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.History, nil
}

// ValidateHandoff runs the validation engine against a stored handoff.
func (k *Kernel) ValidateHandoff(ctx context.Context, id string) (validation.Result, error) {
	h, err := k.store.GetHandoff(ctx, id)
	if err != nil {
		return validation.Result{}, err
	}
	graph, err := k.graphFor(ctx, h)
	if err != nil {
		return validation.Result{}, err
	}
	return k.validator.Validate(ctx, h, graph), nil
}

// TransitionHandoff applies one event to a stored handoff.
//
// At most one transition per handoff id runs at a time; a concurrent caller
// fails with ErrConcurrentModification, as does a stale ExpectedVersion.
// When the handoff belongs to a workflow and reaches a terminal state the
// workflow is updated; a failure there is logged and picked up by the next
// Advance.
func (k *Kernel) TransitionHandoff(ctx context.Context, id string, req TransitionRequest) (*handoff.Handoff, Outcome, error) {
	h, out, err := k.transition(ctx, id, req)
	if err != nil {
		return nil, Outcome{}, err
	}
	if h.WorkflowID != "" && h.State.IsTerminal() {
		ev := HandoffEvent{HandoffID: h.ID, State: h.State}
		if out.Exception != nil {
			ev.ExceptionID = out.Exception.ID
		}
		if _, herr := k.orchestrator.HandleEvent(ctx, h.WorkflowID, ev); herr != nil && k.logger != nil {
			k.logger.Warn("workflow_event_deferred",
				"workflow_id", h.WorkflowID,
				"handoff_id", h.ID,
				"error", herr.Error(),
			)
		}
	}
	return h, out, nil
}

// transition performs a locked load-apply-save cycle on one handoff.
func (k *Kernel) transition(ctx context.Context, id string, req TransitionRequest) (_ *handoff.Handoff, _ Outcome, err error) {
	ctx, span := k.tracer.Start(ctx, "kernel.transition", trace.WithAttributes(
		attribute.String("handoff.id", id),
		attribute.String("handoff.event", string(req.Event)),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.RecordTransitionError(string(req.Event), errorReason(err))
		}
		span.End()
	}()

	unlock, err := k.acquire(ctx, "handoff", id)
	if err != nil {
		return nil, Outcome{}, err
	}
	defer unlock()

	current, err := k.store.GetHandoff(ctx, id)
	if err != nil {
		return nil, Outcome{}, err
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != current.Version {
		return nil, Outcome{}, handoff.NewConcurrentModificationError("handoff", id, *req.ExpectedVersion, current.Version)
	}
	graph, err := k.graphFor(ctx, current)
	if err != nil {
		return nil, Outcome{}, err
	}

	next, out, err := k.machine.Apply(ctx, current, graph, req)
	if err != nil {
		return nil, Outcome{}, err
	}
	if err := k.store.SaveHandoff(ctx, next); err != nil {
		return nil, Outcome{}, fmt.Errorf("save handoff: %w", err)
	}
	if out.Exception != nil {
		if err := k.store.SaveException(ctx, out.Exception); err != nil {
			return nil, Outcome{}, fmt.Errorf("save exception: %w", err)
		}
	}

	observability.RecordTransition(string(req.Event), string(out.From), string(out.To), float64(time.Since(start).Microseconds())/1000.0)
	span.SetAttributes(
		attribute.String("handoff.from", string(out.From)),
		attribute.String("handoff.to", string(out.To)),
	)
	k.emitTransition(next, req, out)
	if out.Exception != nil {
		k.emitException(out.Exception, observability.EventExceptionRaised)
	}

	if k.logger != nil {
		k.logger.Info("handoff_transitioned",
			"handoff_id", id,
			"event", string(req.Event),
			"from", string(out.From),
			"to", string(out.To),
			"actor", req.Actor,
		)
	}
	return next.Clone(), out, nil
}

// RaiseOverdue records that an in-progress handoff overran its
// expected-completion budget. The external scheduler calls this; the kernel
// performs no wall-clock polling.
func (k *Kernel) RaiseOverdue(ctx context.Context, id, actor string) (*handoff.Exception, error) {
	unlock, err := k.acquire(ctx, "handoff", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := k.store.GetHandoff(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.State != handoff.StateInProgress {
		return nil, handoff.NewIllegalTransitionError(id, h.State, "overdue")
	}
	if actor == "" {
		actor = "scheduler"
	}

	desc := "work started but overdue"
	if h.ExpectedCompletion > 0 {
		desc = fmt.Sprintf("work started but overdue: budget %s", h.ExpectedCompletion)
	}
	exc := k.resolver.Raise(h, nil,
		WithCategory(handoff.CategoryResource),
		WithSource(SourceOverdue),
		WithDescription(desc),
		WithActor(actor))

	next := h.Clone()
	next.AppendHistory(handoff.HistoryEntry{
		State:     next.State,
		Event:     "overdue",
		Timestamp: exc.CreatedAt,
		Actor:     actor,
		Note:      exc.ID,
	})
	if err := k.store.SaveHandoff(ctx, next); err != nil {
		return nil, fmt.Errorf("save handoff: %w", err)
	}
	if err := k.store.SaveException(ctx, exc); err != nil {
		return nil, fmt.Errorf("save exception: %w", err)
	}
	k.emitException(exc, observability.EventExceptionRaised)
	return exc.Clone(), nil
}

// =============================================================================
// Exceptions
// =============================================================================

// GetException loads an exception.
func (k *Kernel) GetException(ctx context.Context, id string) (*handoff.Exception, error) {
	return k.store.GetException(ctx, id)
}

// ListExceptions returns the exceptions raised for a handoff.
func (k *Kernel) ListExceptions(ctx context.Context, handoffID string) ([]*handoff.Exception, error) {
	return k.store.ListExceptions(ctx, handoffID)
}

// ResolveException applies a response to an open exception.
//
// On resolution a non-terminal handoff is saved with the patch applied and
// the workflow the exception blocks returns to running. A rejected attempt
// is logged on the exception and may escalate it.
//
// The exception, its workflow and its handoff are locked in that order. When
// any of them is held elsewhere nothing is saved and the error matches
// ErrConcurrentModification.
func (k *Kernel) ResolveException(ctx context.Context, id string, resp Response) (_ *handoff.Exception, err error) {
	ctx, span := k.tracer.Start(ctx, "kernel.resolve_exception", trace.WithAttributes(
		attribute.String("exception.id", id),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock, err := k.acquire(ctx, "exception", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exc, err := k.store.GetException(ctx, id)
	if err != nil {
		return nil, err
	}
	if exc.Status.IsClosed() {
		return nil, fmt.Errorf("exception %s is %s: %w", id, exc.Status, handoff.ErrExceptionClosed)
	}

	// Held until the workflow has resumed.
	if exc.WorkflowID != "" {
		wunlock, err := k.acquire(ctx, "workflow", exc.WorkflowID)
		if err != nil {
			return nil, err
		}
		defer wunlock()
	}

	var h *handoff.Handoff
	var graph *stagegraph.Graph
	if exc.Source != SourceWorkflow && exc.HandoffID != "" {
		hunlock, err := k.acquire(ctx, "handoff", exc.HandoffID)
		if err != nil {
			return nil, err
		}
		defer hunlock()
		if h, err = k.store.GetHandoff(ctx, exc.HandoffID); err != nil {
			return nil, err
		}
		if graph, err = k.graphFor(ctx, h); err != nil {
			return nil, err
		}
	}

	updated, patched, err := k.resolver.AttemptResolution(ctx, exc, h, graph, resp)
	if err != nil {
		return nil, err
	}
	resolved := updated.Status == handoff.ExceptionResolved
	if resolved && patched != nil && !patched.State.IsTerminal() {
		if err := k.store.SaveHandoff(ctx, patched); err != nil {
			return nil, fmt.Errorf("save handoff: %w", err)
		}
	}
	if err := k.store.SaveException(ctx, updated); err != nil {
		return nil, fmt.Errorf("save exception: %w", err)
	}

	outcome := "rejected"
	eventType := observability.EventResolutionRejected
	if resolved {
		outcome = "resolved"
		eventType = observability.EventExceptionResolved
	}
	observability.RecordResolutionAttempt(string(updated.Category), outcome)
	k.emitException(updated, eventType)
	if updated.Status == handoff.ExceptionEscalated {
		k.emitException(updated, observability.EventExceptionEscalated)
	}
	if k.logger != nil {
		k.logger.Info("exception_resolution_attempted",
			"exception_id", id,
			"outcome", outcome,
			"status", string(updated.Status),
			"escalation_count", updated.EscalationCount,
		)
	}

	if resolved && updated.WorkflowID != "" {
		if err := k.orchestrator.resume(ctx, updated, patched, resp.Variables); err != nil {
			return nil, fmt.Errorf("resume workflow %s: %w", updated.WorkflowID, err)
		}
	}
	return updated.Clone(), nil
}

// EscalateException escalates an exception on behalf of a supervisor.
func (k *Kernel) EscalateException(ctx context.Context, id, actor, reason string) (*handoff.Exception, error) {
	unlock, err := k.acquire(ctx, "exception", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exc, err := k.store.GetException(ctx, id)
	if err != nil {
		return nil, err
	}
	if exc.Status == handoff.ExceptionEscalated {
		return exc, nil
	}
	updated, err := k.resolver.Escalate(exc, actor, reason)
	if err != nil {
		return nil, err
	}
	if err := k.store.SaveException(ctx, updated); err != nil {
		return nil, fmt.Errorf("save exception: %w", err)
	}
	k.emitException(updated, observability.EventExceptionEscalated)
	return updated.Clone(), nil
}

// =============================================================================
// Workflows
// =============================================================================

// StartWorkflow creates a running workflow instance for a campaign.
func (k *Kernel) StartWorkflow(ctx context.Context, campaignID string, graph *stagegraph.Graph, vars map[string]any) (*handoff.WorkflowInstance, error) {
	return k.orchestrator.StartWorkflow(ctx, campaignID, graph, vars)
}

// Advance issues the next stage handoff of a workflow, if any.
func (k *Kernel) Advance(ctx context.Context, workflowID string) (*handoff.Handoff, error) {
	return k.orchestrator.Advance(ctx, workflowID)
}

// HandleEvent applies a handoff state change to its workflow.
func (k *Kernel) HandleEvent(ctx context.Context, workflowID string, ev HandoffEvent) (*handoff.WorkflowInstance, error) {
	return k.orchestrator.HandleEvent(ctx, workflowID, ev)
}

// Abort cancels a workflow and its in-flight handoff.
func (k *Kernel) Abort(ctx context.Context, workflowID, actor, reason string) (*handoff.WorkflowInstance, error) {
	return k.orchestrator.Abort(ctx, workflowID, actor, reason)
}

// GetWorkflow loads a workflow instance.
func (k *Kernel) GetWorkflow(ctx context.Context, id string) (*handoff.WorkflowInstance, error) {
	return k.store.GetWorkflow(ctx, id)
}

// =============================================================================
// Event System
// =============================================================================

// OnEvent registers a synchronous event handler. Handler panics are
// recovered and logged.
func (k *Kernel) OnEvent(handler EventHandler) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

// emit sends a record to the emitter and every handler.
func (k *Kernel) emit(rec observability.Record) {
	if k.emitter != nil {
		k.emitter.Emit(rec)
	}

	k.eventMu.RLock()
	handlers := make([]EventHandler, len(k.eventHandlers))
	copy(handlers, k.eventHandlers)
	k.eventMu.RUnlock()

	for _, handler := range handlers {
		_ = SafeExecute(k.logger, "event_handler", func() error {
			handler(rec)
			return nil
		})
	}
}

func (k *Kernel) emitTransition(h *handoff.Handoff, req TransitionRequest, out Outcome) {
	payload := handoffPayload(h)
	payload["event"] = string(req.Event)
	payload["from"] = string(out.From)
	payload["to"] = string(out.To)
	payload["actor"] = req.Actor
	if out.Exception != nil {
		payload["exception_id"] = out.Exception.ID
	}

	eventType := observability.EventHandoffTransitioned
	severity := observability.SeverityInfo
	switch {
	case out.To == handoff.StateRejected:
		eventType = observability.EventHandoffRejected
		severity = observability.SeverityAlert
	case out.To == handoff.StatePendingClarification:
		eventType = observability.EventClarificationRequested
	}
	k.emit(observability.NewRecord(observability.EntityHandoff, h.ID, eventType, severity, payload))
}

func (k *Kernel) emitException(e *handoff.Exception, eventType string) {
	severity := observability.SeverityInfo
	if eventType == observability.EventExceptionEscalated {
		severity = observability.SeverityAlert
	}
	switch eventType {
	case observability.EventExceptionRaised:
		observability.RecordExceptionRaised(string(e.Category), e.Source)
		if e.Status == handoff.ExceptionEscalated {
			k.emit(observability.NewRecord(observability.EntityException, e.ID, eventType, severity, exceptionPayload(e)))
			eventType = observability.EventExceptionEscalated
			severity = observability.SeverityAlert
		}
	}
	if eventType == observability.EventExceptionEscalated {
		observability.RecordEscalation(string(e.Category))
		if k.logger != nil {
			k.logger.Warn("exception_escalated",
				"exception_id", e.ID,
				"handoff_id", e.HandoffID,
				"category", string(e.Category),
			)
		}
	}
	k.emit(observability.NewRecord(observability.EntityException, e.ID, eventType, severity, exceptionPayload(e)))
}

func (k *Kernel) emitWorkflow(wf *handoff.WorkflowInstance, eventType string, extra map[string]any) {
	payload := map[string]any{
		"workflow_id":        wf.ID,
		"campaign_id":        wf.CampaignID,
		"status":             string(wf.Status),
		"current_stage":      wf.CurrentStage,
		"current_handoff_id": wf.CurrentHandoffID,
		"stage_index":        wf.StageIndex,
	}
	if wf.ExceptionID != "" {
		payload["exception_id"] = wf.ExceptionID
	}
	for key, v := range extra {
		payload[key] = v
	}
	severity := observability.SeverityInfo
	if eventType == observability.EventWorkflowStatusChanged && wf.Status == handoff.WorkflowBlocked {
		severity = observability.SeverityAlert
	}
	k.emit(observability.NewRecord(observability.EntityWorkflow, wf.ID, eventType, severity, payload))
}

func handoffPayload(h *handoff.Handoff) map[string]any {
	return map[string]any{
		"handoff_id":   h.ID,
		"workflow_id":  h.WorkflowID,
		"campaign_id":  h.CampaignID,
		"source_agent": h.SourceAgent,
		"target_agent": h.TargetAgent,
		"stage":        h.Context.Stage,
		"state":        string(h.State),
		"priority":     h.Priority,
		"version":      h.Version,
	}
}

func exceptionPayload(e *handoff.Exception) map[string]any {
	p := map[string]any{
		"exception_id":     e.ID,
		"handoff_id":       e.HandoffID,
		"workflow_id":      e.WorkflowID,
		"category":         string(e.Category),
		"source":           e.Source,
		"status":           string(e.Status),
		"escalation_count": e.EscalationCount,
		"description":      e.Description,
	}
	if e.MissingResource != "" {
		p["missing_resource"] = e.MissingResource
	}
	return p
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, handoff.ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, handoff.ErrConcurrentModification):
		return "concurrent"
	case errors.Is(err, handoff.ErrNotFound):
		return "not_found"
	case errors.Is(err, handoff.ErrInvalidHandoff):
		return "invalid"
	}
	return "internal"
}

// =============================================================================
// System Status
// =============================================================================

// GetSystemStatus returns workflow counts and uptime.
func (k *Kernel) GetSystemStatus(ctx context.Context) (map[string]any, error) {
	byStatus := map[string]int{}
	for _, s := range []handoff.WorkflowStatus{
		handoff.WorkflowRunning, handoff.WorkflowBlocked,
		handoff.WorkflowCompleted, handoff.WorkflowAborted,
	} {
		wfs, err := k.store.ListWorkflows(ctx, s)
		if err != nil {
			return nil, err
		}
		byStatus[string(s)] = len(wfs)
	}
	k.graphsMu.RLock()
	graphs := len(k.graphs)
	k.graphsMu.RUnlock()

	return map[string]any{
		"workflows":      byStatus,
		"graphs":         graphs,
		"uptime_seconds": time.Since(k.startedAt).Seconds(),
	}, nil
}

// =============================================================================
// Shutdown
// =============================================================================

// ShutdownError aggregates multiple errors that occurred during shutdown.
type ShutdownError struct {
	Errors []error
}

// Error returns a string representation of the shutdown errors.
func (e *ShutdownError) Error() string {
	if len(e.Errors) == 0 {
		return "shutdown completed with no errors"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the first error for compatibility with errors.Is/As.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown runs every registered closer in reverse registration order.
// Returns a ShutdownError if any of them failed.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.logger != nil {
		k.logger.Info("kernel_shutdown_initiated")
	}

	var errs []error
	for i := len(k.closers) - 1; i >= 0; i-- {
		c := k.closers[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown cancelled before %s: %w", c.name, err))
			break
		}
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			if k.logger != nil {
				k.logger.Warn("shutdown_close_failed", "component", c.name, "error", err.Error())
			}
		}
	}

	if k.logger != nil {
		k.logger.Info("kernel_shutdown_completed", "errors", len(errs))
	}
	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}
