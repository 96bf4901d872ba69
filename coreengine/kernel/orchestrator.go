// Package kernel provides the Orchestrator - kernel-side workflow progression.
//
// The Orchestrator:
//   - Owns stage graph traversal for each workflow instance
//   - Evaluates branch conditions in declared order
//   - Enforces iteration caps on iterative stages
//   - Selects targets through the capability matcher
//   - Blocks the workflow with an exception instead of guessing
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
)

// Orchestrator drives workflow instances through their stage graphs.
// It keeps no state of its own: every call loads the instance from the
// store under the workflow lock.
type Orchestrator struct {
	kernel    *Kernel
	logger    Logger
	evaluator BranchEvaluator
	now       func() time.Time
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(kernel *Kernel, logger Logger, evaluator BranchEvaluator) *Orchestrator {
	if evaluator == nil {
		evaluator = DefaultBranchEvaluator
	}
	return &Orchestrator{
		kernel:    kernel,
		logger:    logger,
		evaluator: evaluator,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartWorkflow persists a running instance over a validated snapshot of
// graph. graph itself is only read, so one registered graph can start any
// number of workflows concurrently.
func (o *Orchestrator) StartWorkflow(ctx context.Context, campaignID string, source *stagegraph.Graph, vars map[string]any) (*handoff.WorkflowInstance, error) {
	if campaignID == "" {
		return nil, handoff.NewInvalidHandoffError("campaign_id", "required")
	}
	if source == nil {
		return nil, handoff.NewInvalidHandoffError("graph", "required")
	}
	graph := source.Clone()
	if err := graph.Validate(); err != nil {
		return nil, handoff.NewInvalidHandoffError("graph", err.Error())
	}

	now := o.now()
	wf := &handoff.WorkflowInstance{
		ID:         handoff.NewWorkflowID(),
		CampaignID: campaignID,
		Graph:      graph,
		Path:       []handoff.StageRun{},
		Iterations: map[string]int{},
		Status:     handoff.WorkflowRunning,
		Variables:  vars,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	wf = wf.Clone()
	if err := o.kernel.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	observability.RecordWorkflowStatus(string(wf.Status))
	o.kernel.emitWorkflow(wf, observability.EventWorkflowStarted, map[string]any{"graph": graph.Name})

	if o.logger != nil {
		o.logger.Info("workflow_started",
			"workflow_id", wf.ID,
			"campaign_id", campaignID,
			"graph", graph.Name,
			"start_stage", graph.StartStage(),
		)
	}
	return wf.Clone(), nil
}

// Advance issues the next stage handoff.
//
// Returns nil without error when the workflow is completed, aborted or
// blocked, or when the current handoff is still in flight. A completed or
// rejected current handoff whose event was not yet applied is applied first.
// When no agent declares the stage capability the workflow is blocked with
// a capability exception and the error matches ErrNotFound.
func (o *Orchestrator) Advance(ctx context.Context, workflowID string) (*handoff.Handoff, error) {
	ctx, span := o.kernel.tracer.Start(ctx, "kernel.advance", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
	))
	defer span.End()

	unlock, err := o.kernel.acquire(ctx, "workflow", workflowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	wf, err := o.kernel.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status == handoff.WorkflowBlocked {
		if err := o.unblockResolved(ctx, wf); err != nil {
			return nil, err
		}
	}
	if wf.Status != handoff.WorkflowRunning {
		observability.RecordWorkflowAdvance("idle")
		return nil, nil
	}

	if wf.CurrentHandoffID != "" {
		cur, err := o.kernel.store.GetHandoff(ctx, wf.CurrentHandoffID)
		if err != nil {
			return nil, err
		}
		switch cur.State {
		case handoff.StateCompleted:
			if o.recordCompletion(wf, cur) {
				if err := o.save(ctx, wf, observability.EventWorkflowAdvanced); err != nil {
					return nil, err
				}
			}
			if wf.Status == handoff.WorkflowCompleted {
				observability.RecordWorkflowAdvance("completed")
				return nil, nil
			}
		case handoff.StateRejected:
			if wf.RetryPayload != nil {
				return o.issue(ctx, wf, cur.Context.Stage)
			}
			if err := o.blockOnRejection(ctx, wf, cur, ""); err != nil {
				return nil, err
			}
			observability.RecordWorkflowAdvance("blocked")
			return nil, nil
		default:
			observability.RecordWorkflowAdvance("idle")
			return nil, nil
		}
	}

	stage, exc := o.nextStage(wf)
	if exc != nil {
		if err := o.block(ctx, wf, exc, exc.Description); err != nil {
			return nil, err
		}
		observability.RecordWorkflowAdvance("blocked")
		return nil, nil
	}
	if stage == "" {
		// Final stage recorded without completing the workflow; repair it.
		o.setStatus(wf, handoff.WorkflowCompleted)
		if err := o.save(ctx, wf, observability.EventWorkflowStatusChanged); err != nil {
			return nil, err
		}
		observability.RecordWorkflowAdvance("completed")
		return nil, nil
	}
	return o.issue(ctx, wf, stage)
}

// nextStage picks the stage after the last completed one. A non-nil
// exception means the workflow must block.
func (o *Orchestrator) nextStage(wf *handoff.WorkflowInstance) (string, *handoff.Exception) {
	graph := wf.Graph
	last, ok := wf.LastRun()
	if !ok {
		return graph.StartStage(), nil
	}

	successors := graph.Successors(last.Stage)
	if len(successors) == 0 {
		return "", nil
	}

	chosen := ""
	for _, t := range successors {
		matched, err := SafeExecuteWithResult(o.logger, "branch_evaluator", func() (bool, error) {
			return o.evaluator(wf, last.Stage, t), nil
		})
		if err == nil && matched {
			chosen = t.To
			break
		}
	}
	if chosen == "" {
		return "", o.kernel.resolver.RaiseForWorkflow(wf, handoff.CategoryConflict,
			fmt.Sprintf("no branch condition matched after stage %q", last.Stage))
	}

	if o.atIterationCap(wf, chosen) {
		forced := ""
		for _, t := range successors {
			if t.To != chosen && !o.atIterationCap(wf, t.To) {
				forced = t.To
				break
			}
		}
		if forced == "" {
			return "", o.kernel.resolver.RaiseForWorkflow(wf, handoff.CategoryConflict,
				fmt.Sprintf("stage %q reached its iteration cap of %d and has no other successor", chosen, o.maxIterations(wf, chosen)))
		}
		if o.logger != nil {
			o.logger.Warn("iteration_cap_forced",
				"workflow_id", wf.ID,
				"stage", chosen,
				"forced_stage", forced,
				"iterations", wf.Iterations[chosen],
			)
		}
		chosen = forced
	}
	return chosen, nil
}

func (o *Orchestrator) maxIterations(wf *handoff.WorkflowInstance, stage string) int {
	if s, ok := wf.Graph.Stage(stage); ok && s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return o.kernel.cfg.DefaultMaxIterations
}

func (o *Orchestrator) atIterationCap(wf *handoff.WorkflowInstance, stage string) bool {
	if !wf.Graph.IsIterative(stage) {
		return false
	}
	return wf.Iterations[stage] >= o.maxIterations(wf, stage)
}

// issue creates and submits the handoff for stage.
func (o *Orchestrator) issue(ctx context.Context, wf *handoff.WorkflowInstance, stageName string) (*handoff.Handoff, error) {
	k := o.kernel
	stage, ok := wf.Graph.Stage(stageName)
	if !ok {
		return nil, handoff.NewNotFoundError("stage", stageName)
	}

	source := k.cfg.OrchestratorAgent
	var inputs []handoff.ArtifactRef
	if last, ok := wf.LastRun(); ok {
		source = last.TargetAgent
		prev, err := k.store.GetHandoff(ctx, last.HandoffID)
		if err != nil {
			return nil, fmt.Errorf("load previous stage handoff: %w", err)
		}
		inputs = prev.Payload.OutputArtifacts
	}

	target, found := "", false
	if k.matcher != nil {
		target, found = k.matcher.FindAgent(ctx, stage.Capability, Constraints{
			Exclude: []string{source},
			Rule:    stage.SelectionRule,
		})
	}
	if !found {
		exc := k.resolver.RaiseForWorkflow(wf, handoff.CategoryCapability,
			fmt.Sprintf("no agent declares capability %q for stage %q", stage.Capability, stageName),
			WithMissingResource(stage.Capability))
		if err := o.block(ctx, wf, exc, exc.Description); err != nil {
			return nil, err
		}
		observability.RecordWorkflowAdvance("blocked")
		return nil, fmt.Errorf("advance workflow %s: %w", wf.ID, handoff.NewNotFoundError("agent", stage.Capability))
	}

	var payload handoff.Payload
	if wf.RetryPayload != nil {
		payload = *wf.RetryPayload
	} else {
		payload = o.stagePayload(wf, stage, inputs)
	}
	priority := stage.Priority
	if priority == 0 {
		priority = k.cfg.DefaultPriority
	}

	h, err := k.CreateHandoff(ctx, source, target, wf.ID, wf.CampaignID, stageName, payload, priority,
		handoff.WithCapability(stage.Capability),
		handoff.WithPreviousStages(wf.PreviousStages()...),
		handoff.WithGovernance(handoff.Governance{RequiresHumanApproval: stage.RequiresHumanApproval}),
		handoff.WithExpectedCompletion(time.Duration(stage.ExpectedCompletionSecond)*time.Second),
	)
	if err != nil {
		return nil, err
	}

	submitted, out, err := k.transition(ctx, h.ID, TransitionRequest{Event: EventSubmit, Actor: source})
	if err != nil {
		return nil, err
	}

	wf.CurrentStage = stageName
	wf.CurrentHandoffID = submitted.ID
	wf.RetryPayload = nil
	if submitted.State == handoff.StateRejected {
		excID := ""
		if out.Exception != nil {
			excID = out.Exception.ID
		}
		if err := o.blockOnRejection(ctx, wf, submitted, excID); err != nil {
			return nil, err
		}
		observability.RecordWorkflowAdvance("blocked")
		return submitted, nil
	}

	if err := o.save(ctx, wf, observability.EventWorkflowAdvanced); err != nil {
		return nil, err
	}
	observability.RecordWorkflowAdvance("issued")
	if o.logger != nil {
		o.logger.Info("workflow_advanced",
			"workflow_id", wf.ID,
			"stage", stageName,
			"handoff_id", submitted.ID,
			"target_agent", target,
		)
	}
	return submitted, nil
}

func (o *Orchestrator) stagePayload(wf *handoff.WorkflowInstance, stage *stagegraph.Stage, inputs []handoff.ArtifactRef) handoff.Payload {
	task := stage.TaskDescription
	if task == "" {
		task = fmt.Sprintf("Stage %s of campaign %s", stage.Name, wf.CampaignID)
	}
	deliverables := make([]handoff.DeliverableSpec, 0, len(stage.Deliverables))
	for _, d := range stage.Deliverables {
		deliverables = append(deliverables, handoff.DeliverableSpec{
			Name:        d.Name,
			Format:      d.Format,
			Description: d.Description,
		})
	}
	return handoff.Payload{
		TaskDescription: task,
		Deliverables:    deliverables,
		InputArtifacts:  append([]handoff.ArtifactRef(nil), inputs...),
	}
}

// recordCompletion appends the completed current handoff to the path once.
func (o *Orchestrator) recordCompletion(wf *handoff.WorkflowInstance, h *handoff.Handoff) bool {
	if h.ID != wf.CurrentHandoffID {
		return false
	}
	if last, ok := wf.LastRun(); ok && last.HandoffID == h.ID {
		return false
	}
	completedAt := o.now()
	if entry, ok := h.LastEntry(); ok {
		completedAt = entry.Timestamp
	}
	stage := h.Context.Stage
	wf.Iterations[stage]++
	wf.Path = append(wf.Path, handoff.StageRun{
		Stage:       stage,
		HandoffID:   h.ID,
		TargetAgent: h.TargetAgent,
		Iteration:   wf.Iterations[stage],
		CompletedAt: completedAt,
	})
	wf.StageIndex++
	wf.CurrentStage = stage
	if wf.Graph.IsFinal(stage) {
		o.setStatus(wf, handoff.WorkflowCompleted)
	}
	return true
}

// HandleEvent applies a handoff state change to the workflow. Events for a
// handoff other than the current one are ignored.
func (o *Orchestrator) HandleEvent(ctx context.Context, workflowID string, ev HandoffEvent) (*handoff.WorkflowInstance, error) {
	unlock, err := o.kernel.acquire(ctx, "workflow", workflowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	wf, err := o.kernel.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() || ev.HandoffID != wf.CurrentHandoffID {
		if o.logger != nil && ev.HandoffID != wf.CurrentHandoffID {
			o.logger.Debug("workflow_event_ignored",
				"workflow_id", workflowID,
				"handoff_id", ev.HandoffID,
				"current_handoff_id", wf.CurrentHandoffID,
			)
		}
		return wf, nil
	}

	switch ev.State {
	case handoff.StateCompleted:
		h, err := o.kernel.store.GetHandoff(ctx, ev.HandoffID)
		if err != nil {
			return nil, err
		}
		if h.State != handoff.StateCompleted {
			return wf, nil
		}
		if o.recordCompletion(wf, h) {
			if err := o.save(ctx, wf, observability.EventWorkflowAdvanced); err != nil {
				return nil, err
			}
		}
	case handoff.StateRejected:
		if wf.Status != handoff.WorkflowRunning || wf.RetryPayload != nil {
			return wf, nil
		}
		h, err := o.kernel.store.GetHandoff(ctx, ev.HandoffID)
		if err != nil {
			return nil, err
		}
		if err := o.blockOnRejection(ctx, wf, h, ev.ExceptionID); err != nil {
			return nil, err
		}
	}
	return wf.Clone(), nil
}

// Abort cancels the current handoff when it is not terminal and marks the
// workflow aborted. Aborting an aborted workflow is a no-op.
func (o *Orchestrator) Abort(ctx context.Context, workflowID, actor, reason string) (*handoff.WorkflowInstance, error) {
	unlock, err := o.kernel.acquire(ctx, "workflow", workflowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	wf, err := o.kernel.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	switch wf.Status {
	case handoff.WorkflowAborted:
		return wf, nil
	case handoff.WorkflowCompleted:
		return nil, handoff.NewIllegalTransitionError(workflowID, handoff.State(wf.Status), "abort")
	}
	if actor == "" {
		actor = o.kernel.cfg.OrchestratorAgent
	}
	if reason == "" {
		reason = "workflow aborted"
	}

	if wf.CurrentHandoffID != "" {
		cur, err := o.kernel.store.GetHandoff(ctx, wf.CurrentHandoffID)
		if err != nil {
			return nil, err
		}
		if !cur.State.IsTerminal() {
			if _, _, err := o.kernel.transition(ctx, cur.ID, TransitionRequest{
				Event: EventCancel,
				Actor: actor,
				Note:  reason,
			}); err != nil {
				return nil, fmt.Errorf("cancel handoff %s: %w", cur.ID, err)
			}
		}
	}

	wf.AbortReason = reason
	o.setStatus(wf, handoff.WorkflowAborted)
	if err := o.save(ctx, wf, observability.EventWorkflowStatusChanged); err != nil {
		return nil, err
	}
	if o.logger != nil {
		o.logger.Info("workflow_aborted", "workflow_id", workflowID, "actor", actor, "reason", reason)
	}
	return wf.Clone(), nil
}

// resume returns a workflow blocked by exc to running. When the exception
// belongs to the rejected current handoff, the patched payload is kept so
// the next Advance re-issues the stage. The caller holds the workflow lock.
func (o *Orchestrator) resume(ctx context.Context, exc *handoff.Exception, patched *handoff.Handoff, vars map[string]any) error {
	wf, err := o.kernel.store.GetWorkflow(ctx, exc.WorkflowID)
	if errors.Is(err, handoff.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	changed := false
	if patched != nil && patched.State == handoff.StateRejected && patched.ID == wf.CurrentHandoffID {
		p := patched.Clone().Payload
		wf.RetryPayload = &p
		changed = true
	}
	if len(vars) > 0 {
		if wf.Variables == nil {
			wf.Variables = map[string]any{}
		}
		for key, v := range vars {
			wf.Variables[key] = v
		}
		changed = true
	}
	event := observability.EventWorkflowAdvanced
	if wf.Status == handoff.WorkflowBlocked && wf.ExceptionID == exc.ID {
		wf.ExceptionID = ""
		wf.BlockedReason = ""
		o.setStatus(wf, handoff.WorkflowRunning)
		event = observability.EventWorkflowStatusChanged
		changed = true
	}
	if !changed {
		return nil
	}
	return o.save(ctx, wf, event)
}

// unblockResolved returns wf to running when the exception blocking it is
// already resolved, which happens when a resolution was saved but the
// workflow update after it failed. A rejected current handoff is re-issued
// with its own payload.
func (o *Orchestrator) unblockResolved(ctx context.Context, wf *handoff.WorkflowInstance) error {
	if wf.ExceptionID == "" {
		return nil
	}
	exc, err := o.kernel.store.GetException(ctx, wf.ExceptionID)
	if errors.Is(err, handoff.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if exc.Status != handoff.ExceptionResolved {
		return nil
	}

	if wf.CurrentHandoffID != "" && wf.RetryPayload == nil {
		cur, err := o.kernel.store.GetHandoff(ctx, wf.CurrentHandoffID)
		if err != nil {
			return err
		}
		if cur.State == handoff.StateRejected {
			p := cur.Clone().Payload
			wf.RetryPayload = &p
		}
	}
	wf.ExceptionID = ""
	wf.BlockedReason = ""
	o.setStatus(wf, handoff.WorkflowRunning)
	if o.logger != nil {
		o.logger.Warn("workflow_unblocked_after_resolution",
			"workflow_id", wf.ID,
			"exception_id", exc.ID,
		)
	}
	return o.save(ctx, wf, observability.EventWorkflowStatusChanged)
}

// blockOnRejection blocks the workflow on a rejected handoff, raising a
// conflict exception when the rejection carried none.
func (o *Orchestrator) blockOnRejection(ctx context.Context, wf *handoff.WorkflowInstance, h *handoff.Handoff, exceptionID string) error {
	if exceptionID == "" {
		excs, err := o.kernel.store.ListExceptions(ctx, h.ID)
		if err != nil {
			return err
		}
		if len(excs) > 0 {
			exceptionID = excs[len(excs)-1].ID
		}
	}
	if exceptionID == "" {
		exc := o.kernel.resolver.RaiseForWorkflow(wf, handoff.CategoryConflict,
			fmt.Sprintf("stage %q handoff %s was rejected", h.Context.Stage, h.ID))
		return o.block(ctx, wf, exc, exc.Description)
	}
	wf.ExceptionID = exceptionID
	wf.BlockedReason = fmt.Sprintf("stage %q handoff %s rejected", h.Context.Stage, h.ID)
	o.setStatus(wf, handoff.WorkflowBlocked)
	return o.save(ctx, wf, observability.EventWorkflowStatusChanged)
}

// block persists exc and marks the workflow blocked on it.
func (o *Orchestrator) block(ctx context.Context, wf *handoff.WorkflowInstance, exc *handoff.Exception, reason string) error {
	if err := o.kernel.store.SaveException(ctx, exc); err != nil {
		return fmt.Errorf("save exception: %w", err)
	}
	o.kernel.emitException(exc, observability.EventExceptionRaised)
	wf.ExceptionID = exc.ID
	wf.BlockedReason = reason
	o.setStatus(wf, handoff.WorkflowBlocked)
	return o.save(ctx, wf, observability.EventWorkflowStatusChanged)
}

func (o *Orchestrator) setStatus(wf *handoff.WorkflowInstance, s handoff.WorkflowStatus) {
	if wf.Status == s {
		return
	}
	wf.Status = s
	observability.RecordWorkflowStatus(string(s))
}

func (o *Orchestrator) save(ctx context.Context, wf *handoff.WorkflowInstance, eventType string) error {
	wf.UpdatedAt = o.now()
	if err := o.kernel.store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	if wf.Status == handoff.WorkflowCompleted && eventType == observability.EventWorkflowAdvanced {
		o.kernel.emitWorkflow(wf, eventType, nil)
		eventType = observability.EventWorkflowStatusChanged
	}
	o.kernel.emitWorkflow(wf, eventType, nil)
	return nil
}
