package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/validation"
)

// newCreateCmd builds a pending handoff from a create request.
func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Build a pending handoff from a create request on stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req api.CreateHandoffRequest
			if err := readInput(cmd, &req); err != nil {
				return err
			}
			var opts []handoff.Option
			if req.Capability != "" {
				opts = append(opts, handoff.WithCapability(req.Capability))
			}
			if req.ExpectedCompletionSeconds > 0 {
				opts = append(opts, handoff.WithExpectedCompletion(time.Duration(req.ExpectedCompletionSeconds)*time.Second))
			}
			h, err := handoff.New(req.SourceAgent, req.TargetAgent, req.WorkflowID, req.CampaignID,
				req.Stage, req.Payload, req.Priority, opts...)
			if err != nil {
				return writeKernelError(cmd, err)
			}
			return writeJSON(cmd, h)
		},
	}
}

// newTransitionCmd applies one event to the handoff on stdin.
func newTransitionCmd() *cobra.Command {
	var (
		req       kernel.TransitionRequest
		event     string
		reason    string
		patch     string
		graphPath string
	)
	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Apply an event to the handoff on stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Event = kernel.Event(event)
			req.Reason = kernel.Reason(reason)
			if patch != "" {
				req.Patch = &kernel.PayloadPatch{}
				if err := json.Unmarshal([]byte(patch), req.Patch); err != nil {
					return writeError(cmd, codeParseError, fmt.Sprintf("Invalid patch: %s", err.Error()))
				}
			}
			graph, err := loadGraph(graphPath)
			if err != nil {
				return writeError(cmd, codeInvalid, err.Error())
			}

			var h handoff.Handoff
			if err := readInput(cmd, &h); err != nil {
				return err
			}
			next, out, err := kernel.NewMachine(nil, nil, nil).Apply(cmd.Context(), &h, graph, req)
			if err != nil {
				return writeKernelError(cmd, err)
			}
			return writeJSON(cmd, api.TransitionResponse{Handoff: next, Outcome: out})
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "event to apply")
	cmd.Flags().StringVar(&req.Actor, "actor", "", "agent applying the event")
	cmd.Flags().StringVar(&req.Note, "note", "", "history note")
	cmd.Flags().StringVar(&reason, "reason", "", "decline or failure reason")
	cmd.Flags().StringVar(&patch, "patch", "", "payload patch as JSON")
	cmd.Flags().StringVar(&graphPath, "graph", "", "stage graph file for workflow handoffs")
	_ = cmd.MarkFlagRequired("event")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// newValidateCmd runs the validation engine over the handoff on stdin.
func newValidateCmd() *cobra.Command {
	var graphPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the handoff on stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			graph, err := loadGraph(graphPath)
			if err != nil {
				return writeError(cmd, codeInvalid, err.Error())
			}
			var h handoff.Handoff
			if err := readInput(cmd, &h); err != nil {
				return err
			}
			result := validation.NewEngine().Validate(cmd.Context(), &h, graph)
			return writeJSON(cmd, api.ValidationResponse{
				HandoffID: h.ID,
				Passed:    result.Passed(),
				Result:    result,
			})
		},
	}
	cmd.Flags().StringVar(&graphPath, "graph", "", "stage graph file for workflow handoffs")
	return cmd
}

// newAllowedCmd lists the events the handoff on stdin accepts.
func newAllowedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allowed",
		Short: "List the events the handoff on stdin accepts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var h handoff.Handoff
			if err := readInput(cmd, &h); err != nil {
				return err
			}
			if !h.State.IsValid() {
				return writeError(cmd, codeInvalid, fmt.Sprintf("unknown state %q", h.State))
			}
			events := kernel.AllowedEvents(h.State)
			if events == nil {
				events = []kernel.Event{}
			}
			return writeJSON(cmd, map[string]any{
				"handoff_id": h.ID,
				"state":      h.State,
				"terminal":   h.State.IsTerminal(),
				"events":     events,
			})
		},
	}
}

type attachInput struct {
	Handoff   *handoff.Handoff  `json:"handoff"`
	Artifact  handoff.Artifact  `json:"artifact"`
	Direction handoff.Direction `json:"direction"`
}

// newAttachCmd references an artifact from the handoff on stdin.
func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: `Attach an artifact: stdin is {"handoff":...,"artifact":...,"direction":"input|output"}`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in attachInput
			if err := readInput(cmd, &in); err != nil {
				return err
			}
			if in.Handoff == nil {
				return writeError(cmd, codeInvalid, "handoff is required")
			}
			if in.Artifact.ID == "" {
				return writeError(cmd, codeInvalid, "artifact.id is required")
			}
			return writeJSON(cmd, handoff.AttachArtifact(in.Handoff, in.Artifact, in.Direction))
		},
	}
}
