// Package api defines the request and response shapes shared by the gRPC
// and HTTP surfaces, and the Service that executes them against a kernel.
package api

import (
	"context"
	"time"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/validation"
)

// =============================================================================
// Requests
// =============================================================================

type StartWorkflowRequest struct {
	CampaignID string         `json:"campaign_id"`
	Graph      string         `json:"graph"`
	Variables  map[string]any `json:"variables,omitempty"`
}

type WorkflowRequest struct {
	WorkflowID string `json:"workflow_id"`
}

type AbortWorkflowRequest struct {
	WorkflowID string `json:"workflow_id"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason,omitempty"`
}

type CreateHandoffRequest struct {
	SourceAgent string          `json:"source_agent"`
	TargetAgent string          `json:"target_agent"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	CampaignID  string          `json:"campaign_id,omitempty"`
	Stage       string          `json:"stage"`
	Capability  string          `json:"capability,omitempty"`
	Priority    int             `json:"priority"`
	Payload     handoff.Payload `json:"payload"`
	// ExpectedCompletionSeconds of zero leaves the handoff without a deadline.
	ExpectedCompletionSeconds int `json:"expected_completion_seconds,omitempty"`
}

type HandoffRequest struct {
	HandoffID string `json:"handoff_id"`
}

type TransitionHandoffRequest struct {
	HandoffID string `json:"handoff_id"`
	kernel.TransitionRequest
}

type ReportOverdueRequest struct {
	HandoffID string `json:"handoff_id"`
	Actor     string `json:"actor,omitempty"`
}

type ExceptionRequest struct {
	ExceptionID string `json:"exception_id"`
}

type ResolveExceptionRequest struct {
	ExceptionID string `json:"exception_id"`
	kernel.Response
}

type EscalateExceptionRequest struct {
	ExceptionID string `json:"exception_id"`
	Actor       string `json:"actor"`
	Reason      string `json:"reason,omitempty"`
}

// =============================================================================
// Responses
// =============================================================================

type WorkflowResponse struct {
	Workflow *handoff.WorkflowInstance `json:"workflow"`
}

// AdvanceResponse carries the issued handoff, or none when the workflow is
// idle, blocked or finished.
type AdvanceResponse struct {
	Workflow *handoff.WorkflowInstance `json:"workflow"`
	Handoff  *handoff.Handoff          `json:"handoff,omitempty"`
}

type HandoffResponse struct {
	Handoff *handoff.Handoff `json:"handoff"`
}

type TransitionResponse struct {
	Handoff *handoff.Handoff `json:"handoff"`
	Outcome kernel.Outcome   `json:"outcome"`
}

type HistoryResponse struct {
	HandoffID string                 `json:"handoff_id"`
	History   []handoff.HistoryEntry `json:"history"`
}

type ValidationResponse struct {
	HandoffID string            `json:"handoff_id"`
	Passed    bool              `json:"passed"`
	Result    validation.Result `json:"result"`
}

type ExceptionResponse struct {
	Exception *handoff.Exception `json:"exception"`
}

// =============================================================================
// Service
// =============================================================================

// Service executes API requests. It holds no state of its own.
type Service struct {
	kernel *kernel.Kernel
}

// NewService creates a service over k.
func NewService(k *kernel.Kernel) *Service {
	return &Service{kernel: k}
}

// Kernel returns the underlying kernel.
func (s *Service) Kernel() *kernel.Kernel { return s.kernel }

func (s *Service) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (*WorkflowResponse, error) {
	if req.CampaignID == "" {
		return nil, handoff.NewInvalidHandoffError("campaign_id", "required")
	}
	graph, err := s.kernel.Graph(req.Graph)
	if err != nil {
		return nil, err
	}
	wf, err := s.kernel.StartWorkflow(ctx, req.CampaignID, graph, req.Variables)
	if err != nil {
		return nil, err
	}
	return &WorkflowResponse{Workflow: wf}, nil
}

func (s *Service) AdvanceWorkflow(ctx context.Context, req WorkflowRequest) (*AdvanceResponse, error) {
	h, err := s.kernel.Advance(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	wf, err := s.kernel.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	return &AdvanceResponse{Workflow: wf, Handoff: h}, nil
}

func (s *Service) AbortWorkflow(ctx context.Context, req AbortWorkflowRequest) (*WorkflowResponse, error) {
	if req.Actor == "" {
		return nil, handoff.NewInvalidHandoffError("actor", "required")
	}
	wf, err := s.kernel.Abort(ctx, req.WorkflowID, req.Actor, req.Reason)
	if err != nil {
		return nil, err
	}
	return &WorkflowResponse{Workflow: wf}, nil
}

func (s *Service) GetWorkflow(ctx context.Context, req WorkflowRequest) (*WorkflowResponse, error) {
	wf, err := s.kernel.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	return &WorkflowResponse{Workflow: wf}, nil
}

func (s *Service) CreateHandoff(ctx context.Context, req CreateHandoffRequest) (*HandoffResponse, error) {
	var opts []handoff.Option
	if req.Capability != "" {
		opts = append(opts, handoff.WithCapability(req.Capability))
	}
	if req.ExpectedCompletionSeconds > 0 {
		opts = append(opts, handoff.WithExpectedCompletion(time.Duration(req.ExpectedCompletionSeconds)*time.Second))
	}
	h, err := s.kernel.CreateHandoff(ctx, req.SourceAgent, req.TargetAgent, req.WorkflowID, req.CampaignID,
		req.Stage, req.Payload, req.Priority, opts...)
	if err != nil {
		return nil, err
	}
	return &HandoffResponse{Handoff: h}, nil
}

func (s *Service) GetHandoff(ctx context.Context, req HandoffRequest) (*HandoffResponse, error) {
	h, err := s.kernel.GetHandoff(ctx, req.HandoffID)
	if err != nil {
		return nil, err
	}
	return &HandoffResponse{Handoff: h}, nil
}

func (s *Service) GetHandoffHistory(ctx context.Context, req HandoffRequest) (*HistoryResponse, error) {
	history, err := s.kernel.GetHandoffHistory(ctx, req.HandoffID)
	if err != nil {
		return nil, err
	}
	return &HistoryResponse{HandoffID: req.HandoffID, History: history}, nil
}

func (s *Service) ValidateHandoff(ctx context.Context, req HandoffRequest) (*ValidationResponse, error) {
	r, err := s.kernel.ValidateHandoff(ctx, req.HandoffID)
	if err != nil {
		return nil, err
	}
	return &ValidationResponse{HandoffID: req.HandoffID, Passed: r.Passed(), Result: r}, nil
}

func (s *Service) TransitionHandoff(ctx context.Context, req TransitionHandoffRequest) (*TransitionResponse, error) {
	h, out, err := s.kernel.TransitionHandoff(ctx, req.HandoffID, req.TransitionRequest)
	if err != nil {
		return nil, err
	}
	return &TransitionResponse{Handoff: h, Outcome: out}, nil
}

func (s *Service) ReportOverdue(ctx context.Context, req ReportOverdueRequest) (*ExceptionResponse, error) {
	e, err := s.kernel.RaiseOverdue(ctx, req.HandoffID, req.Actor)
	if err != nil {
		return nil, err
	}
	return &ExceptionResponse{Exception: e}, nil
}

func (s *Service) GetException(ctx context.Context, req ExceptionRequest) (*ExceptionResponse, error) {
	e, err := s.kernel.GetException(ctx, req.ExceptionID)
	if err != nil {
		return nil, err
	}
	return &ExceptionResponse{Exception: e}, nil
}

func (s *Service) ResolveException(ctx context.Context, req ResolveExceptionRequest) (*ExceptionResponse, error) {
	e, err := s.kernel.ResolveException(ctx, req.ExceptionID, req.Response)
	if err != nil {
		return nil, err
	}
	return &ExceptionResponse{Exception: e}, nil
}

func (s *Service) EscalateException(ctx context.Context, req EscalateExceptionRequest) (*ExceptionResponse, error) {
	e, err := s.kernel.EscalateException(ctx, req.ExceptionID, req.Actor, req.Reason)
	if err != nil {
		return nil, err
	}
	return &ExceptionResponse{Exception: e}, nil
}

func (s *Service) GetSystemStatus(ctx context.Context) (map[string]any, error) {
	return s.kernel.GetSystemStatus(ctx)
}
