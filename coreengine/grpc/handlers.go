package grpc

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/typeutil"
)

// HandoffServer implements HandoffServiceServer over an api.Service.
type HandoffServer struct {
	svc         *api.Service
	broadcaster *observability.Broadcaster
	logger      Logger
}

// NewHandoffServer creates the service implementation. broadcaster may be
// nil, in which case WatchEvents is unavailable.
func NewHandoffServer(svc *api.Service, broadcaster *observability.Broadcaster, logger Logger) *HandoffServer {
	return &HandoffServer{svc: svc, broadcaster: broadcaster, logger: logger}
}

// serve decodes in into a Req, runs fn and encodes the result.
func serve[Req any, Resp any](in *structpb.Struct, validate func(Req) error, fn func(Req) (Resp, error)) (*structpb.Struct, error) {
	var req Req
	if err := fromStruct(in, &req); err != nil {
		return nil, invalidArgument("malformed request: %v", err)
	}
	if validate != nil {
		if err := validate(req); err != nil {
			return nil, err
		}
	}
	resp, err := fn(req)
	if err != nil {
		return nil, StatusFromError(err)
	}
	return toStruct(resp)
}

// =============================================================================
// WORKFLOWS
// =============================================================================

func (s *HandoffServer) StartWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, func(r api.StartWorkflowRequest) error {
		return required(r.Graph, "graph")
	}, func(r api.StartWorkflowRequest) (*api.WorkflowResponse, error) {
		return s.svc.StartWorkflow(ctx, r)
	})
}

func (s *HandoffServer) AdvanceWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, func(r api.WorkflowRequest) error {
		return required(r.WorkflowID, "workflow_id")
	}, func(r api.WorkflowRequest) (*api.AdvanceResponse, error) {
		return s.svc.AdvanceWorkflow(ctx, r)
	})
}

func (s *HandoffServer) AbortWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, func(r api.AbortWorkflowRequest) error {
		return required(r.WorkflowID, "workflow_id")
	}, func(r api.AbortWorkflowRequest) (*api.WorkflowResponse, error) {
		return s.svc.AbortWorkflow(ctx, r)
	})
}

func (s *HandoffServer) GetWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, func(r api.WorkflowRequest) error {
		return required(r.WorkflowID, "workflow_id")
	}, func(r api.WorkflowRequest) (*api.WorkflowResponse, error) {
		return s.svc.GetWorkflow(ctx, r)
	})
}

// =============================================================================
// HANDOFFS
// =============================================================================

func (s *HandoffServer) CreateHandoff(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, nil, func(r api.CreateHandoffRequest) (*api.HandoffResponse, error) {
		return s.svc.CreateHandoff(ctx, r)
	})
}

func (s *HandoffServer) GetHandoff(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, validateHandoffID, func(r api.HandoffRequest) (*api.HandoffResponse, error) {
		return s.svc.GetHandoff(ctx, r)
	})
}

func (s *HandoffServer) GetHandoffHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, validateHandoffID, func(r api.HandoffRequest) (*api.HistoryResponse, error) {
		return s.svc.GetHandoffHistory(ctx, r)
	})
}

func (s *HandoffServer) ValidateHandoff(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, validateHandoffID, func(r api.HandoffRequest) (*api.ValidationResponse, error) {
		return s.svc.ValidateHandoff(ctx, r)
	})
}

func (s *HandoffServer) TransitionHandoff(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, func(r api.TransitionHandoffRequest) error {
		if err := required(r.HandoffID, "handoff_id"); err != nil {
			return err
		}
		return required(string(r.Event), "event")
	}, func(r api.TransitionHandoffRequest) (*api.TransitionResponse, error) {
		return s.svc.TransitionHandoff(ctx, r)
	})
}

func (s *HandoffServer) ReportOverdue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, func(r api.ReportOverdueRequest) error {
		return required(r.HandoffID, "handoff_id")
	}, func(r api.ReportOverdueRequest) (*api.ExceptionResponse, error) {
		return s.svc.ReportOverdue(ctx, r)
	})
}

func validateHandoffID(r api.HandoffRequest) error {
	return required(r.HandoffID, "handoff_id")
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

func (s *HandoffServer) GetException(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, func(r api.ExceptionRequest) error {
		return required(r.ExceptionID, "exception_id")
	}, func(r api.ExceptionRequest) (*api.ExceptionResponse, error) {
		return s.svc.GetException(ctx, r)
	})
}

func (s *HandoffServer) ResolveException(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, func(r api.ResolveExceptionRequest) error {
		if err := required(r.ExceptionID, "exception_id"); err != nil {
			return err
		}
		return required(r.Responder, "responder")
	}, func(r api.ResolveExceptionRequest) (*api.ExceptionResponse, error) {
		return s.svc.ResolveException(ctx, r)
	})
}

func (s *HandoffServer) EscalateException(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(in, func(r api.EscalateExceptionRequest) error {
		return required(r.ExceptionID, "exception_id")
	}, func(r api.EscalateExceptionRequest) (*api.ExceptionResponse, error) {
		return s.svc.EscalateException(ctx, r)
	})
}

// =============================================================================
// SYSTEM
// =============================================================================

func (s *HandoffServer) GetSystemStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.svc.GetSystemStatus(ctx)
	if err != nil {
		return nil, StatusFromError(err)
	}
	if s.broadcaster != nil {
		st["watchers"] = s.broadcaster.Subscribers()
	}
	return toStruct(st)
}

// WatchEvents streams live observability records visible to the requested
// role until the client goes away.
//
// Request fields: role (operator, executive or agent:<id>), event_types
// (optional allow list), alerts_only and buffer.
func (s *HandoffServer) WatchEvents(in *structpb.Struct, stream EventStream) error {
	if s.broadcaster == nil {
		return invalidArgument("event streaming is not enabled")
	}
	m := in.AsMap()
	role, _ := typeutil.SafeString(m["role"])
	filter, err := observability.FilterFor(observability.Role(role))
	if err != nil {
		return invalidArgument("%v", err)
	}
	var allowed map[string]bool
	if types, ok := typeutil.SafeStringSlice(m["event_types"]); ok && len(types) > 0 {
		allowed = make(map[string]bool, len(types))
		for _, t := range types {
			allowed[t] = true
		}
	}
	alertsOnly, _ := typeutil.SafeBool(m["alerts_only"])
	buffer, _ := typeutil.SafeFloat64(m["buffer"])

	records, cancel := s.broadcaster.Subscribe(func(r observability.Record) bool {
		if alertsOnly && !r.IsAlert() {
			return false
		}
		if allowed != nil && !allowed[r.EventType] {
			return false
		}
		return filter(r)
	}, int(buffer))
	defer cancel()

	s.logger.Debug("grpc_watch_started", "role", role)
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("grpc_watch_ended", "role", role)
			return nil
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			msg, err := toStruct(rec)
			if err != nil {
				return StatusFromError(err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}
