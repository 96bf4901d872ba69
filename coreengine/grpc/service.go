package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "handoffkernel.v1.HandoffService"

// Method names of the handoff service.
const (
	MethodStartWorkflow     = "StartWorkflow"
	MethodAdvanceWorkflow   = "AdvanceWorkflow"
	MethodAbortWorkflow     = "AbortWorkflow"
	MethodGetWorkflow       = "GetWorkflow"
	MethodCreateHandoff     = "CreateHandoff"
	MethodGetHandoff        = "GetHandoff"
	MethodGetHandoffHistory = "GetHandoffHistory"
	MethodValidateHandoff   = "ValidateHandoff"
	MethodTransitionHandoff = "TransitionHandoff"
	MethodReportOverdue     = "ReportOverdue"
	MethodGetException      = "GetException"
	MethodResolveException  = "ResolveException"
	MethodEscalateException = "EscalateException"
	MethodGetSystemStatus   = "GetSystemStatus"
	MethodWatchEvents       = "WatchEvents"
)

// FullMethod returns "/handoffkernel.v1.HandoffService/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// HandoffServiceServer is the server API of the handoff service.
type HandoffServiceServer interface {
	StartWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdvanceWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AbortWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateHandoff(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHandoff(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHandoffHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateHandoff(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransitionHandoff(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportOverdue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetException(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveException(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EscalateException(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSystemStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

type unaryCall func(HandoffServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(HandoffServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(HandoffServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(HandoffServiceServer).WatchEvents(in, &eventStream{stream})
}

// ServiceDesc describes the handoff service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HandoffServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodStartWorkflow, HandoffServiceServer.StartWorkflow),
		unaryHandler(MethodAdvanceWorkflow, HandoffServiceServer.AdvanceWorkflow),
		unaryHandler(MethodAbortWorkflow, HandoffServiceServer.AbortWorkflow),
		unaryHandler(MethodGetWorkflow, HandoffServiceServer.GetWorkflow),
		unaryHandler(MethodCreateHandoff, HandoffServiceServer.CreateHandoff),
		unaryHandler(MethodGetHandoff, HandoffServiceServer.GetHandoff),
		unaryHandler(MethodGetHandoffHistory, HandoffServiceServer.GetHandoffHistory),
		unaryHandler(MethodValidateHandoff, HandoffServiceServer.ValidateHandoff),
		unaryHandler(MethodTransitionHandoff, HandoffServiceServer.TransitionHandoff),
		unaryHandler(MethodReportOverdue, HandoffServiceServer.ReportOverdue),
		unaryHandler(MethodGetException, HandoffServiceServer.GetException),
		unaryHandler(MethodResolveException, HandoffServiceServer.ResolveException),
		unaryHandler(MethodEscalateException, HandoffServiceServer.EscalateException),
		unaryHandler(MethodGetSystemStatus, HandoffServiceServer.GetSystemStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "handoffkernel/v1/handoff.proto",
}

// RegisterHandoffServiceServer registers srv on s.
func RegisterHandoffServiceServer(s grpc.ServiceRegistrar, srv HandoffServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls the handoff service. Requests and responses are any
// JSON-serializable values.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes a unary method and decodes the response into resp.
// resp may be nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// EventReceiver yields streamed records until the stream ends.
type EventReceiver interface {
	Recv() (*structpb.Struct, error)
}

type eventReceiver struct {
	grpc.ClientStream
}

func (r *eventReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WatchEvents opens the live record stream.
func (c *Client) WatchEvents(ctx context.Context, req any, opts ...grpc.CallOption) (EventReceiver, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatchEvents), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &eventReceiver{stream}, nil
}
