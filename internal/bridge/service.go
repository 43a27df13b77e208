package bridge

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName        = "claude_agent.AgentWorker"
	methodExecute      = "/claude_agent.AgentWorker/Execute"
	methodSendMessage  = "/claude_agent.AgentWorker/SendMessage"
	methodInterrupt    = "/claude_agent.AgentWorker/Interrupt"
	methodHealth       = "/claude_agent.AgentWorker/Health"
	streamIndexExecute = 0
	streamIndexSendMsg = 1
)

// EventSender is the server half of an event stream.
type EventSender interface {
	Send(*AgentEvent) error
	Context() context.Context
}

// WorkerServer is implemented by processes that serve the worker protocol.
type WorkerServer interface {
	Execute(*ExecuteRequest, EventSender) error
	SendMessage(*SendMessageRequest, EventSender) error
	Interrupt(context.Context, *InterruptRequest) (*InterruptResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

// RegisterWorkerServer attaches srv to a gRPC server.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&serviceDesc, srv)
}

type eventSender struct {
	grpc.ServerStream
}

func (s *eventSender) Send(ev *AgentEvent) error {
	return s.SendMsg(ev)
}

func executeHandler(srv any, stream grpc.ServerStream) error {
	req := new(ExecuteRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(WorkerServer).Execute(req, &eventSender{stream})
}

func sendMessageHandler(srv any, stream grpc.ServerStream) error {
	req := new(SendMessageRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(WorkerServer).SendMessage(req, &eventSender{stream})
}

func interruptHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InterruptRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Interrupt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInterrupt}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Interrupt(ctx, req.(*InterruptRequest))
	})
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHealth}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Health(ctx, req.(*HealthRequest))
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Interrupt", Handler: interruptHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Execute", Handler: executeHandler, ServerStreams: true},
		{StreamName: "SendMessage", Handler: sendMessageHandler, ServerStreams: true},
	},
	Metadata: "claude_agent.proto",
}
