// Package proto defines the gRPC service VM workers talk to.
//
// There is no .proto file: the service descriptor is written by hand and
// messages travel through the JSON codec registered in codec.go.
package proto

import (
	"context"

	"google.golang.org/grpc"
)

// WorkerServiceServer is the server-side interface of cordguard.WorkerService.
type WorkerServiceServer interface {
	RegisterWorker(context.Context, *RegisterWorkerRequest) (*RegisterWorkerResponse, error)
	RequestMission(context.Context, *RequestMissionRequest) (*MissionResponse, error)
	SubmitResult(context.Context, *SubmitResultRequest) (*SubmitResultResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*StatusResponse, error)
}

// WorkerServiceClient is the client-side interface of cordguard.WorkerService.
type WorkerServiceClient interface {
	RegisterWorker(ctx context.Context, in *RegisterWorkerRequest, opts ...grpc.CallOption) (*RegisterWorkerResponse, error)
	RequestMission(ctx context.Context, in *RequestMissionRequest, opts ...grpc.CallOption) (*MissionResponse, error)
	SubmitResult(ctx context.Context, in *SubmitResultRequest, opts ...grpc.CallOption) (*SubmitResultResponse, error)
	GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

const serviceName = "cordguard.WorkerService"

// ServiceDesc is the grpc.ServiceDesc for cordguard.WorkerService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterWorker", Handler: _WorkerService_RegisterWorker_Handler},
		{MethodName: "RequestMission", Handler: _WorkerService_RequestMission_Handler},
		{MethodName: "SubmitResult", Handler: _WorkerService_SubmitResult_Handler},
		{MethodName: "GetStatus", Handler: _WorkerService_GetStatus_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/cordguard.proto",
}

// RegisterWorkerServiceServer registers srv with a gRPC server.
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func _WorkerService_RegisterWorker_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterWorkerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServiceServer).RegisterWorker(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RegisterWorker"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkerServiceServer).RegisterWorker(ctx, req.(*RegisterWorkerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _WorkerService_RequestMission_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RequestMissionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServiceServer).RequestMission(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestMission"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkerServiceServer).RequestMission(ctx, req.(*RequestMissionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _WorkerService_SubmitResult_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitResultRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServiceServer).SubmitResult(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SubmitResult"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkerServiceServer).SubmitResult(ctx, req.(*SubmitResultRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _WorkerService_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServiceServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkerServiceServer).GetStatus(ctx, req.(*GetStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ---- client implementation ----

type workerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerServiceClient creates a client that speaks the JSON codec.
func NewWorkerServiceClient(cc grpc.ClientConnInterface) WorkerServiceClient {
	return &workerServiceClient{cc: cc}
}

func (c *workerServiceClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *workerServiceClient) RegisterWorker(ctx context.Context, in *RegisterWorkerRequest, opts ...grpc.CallOption) (*RegisterWorkerResponse, error) {
	out := new(RegisterWorkerResponse)
	if err := c.invoke(ctx, "RegisterWorker", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerServiceClient) RequestMission(ctx context.Context, in *RequestMissionRequest, opts ...grpc.CallOption) (*MissionResponse, error) {
	out := new(MissionResponse)
	if err := c.invoke(ctx, "RequestMission", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerServiceClient) SubmitResult(ctx context.Context, in *SubmitResultRequest, opts ...grpc.CallOption) (*SubmitResultResponse, error) {
	out := new(SubmitResultResponse)
	if err := c.invoke(ctx, "SubmitResult", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerServiceClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.invoke(ctx, "GetStatus", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
