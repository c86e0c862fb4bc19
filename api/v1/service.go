package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "warden.v1.JobService"

	JobService_StartJob_FullMethodName      = "/warden.v1.JobService/StartJob"
	JobService_StopJob_FullMethodName       = "/warden.v1.JobService/StopJob"
	JobService_QueryJob_FullMethodName      = "/warden.v1.JobService/QueryJob"
	JobService_StreamJobLogs_FullMethodName = "/warden.v1.JobService/StreamJobLogs"
)

// JobServiceServer is the server API for the JobService.
type JobServiceServer interface {
	StartJob(context.Context, *StartJobRequest) (*StartJobResponse, error)
	StopJob(context.Context, *StopJobRequest) (*StopJobResponse, error)
	QueryJob(context.Context, *QueryJobRequest) (*QueryJobResponse, error)
	StreamJobLogs(*StreamJobLogsRequest, grpc.ServerStreamingServer[LogChunk]) error
}

// UnimplementedJobServiceServer can be embedded for forward compatibility.
type UnimplementedJobServiceServer struct{}

func (UnimplementedJobServiceServer) StartJob(
	context.Context,
	*StartJobRequest,
) (*StartJobResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method StartJob not implemented")
}

func (UnimplementedJobServiceServer) StopJob(
	context.Context,
	*StopJobRequest,
) (*StopJobResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method StopJob not implemented")
}

func (UnimplementedJobServiceServer) QueryJob(
	context.Context,
	*QueryJobRequest,
) (*QueryJobResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method QueryJob not implemented")
}

func (UnimplementedJobServiceServer) StreamJobLogs(
	*StreamJobLogsRequest,
	grpc.ServerStreamingServer[LogChunk],
) error {
	return status.Error(codes.Unimplemented, "method StreamJobLogs not implemented")
}

// RegisterJobServiceServer registers the JobService implementation with the
// given gRPC registrar.
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&JobService_ServiceDesc, srv)
}

func startJobHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(StartJobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(JobServiceServer).StartJob(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: JobService_StartJob_FullMethodName,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).StartJob(ctx, req.(*StartJobRequest))
	}

	return interceptor(ctx, in, info, handler)
}

func stopJobHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(StopJobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(JobServiceServer).StopJob(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: JobService_StopJob_FullMethodName,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).StopJob(ctx, req.(*StopJobRequest))
	}

	return interceptor(ctx, in, info, handler)
}

func queryJobHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(QueryJobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(JobServiceServer).QueryJob(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: JobService_QueryJob_FullMethodName,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).QueryJob(ctx, req.(*QueryJobRequest))
	}

	return interceptor(ctx, in, info, handler)
}

func streamJobLogsHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamJobLogsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	return srv.(JobServiceServer).StreamJobLogs(
		in,
		&grpc.GenericServerStream[StreamJobLogsRequest, LogChunk]{
			ServerStream: stream,
		},
	)
}

// JobService_ServiceDesc is the grpc.ServiceDesc for the JobService. It
// plays the role protoc-generated descriptors usually do.
var JobService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartJob",
			Handler:    startJobHandler,
		},
		{
			MethodName: "StopJob",
			Handler:    stopJobHandler,
		},
		{
			MethodName: "QueryJob",
			Handler:    queryJobHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamJobLogs",
			Handler:       streamJobLogsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "api/v1/service.go",
}
