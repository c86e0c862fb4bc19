package api

import (
	"context"

	"google.golang.org/grpc"
)

// JobServiceClient is the client API for the JobService.
type JobServiceClient interface {
	StartJob(
		ctx context.Context,
		in *StartJobRequest,
		opts ...grpc.CallOption,
	) (*StartJobResponse, error)
	StopJob(
		ctx context.Context,
		in *StopJobRequest,
		opts ...grpc.CallOption,
	) (*StopJobResponse, error)
	QueryJob(
		ctx context.Context,
		in *QueryJobRequest,
		opts ...grpc.CallOption,
	) (*QueryJobResponse, error)
	StreamJobLogs(
		ctx context.Context,
		in *StreamJobLogsRequest,
		opts ...grpc.CallOption,
	) (grpc.ServerStreamingClient[LogChunk], error)
}

type jobServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewJobServiceClient creates a JobServiceClient over the given connection.
// All calls are made with the CBOR content-subtype; callers don't need to
// set it themselves.
func NewJobServiceClient(cc grpc.ClientConnInterface) JobServiceClient {
	return &jobServiceClient{cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append(
		[]grpc.CallOption{grpc.CallContentSubtype(CodecName)},
		opts...,
	)
}

func (c *jobServiceClient) StartJob(
	ctx context.Context,
	in *StartJobRequest,
	opts ...grpc.CallOption,
) (*StartJobResponse, error) {
	out := new(StartJobResponse)
	if err := c.cc.Invoke(
		ctx,
		JobService_StartJob_FullMethodName,
		in,
		out,
		callOptions(opts)...,
	); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *jobServiceClient) StopJob(
	ctx context.Context,
	in *StopJobRequest,
	opts ...grpc.CallOption,
) (*StopJobResponse, error) {
	out := new(StopJobResponse)
	if err := c.cc.Invoke(
		ctx,
		JobService_StopJob_FullMethodName,
		in,
		out,
		callOptions(opts)...,
	); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *jobServiceClient) QueryJob(
	ctx context.Context,
	in *QueryJobRequest,
	opts ...grpc.CallOption,
) (*QueryJobResponse, error) {
	out := new(QueryJobResponse)
	if err := c.cc.Invoke(
		ctx,
		JobService_QueryJob_FullMethodName,
		in,
		out,
		callOptions(opts)...,
	); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *jobServiceClient) StreamJobLogs(
	ctx context.Context,
	in *StreamJobLogsRequest,
	opts ...grpc.CallOption,
) (grpc.ServerStreamingClient[LogChunk], error) {
	stream, err := c.cc.NewStream(
		ctx,
		&JobService_ServiceDesc.Streams[0],
		JobService_StreamJobLogs_FullMethodName,
		callOptions(opts)...,
	)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[StreamJobLogsRequest, LogChunk]{
		ClientStream: stream,
	}

	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}

	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}
