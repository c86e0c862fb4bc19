package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	api "github.com/wardenrun/warden/api/v1"
	"github.com/wardenrun/warden/internal/logstream"
	"github.com/wardenrun/warden/internal/store"
	"github.com/wardenrun/warden/internal/supervisor"
	"github.com/wardenrun/warden/internal/supervisor/cgroups"
	"github.com/wardenrun/warden/internal/tlsconfig"
	"github.com/wardenrun/warden/internal/wrapper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

type server struct {
	api.UnimplementedJobServiceServer

	supervisor *supervisor.Supervisor
	logs       *logstream.Manager
	logger     *slog.Logger
	cfg        *serverConfig
	grpcServer *grpc.Server
}

func newServer(
	sup *supervisor.Supervisor,
	logs *logstream.Manager,
	logger *slog.Logger,
	cfg *serverConfig,
) *server {
	return &server{
		supervisor: sup,
		logs:       logs,
		logger:     logger,
		cfg:        cfg,
	}
}

// jobIndex adapts the supervisor registry to the narrow lookup interface the
// log streamer wants.
type jobIndex struct {
	sup *supervisor.Supervisor
}

func (ji jobIndex) Lookup(id uint64) (logstream.Job, error) {
	job, err := ji.sup.Lookup(id)
	if err != nil {
		return nil, err
	}

	return job, nil
}

// runServer assembles the daemon and serves until ctx is cancelled. Shutdown
// is deliberate about ordering: jobs are stopped first so open log streams
// drain to EOF, which lets the graceful gRPC stop complete.
func runServer(
	ctx context.Context,
	cfg *serverConfig,
	logger *slog.Logger,
) error {
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	opts := supervisor.Options{
		CgroupRoot:    cfg.CgroupRoot,
		BaseRootfs:    cfg.BaseRootfs,
		LaunchTimeout: cfg.LaunchTimeout,
	}

	if cfg.Bridge != "" {
		opts.Network = &wrapper.NetworkConfig{
			Bridge: cfg.Bridge,
			Subnet: cfg.Subnet,
		}
	}

	sup, err := supervisor.New(st, logger, opts)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	logs := logstream.NewManager(jobIndex{sup}, st, logger)
	logs.SetPollInterval(cfg.LogPollInterval)

	srv := newServer(sup, logs, logger, cfg)

	listener, err := net.Listen(
		"tcp",
		net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))),
	)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.start(listener)
	}()

	logger.Info("server listening", "addr", listener.Addr().String())

	select {
	case err := <-serveErr:
		return err

	case <-ctx.Done():
		logger.Info("shutting down")

		sup.Shutdown()
		srv.shutdown()

		return <-serveErr
	}
}

func (s *server) start(listener net.Listener) error {
	tlsCreds, err := s.loadTLSCreds()
	if err != nil {
		return fmt.Errorf("load TLS credentials: %w", err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			contextCheckUnaryInterceptor,
			authUnaryInterceptor(s.logger),
		),
		grpc.StreamInterceptor(authStreamInterceptor(s.logger)),
		grpc.Creds(tlsCreds),
	)

	api.RegisterJobServiceServer(s.grpcServer, s)

	return s.grpcServer.Serve(listener)
}

func (s *server) shutdown() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func (s *server) StartJob(
	ctx context.Context,
	req *api.StartJobRequest,
) (*api.StartJobResponse, error) {
	principal, ok := principalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "not authenticated")
	}

	if req.Program == "" {
		return nil, status.Error(codes.InvalidArgument, "program is empty")
	}

	if req.CPUMaxPercent < 0 || req.MemoryMaxBytes < 0 || req.IOMaxBPS < 0 {
		return nil, status.Error(
			codes.InvalidArgument,
			"resource limits cannot be negative",
		)
	}

	id, err := s.supervisor.Start(supervisor.StartSpec{
		Program: req.Program,
		Args:    req.Args,
		Env:     req.Env,
		Limits: cgroups.ResourceLimits{
			CPUMaxPercent:  req.CPUMaxPercent,
			MemoryMaxBytes: req.MemoryMaxBytes,
			IOMaxBPS:       req.IOMaxBPS,
		},
		Network: req.Network,
	}, principal)
	if err != nil {
		return nil, s.mapError("start job", err)
	}

	return &api.StartJobResponse{Id: id}, nil
}

func (s *server) StopJob(
	ctx context.Context,
	req *api.StopJobRequest,
) (*api.StopJobResponse, error) {
	principal, ok := principalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "not authenticated")
	}

	if err := s.supervisor.Stop(req.Id, principal); err != nil {
		return nil, s.mapError("stop job", err)
	}

	return &api.StopJobResponse{Id: req.Id}, nil
}

func (s *server) QueryJob(
	ctx context.Context,
	req *api.QueryJobRequest,
) (*api.QueryJobResponse, error) {
	jobStatus, err := s.supervisor.Status(req.Id)
	if err != nil {
		return nil, s.mapError("query job", err)
	}

	return &api.QueryJobResponse{
		Id:       req.Id,
		State:    mapJobState(jobStatus.State),
		ExitCode: int32(jobStatus.ExitCode),
		Signal:   jobStatus.Signal,
		Message:  jobStatus.Message,
	}, nil
}

func (s *server) StreamJobLogs(
	req *api.StreamJobLogsRequest,
	stream grpc.ServerStreamingServer[api.LogChunk],
) error {
	sub, err := s.logs.OpenStream(req.Id)
	if err != nil {
		return s.mapError("open log stream", err)
	}

	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.Warn("close log subscription", "id", req.Id, "err", err)
		}
	}()

	for {
		chunk, err := sub.Next(stream.Context())
		if err != nil {
			if err == io.EOF {
				return nil
			}

			if ctxErr := stream.Context().Err(); ctxErr != nil {
				return status.FromContextError(ctxErr).Err()
			}

			return s.mapError("read log stream", err)
		}

		out := &api.LogChunk{Id: req.Id}
		if chunk.Stream == logstream.StreamStderr {
			out.Stderr = chunk.Data
		} else {
			out.Stdout = chunk.Data
		}

		if err := stream.Send(out); err != nil {
			s.logger.Warn("stream data to client", "id", req.Id, "err", err)
			return status.Error(codes.DataLoss, "failed to stream data")
		}
	}
}

// mapError translates supervisor errors to gRPC errors. Launch failures are
// surfaced with their step detail so the operator can tell a bad program
// name from a cgroup or network problem; anything unexpected is logged
// server-side and hidden behind a generic Internal.
func (s *server) mapError(logMsg string, err error) error {
	switch {
	case errors.Is(err, supervisor.ErrJobNotFound),
		errors.Is(err, store.ErrRecordNotFound):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, supervisor.ErrPermissionDenied):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.PermissionDenied, err.Error())

	case errors.As(err, new(supervisor.InvalidStateError)):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.As(err, new(*wrapper.LaunchError)):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.Internal, err.Error())

	default:
		s.logger.Error(logMsg, "err", err)
		return status.Error(codes.Internal, "internal server error")
	}
}

// mapJobState translates supervisor job states to their wire enum values.
func mapJobState(state supervisor.JobState) api.JobState {
	switch state {
	case supervisor.JobStateRunning:
		return api.JobState_JOB_STATE_RUNNING
	case supervisor.JobStateCompleted:
		return api.JobState_JOB_STATE_COMPLETED
	case supervisor.JobStateFailed:
		return api.JobState_JOB_STATE_FAILED
	default:
		return api.JobState_JOB_STATE_UNSPECIFIED
	}
}

// loadTLSCreds creates the gRPC transport credentials with mTLS enabled.
func (s *server) loadTLSCreds() (credentials.TransportCredentials, error) {
	tlsConfig, err := tlsconfig.Setup(&tlsconfig.Config{
		CertPath:   s.cfg.CertPath,
		KeyPath:    s.cfg.KeyPath,
		CACertPath: s.cfg.CACertPath,
		Server:     true,
	})
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}
