package main

import (
	"context"
	"log/slog"

	"github.com/wardenrun/warden/internal/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type principalKey struct{}

// principalFromContext returns the Principal the auth interceptors stashed.
// Handlers can rely on it being present; a missing principal means the
// interceptor chain was bypassed, which is a server bug.
func principalFromContext(ctx context.Context) (identity.Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(identity.Principal)
	return principal, ok
}

// authenticate maps the verified peer certificate to a Principal and stashes
// it in the returned context. Failures are logged with detail server-side
// but surfaced to the client as a bare Unauthenticated.
func authenticate(
	ctx context.Context,
	method string,
	logger *slog.Logger,
) (context.Context, error) {
	principal, err := identity.FromContext(ctx)
	if err != nil {
		logger.Warn(
			"failed to authenticate client",
			"method", method,
			"err", err,
		)

		return nil, status.Error(codes.Unauthenticated, "not authenticated")
	}

	logger.Debug(
		"authenticated client request",
		"principal", principal,
		"method", method,
	)

	return context.WithValue(ctx, principalKey{}, principal), nil
}

func authUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authenticate(ctx, info.FullMethod, logger)
		if err != nil {
			return nil, err
		}

		return handler(ctx, req)
	}
}

func authStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authenticate(ss.Context(), info.FullMethod, logger)
		if err != nil {
			return err
		}

		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

// authenticatedStream overrides the stream context with the one carrying
// the Principal.
type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}
