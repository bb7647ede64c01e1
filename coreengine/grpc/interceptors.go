// Package grpc runs the gRPC sidecar listener: the standard health service
// behind logging, recovery and metrics interceptors.
package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/observability"
)

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor logs the duration and result of each unary call.
func LoggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, "grpc_request", info.FullMethod, start, err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs the duration and result of each stream.
func StreamLoggingInterceptor(logger logging.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger, "grpc_stream", info.FullMethod, start, err)
		return err
	}
}

func logCall(logger logging.Logger, kind, method string, start time.Time, err error) {
	duration := time.Since(start)
	if err != nil {
		st, _ := status.FromError(err)
		logger.Error(kind+"_failed",
			"method", method,
			"duration_ms", duration.Milliseconds(),
			"code", st.Code().String(),
			"error", err.Error(),
		)
		return
	}
	logger.Debug(kind+"_completed",
		"method", method,
		"duration_ms", duration.Milliseconds(),
	)
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler turns a recovered panic value into the returned error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error with panic details.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor recovers panics in unary handlers.
func RecoveryInterceptor(logger logging.Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(ctx, req)
	}
}

// StreamRecoveryInterceptor recovers panics in stream handlers.
func StreamRecoveryInterceptor(logger logging.Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_stream_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(srv, ss)
	}
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor counts unary calls by method and status code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String())
		return resp, err
	}
}

// StreamMetricsInterceptor counts streams by method and status code.
func StreamMetricsInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String())
		return err
	}
}

// =============================================================================
// SERVER OPTIONS BUILDER
// =============================================================================

// ServerOptions returns the interceptor chain used by every server.
// Recovery runs outermost so a panic is still logged and counted.
func ServerOptions(logger logging.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger, nil),
			MetricsInterceptor(),
			LoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger, nil),
			StreamMetricsInterceptor(),
			StreamLoggingInterceptor(logger),
		),
	}
}
