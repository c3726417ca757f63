package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// callerFault lists codes caused by the request rather than the server.
var callerFault = map[codes.Code]bool{
	codes.InvalidArgument:    true,
	codes.NotFound:           true,
	codes.FailedPrecondition: true,
	codes.Canceled:           true,
}

// requestAttrs picks the execution identifiers out of a Struct request so
// calls can be correlated with engine logs.
func requestAttrs(req interface{}) []any {
	msg, ok := req.(*structpb.Struct)
	if !ok || msg == nil {
		return nil
	}
	var attrs []any
	if id := msg.GetFields()["executionId"].GetStringValue(); id != "" {
		attrs = append(attrs, "execution_id", id)
	}
	if priority := msg.GetFields()["priority"].GetStringValue(); priority != "" {
		attrs = append(attrs, "priority", priority)
	}
	return attrs
}

func UnaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		attrs := append([]any{
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		}, requestAttrs(req)...)

		switch {
		case err == nil:
			logger.Debug("workflow call completed", attrs...)
		case callerFault[code]:
			logger.Info("workflow call rejected", append(attrs, "error", err)...)
		default:
			logger.Error("workflow call failed", append(attrs, "error", err)...)
		}
		return resp, err
	}
}

// UnaryRecoveryInterceptor reports a handler panic as codes.Internal.
func UnaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("workflow call panicked", append([]any{"method", info.FullMethod, "panic", r}, requestAttrs(req)...)...)
				err = status.Errorf(codes.Internal, "%s: internal error", info.FullMethod)
			}
		}()
		return handler(ctx, req)
	}
}

func UnaryClientLoggingInterceptor(logger *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		attrs := append([]any{
			"method", method,
			"target", cc.Target(),
			"duration_ms", time.Since(start).Milliseconds(),
		}, requestAttrs(req)...)
		if err != nil && !callerFault[status.Code(err)] {
			logger.Warn("workflow call to server failed", append(attrs, "code", status.Code(err).String(), "error", err)...)
		} else {
			logger.Debug("workflow call to server finished", attrs...)
		}
		return err
	}
}
