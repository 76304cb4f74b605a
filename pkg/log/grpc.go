package log

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const metadataKeyRequestID = "x-request-id"

// healthService is polled continuously; its successful calls log at debug.
const healthService = "/grpc.health.v1.Health/"

// UnaryServerInterceptor injects a request-scoped logger and logs each
// completed call.
func UnaryServerInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		child := grpcLogger(ctx, logger, info.FullMethod)

		resp, err := handler(WithLogger(ctx, child), req)
		logCall(&child, info.FullMethod, start, err, "unary call completed")
		return resp, err
	}
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor.
func StreamServerInterceptor(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		child := grpcLogger(ss.Context(), logger, info.FullMethod)

		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: WithLogger(ss.Context(), child)})
		logCall(&child, info.FullMethod, start, err, "stream call completed")
		return err
	}
}

func grpcLogger(ctx context.Context, logger zerolog.Logger, method string) zerolog.Logger {
	id := uuid.NewString()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(metadataKeyRequestID); len(vals) > 0 && vals[0] != "" {
			id = vals[0]
		}
	}
	return logger.With().
		Str(FieldRequestID, id).
		Str(FieldGRPCMethod, method).
		Logger()
}

func logCall(l *zerolog.Logger, method string, start time.Time, err error, msg string) {
	code := status.Code(err)

	var evt *zerolog.Event
	switch {
	case code == codes.OK && strings.HasPrefix(method, healthService):
		evt = l.Debug()
	case code == codes.OK, code == codes.Canceled:
		evt = l.Info()
	case code == codes.Internal, code == codes.Unknown, code == codes.DataLoss:
		evt = l.Error()
	default:
		evt = l.Warn()
	}
	evt.Str(FieldGRPCCode, code.String()).
		Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
		Err(err).
		Msg(msg)
}

// wrappedStream overrides Context() to carry the request-scoped logger.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
