package main

import (
	"context"
	"strings"
	"time"

	"orderflow/internal/observability"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// newIngressLimiter returns nil when limiting is disabled.
func newIngressLimiter(interval time.Duration, burst int) *rate.Limiter {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(interval), burst)
}

// waitFor blocks on limiter and reports the time spent waiting.
func waitFor(ctx context.Context, limiter rateLimiter, metrics *observability.Metrics) error {
	if limiter == nil {
		return nil
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	metrics.AddRateLimitWait(time.Since(start))
	return nil
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
	metrics *observability.Metrics
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if err := waitFor(s.Context(), s.limiter, s.metrics); err != nil {
		return err
	}
	return s.ServerStream.RecvMsg(m)
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := &observability.CallSpan{}
		start := time.Now()
		if shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if err := waitFor(ctx, limiter, metrics); err != nil {
			span.End(err)
			return nil, err
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logger.Warn("grpc unary call failed",
				zap.String("method", info.FullMethod),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		}
		return resp, err
	}
}

func rateLimitStreamInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span := &observability.CallSpan{}
		start := time.Now()
		if shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter, metrics: metrics}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logger.Warn("grpc stream failed",
				zap.String("method", info.FullMethod),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
