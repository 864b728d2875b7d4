package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"orderflow/internal/observability"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Wait(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubServerStream struct {
	ctx       context.Context
	recvCalls int
	recvErr   error
}

func (s *stubServerStream) Context() context.Context { return s.ctx }
func (s *stubServerStream) RecvMsg(m any) error {
	s.recvCalls++
	return s.recvErr
}
func (s *stubServerStream) SendMsg(m any) error { return nil }
func (s *stubServerStream) SetHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SendHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SetTrailer(md metadata.MD) {}

func TestRateLimitUnaryInterceptor_CallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	metrics := observability.NewMetrics()
	interceptor := rateLimitUnaryInterceptor(limiter, metrics, zap.NewNop())

	info := &grpc.UnaryServerInfo{FullMethod: "/orderflow.v1.OrderProcessService/ShipOrder"}
	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if got := metrics.Snapshot().Methods[info.FullMethod].Count; got != 1 {
		t.Fatalf("expected one tracked call, got %d", got)
	}
}

func TestRateLimitUnaryInterceptor_LimiterErrorSkipsHandler(t *testing.T) {
	limiter := &stubLimiter{err: context.DeadlineExceeded}
	interceptor := rateLimitUnaryInterceptor(limiter, nil, zap.NewNop())

	called := false
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected limiter error, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run when the limiter fails")
	}
}

func TestRateLimitUnaryInterceptor_SkipsReflection(t *testing.T) {
	metrics := observability.NewMetrics()
	interceptor := rateLimitUnaryInterceptor(nil, metrics, zap.NewNop())

	method := "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"
	if _, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: method}, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := metrics.Snapshot().Methods[method]; ok {
		t.Fatalf("reflection calls must not be tracked")
	}
}

func TestRateLimitStreamInterceptor_WrapsStream(t *testing.T) {
	limiter := &stubLimiter{}
	interceptor := rateLimitStreamInterceptor(limiter, nil, zap.NewNop())
	stream := &stubServerStream{ctx: context.Background()}

	err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}, func(srv any, ss grpc.ServerStream) error {
		return ss.RecvMsg(&struct{}{})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 || stream.recvCalls != 1 {
		t.Fatalf("expected one limited receive, got limiter=%d recv=%d", limiter.calls, stream.recvCalls)
	}
}

func TestRateLimitedServerStream_RecvMsgCallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	stream := &stubServerStream{ctx: context.Background()}
	wrapped := &rateLimitedServerStream{
		ServerStream: stream,
		limiter:      limiter,
	}

	if err := wrapped.RecvMsg(&struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if stream.recvCalls != 1 {
		t.Fatalf("expected recv to be called once, got %d", stream.recvCalls)
	}
}

func TestNewIngressLimiter(t *testing.T) {
	if l := newIngressLimiter(0, 5); l != nil {
		t.Fatalf("expected nil limiter for zero interval")
	}
	if l := newIngressLimiter(time.Second, 0); l != nil {
		t.Fatalf("expected nil limiter for zero burst")
	}

	l := newIngressLimiter(time.Hour, 1)
	if l == nil || l.Burst() != 1 {
		t.Fatalf("unexpected limiter: %+v", l)
	}
	if !l.Allow() {
		t.Fatalf("expected the first token to be available")
	}
	if l.Allow() {
		t.Fatalf("expected the bucket to be empty")
	}
}
