package interceptors

import (
	"context"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"opaque-idp/internal/ratelimit"
	"opaque-idp/internal/settings"
)

func peerCtx(ip string) context.Context {
	return peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 4000}})
}

func TestRateLimitUnary(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), settings.Static{"rate_limit.api.max_requests": "2"}, nil, nil)
	interceptor := RateLimitUnary(limiter, ratelimit.ClassAPI, false, map[string]bool{"/grpc.health.v1.Health/Check": true}, zap.NewNop())
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/opaqueidp.v1.PrincipalService/WhoAmI"}

	for i := 0; i < 2; i++ {
		if _, err := interceptor(peerCtx("192.0.2.10"), nil, info, handler); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err := interceptor(peerCtx("192.0.2.10"), nil, info, handler)
	if st, _ := status.FromError(err); st.Code() != codes.ResourceExhausted {
		t.Fatalf("3rd call code = %v, want ResourceExhausted", st.Code())
	}
	if _, err := interceptor(peerCtx("192.0.2.11"), nil, info, handler); err != nil {
		t.Errorf("other client should have its own budget: %v", err)
	}
	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := interceptor(peerCtx("192.0.2.10"), nil, health, handler); err != nil {
		t.Errorf("skipped method limited: %v", err)
	}
}

func TestClientIP(t *testing.T) {
	ctx := metadata.NewIncomingContext(peerCtx("192.0.2.10"), metadata.New(map[string]string{
		"x-forwarded-for": "203.0.113.5, 10.0.0.1",
	}))
	if got := ClientIP(ctx, false); got != "192.0.2.10" {
		t.Errorf("untrusted ClientIP = %q, want peer address", got)
	}
	if got := ClientIP(ctx, true); got != "203.0.113.5" {
		t.Errorf("trusted ClientIP = %q, want first forwarded address", got)
	}
	if got := ClientIP(context.Background(), true); got != "unknown" {
		t.Errorf("no peer ClientIP = %q", got)
	}
}
