package interceptors

import (
	"context"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"opaque-idp/internal/logging"
	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/ratelimit"
)

// RateChecker checks one request against a limit class. Implemented by ratelimit.Limiter.
type RateChecker interface {
	Check(ctx context.Context, class ratelimit.Class, ip, identifier string) (ratelimit.Result, error)
}

// RateLimitUnary limits every RPC outside skipMethods by client IP under class and
// reports the limit in response header metadata.
func RateLimitUnary(limiter RateChecker, class ratelimit.Class, trustProxy bool, skipMethods map[string]bool, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if skipMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		res, err := limiter.Check(ctx, class, ClientIP(ctx, trustProxy), "")
		if err != nil {
			logger.Error("rate limit check failed", zap.String("method", info.FullMethod), logging.Err(err))
			return nil, status.Error(codes.Internal, "internal error")
		}
		if !res.Disabled {
			_ = grpc.SetHeader(ctx, metadata.Pairs(
				"x-ratelimit-limit", strconv.Itoa(res.Limit),
				"x-ratelimit-remaining", strconv.Itoa(res.Remaining),
				"x-ratelimit-reset", strconv.FormatInt(res.ResetAt.Unix(), 10),
			))
		}
		if !res.Allowed {
			return nil, errs.ToGRPC(res.Err())
		}
		return handler(ctx, req)
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) when the
// proxy is trusted, else from the peer, or "unknown".
func ClientIP(ctx context.Context, trustProxy bool) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok && trustProxy {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
