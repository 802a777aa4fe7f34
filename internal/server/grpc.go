package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	platformrbac "opaque-idp/internal/platform/rbac"
	"opaque-idp/internal/ratelimit"
	"opaque-idp/internal/server/interceptors"
	sessionservice "opaque-idp/internal/session/service"
)

// Deps holds the dependencies of the gRPC surface.
type Deps struct {
	// Verifier checks bearer access tokens. Required.
	Verifier interceptors.TokenVerifier
	// Limiter applies the api rate-limit class per client IP. If nil, RPCs are not rate limited.
	Limiter interceptors.RateChecker
	// Access resolves organization access for OrgAccess. Implemented by rbac.Resolver.
	Access platformrbac.AccessResolver
	// Keys backs ListSigningKeys.
	Keys KeyLister
	// Health is the standard health server. If nil, a new one reporting SERVING is registered.
	Health *health.Server
	// TrustProxy honours x-forwarded-for metadata for the client address.
	TrustProxy bool
	Logger     *zap.Logger
}

// healthMethods are reachable without a bearer token and are never rate limited.
var healthMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
	healthpb.Health_List_FullMethodName:  true,
}

// NewGRPCServer builds a server with tracing and the interceptor chain
// logging -> rate limit -> bearer auth, then registers the services.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	chain := []grpc.UnaryServerInterceptor{interceptors.LoggingUnary(deps.Logger, healthMethods)}
	if deps.Limiter != nil {
		chain = append(chain, interceptors.RateLimitUnary(deps.Limiter, ratelimit.ClassAPI, deps.TrustProxy, healthMethods, deps.Logger))
	}
	chain = append(chain, interceptors.AuthUnary(deps.Verifier, sessionservice.AccessAudience, healthMethods))

	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the gRPC services:
//   - grpc.health.v1.Health          -> google.golang.org/grpc/health
//   - opaqueidp.v1.PrincipalService  -> PrincipalServer
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	hs := deps.Health
	if hs == nil {
		hs = health.NewServer()
	}
	healthpb.RegisterHealthServer(s, hs)
	RegisterPrincipalServer(s, NewPrincipalServer(deps.Access, deps.Keys))
}
