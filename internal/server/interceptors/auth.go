package interceptors

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	identity "opaque-idp/internal/identity/domain"
)

const bearerPrefix = "bearer "

// orgHeader names the organization a relying party acts in.
const orgHeader = "x-org-id"

// TokenVerifier verifies bearer JWTs against the published signing keys. Implemented by
// signing/service.Service.
type TokenVerifier interface {
	VerifyJWT(ctx context.Context, token, audience string) (jwt.MapClaims, error)
}

// AuthUnary returns a unary server interceptor that validates the Bearer access token
// from gRPC metadata and puts the Principal in context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token
// (e.g. the health check).
func AuthUnary(verifier TokenVerifier, audience string, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		p, ok := principalFromToken(ctx, verifier, audience, extractBearer(ctx))
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		return handler(WithPrincipal(ctx, p), req)
	}
}

func principalFromToken(ctx context.Context, verifier TokenVerifier, audience, token string) (Principal, bool) {
	if token == "" {
		return Principal{}, false
	}
	claims, err := verifier.VerifyJWT(ctx, token, audience)
	if err != nil {
		return Principal{}, false
	}
	sub, _ := claims["sub"].(string)
	cohort, _ := claims["cohort"].(string)
	if sub == "" || !identity.Cohort(cohort).Valid() {
		return Principal{}, false
	}
	p := Principal{Cohort: identity.Cohort(cohort), SubjectID: sub}
	p.SessionID, _ = claims["sid"].(string)
	if p.Cohort == identity.CohortAdmin {
		p.AdminRole, _ = claims["role"].(string)
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(orgHeader); len(vals) > 0 {
			p.OrgID = strings.TrimSpace(vals[0])
		}
	}
	return p, true
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
