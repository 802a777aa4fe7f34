package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	identity "opaque-idp/internal/identity/domain"
)

const testAudience = "opaque-idp/access"

// mapVerifier accepts the tokens it knows, for the configured audience only.
type mapVerifier map[string]jwt.MapClaims

func (m mapVerifier) VerifyJWT(_ context.Context, token, audience string) (jwt.MapClaims, error) {
	claims, ok := m[token]
	if !ok || claims["aud"] != audience {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

var verifier = mapVerifier{
	"user-token":  {"sub": "user-1", "cohort": "user", "sid": "h1", "aud": testAudience},
	"admin-token": {"sub": "admin-1", "cohort": "admin", "role": "owner", "aud": testAudience},
	"reauth":      {"sub": "user-1", "cohort": "user", "aud": "opaque-idp/reauth"},
	"robot":       {"sub": "r1", "cohort": "robot", "aud": testAudience},
}

func bearerCtx(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "Bearer " + token,
		"x-org-id":      "org-1",
	}))
}

func TestAuthUnary_PublicMethod(t *testing.T) {
	interceptor := AuthUnary(verifier, testAudience, map[string]bool{"/test.Service/PublicMethod": true})
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "success", nil
	}
	resp, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{FullMethod: "/test.Service/PublicMethod"}, handler)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if resp != "success" {
		t.Errorf("response = %v, want %q", resp, "success")
	}
}

func TestAuthUnary_ProtectedMethod_Rejects(t *testing.T) {
	interceptor := AuthUnary(verifier, testAudience, nil)
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}
	for name, ctx := range map[string]context.Context{
		"no token":       context.Background(),
		"unknown token":  bearerCtx("forged"),
		"wrong audience": bearerCtx("reauth"),
		"unknown cohort": bearerCtx("robot"),
	} {
		_, err := interceptor(ctx, "request", &grpc.UnaryServerInfo{FullMethod: "/test.Service/Protected"}, handler)
		if st, _ := status.FromError(err); st.Code() != codes.Unauthenticated {
			t.Errorf("%s: code = %v, want Unauthenticated", name, st.Code())
		}
	}
}

func TestAuthUnary_ProtectedMethod_ValidToken(t *testing.T) {
	interceptor := AuthUnary(verifier, testAudience, nil)

	var got Principal
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		got, _ = GetPrincipal(ctx)
		return "success", nil
	}
	if _, err := interceptor(bearerCtx("admin-token"), "request", &grpc.UnaryServerInfo{FullMethod: "/test.Service/Protected"}, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	want := Principal{Cohort: identity.CohortAdmin, SubjectID: "admin-1", AdminRole: "owner", OrgID: "org-1"}
	if got != want {
		t.Errorf("principal = %+v, want %+v", got, want)
	}

	if _, err := interceptor(bearerCtx("user-token"), "request", &grpc.UnaryServerInfo{FullMethod: "/test.Service/Protected"}, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if got.Cohort != identity.CohortUser || got.SessionID != "h1" || got.AdminRole != "" {
		t.Errorf("user principal = %+v", got)
	}
}

func TestExtractBearer_Valid(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "Bearer token123",
	}))
	token := extractBearer(ctx)
	if token != "token123" {
		t.Errorf("token = %q, want %q", token, "token123")
	}
}

func TestExtractBearer_CaseInsensitive(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "bearer token123",
	}))
	token := extractBearer(ctx)
	if token != "token123" {
		t.Errorf("token = %q, want %q", token, "token123")
	}
}

func TestExtractBearer_Missing(t *testing.T) {
	ctx := context.Background()
	token := extractBearer(ctx)
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestExtractBearer_InvalidPrefix(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "Basic token123",
	}))
	token := extractBearer(ctx)
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestExtractBearer_Whitespace(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "  Bearer   token123  ",
	}))
	token := extractBearer(ctx)
	if token != "token123" {
		t.Errorf("token = %q, want %q", token, "token123")
	}
}
