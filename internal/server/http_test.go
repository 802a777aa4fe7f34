package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	healthhandler "opaque-idp/internal/health/handler"
	identity "opaque-idp/internal/identity/domain"
	identityhandler "opaque-idp/internal/identity/handler"
	"opaque-idp/internal/ratelimit"
	"opaque-idp/internal/settings"
	signingservice "opaque-idp/internal/signing/service"
)

type staticKeys struct{}

func (staticKeys) JWKS(context.Context) (signingservice.JWKSet, error) {
	return signingservice.JWKSet{Keys: []signingservice.JWK{{Kty: "EC", Crv: "P-256", Kid: "k1", Alg: "ES256", Use: "sig"}}}, nil
}

func testHTTP(burst *ratelimit.BurstGuard) http.Handler {
	source := settings.Static{}
	return NewHTTPHandler(HTTPDeps{
		Users:  identityhandler.New(identity.CohortUser, nil, nil, nil, source, identityhandler.Config{}, nil),
		Admins: identityhandler.New(identity.CohortAdmin, nil, nil, nil, source, identityhandler.Config{}, nil),
		Keys:   staticKeys{},
		Health: healthhandler.NewChecker(nil, nil),
		Burst:  burst,
	})
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTPHandler_Routes(t *testing.T) {
	h := testHTTP(nil)

	rec := get(h, "/.well-known/jwks.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("jwks status = %d", rec.Code)
	}
	var set signingservice.JWKSet
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil || len(set.Keys) != 1 || set.Keys[0].Kid != "k1" {
		t.Errorf("jwks body = %s", rec.Body.String())
	}

	if rec := get(h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
	if rec := get(h, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
	// Both cohorts are mounted; the login endpoints only accept POST.
	for _, path := range []string{"/opaque/login/start", "/admin/opaque/login/start"} {
		if rec := get(h, path); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s status = %d, want 405", path, rec.Code)
		}
	}
	if rec := get(h, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d", rec.Code)
	}
}

func TestHTTPHandler_BurstGuard(t *testing.T) {
	h := testHTTP(ratelimit.NewBurstGuard(0.001, 2))
	for i := 0; i < 2; i++ {
		if rec := get(h, "/healthz"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := get(h, "/healthz")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("burst status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}
