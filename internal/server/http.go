package server

import (
	"net/http"

	"go.uber.org/zap"

	healthhandler "opaque-idp/internal/health/handler"
	identityhandler "opaque-idp/internal/identity/handler"
	"opaque-idp/internal/obs"
	"opaque-idp/internal/ratelimit"
	signinghandler "opaque-idp/internal/signing/handler"
)

// HTTPDeps holds the handlers mounted on the HTTP API. Nil entries are not mounted.
type HTTPDeps struct {
	// Users serves the user cohort at the root.
	Users *identityhandler.Handler
	// Admins serves the admin cohort under /admin.
	Admins *identityhandler.Handler
	Keys   signinghandler.KeySetProvider
	Health *healthhandler.Checker
	// Burst caps per-IP request bursts ahead of every route.
	Burst      *ratelimit.BurstGuard
	TrustProxy bool
	Logger     *zap.Logger
}

// NewHTTPHandler returns the HTTP API:
//
//	/...                      user cohort endpoints
//	/admin/...                admin cohort endpoints
//	GET /.well-known/jwks.json public signing keys
//	GET /healthz              readiness
//	GET /metrics              Prometheus
func NewHTTPHandler(d HTTPDeps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	obs.Init()

	mux := http.NewServeMux()
	if d.Users != nil {
		d.Users.Routes(mux, "", obs.Instrument)
	}
	if d.Admins != nil {
		d.Admins.Routes(mux, "/admin", obs.Instrument)
	}
	if d.Keys != nil {
		mux.Handle("GET /.well-known/jwks.json", obs.Instrument("/.well-known/jwks.json", signinghandler.JWKS(d.Keys, d.Logger)))
	}
	if d.Health != nil {
		mux.Handle("GET /healthz", healthhandler.HTTP(d.Health, d.Logger))
	}
	mux.Handle("GET /metrics", obs.Handler())

	var h http.Handler = mux
	if d.Burst != nil {
		h = d.Burst.Middleware(d.TrustProxy)(h)
	}
	return h
}
