// Package handler serves the public signing keys.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"opaque-idp/internal/logging"
	"opaque-idp/internal/signing/service"
)

// KeySetProvider returns the current public key set.
type KeySetProvider interface {
	JWKS(ctx context.Context) (service.JWKSet, error)
}

// JWKS serves GET /.well-known/jwks.json. Private key material never passes through here.
func JWKS(p KeySetProvider, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		set, err := p.JWKS(r.Context())
		if err != nil {
			logger.Error("jwks", logging.Err(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(set)
	})
}
