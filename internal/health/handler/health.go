// Package handler reports readiness over HTTP (/healthz) and the standard gRPC health service.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"opaque-idp/internal/logging"
)

// Pinger checks database connectivity. Implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks the OTP policy engine. Implemented by engine.OPAEvaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// checkTimeout bounds a single readiness probe.
const checkTimeout = 2 * time.Second

// Checker runs the readiness checks. Nil dependencies are skipped.
type Checker struct {
	pinger Pinger
	policy PolicyChecker
}

// NewChecker returns a Checker for the given dependencies.
func NewChecker(pinger Pinger, policy PolicyChecker) *Checker {
	return &Checker{pinger: pinger, policy: policy}
}

// Check returns the first failing dependency.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if c.pinger != nil {
		if err := c.pinger.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	return nil
}

// HTTP serves GET /healthz: 200 when ready, 503 otherwise. Failure details stay in logs.
func HTTP(c *Checker, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, "ok"
		if err := c.Check(r.Context()); err != nil {
			logger.Warn("readiness check failed", logging.Err(err))
			status, body = http.StatusServiceUnavailable, "unavailable"
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": body})
	})
}

// Watch runs Check every interval and publishes the result as the overall serving status
// of hs until ctx is done.
func Watch(ctx context.Context, c *Checker, hs *health.Server, interval time.Duration, logger *zap.Logger) {
	update := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if err := c.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("readiness check failed", logging.Err(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
	}
	update()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			update()
		}
	}
}
