// Package maintenance runs the periodic jobs of the worker: sweeping expired sessions and
// handshakes, scheduled signing-key rotation, and pruning of retired keys.
package maintenance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"opaque-idp/internal/logging"
)

// Job is one periodic task. Run reports how many rows it affected.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (int64, error)
}

// Run starts every job, runs each once immediately and then on its interval, and blocks
// until ctx is done and all jobs have returned. Jobs with a non-positive interval are skipped.
func Run(ctx context.Context, logger *zap.Logger, jobs ...Job) {
	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.Every <= 0 || j.Run == nil {
			logger.Info("job disabled", zap.String("job", j.Name))
			continue
		}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			loop(ctx, logger.With(zap.String("job", j.Name)), j)
		}(j)
	}
	wg.Wait()
}

func loop(ctx context.Context, logger *zap.Logger, j Job) {
	t := time.NewTicker(j.Every)
	defer t.Stop()
	for {
		runOnce(ctx, logger, j)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func runOnce(ctx context.Context, logger *zap.Logger, j Job) {
	n, err := j.Run(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		logger.Warn("job failed", logging.Err(err))
	case n > 0:
		logger.Info("job done", zap.Int64("affected", n))
	}
}

// SessionSweeper deletes expired sessions. Implemented by session/service.Service.
type SessionSweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// HandshakeSweeper deletes expired OPAQUE login handshakes.
type HandshakeSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// KeyRotator rotates and prunes signing keys. Implemented by signing/service.Service.
type KeyRotator interface {
	RotateIfOlder(ctx context.Context, maxAge time.Duration) (string, bool, error)
	PruneRotated(ctx context.Context) (int64, error)
}

// SweepSessions returns a job deleting expired sessions every interval.
func SweepSessions(s SessionSweeper, every time.Duration) Job {
	return Job{Name: "sweep_sessions", Every: every, Run: s.DeleteExpired}
}

// SweepHandshakes returns a job deleting expired login handshakes every interval.
func SweepHandshakes(s HandshakeSweeper, every time.Duration) Job {
	return Job{Name: "sweep_login_sessions", Every: every, Run: func(ctx context.Context) (int64, error) {
		return s.DeleteExpired(ctx, time.Now().UTC())
	}}
}

// RotateKeys returns a job that rotates the active signing key once it is older than
// maxAge. It checks every maxAge/24, capped at one hour. A zero maxAge disables the job.
func RotateKeys(r KeyRotator, maxAge time.Duration, logger *zap.Logger) Job {
	every := maxAge / 24
	if every > time.Hour {
		every = time.Hour
	}
	return Job{Name: "rotate_signing_key", Every: every, Run: func(ctx context.Context) (int64, error) {
		kid, rotated, err := r.RotateIfOlder(ctx, maxAge)
		if err != nil || !rotated {
			return 0, err
		}
		logger.Info("signing key rotated", zap.String("kid", kid))
		return 1, nil
	}}
}

// PruneKeys returns a job deleting rotated keys past their retention every interval.
func PruneKeys(r KeyRotator, every time.Duration) Job {
	return Job{Name: "prune_signing_keys", Every: every, Run: r.PruneRotated}
}
