// Package ratelimit gates entry points with fixed-window counters per (class, scope) and
// escalates scopes that keep getting denied to a temporary hard block.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"opaque-idp/internal/events"
	"opaque-idp/internal/logging"
	"opaque-idp/internal/obs"
	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/settings"
)

// Class names a group of endpoints sharing one limit.
type Class string

const (
	ClassAuth     Class = "auth"
	ClassRegister Class = "register"
	ClassOTP      Class = "otp"
	ClassRefresh  Class = "refresh"
	ClassAPI      Class = "api"
)

// ScopesIdentifier reports whether c is also limited per supplied identifier.
func (c Class) ScopesIdentifier() bool {
	return c == ClassAuth || c == ClassRegister || c == ClassOTP
}

// ErrRateLimited is returned by Result.Err for denied requests.
var ErrRateLimited = errs.TooManyRequests("too many requests", 0)

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	Disabled  bool
	Blocked   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is set on denied results.
	RetryAfter time.Duration
}

// Err returns nil for allowed results and a TooManyRequests error with a retry hint otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return ErrRateLimited.WithRetryAfter(r.RetryAfter)
}

// Limiter checks requests against per-class settings.
type Limiter struct {
	store    Store
	settings settings.Source
	events   events.Emitter
	logger   *zap.Logger
	nowF     func() time.Time
}

// NewLimiter returns a limiter. source should be a settings.CachedSource so lookups are
// bounded; emitter and logger may be nil.
func NewLimiter(store Store, source settings.Source, emitter events.Emitter, logger *zap.Logger) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, settings: source, events: emitter, logger: logger, nowF: time.Now}
}

// Check counts one request of class from ip and, for identifier-scoped classes, from
// identifier. The request is denied if either scope denies it.
func (l *Limiter) Check(ctx context.Context, class Class, ip, identifier string) (Result, error) {
	snap, err := l.settings.Snapshot(ctx)
	if err != nil {
		// Defaults still limit; a settings outage never opens the door.
		l.logger.Warn("rate limit settings unavailable, using defaults", logging.Err(err))
	}
	return l.CheckWith(ctx, snap, class, ip, identifier)
}

// CheckWith is Check with an already resolved settings snapshot.
func (l *Limiter) CheckWith(ctx context.Context, snap settings.Snapshot, class Class, ip, identifier string) (Result, error) {
	cfg := snap.RateLimit(string(class))
	if !cfg.Enabled {
		return Result{Allowed: true, Disabled: true}, nil
	}
	esc := snap.Escalation()
	now := l.nowF()

	if ip == "" {
		ip = "unknown"
	}
	res, err := l.hit(ctx, class, "ip", ip, cfg, esc, now)
	if err != nil || !res.Allowed {
		return res, err
	}
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" || !class.ScopesIdentifier() {
		return res, nil
	}
	idRes, err := l.hit(ctx, class, "id", identifier, cfg, esc, now)
	if err != nil {
		return idRes, err
	}
	if !idRes.Allowed || idRes.Remaining < res.Remaining {
		return idRes, nil
	}
	return res, nil
}

func (l *Limiter) hit(ctx context.Context, class Class, kind, scope string, cfg settings.RateLimitClass, esc settings.Escalation, now time.Time) (Result, error) {
	var (
		res          Result
		newlyBlocked bool
	)
	key := string(class) + ":" + kind + ":" + scope
	err := l.store.Update(ctx, key, func(b *Bucket) {
		res = Result{Limit: cfg.MaxRequests}
		if now.Before(b.BlockedUntil) {
			res.Blocked = true
			res.ResetAt = b.BlockedUntil
			return
		}
		if b.Suspicious > 0 && now.Sub(b.LastSeen) > esc.BlockDuration {
			b.Suspicious = 0
		}
		b.LastSeen = now
		if !now.Before(b.ResetAt) {
			b.Count = 0
			b.ResetAt = now.Add(cfg.Window)
		}
		res.ResetAt = b.ResetAt
		if b.Count < cfg.MaxRequests {
			b.Count++
			res.Allowed = true
			res.Remaining = cfg.MaxRequests - b.Count
			return
		}
		b.Suspicious++
		if b.Suspicious >= esc.BlockThreshold {
			b.Suspicious = 0
			b.BlockedUntil = now.Add(esc.BlockDuration)
			res.Blocked = true
			res.ResetAt = b.BlockedUntil
			newlyBlocked = true
		}
	})
	if err != nil {
		return Result{}, errs.Internal(err)
	}
	if !res.Allowed {
		res.RetryAfter = res.ResetAt.Sub(now)
		obs.RateLimitDenied(string(class), res.Blocked)
	}
	if newlyBlocked {
		obs.RateLimitBlock(string(class))
		l.logger.Warn("rate limit scope blocked",
			zap.String("class", string(class)),
			zap.String("scope_kind", kind),
			zap.Duration("duration", esc.BlockDuration))
		ev := events.Event{Type: events.RateLimitBlocked, Reason: string(class), Attrs: map[string]string{"scope": kind}}
		if kind == "ip" {
			ev.IP = scope
		} else {
			ev.Email = scope
		}
		events.EmitAsync(l.events, l.logger, ev)
	}
	return res, nil
}

// Sweep drops idle buckets. Run it periodically.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	snap, _ := l.settings.Snapshot(ctx)
	return l.store.Sweep(ctx, l.nowF(), snap.Escalation().BlockDuration)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := l.Sweep(ctx); err != nil {
				l.logger.Warn("rate limit sweep failed", logging.Err(err))
			} else if n > 0 {
				l.logger.Debug("rate limit buckets swept", zap.Int("count", n))
			}
		}
	}
}
