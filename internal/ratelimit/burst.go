package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BurstGuard is a per-IP token bucket in front of every route. It absorbs floods before
// they reach the settings-driven fixed windows.
type BurstGuard struct {
	perSecond rate.Limit
	burst     int
	idle      time.Duration
	nowF      func() time.Time

	mu      sync.Mutex
	buckets map[string]*burstBucket
}

type burstBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewBurstGuard allows perSecond sustained requests per IP with the given burst.
func NewBurstGuard(perSecond float64, burst int) *BurstGuard {
	return &BurstGuard{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		idle:      5 * time.Minute,
		nowF:      time.Now,
		buckets:   make(map[string]*burstBucket),
	}
}

// Allow reports whether ip may make a request now.
func (g *BurstGuard) Allow(ip string) bool {
	now := g.nowF()
	g.mu.Lock()
	b, ok := g.buckets[ip]
	if !ok {
		b = &burstBucket{lim: rate.NewLimiter(g.perSecond, g.burst)}
		g.buckets[ip] = b
	}
	b.seen = now
	g.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Sweep drops buckets idle for longer than the idle TTL.
func (g *BurstGuard) Sweep() int {
	now := g.nowF()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for ip, b := range g.buckets {
		if now.Sub(b.seen) > g.idle {
			delete(g.buckets, ip)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (g *BurstGuard) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Sweep()
		}
	}
}

// Middleware rejects requests over the per-IP burst with 429.
func (g *BurstGuard) Middleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Allow(ClientIP(r, trustProxy)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
