package settings

import (
	"context"
	"sync"
	"time"
)

// Source resolves a Snapshot.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Loader reads every platform setting as raw key/value pairs.
type Loader interface {
	All(ctx context.Context) (map[string]string, error)
}

// Static is a fixed Source, used in tests and when no database is configured.
type Static map[string]string

func (s Static) Snapshot(context.Context) (Snapshot, error) {
	return NewSnapshot(s), nil
}

// CachedSource caches the loaded snapshot for ttl. On load failure it serves the last
// good snapshot if there is one, otherwise defaults.
type CachedSource struct {
	loader Loader
	ttl    time.Duration
	nowF   func() time.Time

	mu       sync.Mutex
	cached   Snapshot
	loadedAt time.Time
	loaded   bool
}

// DefaultCacheTTL bounds how stale settings may be.
const DefaultCacheTTL = 60 * time.Second

// NewCachedSource wraps loader. ttl <= 0 uses DefaultCacheTTL.
func NewCachedSource(loader Loader, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{loader: loader, ttl: ttl, nowF: time.Now}
}

func (c *CachedSource) Snapshot(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowF()
	if c.loaded && now.Sub(c.loadedAt) < c.ttl {
		return c.cached, nil
	}
	values, err := c.loader.All(ctx)
	if err != nil {
		if c.loaded {
			return c.cached, nil
		}
		return NewSnapshot(nil), err
	}
	c.cached = NewSnapshot(values)
	c.loadedAt = now
	c.loaded = true
	return c.cached, nil
}

// Invalidate expires the cached snapshot so the next call reloads. The previous
// snapshot is still served if that reload fails.
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}
