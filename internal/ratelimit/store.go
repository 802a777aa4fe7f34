package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is the fixed-window state of one (class, scope) key.
type Bucket struct {
	Count        int
	ResetAt      time.Time
	Suspicious   int
	LastSeen     time.Time
	BlockedUntil time.Time
}

// Store holds buckets. Update must apply fn atomically with respect to other updates of the
// same key. A shared backend can implement it with a transaction per key.
type Store interface {
	Update(ctx context.Context, key string, fn func(b *Bucket)) error
	// Sweep drops buckets with no open window, no active block, and no activity for idle.
	Sweep(ctx context.Context, now time.Time, idle time.Duration) (int, error)
}

// MemoryStore is a process-local Store. Limits are per instance when horizontally scaled.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*Bucket)}
}

func (m *MemoryStore) Update(_ context.Context, key string, fn func(b *Bucket)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &Bucket{}
		m.buckets[key] = b
	}
	fn(b)
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time, idle time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, b := range m.buckets {
		if now.Before(b.ResetAt) || now.Before(b.BlockedUntil) || now.Sub(b.LastSeen) <= idle {
			continue
		}
		delete(m.buckets, k)
		n++
	}
	return n, nil
}

// Len returns the number of tracked buckets.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
