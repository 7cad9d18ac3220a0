// Package dedup suppresses repeated webhook deliveries of the same recording.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a filename blocks reprocessing after it was first
// admitted.
const DefaultTTL = 5 * time.Minute

// Gate decides whether an ingestion for key should proceed.
type Gate interface {
	ShouldProcess(ctx context.Context, key string) bool
}

// MemoryGate is a process-local gate. Entries are admitted once per TTL
// window; a duplicate does not extend the window. Expired entries are purged
// on every call.
//
// The gate is not shared between processes. Run the DB gate when more than
// one API instance receives webhooks.
type MemoryGate struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

// NewMemoryGate builds a gate with the given TTL (DefaultTTL when zero).
func NewMemoryGate(ttl time.Duration) *MemoryGate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGate{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// WithClock replaces the time source. Used by tests.
func (g *MemoryGate) WithClock(now func() time.Time) *MemoryGate {
	g.now = now
	return g
}

// ShouldProcess reports true the first time key is seen in a window.
func (g *MemoryGate) ShouldProcess(_ context.Context, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, ts := range g.seen {
		if now.Sub(ts) > g.ttl {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = now
	return true
}

// size returns the number of live entries.
func (g *MemoryGate) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
