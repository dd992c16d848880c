// Package dedup provides the idempotency gate in front of event handlers.
package dedup

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultTTL            = 24 * time.Hour
	defaultSweepThreshold = 1000
)

// Gate tracks processed event keys for a bounded window. Redeliveries of the
// same key inside the TTL are dropped; keys older than the TTL are swept
// whenever the cache grows past the threshold, so duplicates outside the
// window are reprocessed.
type Gate struct {
	mu             sync.Mutex
	entries        map[string]time.Time
	ttl            time.Duration
	sweepThreshold int
	now            func() time.Time
}

// NewGate constructs a Gate. Non-positive arguments fall back to defaults.
func NewGate(ttl time.Duration, sweepThreshold int) *Gate {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if sweepThreshold <= 0 {
		sweepThreshold = defaultSweepThreshold
	}
	return &Gate{
		entries:        make(map[string]time.Time),
		ttl:            ttl,
		sweepThreshold: sweepThreshold,
		now:            time.Now,
	}
}

// Key builds the deterministic composite identity for an event.
func Key(entityKey, eventType string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d", entityKey, eventType, ts.UnixMilli())
}

// IsProcessed reports whether the key was marked within the TTL window.
func (g *Gate) IsProcessed(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen, ok := g.entries[key]
	if !ok {
		return false
	}
	if g.now().Sub(seen) > g.ttl {
		delete(g.entries, key)
		return false
	}
	return true
}

// MarkProcessed records the key and sweeps expired entries once the cache
// exceeds the size threshold.
func (g *Gate) MarkProcessed(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = g.now()
	if len(g.entries) > g.sweepThreshold {
		g.sweep()
	}
}

// Len reports the current number of tracked keys.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Gate) sweep() {
	cutoff := g.now().Add(-g.ttl)
	for key, seen := range g.entries {
		if seen.Before(cutoff) {
			delete(g.entries, key)
		}
	}
}
