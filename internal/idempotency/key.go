// Package idempotency computes the deterministic digest C4 uses to suppress
// duplicate execution of the same trade and caches recently-seen digests
// in-process so a hot retry loop does not have to round-trip the run store
// on every redelivery.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/bracketquant/execcore/internal/domain"
)

// Key computes a SHA-256 digest of (run_id, trade_id, symbol, action),
// computed once and reused for both the in-process cache and the store
// lookup.
func Key(runID, tradeID, symbol string, action domain.TradeAction) string {
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(tradeID))
	h.Write([]byte{0})
	h.Write([]byte(symbol))
	h.Write([]byte{0})
	h.Write([]byte(action))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is an in-process, TTL-bounded record of idempotency keys already
// observed as terminal. It is a fast-path short-circuit only: the store
// remains the source of truth, so a cold cache (e.g. after a worker
// restart) never causes a double-execution, only an extra store read.
type Cache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewCache creates a Cache that forgets entries older than ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{seen: make(map[string]time.Time), ttl: ttl}
}

// SeenRecently reports whether key was marked terminal within the TTL
// window, without mutating the cache.
func (c *Cache) SeenRecently(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(ts) < c.ttl
}

// MarkTerminal records key as terminal as of now.
func (c *Cache) MarkTerminal(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = time.Now()
}

// Cleanup evicts entries older than the TTL. Call periodically to bound
// memory growth in long-lived worker processes.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, ts := range c.seen {
		if now.Sub(ts) >= c.ttl {
			delete(c.seen, k)
		}
	}
}
