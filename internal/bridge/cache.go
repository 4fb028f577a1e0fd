package bridge

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dshills/docbridge/internal/metrics"
)

// cacheKey identifies one conversion result.
type cacheKey struct {
	SessionID   string
	Format      string
	OptionsHash string
}

type cacheItem struct {
	data     []byte
	storedAt time.Time
}

// conversionCache holds converted payloads with a TTL and a capacity,
// evicting the oldest entry first. Sessions marked closed reject writes
// until the mark expires, so a conversion finishing after the close cannot
// repopulate the cache.
type conversionCache struct {
	mu        sync.Mutex
	items     map[cacheKey]*cacheItem
	closed    map[string]time.Time
	ttl       time.Duration
	capacity  int
	closedTTL time.Duration
	now       func() time.Time
}

func newConversionCache(ttl time.Duration, capacity int, closedTTL time.Duration) *conversionCache {
	return &conversionCache{
		items:     make(map[cacheKey]*cacheItem),
		closed:    make(map[string]time.Time),
		ttl:       ttl,
		capacity:  capacity,
		closedTTL: closedTTL,
		now:       time.Now,
	}
}

// Get returns a live entry.
func (c *conversionCache) Get(key cacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		metrics.ConversionCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	if c.now().Sub(item.storedAt) > c.ttl {
		delete(c.items, key)
		metrics.ConversionCache.WithLabelValues("expired").Inc()
		return nil, false
	}
	metrics.ConversionCache.WithLabelValues("hit").Inc()
	return item.data, true
}

// Put stores data unless the session is marked closed. It reports whether
// the entry was stored.
func (c *conversionCache) Put(key cacheKey, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.closedLocked(key.SessionID, now) {
		return false
	}
	if _, exists := c.items[key]; !exists && c.capacity > 0 && len(c.items) >= c.capacity {
		c.evictOldestLocked()
	}
	c.items[key] = &cacheItem{data: data, storedAt: now}
	return true
}

// InvalidateSession removes every entry of a session.
func (c *conversionCache) InvalidateSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateLocked(sessionID)
}

// MarkClosed invalidates a session and blocks writes for it until the
// closed mark expires.
func (c *conversionCache) MarkClosed(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.closed[sessionID] = now.Add(c.closedTTL)
	c.invalidateLocked(sessionID)
	for id, until := range c.closed {
		if now.After(until) {
			delete(c.closed, id)
		}
	}
}

// IsClosed reports whether sessionID carries a live closed mark.
func (c *conversionCache) IsClosed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedLocked(sessionID, c.now())
}

// Len returns the number of stored entries, including expired ones.
func (c *conversionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *conversionCache) closedLocked(sessionID string, now time.Time) bool {
	until, ok := c.closed[sessionID]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.closed, sessionID)
		return false
	}
	return true
}

func (c *conversionCache) invalidateLocked(sessionID string) int {
	n := 0
	for k := range c.items {
		if k.SessionID == sessionID {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *conversionCache) evictOldestLocked() {
	var oldest cacheKey
	var oldestAt time.Time
	first := true
	for k, item := range c.items {
		if first || item.storedAt.Before(oldestAt) {
			oldest, oldestAt, first = k, item.storedAt, false
		}
	}
	if !first {
		delete(c.items, oldest)
		metrics.ConversionCache.WithLabelValues("evicted").Inc()
	}
}

// hashOptions returns a stable digest of conversion options. Empty options
// hash to the empty string.
func hashOptions(opts map[string]string) string {
	if len(opts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(opts[k]))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
