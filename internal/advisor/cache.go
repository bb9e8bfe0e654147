package advisor

import (
	"sync"
	"time"
)

// Cache memoizes advice. It is an explicit collaborator so its lifetime is
// owned by whoever builds the Coordinator.
type Cache interface {
	Get(key string) (Advice, bool)
	Set(key string, a Advice)
	Invalidate(key string)
}

type cacheEntry struct {
	advice    Advice
	expiresAt time.Time
}

// TTLCache expires entries after a fixed TTL measured on an injected clock.
type TTLCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewTTLCache(ttl time.Duration, now func() time.Time) *TTLCache {
	if now == nil {
		now = time.Now
	}
	return &TTLCache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

func (c *TTLCache) Get(key string) (Advice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Advice{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return Advice{}, false
	}
	return e.advice, true
}

func (c *TTLCache) Set(key string, a Advice) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{advice: a, expiresAt: c.now().Add(c.ttl)}
}

func (c *TTLCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports live and expired-but-unswept entries.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
