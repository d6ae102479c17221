package agents

import (
	"sync"
	"time"
)

// DefaultHealthCacheTTL is how long a provider health result is reused
const DefaultHealthCacheTTL = 30 * time.Second

type healthEntry struct {
	available bool
	checkedAt time.Time
}

// HealthCache remembers provider availability for a TTL so frequent
// collections do not call every provider's health endpoint each time. A TTL
// of 0 disables caching.
type HealthCache struct {
	mu      sync.RWMutex
	entries map[string]healthEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewHealthCache creates a HealthCache with the given TTL
func NewHealthCache(ttl time.Duration) *HealthCache {
	return &HealthCache{
		entries: make(map[string]healthEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached availability for a provider and whether it is
// still fresh
func (c *HealthCache) Get(provider string) (available bool, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[provider]
	if !ok || c.now().Sub(e.checkedAt) >= c.ttl {
		return false, false
	}
	return e.available, true
}

// Set records a provider's availability
func (c *HealthCache) Set(provider string, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[provider] = healthEntry{available: available, checkedAt: c.now()}
}

// Invalidate forces the next check for a provider to go to the service
func (c *HealthCache) Invalidate(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, provider)
}

// TTL returns the cache's time-to-live
func (c *HealthCache) TTL() time.Duration {
	return c.ttl
}
