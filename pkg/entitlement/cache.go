package entitlement

import (
	"sync"
	"time"
)

// ResolutionCache caches provider-customer-id to user-id resolutions so
// repeated webhook deliveries for the same customer skip the store lookup.
// It is an explicitly injected, scoped service with an invalidation API;
// there is no package-global cache.
type ResolutionCache interface {
	// Get returns the cached user id for a customer id, if present and fresh.
	Get(customerID string) (string, bool)

	// Set stores a resolution with a TTL.
	Set(customerID, userID string, ttl time.Duration)

	// Invalidate removes a single entry.
	Invalidate(customerID string)

	// Clear removes all entries.
	Clear()
}

// NoopResolutionCache disables caching.
type NoopResolutionCache struct{}

func (NoopResolutionCache) Get(customerID string) (string, bool)           { return "", false }
func (NoopResolutionCache) Set(customerID, userID string, _ time.Duration) {}
func (NoopResolutionCache) Invalidate(customerID string)                   {}
func (NoopResolutionCache) Clear()                                         {}

type cacheEntry struct {
	userID     string
	expiration time.Time
	accessTime time.Time
}

// MemoryResolutionCache is an in-process ResolutionCache with TTL expiry
// and LRU eviction beyond a maximum size.
type MemoryResolutionCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	clock      func() time.Time
}

// NewMemoryResolutionCache creates a cache holding at most maxEntries
// resolutions (default 1000 when <= 0).
func NewMemoryResolutionCache(maxEntries int) *MemoryResolutionCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryResolutionCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		clock:      time.Now,
	}
}

func (c *MemoryResolutionCache) Get(customerID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[customerID]
	if !ok {
		return "", false
	}
	now := c.clock()
	if now.After(entry.expiration) {
		delete(c.entries, customerID)
		return "", false
	}
	entry.accessTime = now
	return entry.userID, true
}

func (c *MemoryResolutionCache) Set(customerID, userID string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if _, exists := c.entries[customerID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[customerID] = &cacheEntry{
		userID:     userID,
		expiration: now.Add(ttl),
		accessTime: now,
	}
}

func (c *MemoryResolutionCache) Invalidate(customerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, customerID)
}

func (c *MemoryResolutionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *MemoryResolutionCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.accessTime.Before(oldest) {
			oldestKey = key
			oldest = entry.accessTime
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
