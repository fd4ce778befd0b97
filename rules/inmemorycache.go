package rules

import (
	"sync"
	"time"
)

// activeSnapshot is one cached copy of the active rules
type activeSnapshot struct {
	rules     []Rule
	expiresAt time.Time // zero when the snapshot never expires
}

func (s *activeSnapshot) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}

// InMemoryRulesCache keeps the active-rule snapshot of one store.
// Safe for concurrent use; callers always receive their own copy.
type InMemoryRulesCache struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	snapshot *activeSnapshot
	hits     int64
	misses   int64
}

// NewInMemoryRulesCache creates an empty cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{ttl: config.TTL, now: time.Now}
}

// Get returns a copy of the snapshot, or nil when there is none or it expired.
// An empty active set is returned as an empty non-nil slice.
func (c *InMemoryRulesCache) Get() []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot == nil || c.snapshot.expired(c.now()) {
		c.misses++
		return nil
	}
	c.hits++

	out := make([]Rule, len(c.snapshot.rules))
	copy(out, c.snapshot.rules)
	return out
}

// Set replaces the snapshot with a copy of active
func (c *InMemoryRulesCache) Set(active []Rule) {
	snap := &activeSnapshot{rules: make([]Rule, len(active))}
	copy(snap.rules, active)
	if c.ttl > 0 {
		snap.expiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}

// Invalidate drops the snapshot
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
}

// IsValid reports whether Get would hit
func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot != nil && !c.snapshot.expired(c.now())
}

// Stats returns the hit and miss counts since creation
func (c *InMemoryRulesCache) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
