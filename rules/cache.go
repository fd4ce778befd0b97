package rules

import "time"

// RulesCache holds the active-rule snapshot served to evaluation.
// The store invalidates it on every mutation.
type RulesCache interface {
	// Get returns the cached active rules, or nil on a miss or expiry
	Get() []Rule

	// Set stores the active rules
	Set(rules []Rule)

	// Invalidate clears the cache, forcing a rebuild on next Get
	Invalidate()

	// IsValid returns true if the cache holds usable data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Zero means no expiration (mutations invalidate).
	TTL time.Duration
}

// DefaultCacheConfig returns the store's default: invalidate on mutation only
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
