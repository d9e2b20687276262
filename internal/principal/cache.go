package principal

import (
	"context"
	"strings"
	"sync"
	"time"

	"devops-backend/internal/rbac"
)

type cacheEntry struct {
	grants  rbac.Grants
	expires time.Time
}

// CachedResolver memoizes another resolver per principal for a fixed TTL.
// A zero TTL disables caching and every call goes to the inner resolver.
// Errors are never cached.
type CachedResolver struct {
	inner Resolver
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	// gen changes on every Invalidate and Purge; a resolve that started
	// under an older generation does not store its result.
	gen   uint64
	swept time.Time
}

// NewCachedResolver wraps inner with a TTL cache.
func NewCachedResolver(inner Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Resolve returns cached grants while they are fresh.
func (c *CachedResolver) Resolve(ctx context.Context, principalID string) (rbac.Grants, error) {
	if c.ttl <= 0 {
		return c.inner.Resolve(ctx, principalID)
	}

	now := c.now()
	c.mu.RLock()
	e, ok := c.entries[principalID]
	gen := c.gen
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.grants, nil
	}

	g, err := c.inner.Resolve(ctx, principalID)
	if err != nil {
		return rbac.Grants{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.swept) >= c.ttl {
		c.sweepLocked(now)
	}
	if c.gen != gen {
		return g, nil
	}
	c.entries[strings.Clone(principalID)] = cacheEntry{grants: g, expires: now.Add(c.ttl)}
	return g, nil
}

// sweepLocked drops expired entries. Callers hold mu.
func (c *CachedResolver) sweepLocked(now time.Time) {
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
	c.swept = now
}

// Invalidate drops one principal's entry.
func (c *CachedResolver) Invalidate(principalID string) {
	c.mu.Lock()
	delete(c.entries, principalID)
	c.gen++
	c.mu.Unlock()
}

// Purge drops every entry. Called after role or permission changes, which
// may affect any principal.
func (c *CachedResolver) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.gen++
	c.mu.Unlock()
}

// Len returns the number of cached principals. Expired entries count until
// the next sweep.
func (c *CachedResolver) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
