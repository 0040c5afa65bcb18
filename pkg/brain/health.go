package brain

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultHealthTTL bounds how long a health result is reused.
const DefaultHealthTTL = 30 * time.Second

// HealthCache memoizes a provider health check for a fixed TTL. Reads are
// lock-free; after expiry any caller may recompute, and concurrent callers
// may each run a check.
type HealthCache struct {
	provider  Provider
	ttl       time.Duration
	now       func() time.Time
	checkedAt atomic.Int64
	value     atomic.Pointer[Health]
}

// HealthCacheOption configures a HealthCache.
type HealthCacheOption func(*HealthCache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) HealthCacheOption {
	return func(c *HealthCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewHealthCache creates a cache for p. A non-positive ttl uses DefaultHealthTTL.
func NewHealthCache(p Provider, ttl time.Duration, opts ...HealthCacheOption) *HealthCache {
	if ttl <= 0 {
		ttl = DefaultHealthTTL
	}
	c := &HealthCache{provider: p, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached health while it is fresh and runs a check otherwise.
func (c *HealthCache) Get(ctx context.Context) Health {
	if h, ok := c.Peek(); ok {
		return h
	}
	return c.Refresh(ctx)
}

// Peek returns the cached health and whether it is still fresh.
func (c *HealthCache) Peek() (Health, bool) {
	ts := c.checkedAt.Load()
	h := c.value.Load()
	if h == nil || ts == 0 {
		return Health{}, false
	}
	if c.now().Sub(time.Unix(0, ts)) >= c.ttl {
		return *h, false
	}
	return *h, true
}

// Refresh runs a check unconditionally and stores the result.
func (c *HealthCache) Refresh(ctx context.Context) Health {
	start := c.now()
	h := c.provider.HealthCheck(ctx)
	if h.Latency == 0 {
		h.Latency = c.now().Sub(start)
	}
	if h.CheckedAt.IsZero() {
		h.CheckedAt = start
	}
	c.Set(h)
	return h
}

// Set stores h as checked now.
func (c *HealthCache) Set(h Health) {
	c.value.Store(&h)
	c.checkedAt.Store(c.now().UnixNano())
}

// Invalidate forces the next Get to run a check.
func (c *HealthCache) Invalidate() {
	c.checkedAt.Store(0)
}

// TTL returns the cache window.
func (c *HealthCache) TTL() time.Duration {
	return c.ttl
}
