package schema

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Hooks observe cache activity. Either callback may be nil.
type Hooks struct {
	OnHit     func(t reflect.Type)
	OnResolve func(t reflect.Type, took time.Duration, err error)
}

// Cache memoizes resolved schemas per record type. Concurrent first requests for the
// same type may both resolve, but exactly one result is published and every caller
// observes it. Failed resolutions are not cached.
type Cache struct {
	resolver *Resolver
	hooks    Hooks

	schemas sync.Map // reflect.Type -> *TypeSchema
	size    atomic.Int64

	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// CacheStats is a point-in-time view of cache activity.
type CacheStats struct {
	Entries  int64 `json:"entries"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Failures int64 `json:"failures"`
}

// NewCache creates a cache backed by r. A nil resolver uses the defaults.
func NewCache(r *Resolver, hooks Hooks) *Cache {
	if r == nil {
		r = NewResolver()
	}
	return &Cache{resolver: r, hooks: hooks}
}

// Get returns the schema of t, resolving it on first use.
func (c *Cache) Get(t reflect.Type) (*TypeSchema, error) {
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t != nil {
		if s, ok := c.schemas.Load(t); ok {
			c.hits.Add(1)
			if c.hooks.OnHit != nil {
				c.hooks.OnHit(t)
			}
			return s.(*TypeSchema), nil
		}
	}

	c.misses.Add(1)
	start := time.Now()
	s, err := c.resolver.Resolve(t)
	if c.hooks.OnResolve != nil {
		c.hooks.OnResolve(t, time.Since(start), err)
	}
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	actual, loaded := c.schemas.LoadOrStore(t, s)
	if !loaded {
		c.size.Add(1)
	}
	return actual.(*TypeSchema), nil
}

// For returns the schema of T.
func For[T any](c *Cache) (*TypeSchema, error) {
	return c.Get(reflect.TypeOf((*T)(nil)).Elem())
}

// Resolver returns the resolver backing the cache.
func (c *Cache) Resolver() *Resolver { return c.resolver }

// Len returns the number of cached schemas.
func (c *Cache) Len() int { return int(c.size.Load()) }

// Stats returns cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries:  c.size.Load(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Failures: c.failures.Load(),
	}
}
