package resolver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fleetrpc/endpoint"
)

// Cache holds resolution results, including negative ones, for a bounded time.
// A Cache is an explicit object: create one at startup, hand it to the resolvers that
// should share it, Clear or Invalidate it on demand.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	se      *endpoint.ServiceEndpoint // nil marks a cached "not found"
	expires time.Time                 // zero means never
}

// NewCache creates a cache whose entries expire after ttl. ttl <= 0 means entries only
// leave the cache through Invalidate or Clear.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

// SetClock replaces the time source; used by tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cache) lookup(service string) (se *endpoint.ServiceEndpoint, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[service]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, service)
		return nil, false
	}
	return e.se, true
}

func (c *Cache) store(service string, se *endpoint.ServiceEndpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cacheEntry{se: se}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[service] = e
}

func (c *Cache) Invalidate(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, service)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cached calls its delegate at most once per service name until the cache entry is
// invalidated or expires. ErrNotFound results are cached too; other errors are not.
// Concurrent misses for one name share a single delegate call.
type Cached struct {
	delegate Resolver
	cache    *Cache
	group    singleflight.Group
}

func NewCached(delegate Resolver, cache *Cache) *Cached {
	return &Cached{delegate: delegate, cache: cache}
}

func (r *Cached) Cache() *Cache { return r.cache }

func (r *Cached) Resolve(ctx context.Context, service string) (*endpoint.ServiceEndpoint, error) {
	if se, hit := r.cache.lookup(service); hit {
		return cloneOrNotFound(service, se)
	}
	v, err, _ := r.group.Do(service, func() (interface{}, error) {
		// a concurrent flight may have stored the entry after our lookup
		if se, hit := r.cache.lookup(service); hit {
			return se, nil
		}
		se, err := r.delegate.Resolve(ctx, service)
		if err == nil && se == nil {
			err = notFound(service)
		}
		switch {
		case err == nil:
			se = se.Clone()
			r.cache.store(service, se)
			return se, nil
		case IsNotFound(err):
			r.cache.store(service, nil)
			return (*endpoint.ServiceEndpoint)(nil), nil
		default:
			return nil, err
		}
	})
	if err != nil {
		return nil, err
	}
	// the cached value is shared by every caller of the flight; hand out copies
	return cloneOrNotFound(service, v.(*endpoint.ServiceEndpoint))
}

func cloneOrNotFound(service string, se *endpoint.ServiceEndpoint) (*endpoint.ServiceEndpoint, error) {
	if se == nil {
		return nil, notFound(service)
	}
	return se.Clone(), nil
}
