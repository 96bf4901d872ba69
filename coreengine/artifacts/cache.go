// Package artifacts provides a read-through cache in front of the artifact store.
package artifacts

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
)

// Resolver resolves artifact ids. Missing artifacts return an error matching
// handoff.ErrNotFound.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*handoff.Artifact, error)
}

// Writer stores artifacts.
type Writer interface {
	PutArtifact(ctx context.Context, a handoff.Artifact) error
}

// CachedResolver caches successful lookups in an in-process ristretto cache.
// Misses and errors are never cached, so an artifact registered after a
// failed validation is seen on the next attempt.
type CachedResolver struct {
	next  Resolver
	cache *ristretto.Cache[string, handoff.Artifact]
	ttl   time.Duration
}

// NewCachedResolver wraps next.
func NewCachedResolver(next Resolver, cfg config.CacheConfig) (*CachedResolver, error) {
	counters := cfg.NumCounters
	if counters <= 0 {
		counters = 10_000
	}
	maxCost := cfg.MaxCost
	if maxCost <= 0 {
		maxCost = counters / 10
	}
	// Cost is one per artifact.
	c, err := ristretto.NewCache(&ristretto.Config[string, handoff.Artifact]{
		NumCounters:        counters,
		MaxCost:            maxCost,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create artifact cache: %w", err)
	}
	return &CachedResolver{next: next, cache: c, ttl: cfg.TTL}, nil
}

// Resolve returns a copy of the artifact, from cache when present.
func (c *CachedResolver) Resolve(ctx context.Context, id string) (*handoff.Artifact, error) {
	if a, ok := c.cache.Get(id); ok {
		return &a, nil
	}
	a, err := c.next.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, handoff.NewNotFoundError("artifact", id)
	}
	c.cache.SetWithTTL(id, *a, 1, c.ttl)
	c.cache.Wait()
	out := *a
	return &out, nil
}

// PutArtifact writes through to w and drops the cached entry.
func (c *CachedResolver) PutArtifact(ctx context.Context, w Writer, a handoff.Artifact) error {
	if err := w.PutArtifact(ctx, a); err != nil {
		return err
	}
	c.Invalidate(a.ID)
	return nil
}

// Invalidate removes id from the cache.
func (c *CachedResolver) Invalidate(id string) {
	c.cache.Del(id)
}

// Stats returns cache hit and miss counters.
func (c *CachedResolver) Stats() (hits, misses uint64) {
	return c.cache.Metrics.Hits(), c.cache.Metrics.Misses()
}

// Close releases the cache.
func (c *CachedResolver) Close() {
	c.cache.Close()
}
