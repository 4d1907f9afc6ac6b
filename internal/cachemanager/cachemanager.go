// Package cachemanager wraps a TTL cache behind a small typed interface.
// The sandbox adapter uses it to avoid re-asking the provider whether a
// session exists on every command.
package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/mend/internal/log"
)

const (
	DefaultExpiration      = 30 * time.Second
	DefaultCleanupInterval = 5 * time.Minute
)

// CacheManager is a typed TTL cache.
type CacheManager[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	Flush(ctx context.Context)
}

// InMemoryCacheManager is the go-cache backed implementation.
type InMemoryCacheManager[V any] struct {
	useCase string
	cache   *gocache.Cache
}

var _ CacheManager[bool] = (*InMemoryCacheManager[bool])(nil)

// NewInMemory initializes an in-memory cache for the given use case.
func NewInMemory[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[V] {
	return &InMemoryCacheManager[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get retrieves an item from the cache by its key.
func (c *InMemoryCacheManager[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	value, found := c.cache.Get(key)
	if !found {
		return zero, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatSandbox, "wrong type assertion when getting cached value",
			"useCase", c.useCase, "key", key)
		return zero, false
	}
	return v, true
}

// Set stores a value with a TTL.
func (c *InMemoryCacheManager[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

// Delete removes values by key.
func (c *InMemoryCacheManager[V]) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.cache.Delete(key)
	}
}

// Flush empties the cache.
func (c *InMemoryCacheManager[V]) Flush(ctx context.Context) {
	c.cache.Flush()
}
