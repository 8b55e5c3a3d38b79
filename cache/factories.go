package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// NewFactory returns the factory for a local tier kind.
func NewFactory(config LocalCacheConfig) (LocalCacheFactory, error) {
	switch config.Kind {
	case "", KindMap:
		return NewMapCacheFactory(), nil
	case KindLRU:
		return NewLRUCacheFactory(config.MaxSize), nil
	case KindLFU:
		return NewLFUCacheFactory(config), nil
	default:
		return nil, fmt.Errorf("%w: unknown local cache kind %q", ErrInvalidConfig, config.Kind)
	}
}

// MapCacheFactory creates unbounded map caches.
type MapCacheFactory struct{}

// NewMapCacheFactory creates a new map cache factory.
func NewMapCacheFactory() LocalCacheFactory {
	return &MapCacheFactory{}
}

// Create creates a new map cache instance.
func (MapCacheFactory) Create() (LocalCache, error) {
	return NewMapCache(), nil
}

// MapCache keeps every entry for the life of the process.
type MapCache struct {
	mu     sync.RWMutex
	items  map[string]any
	hits   int64
	misses int64
}

// NewMapCache creates an empty map cache.
func NewMapCache() *MapCache {
	return &MapCache{items: make(map[string]any)}
}

// Get retrieves a value from the local cache.
func (mc *MapCache) Get(key string) (any, bool) {
	mc.mu.RLock()
	value, found := mc.items[key]
	mc.mu.RUnlock()
	if found {
		atomic.AddInt64(&mc.hits, 1)
	} else {
		atomic.AddInt64(&mc.misses, 1)
	}
	return value, found
}

// Set stores a value in the local cache. Cost is ignored.
func (mc *MapCache) Set(key string, value any, cost int64) bool {
	mc.mu.Lock()
	mc.items[key] = value
	mc.mu.Unlock()
	return true
}

// Delete removes a value from the local cache.
func (mc *MapCache) Delete(key string) {
	mc.mu.Lock()
	delete(mc.items, key)
	mc.mu.Unlock()
}

// Clear removes all values from the local cache.
func (mc *MapCache) Clear() {
	mc.mu.Lock()
	mc.items = make(map[string]any)
	mc.mu.Unlock()
}

// Close releases the entries.
func (mc *MapCache) Close() {
	mc.Clear()
}

// Metrics returns cache metrics.
func (mc *MapCache) Metrics() LocalCacheMetrics {
	mc.mu.RLock()
	size := len(mc.items)
	mc.mu.RUnlock()
	return LocalCacheMetrics{
		Hits:   atomic.LoadInt64(&mc.hits),
		Misses: atomic.LoadInt64(&mc.misses),
		Size:   int64(size),
	}
}
