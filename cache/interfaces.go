package cache

import (
	"context"
	"time"
)

// LocalCache defines the interface for the in-process tier holding entries.
type LocalCache interface {
	// Get retrieves a value from the local cache.
	Get(key string) (any, bool)

	// Set stores a value in the local cache.
	Set(key string, value any, cost int64) bool

	// Delete removes a value from the local cache.
	Delete(key string)

	// Clear removes all values from the local cache.
	Clear()

	// Close closes the local cache.
	Close()

	// Metrics returns cache metrics.
	Metrics() LocalCacheMetrics
}

// LocalCacheMetrics represents local cache metrics.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// LocalCacheFactory defines the interface for creating local cache implementations.
type LocalCacheFactory interface {
	// Create creates a new local cache instance.
	Create() (LocalCache, error)
}

// Fetcher loads the value for a key, typically through the gateway.
type Fetcher func(ctx context.Context) (any, error)

// Clock returns the current time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}

// Entry is a cached value and the time it was fetched. Entries are
// replaced whole, never patched.
type Entry struct {
	Key       string
	Value     any
	FetchedAt time.Time
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAt) < ttl
}

// Stats represents cache statistics.
type Stats struct {
	Hits          int64
	Misses        int64
	Fetches       int64
	FetchErrors   int64
	Shared        int64
	Invalidations int64
	Local         LocalCacheMetrics
}
