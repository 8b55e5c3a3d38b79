package cache

import (
	"errors"
	"time"

	"github.com/huykn/livesite/logging"
)

// Local tier kinds.
const (
	KindMap = "map"
	KindLRU = "lru"
	KindLFU = "lfu"
)

// LocalCacheConfig configures the local cache.
type LocalCacheConfig struct {
	// Kind selects the tier: "map" (unbounded, default), "lru" or "lfu".
	Kind string `yaml:"kind"`

	// NumCounters is the number of counters for the cache (LFU only).
	// Recommended: 10 * MaxItems
	NumCounters int64 `yaml:"num_counters"`

	// MaxCost is the maximum cost of items in the cache (LFU only).
	MaxCost int64 `yaml:"max_cost"`

	// BufferItems is the number of keys per Get buffer (LFU only).
	// Recommended: 64
	BufferItems int64 `yaml:"buffer_items"`

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int `yaml:"max_size"`
}

// Options configures a Store.
type Options struct {
	// DefaultTTL applies when GetOrFetch is called with ttl <= 0.
	DefaultTTL time.Duration

	// FetchTimeout bounds a shared fetch, which outlives any single
	// caller's context. Zero leaves it unbounded.
	FetchTimeout time.Duration

	// LocalCacheConfig configures the local tier.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory overrides LocalCacheConfig.Kind when set.
	LocalCacheFactory LocalCacheFactory

	// Clock defaults to the system clock.
	Clock Clock

	// Logger defaults to a no-op logger.
	Logger logging.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// EnableMetrics publishes Prometheus counters.
	EnableMetrics bool

	// OnError is called when a fetch fails.
	OnError func(error)
}

// DefaultOptions returns default store options.
func DefaultOptions() Options {
	return Options{
		DefaultTTL:       5 * time.Minute,
		FetchTimeout:     30 * time.Second,
		LocalCacheConfig: DefaultLocalCacheConfig(),
		EnableMetrics:    true,
	}
}

// DefaultLocalCacheConfig returns the default local tier configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		Kind:        KindMap,
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
		MaxSize:     10000,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.DefaultTTL <= 0 || o.FetchTimeout < 0 {
		return ErrInvalidConfig
	}
	if o.LocalCacheFactory != nil {
		return nil
	}
	switch o.LocalCacheConfig.Kind {
	case "", KindMap:
	case KindLRU:
		if o.LocalCacheConfig.MaxSize <= 0 {
			return ErrInvalidConfig
		}
	case KindLFU:
		if o.LocalCacheConfig.NumCounters <= 0 || o.LocalCacheConfig.MaxCost <= 0 {
			return ErrInvalidConfig
		}
	default:
		return ErrInvalidConfig
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = errors.New("invalid cache configuration")

// ErrStoreClosed is returned when operations are performed on a closed store.
var ErrStoreClosed = errors.New("cache store is closed")

// ErrTypeMismatch is returned by GetOrFetchAs when the cached value has
// a different type than requested.
var ErrTypeMismatch = errors.New("cached value has unexpected type")
