package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/metrics"
)

// Store is a process-wide freshness cache. Each key holds one Entry;
// GetOrFetch serves it while it is younger than the caller's ttl and
// otherwise calls the fetcher once, no matter how many callers are
// waiting on the same key.
type Store struct {
	local   LocalCache
	group   singleflight.Group
	clock   Clock
	logger  logging.Logger
	options Options
	closed  int32

	// genMu guards epoch and gens. A flight stores its result only if
	// neither moved while it ran.
	genMu sync.Mutex
	epoch uint64
	gens  map[string]uint64

	hits          int64
	misses        int64
	fetches       int64
	fetchErrors   int64
	shared        int64
	invalidations int64
}

// New creates a new Store.
func New(opts Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	factory := opts.LocalCacheFactory
	if factory == nil {
		f, err := NewFactory(opts.LocalCacheConfig)
		if err != nil {
			return nil, err
		}
		factory = f
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	local, err := factory.Create()
	if err != nil {
		return nil, err
	}

	return &Store{
		local:   local,
		clock:   opts.Clock,
		logger:  opts.Logger,
		options: opts,
		gens:    make(map[string]uint64),
	}, nil
}

// GetOrFetch returns the value for key if it was fetched less than ttl
// ago, and otherwise calls fetch and stores its result. A ttl <= 0 uses
// the store's DefaultTTL. Fetch errors are returned and never cached.
func (s *Store) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch Fetcher) (any, error) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return nil, ErrStoreClosed
	}
	if ttl <= 0 {
		ttl = s.options.DefaultTTL
	}

	if entry, ok := s.fresh(key, ttl); ok {
		s.recordHit()
		if s.options.DebugMode {
			s.logger.Debug("GetOrFetch: fresh entry", "key", key, "age", s.clock.Now().Sub(entry.FetchedAt))
		}
		return entry.Value, nil
	}
	s.recordMiss()

	return s.share(ctx, key, func(fctx context.Context) (any, error) {
		// A flight that finished while we were queued may have stored it.
		if entry, ok := s.fresh(key, ttl); ok {
			return entry.Value, nil
		}
		return s.fetchAndStore(fctx, key, fetch)
	})
}

// Refetch bypasses the freshness check, fetches key and stores the
// result. Older flights for key still complete but no longer store.
func (s *Store) Refetch(ctx context.Context, key string, fetch Fetcher) (any, error) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return nil, ErrStoreClosed
	}
	s.bump(key)
	return s.share(ctx, key, func(fctx context.Context) (any, error) {
		return s.fetchAndStore(fctx, key, fetch)
	})
}

// share runs fn once per key for all concurrent callers. The flight is
// detached from any single caller's cancellation and bounded by
// FetchTimeout; each caller stops waiting when its own ctx is done.
func (s *Store) share(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := s.group.DoChan(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if s.options.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, s.options.FetchTimeout)
			defer cancel()
		}
		return fn(fctx)
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.recordShared()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bump forgets the current flight for key and stops it from storing.
func (s *Store) bump(key string) {
	s.genMu.Lock()
	s.gens[key]++
	s.genMu.Unlock()
	s.group.Forget(key)
}

func (s *Store) generation(key string) (uint64, uint64) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.epoch, s.gens[key]
}

// Invalidate drops the entry for key so the next GetOrFetch fetches. A
// fetch already in flight for key completes for its callers but does not
// store its result.
func (s *Store) Invalidate(key string) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return
	}
	s.bump(key)
	s.local.Delete(key)
	atomic.AddInt64(&s.invalidations, 1)
	if s.options.DebugMode {
		s.logger.Debug("Invalidate: dropped entry", "key", key)
	}
}

// Peek returns the stored entry for key regardless of age.
func (s *Store) Peek(key string) (Entry, bool) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return Entry{}, false
	}
	raw, found := s.local.Get(key)
	if !found {
		return Entry{}, false
	}
	entry, ok := raw.(Entry)
	return entry, ok
}

// Clear drops every entry. Fetches in flight do not store their results.
func (s *Store) Clear() {
	if atomic.LoadInt32(&s.closed) != 0 {
		return
	}
	s.genMu.Lock()
	s.epoch++
	s.genMu.Unlock()
	s.local.Clear()
	atomic.AddInt64(&s.invalidations, 1)
}

// Close releases the local tier. Later calls return ErrStoreClosed.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.local.Close()
	return nil
}

// Stats returns cache statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:          atomic.LoadInt64(&s.hits),
		Misses:        atomic.LoadInt64(&s.misses),
		Fetches:       atomic.LoadInt64(&s.fetches),
		FetchErrors:   atomic.LoadInt64(&s.fetchErrors),
		Shared:        atomic.LoadInt64(&s.shared),
		Invalidations: atomic.LoadInt64(&s.invalidations),
		Local:         s.local.Metrics(),
	}
}

func (s *Store) fresh(key string, ttl time.Duration) (Entry, bool) {
	entry, found := s.Peek(key)
	if !found || !entry.Fresh(s.clock.Now(), ttl) {
		return Entry{}, false
	}
	return entry, true
}

func (s *Store) fetchAndStore(ctx context.Context, key string, fetch Fetcher) (any, error) {
	epoch, gen := s.generation(key)
	atomic.AddInt64(&s.fetches, 1)
	value, err := fetch(ctx)
	if s.options.EnableMetrics {
		metrics.RecordCacheFetch(err == nil)
	}
	if err != nil {
		atomic.AddInt64(&s.fetchErrors, 1)
		if s.options.OnError != nil {
			s.options.OnError(err)
		}
		if s.options.DebugMode {
			s.logger.Warn("fetch failed", "key", key, "error", err)
		}
		return nil, err
	}

	if e, g := s.generation(key); e != epoch || g != gen {
		if s.options.DebugMode {
			s.logger.Debug("fetch: entry invalidated while in flight", "key", key)
		}
		return value, nil
	}
	entry := Entry{Key: key, Value: value, FetchedAt: s.clock.Now()}
	if !s.local.Set(key, entry, 1) && s.options.DebugMode {
		s.logger.Debug("fetch: local tier refused entry", "key", key)
	}
	if s.options.DebugMode {
		s.logger.Debug("fetch: stored entry", "key", key)
	}
	return value, nil
}

func (s *Store) recordHit() {
	atomic.AddInt64(&s.hits, 1)
	if s.options.EnableMetrics {
		metrics.RecordCacheHit()
	}
}

func (s *Store) recordMiss() {
	atomic.AddInt64(&s.misses, 1)
	if s.options.EnableMetrics {
		metrics.RecordCacheMiss()
	}
}

func (s *Store) recordShared() {
	atomic.AddInt64(&s.shared, 1)
	if s.options.EnableMetrics {
		metrics.RecordCacheShared()
	}
}

// GetOrFetchAs is GetOrFetch with a typed fetcher and result.
func GetOrFetchAs[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	value, err := s.GetOrFetch(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, ErrTypeMismatch
	}
	return typed, nil
}
