package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, clock Clock) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.Clock = clock
	opts.EnableMetrics = false
	s, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func countingFetcher(calls *int32, value func(n int32) any) Fetcher {
	return func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(calls, 1)
		return value(n), nil
	}
}

func TestGetOrFetchWithinTTLFetchesOnce(t *testing.T) {
	clock := newManualClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	var calls int32
	fetch := countingFetcher(&calls, func(n int32) any { return n })

	v1, err := s.GetOrFetch(ctx, "/pages", time.Minute, fetch)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	clock.Advance(59 * time.Second)
	v2, err := s.GetOrFetch(ctx, "/pages", time.Minute, fetch)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}

	if calls != 1 {
		t.Fatalf("Expected 1 fetch, got %d", calls)
	}
	if v1 != v2 {
		t.Fatalf("Expected cached value %v, got %v", v1, v2)
	}
}

func TestGetOrFetchAfterTTLReplacesEntry(t *testing.T) {
	clock := newManualClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	var calls int32
	fetch := countingFetcher(&calls, func(n int32) any { return n })

	s.GetOrFetch(ctx, "/pages", time.Minute, fetch)
	first, _ := s.Peek("/pages")

	clock.Advance(time.Minute)
	v, err := s.GetOrFetch(ctx, "/pages", time.Minute, fetch)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}

	if calls != 2 {
		t.Fatalf("Expected 2 fetches, got %d", calls)
	}
	if v != int32(2) {
		t.Fatalf("Expected refreshed value 2, got %v", v)
	}
	second, _ := s.Peek("/pages")
	if !second.FetchedAt.After(first.FetchedAt) {
		t.Fatalf("Expected fetchedAt to move forward: %v -> %v", first.FetchedAt, second.FetchedAt)
	}
}

func TestNewsScenario(t *testing.T) {
	clock := newManualClock()
	s := newTestStore(t, clock)
	ctx := context.Background()
	ttl := 5 * time.Minute

	var calls int32
	fetch := countingFetcher(&calls, func(n int32) any { return []string{"headline"} })

	s.GetOrFetch(ctx, "/news", ttl, fetch)
	if calls != 1 {
		t.Fatalf("t=0: expected 1 network call, got %d", calls)
	}

	clock.Advance(2 * time.Minute)
	s.GetOrFetch(ctx, "/news", ttl, fetch)
	if calls != 1 {
		t.Fatalf("t=2m: expected cache hit, got %d calls", calls)
	}

	clock.Advance(4 * time.Minute)
	s.GetOrFetch(ctx, "/news", ttl, fetch)
	if calls != 2 {
		t.Fatalf("t=6m: expected 2 network calls, got %d", calls)
	}

	stats := s.Stats()
	if stats.Hits != 1 || stats.Misses != 2 || stats.Fetches != 2 {
		t.Fatalf("Unexpected stats: %+v", stats)
	}
}

func TestGetOrFetchSingleFlight(t *testing.T) {
	s := newTestStore(t, newManualClock())
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "value", nil
	}

	const callers = 10
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			v, err := s.GetOrFetch(ctx, "/stats", time.Minute, fetch)
			if err != nil {
				t.Errorf("GetOrFetch failed: %v", err)
			}
			results[i] = v
		}(i)
	}

	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	if calls != 1 {
		t.Fatalf("Expected a single in-flight fetch, got %d", calls)
	}
	for i, v := range results {
		if v != "value" {
			t.Fatalf("Caller %d got %v", i, v)
		}
	}
}

func TestGetOrFetchCallerCancelDoesNotFailOthers(t *testing.T) {
	s := newTestStore(t, newManualClock())

	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return "value", nil
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.GetOrFetch(ctxA, "/news", time.Minute, fetch)
		errA <- err
	}()

	type result struct {
		value any
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		v, err := s.GetOrFetch(context.Background(), "/news", time.Minute, fetch)
		resB <- result{v, err}
	}()

	time.Sleep(50 * time.Millisecond)
	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected caller A to see context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Caller A did not return after cancel")
	}

	close(release)
	select {
	case r := <-resB:
		if r.err != nil || r.value != "value" {
			t.Fatalf("Expected caller B to get value, got %v, %v", r.value, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("Caller B did not return")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("Expected 1 fetch, got %d", got)
	}
	if entry, ok := s.Peek("/news"); !ok || entry.Value != "value" {
		t.Fatalf("Expected shared result to be stored, got %+v", entry)
	}
}

func TestGetOrFetchCancelledContext(t *testing.T) {
	s := newTestStore(t, newManualClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	_, err := s.GetOrFetch(ctx, "/news", time.Minute, countingFetcher(&calls, func(n int32) any { return n }))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("Expected no fetch for a cancelled caller, got %d", calls)
	}
}

func TestGetOrFetchFetchTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.Clock = newManualClock()
	opts.EnableMetrics = false
	opts.FetchTimeout = 20 * time.Millisecond
	s, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	_, err = s.GetOrFetch(context.Background(), "/slow", time.Minute, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestInvalidateDuringFetch(t *testing.T) {
	s := newTestStore(t, newManualClock())
	ctx := context.Background()

	release := make(chan struct{})
	oldDone := make(chan any, 1)
	go func() {
		v, _ := s.GetOrFetch(ctx, "/news", time.Hour, func(ctx context.Context) (any, error) {
			<-release
			return "old", nil
		})
		oldDone <- v
	}()
	time.Sleep(30 * time.Millisecond)

	s.Invalidate("/news")
	v, err := s.GetOrFetch(ctx, "/news", time.Hour, func(ctx context.Context) (any, error) {
		return "new", nil
	})
	if err != nil || v != "new" {
		t.Fatalf("Expected a fresh fetch after invalidate, got %v, %v", v, err)
	}

	close(release)
	if got := <-oldDone; got != "old" {
		t.Fatalf("Expected the older caller to get its own result, got %v", got)
	}
	if entry, ok := s.Peek("/news"); !ok || entry.Value != "new" {
		t.Fatalf("Expected the invalidated flight not to overwrite, got %+v", entry)
	}
}

func TestClearDuringFetch(t *testing.T) {
	s := newTestStore(t, newManualClock())

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.GetOrFetch(context.Background(), "/news", time.Hour, func(ctx context.Context) (any, error) {
			<-release
			return "demo", nil
		})
	}()
	time.Sleep(30 * time.Millisecond)

	s.Clear()
	close(release)
	<-done
	if _, ok := s.Peek("/news"); ok {
		t.Fatal("Expected a flight started before Clear not to store")
	}
}

func TestGetOrFetchErrorNotCached(t *testing.T) {
	s := newTestStore(t, newManualClock())
	ctx := context.Background()
	boom := errors.New("boom")

	var reported error
	s.options.OnError = func(err error) { reported = err }

	_, err := s.GetOrFetch(ctx, "/flaky", time.Minute, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if !errors.Is(reported, boom) {
		t.Fatalf("Expected OnError to see boom, got %v", reported)
	}
	if _, found := s.Peek("/flaky"); found {
		t.Fatal("Failed fetches must not be cached")
	}

	v, err := s.GetOrFetch(ctx, "/flaky", time.Minute, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Expected retry to succeed, got %v, %v", v, err)
	}
}

func TestInvalidateForcesFetch(t *testing.T) {
	s := newTestStore(t, newManualClock())
	ctx := context.Background()

	var calls int32
	fetch := countingFetcher(&calls, func(n int32) any { return n })

	s.GetOrFetch(ctx, "/news", time.Hour, fetch)
	s.Invalidate("/news")
	s.GetOrFetch(ctx, "/news", time.Hour, fetch)

	if calls != 2 {
		t.Fatalf("Expected 2 fetches after invalidate, got %d", calls)
	}
	if s.Stats().Invalidations != 1 {
		t.Fatalf("Expected 1 invalidation, got %d", s.Stats().Invalidations)
	}
}

func TestRefetchBypassesFreshness(t *testing.T) {
	s := newTestStore(t, newManualClock())
	ctx := context.Background()

	var calls int32
	fetch := countingFetcher(&calls, func(n int32) any { return n })

	s.GetOrFetch(ctx, "/news", time.Hour, fetch)
	v, err := s.Refetch(ctx, "/news", fetch)
	if err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}
	if v != int32(2) {
		t.Fatalf("Expected refetched value 2, got %v", v)
	}

	cached, err := s.GetOrFetch(ctx, "/news", time.Hour, fetch)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if cached != int32(2) || calls != 2 {
		t.Fatalf("Expected refetched value to be served from cache, got %v after %d calls", cached, calls)
	}
}

func TestDefaultTTLApplies(t *testing.T) {
	clock := newManualClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	var calls int32
	fetch := countingFetcher(&calls, func(n int32) any { return n })

	s.GetOrFetch(ctx, "/news", 0, fetch)
	clock.Advance(4 * time.Minute)
	s.GetOrFetch(ctx, "/news", 0, fetch)
	if calls != 1 {
		t.Fatalf("Expected default TTL to keep entry fresh, got %d calls", calls)
	}
	clock.Advance(time.Minute)
	s.GetOrFetch(ctx, "/news", 0, fetch)
	if calls != 2 {
		t.Fatalf("Expected default TTL to expire, got %d calls", calls)
	}
}

func TestGetOrFetchAs(t *testing.T) {
	s := newTestStore(t, newManualClock())
	ctx := context.Background()

	type page struct{ Title string }
	p, err := GetOrFetchAs(ctx, s, "/page/1", time.Minute, func(ctx context.Context) (page, error) {
		return page{Title: "Home"}, nil
	})
	if err != nil {
		t.Fatalf("GetOrFetchAs failed: %v", err)
	}
	if p.Title != "Home" {
		t.Fatalf("Expected Home, got %s", p.Title)
	}

	_, err = GetOrFetchAs(ctx, s, "/page/1", time.Minute, func(ctx context.Context) (string, error) {
		return "unused", nil
	})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Expected ErrTypeMismatch, got %v", err)
	}
}

func TestStoreClosed(t *testing.T) {
	s := newTestStore(t, newManualClock())
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second close should be a no-op, got %v", err)
	}

	_, err := s.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (any, error) {
		return 1, nil
	})
	if !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("Expected ErrStoreClosed, got %v", err)
	}
}

func TestStoreWithLRUTier(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableMetrics = false
	opts.LocalCacheConfig.Kind = KindLRU
	opts.LocalCacheConfig.MaxSize = 1
	s, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	var calls int32
	fetch := countingFetcher(&calls, func(n int32) any { return n })

	s.GetOrFetch(ctx, "a", time.Hour, fetch)
	s.GetOrFetch(ctx, "b", time.Hour, fetch) // evicts a
	s.GetOrFetch(ctx, "a", time.Hour, fetch)

	if calls != 3 {
		t.Fatalf("Expected evicted entry to be fetched again, got %d calls", calls)
	}
	if s.Stats().Local.Evictions == 0 {
		t.Fatal("Expected LRU evictions to be reported")
	}
}
