package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingFetcher returns values "<name>-<n>" and can be switched to fail.
type countingFetcher struct {
	name  string
	calls atomic.Int32
	fail  atomic.Bool
}

func (f *countingFetcher) fetcher() Fetcher[string] {
	return Fetcher[string]{
		Name: f.name,
		Fetch: func(ctx context.Context, key string) (string, error) {
			f.calls.Add(1)
			if f.fail.Load() {
				return "", errors.New(f.name + " unavailable")
			}
			return f.name + ":" + key, nil
		},
	}
}

func newTestCache(t *testing.T, clock Clock, ttl, staleness time.Duration, chain ...Fetcher[string]) *Cache[string] {
	t.Helper()
	c, err := New[string](Options{TTL: ttl, Staleness: staleness, Capacity: 16, Clock: clock}, chain...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGet_WithinTTLDoesNotFetch(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fast := &countingFetcher{name: "fast"}
	c := newTestCache(t, clock, 300*time.Second, time.Hour, fast.fetcher())
	ctx := context.Background()

	res, err := c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != StatusMiss || res.Source != "fast" {
		t.Errorf("first get = %s/%s, want miss/fast", res.Status, res.Source)
	}

	clock.Advance(100 * time.Second)
	res, err = c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := fast.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d after T+100s, want 1", got)
	}
	if res.Status != StatusHit || res.Source != SourceLocal {
		t.Errorf("status = %s/%s, want hit/local", res.Status, res.Source)
	}
}

func TestGet_PastTTLFetches(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fast := &countingFetcher{name: "fast"}
	c := newTestCache(t, clock, 300*time.Second, time.Hour, fast.fetcher())
	ctx := context.Background()

	if _, err := c.Get(ctx, "u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	clock.Advance(400 * time.Second)
	res, err := c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != StatusStale || res.Source != SourceLocal {
		t.Errorf("status = %s/%s, want stale/local", res.Status, res.Source)
	}
	c.Wait()
	if got := fast.calls.Load(); got < 2 {
		t.Errorf("fetch calls = %d after T+400s, want at least 2", got)
	}

	// The refresh replaced the entry, so the next read is a fresh hit.
	res, err = c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != StatusHit {
		t.Errorf("status after refresh = %s, want hit", res.Status)
	}
	if !res.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want %v", res.FetchedAt, clock.Now())
	}
}

func TestGet_StaleResultCanBeAwaited(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fast := &countingFetcher{name: "fast"}
	c := newTestCache(t, clock, time.Minute, time.Hour, fast.fetcher())
	ctx := context.Background()

	if _, err := c.Get(ctx, "u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	clock.Advance(2 * time.Minute)

	res, err := c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	res.Await(ctx)
	if got := fast.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestGet_PastStalenessFetchesSynchronously(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fast := &countingFetcher{name: "fast"}
	c := newTestCache(t, clock, 5*time.Minute, time.Hour, fast.fetcher())
	ctx := context.Background()

	if _, err := c.Get(ctx, "u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	clock.Advance(2 * time.Hour)

	res, err := c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != StatusMiss || res.Source != "fast" {
		t.Errorf("status = %s/%s, want miss/fast", res.Status, res.Source)
	}
	if got := fast.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestGet_FallsBackToDurable(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fast := &countingFetcher{name: "fast"}
	fast.fail.Store(true)
	durable := &countingFetcher{name: "durable"}
	c := newTestCache(t, clock, 5*time.Minute, time.Hour, fast.fetcher(), durable.fetcher())

	res, err := c.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Source != "durable" || res.Value != "durable:u1" {
		t.Errorf("result = %+v, want value from durable", res)
	}
	if fast.calls.Load() != 1 || durable.calls.Load() != 1 {
		t.Errorf("calls fast=%d durable=%d, want 1/1", fast.calls.Load(), durable.calls.Load())
	}
}

func TestGet_TotalFailureServesExpiredEntry(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fast := &countingFetcher{name: "fast"}
	durable := &countingFetcher{name: "durable"}
	c := newTestCache(t, clock, 5*time.Minute, time.Hour, fast.fetcher(), durable.fetcher())
	ctx := context.Background()

	if _, err := c.Get(ctx, "u1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	fast.fail.Store(true)
	durable.fail.Store(true)
	clock.Advance(3 * time.Hour)

	res, err := c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != StatusStale || res.Source != SourceExpired {
		t.Errorf("status = %s/%s, want stale/expired", res.Status, res.Source)
	}
	if res.Value != "fast:u1" {
		t.Errorf("value = %q, want the previously cached value", res.Value)
	}
}

func TestGet_TotalFailureWithoutEntryReturnsError(t *testing.T) {
	notFound := errors.New("not found")
	c := newTestCache(t, &mockClock{}, time.Minute, time.Hour,
		Fetcher[string]{Name: "fast", Fetch: func(context.Context, string) (string, error) {
			return "", errors.New("timeout")
		}},
		Fetcher[string]{Name: "durable", Fetch: func(context.Context, string) (string, error) {
			return "", notFound
		}},
	)

	_, err := c.Get(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, notFound) {
		t.Errorf("err = %v, want it to wrap the durable error", err)
	}
}

func TestInvalidate(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fast := &countingFetcher{name: "fast"}
	c := newTestCache(t, clock, 5*time.Minute, time.Hour, fast.fetcher())
	ctx := context.Background()

	c.Get(ctx, "u1")
	c.Invalidate("u1")
	res, err := c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != StatusMiss {
		t.Errorf("status = %s, want miss after invalidate", res.Status)
	}
	if got := fast.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestInvalidate_DuringFetchDiscardsResult(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var version atomic.Int32
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := Fetcher[int32]{
		Name: "fast",
		Fetch: func(ctx context.Context, key string) (int32, error) {
			v := version.Load()
			if calls.Add(1) == 1 {
				started <- struct{}{}
				<-release
			}
			return v, nil
		},
	}
	c, err := New[int32](Options{TTL: 5 * time.Minute, Staleness: time.Hour, Capacity: 16, Clock: clock}, slow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	done := make(chan Result[int32])
	go func() {
		res, _ := c.Get(ctx, "u1")
		done <- res
	}()
	<-started

	version.Store(1)
	c.Invalidate("u1")
	close(release)

	if first := <-done; first.Value != 0 {
		t.Errorf("in-flight get = %d, want 0", first.Value)
	}

	res, err := c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != StatusMiss || res.Value != 1 {
		t.Errorf("after invalidate: value=%d status=%s, want 1/miss", res.Value, res.Status)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}

	res, _ = c.Get(ctx, "u1")
	if res.Status != StatusHit || res.Value != 1 {
		t.Errorf("cached value=%d status=%s, want 1/hit", res.Value, res.Status)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fast := &countingFetcher{name: "fast"}
	c := newTestCache(t, clock, 5*time.Minute, time.Hour, fast.fetcher())
	ctx := context.Background()

	a, _ := c.Get(ctx, "a")
	b, _ := c.Get(ctx, "b")
	if a.Value != "fast:a" || b.Value != "fast:b" {
		t.Errorf("values = %q, %q", a.Value, b.Value)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New[string](Options{TTL: time.Minute}); err == nil {
		t.Error("expected error for empty chain")
	}
	f := (&countingFetcher{name: "f"}).fetcher()
	if _, err := New[string](Options{}, f); err == nil {
		t.Error("expected error for zero TTL")
	}
}
