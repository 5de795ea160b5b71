package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Status describes how a Get was served.
type Status string

const (
	StatusHit   Status = "hit"   // fresh local entry
	StatusMiss  Status = "miss"  // fetched through the chain
	StatusStale Status = "stale" // older entry served, see Source
)

// SourceLocal and SourceExpired name the two non-fetcher origins of a result.
const (
	SourceLocal   = "local"
	SourceExpired = "expired"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Fetcher is one backend path in the fallback chain.
type Fetcher[T any] struct {
	Name  string
	Fetch func(ctx context.Context, key string) (T, error)
}

// Result is a cached or freshly fetched value with its provenance.
type Result[T any] struct {
	Value     T
	Status    Status
	Source    string
	FetchedAt time.Time

	refresh <-chan struct{}
}

// Await blocks until the background refresh issued for a stale result has
// finished, or ctx is done. It returns immediately for other results.
func (r Result[T]) Await(ctx context.Context) {
	if r.refresh == nil {
		return
	}
	select {
	case <-r.refresh:
	case <-ctx.Done():
	}
}

type entry[T any] struct {
	value     T
	source    string
	fetchedAt time.Time
}

// Options configures a Cache.
type Options struct {
	// TTL is the age below which an entry is served without any fetch.
	TTL time.Duration
	// Staleness is the age below which an older entry is still served
	// while a background refresh runs. Values below TTL are raised to TTL.
	Staleness time.Duration
	// Capacity bounds the number of keys held locally.
	Capacity int
	// RefreshTimeout bounds a background refresh. Defaults to 30s.
	RefreshTimeout time.Duration
	Clock          Clock
}

// Cache is a per-key read-through cache with a bounded local tier, a
// stale-while-revalidate band and an ordered fallback chain of fetchers.
type Cache[T any] struct {
	local          *lru.Cache[string, entry[T]]
	chain          []Fetcher[T]
	ttl            time.Duration
	staleness      time.Duration
	refreshTimeout time.Duration
	clock          Clock

	group    singleflight.Group
	mu       sync.Mutex
	inflight map[string]chan struct{}
	// gens counts invalidations per key. A fetch only stores its result if
	// the key was not invalidated while it ran.
	gens map[string]uint64
	wg   sync.WaitGroup
}

// New creates a Cache that fetches through chain in order.
func New[T any](opts Options, chain ...Fetcher[T]) (*Cache[T], error) {
	if len(chain) == 0 {
		return nil, errors.New("cache needs at least one fetcher")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("cache TTL must be positive")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 10000
	}
	if opts.Staleness < opts.TTL {
		opts.Staleness = opts.TTL
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	local, err := lru.New[string, entry[T]](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("creating local tier: %w", err)
	}
	return &Cache[T]{
		local:          local,
		chain:          chain,
		ttl:            opts.TTL,
		staleness:      opts.Staleness,
		refreshTimeout: opts.RefreshTimeout,
		clock:          opts.Clock,
		inflight:       make(map[string]chan struct{}),
		gens:           make(map[string]uint64),
	}, nil
}

// Get returns the value for key.
//
// An entry younger than TTL is returned as a hit. An entry between TTL and
// the staleness threshold is returned as stale while one background refresh
// runs. Otherwise the chain is consulted synchronously; if every fetcher
// fails the last known value, however old, is returned as stale from
// SourceExpired. Only when there is nothing to fall back to is an error
// returned.
func (c *Cache[T]) Get(ctx context.Context, key string) (Result[T], error) {
	e, ok := c.local.Get(key)
	if ok {
		age := c.clock.Now().Sub(e.fetchedAt)
		switch {
		case age < c.ttl:
			return Result[T]{Value: e.value, Status: StatusHit, Source: SourceLocal, FetchedAt: e.fetchedAt}, nil
		case age < c.staleness:
			return Result[T]{
				Value:     e.value,
				Status:    StatusStale,
				Source:    SourceLocal,
				FetchedAt: e.fetchedAt,
				refresh:   c.refreshAsync(key),
			}, nil
		}
	}

	fresh, err := c.fetchShared(ctx, key)
	if err == nil {
		return Result[T]{Value: fresh.value, Status: StatusMiss, Source: fresh.source, FetchedAt: fresh.fetchedAt}, nil
	}
	if ok {
		return Result[T]{Value: e.value, Status: StatusStale, Source: SourceExpired, FetchedAt: e.fetchedAt}, nil
	}
	var zero T
	return Result[T]{Value: zero}, err
}

// Invalidate drops key so the next Get fetches. A fetch already in flight
// for key still returns to its callers but is not stored.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	c.gens[key]++
	c.local.Remove(key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// Len returns the number of locally held keys.
func (c *Cache[T]) Len() int {
	return c.local.Len()
}

// Wait blocks until all background refreshes have finished.
func (c *Cache[T]) Wait() {
	c.wg.Wait()
}

// refreshAsync starts a background refresh for key unless one is running,
// and returns a channel closed when it finishes.
func (c *Cache[T]) refreshAsync(key string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.inflight[key]; ok {
		return ch
	}
	ch := make(chan struct{})
	c.inflight[key] = ch
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			close(ch)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()
		// Failures keep the existing entry; the next Get past staleness retries.
		c.fetchShared(ctx, key)
	}()
	return ch
}

// fetchShared collapses concurrent fetches of the same key.
func (c *Cache[T]) fetchShared(ctx context.Context, key string) (entry[T], error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		return entry[T]{}, err
	}
	return v.(entry[T]), nil
}

// fetch walks the chain in order and stores the first success.
func (c *Cache[T]) fetch(ctx context.Context, key string) (entry[T], error) {
	c.mu.Lock()
	gen := c.gens[key]
	c.mu.Unlock()

	var errs []error
	for _, f := range c.chain {
		v, err := f.Fetch(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		e := entry[T]{value: v, source: f.Name, fetchedAt: c.clock.Now()}
		c.mu.Lock()
		if c.gens[key] == gen {
			c.local.Add(key, e)
		}
		c.mu.Unlock()
		return e, nil
	}
	return entry[T]{}, errors.Join(errs...)
}
