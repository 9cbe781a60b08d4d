// Package cache memoizes per-node metric samples with a short TTL.
//
// Repeated reads inside the TTL window return the cached sample without
// touching the node, and concurrent misses for the same host collapse
// into a single upstream fetch. When a fetch fails, the previous sample
// is kept and served alongside the error: stale data beats an empty
// answer for a console that refreshes every few seconds. Entries are
// dropped only by a forced reset, host removal, or the reaper evicting
// entries that have been stale for far longer than the TTL.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/casscope/casscope/internal/metric"
)

// DefaultTTL is the freshness window for cached samples.
const DefaultTTL = 5 * time.Second

// FetchFunc produces a fresh sample for a host.
type FetchFunc func(ctx context.Context, host string) (*metric.Sample, error)

// Config holds configuration for creating a new Cache.
type Config struct {
	TTL    time.Duration // Freshness window (default: 5s)
	Logger *slog.Logger
}

// entry is the per-host cache slot. sample survives fetch failures so
// stale data remains available; lastErr tracks the most recent failure.
type entry struct {
	sample    *metric.Sample
	fetchedAt time.Time
	lastErr   error
	failedAt  time.Time
}

// Cache coalesces and memoizes sample fetches. Cached samples are shared
// between callers and must be treated as read-only.
type Cache struct {
	fetch  FetchFunc
	ttl    time.Duration
	logger *slog.Logger

	flight singleflight.Group

	mu         sync.RWMutex
	entries    map[string]*entry
	generation uint64

	// Counters for the metrics exporter.
	hits      atomic.Int64
	misses    atomic.Int64
	fetches   atomic.Int64
	failures  atomic.Int64
	coalesced atomic.Int64

	now func() time.Time
}

// New creates a new Cache backed by fetch.
func New(fetch FetchFunc, cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		fetch:   fetch,
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetOrFetch returns the host's sample, fetching a fresh one when the
// cached entry is missing or older than the TTL. Concurrent misses for
// the same host share one fetch. When the fetch fails but an earlier
// sample is still held, both the stale sample and the error are
// returned; with nothing cached the sample is nil.
func (c *Cache) GetOrFetch(ctx context.Context, host string) (*metric.Sample, error) {
	now := c.now()

	c.mu.RLock()
	gen := c.generation
	if e := c.entries[host]; e != nil && e.sample != nil && now.Sub(e.fetchedAt) < c.ttl {
		sample := e.sample
		c.mu.RUnlock()
		c.hits.Add(1)
		return sample, nil
	}
	c.mu.RUnlock()
	c.misses.Add(1)

	// The generation is part of the flight key so callers arriving after
	// a reset never join a pre-reset fetch.
	key := strconv.FormatUint(gen, 10) + "/" + host
	v, err, shared := c.flight.Do(key, func() (any, error) {
		c.fetches.Add(1)
		sample, err := c.fetch(ctx, host)
		if err != nil {
			c.failures.Add(1)
			c.recordFailure(host, gen, err)
			return nil, err
		}
		c.store(host, gen, sample)
		return sample, nil
	})
	if shared {
		c.coalesced.Add(1)
	}

	if err != nil {
		c.mu.RLock()
		var stale *metric.Sample
		if e := c.entries[host]; e != nil {
			stale = e.sample
		}
		c.mu.RUnlock()
		return stale, err
	}
	return v.(*metric.Sample), nil
}

// store installs a fresh sample unless a reset happened while the fetch
// was in flight.
func (c *Cache) store(host string, gen uint64, sample *metric.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	e := c.entries[host]
	if e == nil {
		e = &entry{}
		c.entries[host] = e
	}
	e.sample = sample
	e.fetchedAt = c.now()
	e.lastErr = nil
	e.failedAt = time.Time{}
}

// recordFailure notes a fetch failure without disturbing any stale
// sample already held.
func (c *Cache) recordFailure(host string, gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	e := c.entries[host]
	if e == nil {
		e = &entry{}
		c.entries[host] = e
	}
	e.lastErr = err
	e.failedAt = c.now()
}

// Snapshot returns every settled, unexpired sample, sorted by host.
// Stale entries are excluded: they still serve per-node views but do
// not feed cluster-level aggregation.
func (c *Cache) Snapshot() []*metric.Sample {
	now := c.now()

	c.mu.RLock()
	samples := make([]*metric.Sample, 0, len(c.entries))
	for _, e := range c.entries {
		if e.sample != nil && now.Sub(e.fetchedAt) < c.ttl {
			samples = append(samples, e.sample)
		}
	}
	c.mu.RUnlock()

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Host < samples[j].Host
	})
	return samples
}

// View describes a host's cache entry for per-node consumers.
type View struct {
	Host      string         `json:"host"`
	Sample    *metric.Sample `json:"sample,omitempty"`
	FetchedAt time.Time      `json:"fetched_at,omitzero"`
	Stale     bool           `json:"stale"`
	LastError string         `json:"last_error,omitempty"`
	FailedAt  time.Time      `json:"failed_at,omitzero"`
}

// View returns the cache entry for a single host, including stale data.
func (c *Cache) View(host string) (View, bool) {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.entries[host]
	if e == nil {
		return View{}, false
	}
	return c.viewOf(host, e, now), true
}

// Views returns every cache entry, sorted by host.
func (c *Cache) Views() []View {
	now := c.now()

	c.mu.RLock()
	views := make([]View, 0, len(c.entries))
	for host, e := range c.entries {
		views = append(views, c.viewOf(host, e, now))
	}
	c.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].Host < views[j].Host
	})
	return views
}

func (c *Cache) viewOf(host string, e *entry, now time.Time) View {
	v := View{
		Host:      host,
		Sample:    e.sample,
		FetchedAt: e.fetchedAt,
		FailedAt:  e.failedAt,
	}
	if e.sample != nil {
		v.Stale = now.Sub(e.fetchedAt) >= c.ttl
	}
	if e.lastErr != nil {
		v.LastError = e.lastErr.Error()
	}
	return v
}

// Reset drops every entry and invalidates in-flight fetches. The next
// read for any host goes back to the node.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.generation++
	dropped := len(c.entries)
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	c.logger.Info("metrics_cache_reset", "dropped", dropped)
}

// Remove drops the entries for the given hosts, typically after nodes
// leave the registry.
func (c *Cache) Remove(hosts ...string) {
	if len(hosts) == 0 {
		return
	}
	c.mu.Lock()
	for _, host := range hosts {
		delete(c.entries, host)
	}
	c.mu.Unlock()
}

// RemoveStale evicts entries whose data has been stale for longer than
// olderThan, returning the affected hosts sorted. The reaper uses this
// to stop serving data from nodes that have been unreachable for a long
// time.
func (c *Cache) RemoveStale(olderThan time.Duration) []string {
	if olderThan <= 0 {
		return nil
	}
	cutoff := c.now().Add(-olderThan)

	c.mu.Lock()
	var evicted []string
	for host, e := range c.entries {
		if e.sample != nil && e.fetchedAt.Before(cutoff) {
			delete(c.entries, host)
			evicted = append(evicted, host)
		}
	}
	c.mu.Unlock()

	sort.Strings(evicted)
	return evicted
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Fetches   int64
	Failures  int64
	Coalesced int64
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Entries:   entries,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fetches:   c.fetches.Load(),
		Failures:  c.failures.Load(),
		Coalesced: c.coalesced.Load(),
	}
}
