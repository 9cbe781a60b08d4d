package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/casscope/casscope/internal/cache"
	"github.com/casscope/casscope/internal/conn"
	"github.com/casscope/casscope/internal/metrics"
)

const (
	// DefaultReaperInterval is how often idle connections and long-stale
	// cache entries are swept.
	DefaultReaperInterval = 60 * time.Second

	// DefaultIdleThreshold is how long a connection may go unused before
	// the reaper closes it.
	DefaultIdleThreshold = 10 * time.Minute

	// DefaultStaleGraceMultiple sets how many TTLs a stale cache entry
	// survives before eviction.
	DefaultStaleGraceMultiple = 60
)

// Reaper periodically closes idle management connections and evicts cache
// entries that have been stale far past their TTL. It is also the sole
// owner of forced resets: every reset goes through it so teardown has
// exactly one code path.
type Reaper struct {
	manager       *conn.Manager
	cache         *cache.Cache
	interval      time.Duration
	idleThreshold time.Duration
	staleGrace    time.Duration
	logger        *slog.Logger
	metrics       *metrics.Collector

	idleClosed   atomic.Uint64
	staleEvicted atomic.Uint64
	resets       atomic.Uint64
}

type reaperConfig struct {
	Manager       *conn.Manager
	Cache         *cache.Cache
	Interval      time.Duration
	IdleThreshold time.Duration
	StaleGrace    time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

func newReaper(cfg reaperConfig) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	idleThreshold := cfg.IdleThreshold
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}

	return &Reaper{
		manager:       cfg.Manager,
		cache:         cfg.Cache,
		interval:      interval,
		idleThreshold: idleThreshold,
		staleGrace:    cfg.StaleGrace,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// Interval returns the pass cadence.
func (r *Reaper) Interval() time.Duration {
	return r.interval
}

// Run executes reaper passes until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Debug("health_reaper_starting",
		"interval", r.interval.String(),
		"idle_threshold", r.idleThreshold.String(),
		"stale_grace", r.staleGrace.String(),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("health_reaper_stopped")
			return ctx.Err()
		case <-ticker.C:
			r.pass()
		}
	}
}

// pass closes idle connections and evicts long-stale cache entries. Idle
// nodes come back as disconnected, not failed: nothing is wrong with
// them, so the next maintenance sweep may redial without backoff.
func (r *Reaper) pass() {
	if closed := r.manager.CloseIdle(r.idleThreshold); len(closed) > 0 {
		r.idleClosed.Add(uint64(len(closed)))
		if r.metrics != nil {
			r.metrics.IdleConnectionsClosed(len(closed))
		}
		r.logger.Info("idle_connections_reaped", "hosts", closed)
	}

	if evicted := r.cache.RemoveStale(r.staleGrace); len(evicted) > 0 {
		r.staleEvicted.Add(uint64(len(evicted)))
		r.logger.Info("stale_cache_entries_evicted", "hosts", evicted)
	}
}

// ForceReset disconnects every node and drops the whole cache. In-flight
// dials and fetches from before the reset cannot land afterwards. Returns
// the number of live connections that were closed.
func (r *Reaper) ForceReset(reason string) int {
	closed := r.manager.DisconnectAll(reason)
	r.cache.Reset()
	r.resets.Add(1)
	if r.metrics != nil {
		r.metrics.ConnectionsReset()
	}

	r.logger.Info("force_reset", "reason", reason, "closed", closed)
	return closed
}

// ReaperStats is a point-in-time snapshot of reaper counters.
type ReaperStats struct {
	IdleClosed   uint64
	StaleEvicted uint64
	Resets       uint64
}

// Stats returns current reaper counters.
func (r *Reaper) Stats() ReaperStats {
	return ReaperStats{
		IdleClosed:   r.idleClosed.Load(),
		StaleEvicted: r.staleEvicted.Load(),
		Resets:       r.resets.Load(),
	}
}
