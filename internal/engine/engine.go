// Package engine assembles the connection, sampling, caching, aggregation,
// trend, and broadcast layers into one service object with an explicit
// lifecycle.
//
// Start launches three loops: a maintenance loop that refreshes the node set
// from the registry and sweeps unconnected nodes back towards connected, the
// broadcast scheduler, and the health reaper. Queries pull through the cache
// and never dial; only the maintenance sweep opens connections, so a forced
// reset stays observable until the next pass.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/casscope/casscope/internal/aggregate"
	"github.com/casscope/casscope/internal/broadcast"
	"github.com/casscope/casscope/internal/cache"
	"github.com/casscope/casscope/internal/conn"
	"github.com/casscope/casscope/internal/history"
	"github.com/casscope/casscope/internal/metric"
	"github.com/casscope/casscope/internal/metrics"
	"github.com/casscope/casscope/internal/push"
	"github.com/casscope/casscope/internal/registry"
	"github.com/casscope/casscope/internal/sampler"
)

// DefaultMaintenanceInterval is how often the node set is refreshed from
// the registry and unconnected nodes are redialed.
const DefaultMaintenanceInterval = 5 * time.Second

// Config holds configuration for creating a new Engine.
type Config struct {
	Nodes registry.Source // where the tracked node set comes from (required)
	Dial  conn.DialFunc   // opens management clients (required)

	Backoff        conn.BackoffConfig
	ConnectTimeout time.Duration // per-attempt dial deadline
	GroupTimeout   time.Duration // per-group sample deadline
	TotalTimeout   time.Duration // whole sample run deadline
	CacheTTL       time.Duration // sample freshness window

	MaintenanceInterval time.Duration // registry refresh + connect sweep cadence (default: 5s)
	BroadcastInterval   time.Duration // push message cadence (default: 5s)
	ReaperInterval      time.Duration // reaper pass cadence (default: 60s)
	IdleThreshold       time.Duration // connection idle cutoff (default: 10m)
	StaleGraceMultiple  int           // cache eviction grace, in TTL multiples (default: 60)

	TrendWindow    time.Duration // trend retention window (default: 15m)
	TrendMaxPoints int

	Logger  *slog.Logger
	Metrics *metrics.Collector // optional Prometheus instrumentation
}

// Engine owns the whole metrics pipeline for one cluster.
type Engine struct {
	source  registry.Source
	logger  *slog.Logger
	metrics *metrics.Collector

	manager   *conn.Manager
	sampler   *sampler.Sampler
	cache     *cache.Cache
	trend     *history.TrendTracker
	hub       *push.Hub
	scheduler *broadcast.Scheduler
	reaper    *Reaper

	maintenanceInterval time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// New wires up an Engine. Nothing is dialed and no loop runs until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Nodes == nil {
		return nil, errors.New("engine: node source is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("engine: dial func is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maintenanceInterval := cfg.MaintenanceInterval
	if maintenanceInterval <= 0 {
		maintenanceInterval = DefaultMaintenanceInterval
	}

	e := &Engine{
		source:              cfg.Nodes,
		logger:              logger,
		metrics:             cfg.Metrics,
		maintenanceInterval: maintenanceInterval,
		now:                 time.Now,
	}

	e.manager = conn.NewManager(conn.ManagerConfig{
		Dial:           cfg.Dial,
		Backoff:        cfg.Backoff,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
		Callbacks: conn.Callbacks{
			OnStateChange: e.onStateChange,
		},
	})
	e.sampler = sampler.New(e.manager, sampler.Config{
		GroupTimeout: cfg.GroupTimeout,
		TotalTimeout: cfg.TotalTimeout,
		Logger:       logger,
	})
	e.cache = cache.New(e.fetchSample, cache.Config{
		TTL:    cfg.CacheTTL,
		Logger: logger,
	})
	e.trend = history.NewTrendTracker(history.Config{
		Window:    cfg.TrendWindow,
		MaxPoints: cfg.TrendMaxPoints,
	})
	e.hub = push.NewHub(push.Config{Logger: logger})
	e.scheduler = broadcast.New(cfg.Nodes, e.hub, broadcast.Config{
		Interval: cfg.BroadcastInterval,
		Logger:   logger,
	})

	graceMultiple := cfg.StaleGraceMultiple
	if graceMultiple <= 0 {
		graceMultiple = DefaultStaleGraceMultiple
	}
	e.reaper = newReaper(reaperConfig{
		Manager:       e.manager,
		Cache:         e.cache,
		Interval:      cfg.ReaperInterval,
		IdleThreshold: cfg.IdleThreshold,
		StaleGrace:    time.Duration(graceMultiple) * e.cache.TTL(),
		Logger:        logger,
		Metrics:       cfg.Metrics,
	})

	return e, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the maintenance loop, broadcast scheduler, and health
// reaper. It returns immediately; the loops run until Stop is called or
// ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	e.logger.Info("engine_starting",
		"maintenance_interval", e.maintenanceInterval.String(),
		"broadcast_interval", e.scheduler.Interval().String(),
		"reaper_interval", e.reaper.Interval().String(),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.maintenanceLoop(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("broadcast_scheduler_ended", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.reaper.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("health_reaper_ended", "error", err)
		}
	}()

	return nil
}

// Stop cancels the loops and waits for them to finish, bounded by ctx.
// Push subscribers are dropped and every management connection is closed
// even when the wait times out.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("engine_stop_timeout")
		err = ctx.Err()
	}

	e.hub.Close()
	e.manager.Close()

	e.logger.Info("engine_stopped")
	return err
}

// Running reports whether Start has been called and Stop has not.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

// =============================================================================
// Maintenance loop
// =============================================================================

func (e *Engine) maintenanceLoop(ctx context.Context) {
	e.logger.Debug("maintenance_loop_starting", "interval", e.maintenanceInterval.String())

	ticker := time.NewTicker(e.maintenanceInterval)
	defer ticker.Stop()

	for {
		e.maintenancePass(ctx)

		select {
		case <-ctx.Done():
			e.logger.Debug("maintenance_loop_stopped")
			return
		case <-ticker.C:
		}
	}
}

// maintenancePass reconciles the node set against the registry, sweeps
// unconnected nodes towards connected, and refreshes trend history and
// operational metrics.
func (e *Engine) maintenancePass(ctx context.Context) {
	nodes, err := e.source.Snapshot(ctx)
	if err != nil {
		// Keep driving the last known set; the registry being briefly
		// unreadable must not tear down healthy connections.
		e.logger.Warn("registry_refresh_failed", "error", err)
	} else {
		added, removed := e.manager.SetNodes(nodes)
		if len(removed) > 0 {
			e.cache.Remove(removed...)
		}
		if len(added) > 0 || len(removed) > 0 {
			e.logger.Info("node_set_changed", "added", added, "removed", removed)
		}
	}

	e.connectSweep(ctx)

	if samples := e.cache.Snapshot(); len(samples) > 0 {
		if cm, err := aggregate.Aggregate(e.now(), e.manager.Hosts(), samples); err == nil {
			e.trend.Record(cm)
		}
	}

	e.recordStats()
}

// connectSweep dials every node that is neither connected nor already
// dialing, in parallel. Outcomes land in node state and metrics; failures
// are logged by the manager.
func (e *Engine) connectSweep(ctx context.Context) {
	var wg sync.WaitGroup
	for host, state := range e.manager.States() {
		if state == conn.StateConnected || state == conn.StateConnecting {
			continue
		}
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			_ = e.manager.EnsureConnected(ctx, host)
		}(host)
	}
	wg.Wait()
}

// recordStats pushes component counters into the Prometheus collector.
func (e *Engine) recordStats() {
	if e.metrics == nil {
		return
	}

	states := e.manager.States()
	byName := make(map[string]int, 4)
	for _, s := range states {
		byName[s.String()]++
	}

	cs := e.cache.Stats()
	bs := e.scheduler.Stats()
	hs := e.hub.Stats()

	e.metrics.RecordStats(&metrics.StatsUpdate{
		NodesTracked: len(states),
		NodeStates:   byName,

		CacheEntries:   cs.Entries,
		CacheHits:      uint64(cs.Hits),
		CacheMisses:    uint64(cs.Misses),
		CacheFetches:   uint64(cs.Fetches),
		CacheFailures:  uint64(cs.Failures),
		CacheCoalesced: uint64(cs.Coalesced),

		BroadcastTicks:     bs.Ticks,
		BroadcastSnapshots: bs.Snapshots,
		BroadcastPendings:  bs.Pendings,

		PushSubscribers: hs.Subscribers,
		PushDelivered:   hs.Delivered,
		PushDropped:     hs.Dropped,
	})
}

// =============================================================================
// Sampling plumbing
// =============================================================================

// onStateChange runs on the goroutine driving a connection transition and
// must not call back into the manager.
func (e *Engine) onStateChange(host string, oldState, newState conn.State) {
	if e.metrics == nil || oldState != conn.StateConnecting {
		return
	}
	switch newState {
	case conn.StateConnected:
		e.metrics.DialSucceeded()
	case conn.StateFailed:
		e.metrics.DialFailed()
	}
}

// fetchSample is the cache's upstream: one sampling run over the host's
// borrowed connection, instrumented by outcome.
func (e *Engine) fetchSample(ctx context.Context, host string) (*metric.Sample, error) {
	start := e.now()
	sample, err := e.sampler.Sample(ctx, host)
	elapsed := e.now().Sub(start)

	if e.metrics != nil {
		switch {
		case err != nil:
			e.metrics.SampleObserved("failed", elapsed)
		case sample.Degraded():
			e.metrics.SampleObserved("partial", elapsed)
		default:
			e.metrics.SampleObserved("full", elapsed)
		}
		if sample != nil {
			for _, f := range sample.Failures {
				e.metrics.GroupFailureObserved(string(f.Group), string(f.Kind))
			}
		}
	}
	return sample, err
}

// =============================================================================
// Query surface
// =============================================================================

// NodeResult is one node's slice of a cluster query.
type NodeResult struct {
	Host             string         `json:"host"`
	Success          bool           `json:"success"`
	Metrics          *metric.Sample `json:"metrics,omitempty"`
	Error            string         `json:"error,omitempty"`
	StalenessSeconds float64        `json:"staleness_seconds,omitempty"`
}

// QueryResult is a full cluster metrics query: per-node outcomes plus the
// cluster aggregate over the nodes whose data settled fresh.
type QueryResult struct {
	Success          bool                      `json:"success"`
	GeneratedAt      time.Time                 `json:"generated_at"`
	Nodes            []NodeResult              `json:"nodes"`
	UnavailableNodes []string                  `json:"unavailable_nodes,omitempty"`
	Aggregated       *aggregate.ClusterMetrics `json:"aggregated,omitempty"`
	InsufficientData bool                      `json:"insufficient_data,omitempty"`
}

// QueryClusterMetrics samples every tracked node through the cache in
// parallel and aggregates whatever settled. Node-level failures stay
// contained in their NodeResult: a host serving stale data reports both
// the sample and the error that made it stale. Nothing here dials; an
// unconnected node simply fails its fetch until the next maintenance
// sweep reconnects it.
func (e *Engine) QueryClusterMetrics(ctx context.Context) QueryResult {
	hosts := e.manager.Hosts()

	results := make([]NodeResult, len(hosts))
	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			results[i] = e.queryNode(ctx, host)
		}(i, host)
	}
	wg.Wait()

	res := QueryResult{
		GeneratedAt: e.now(),
		Nodes:       results,
	}

	cm, err := aggregate.Aggregate(res.GeneratedAt, hosts, e.cache.Snapshot())
	if err != nil {
		var insufficient *aggregate.InsufficientDataError
		if errors.As(err, &insufficient) {
			res.InsufficientData = true
		}
		res.UnavailableNodes = hosts
		if e.metrics != nil {
			e.metrics.AggregationObserved(0, len(hosts), false)
		}
		return res
	}

	res.Success = true
	res.Aggregated = cm
	res.UnavailableNodes = cm.UnavailableNodes
	if e.metrics != nil {
		e.metrics.AggregationObserved(cm.ReportingNodes, len(cm.UnavailableNodes), true)
	}
	return res
}

func (e *Engine) queryNode(ctx context.Context, host string) NodeResult {
	res := NodeResult{Host: host}

	sample, err := e.cache.GetOrFetch(ctx, host)
	if err == nil {
		res.Success = true
		res.Metrics = sample
		return res
	}

	res.Error = err.Error()
	if sample != nil {
		// Stale data beats an empty answer; the caller sees both the
		// sample and why it could not be refreshed.
		res.Metrics = sample
		if view, ok := e.cache.View(host); ok && !view.FetchedAt.IsZero() {
			res.StalenessSeconds = e.now().Sub(view.FetchedAt).Seconds()
		}
	}
	return res
}

// ProbeResult reports one node's on-demand health probe.
type ProbeResult struct {
	Host      string `json:"host"`
	Reachable bool   `json:"reachable"`
	LastError string `json:"last_error,omitempty"`
}

// ProbeNode pings the host's management connection. An unknown host is an
// error; a tracked host that is unreachable is a result, not an error.
func (e *Engine) ProbeNode(ctx context.Context, host string) (ProbeResult, error) {
	err := e.manager.Probe(ctx, host)
	if errors.Is(err, conn.ErrUnknownHost) {
		return ProbeResult{}, err
	}

	res := ProbeResult{Host: host, Reachable: err == nil}
	if err != nil {
		res.LastError = err.Error()
	}
	return res, nil
}

// ForceReset tears down every management connection and invalidates the
// cache, via the reaper. It always succeeds and returns the number of
// live connections that were closed. Trend history is kept: it records
// what was observed, not what is connected.
func (e *Engine) ForceReset(reason string) int {
	return e.reaper.ForceReset(reason)
}

// Trend returns the rolling cluster trend window.
func (e *Engine) Trend() history.TrendStats {
	return e.trend.Stats()
}

// Statuses returns every node's connection status, sorted by host.
func (e *Engine) Statuses() []conn.Status {
	return e.manager.Statuses()
}

// Status returns one node's connection status.
func (e *Engine) Status(host string) (conn.Status, bool) {
	return e.manager.Status(host)
}

// ConnectedNodes returns how many tracked nodes are currently connected.
func (e *Engine) ConnectedNodes() int {
	n := 0
	for _, s := range e.manager.States() {
		if s == conn.StateConnected {
			n++
		}
	}
	return n
}

// Hub exposes the websocket hub so the API layer can attach subscribers.
func (e *Engine) Hub() *push.Hub {
	return e.hub
}

// CacheStats returns a snapshot of the metrics cache counters.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// ReaperStats returns a snapshot of the health reaper counters.
func (e *Engine) ReaperStats() ReaperStats {
	return e.reaper.Stats()
}
