// Package metrics provides Prometheus metrics for casscope itself.
//
// These are the engine's own operational metrics (dial outcomes, cache
// efficiency, broadcast volume), not the Cassandra metrics it collects.
// Cluster-level Cassandra data is served through the API and push feed.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// --- Engine info ---
var (
	casscopeInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casscope_info",
			Help: "Information about the casscope engine (value always 1)",
		},
		[]string{"version", "protocol"},
	)
)

// --- Connections ---
var (
	casscopeNodesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casscope_nodes_tracked",
			Help: "Number of cluster nodes currently tracked",
		},
	)

	casscopeNodeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casscope_node_connections",
			Help: "Tracked nodes by connection state",
		},
		[]string{"state"}, // "disconnected" | "connecting" | "connected" | "failed"
	)

	casscopeNodeDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casscope_node_dials_total",
			Help: "Connection attempts by result",
		},
		[]string{"result"}, // "success" | "failure"
	)

	casscopeConnectionResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_connection_resets_total",
			Help: "Operator-forced connection resets",
		},
	)

	casscopeIdleConnectionsClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_idle_connections_closed_total",
			Help: "Connections closed by the health reaper for idleness",
		},
	)
)

// --- Sampling ---
var (
	casscopeSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casscope_samples_total",
			Help: "Node sampling runs by result",
		},
		[]string{"result"}, // "full" | "partial" | "failed"
	)

	casscopeSampleGroupFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casscope_sample_group_failures_total",
			Help: "Per-group sampling failures by metric group and failure kind",
		},
		[]string{"group", "kind"},
	)

	casscopeSampleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "casscope_sample_duration_seconds",
			Help: "Wall time of one node sampling run",
			Buckets: []float64{
				0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0, 16.0,
			},
		},
	)
)

// --- Cache ---
var (
	casscopeCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casscope_cache_entries",
			Help: "Entries currently held by the metrics cache",
		},
	)

	casscopeCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_cache_hits_total",
			Help: "Cache lookups served from a fresh entry",
		},
	)

	casscopeCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_cache_misses_total",
			Help: "Cache lookups that required a fetch",
		},
	)

	casscopeCacheFetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_cache_fetches_total",
			Help: "Upstream fetches executed by the cache",
		},
	)

	casscopeCacheFetchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_cache_fetch_failures_total",
			Help: "Upstream fetches that returned an error",
		},
	)

	casscopeCacheCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_cache_coalesced_total",
			Help: "Cache lookups that joined an in-flight fetch",
		},
	)
)

// --- Aggregation ---
var (
	casscopeClusterReportingNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casscope_cluster_reporting_nodes",
			Help: "Nodes contributing to the latest cluster aggregation",
		},
	)

	casscopeClusterUnavailableNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casscope_cluster_unavailable_nodes",
			Help: "Tracked nodes missing from the latest cluster aggregation",
		},
	)

	casscopeAggregationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casscope_aggregations_total",
			Help: "Cluster aggregations by result",
		},
		[]string{"result"}, // "ok" | "insufficient_data"
	)
)

// --- Broadcast & push ---
var (
	casscopeBroadcastTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_broadcast_ticks_total",
			Help: "Broadcast scheduler ticks",
		},
	)

	casscopeBroadcastMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casscope_broadcast_messages_total",
			Help: "Broadcast messages by envelope type",
		},
		[]string{"type"}, // "cluster_snapshot" | "connection_pending"
	)

	casscopePushSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casscope_push_subscribers",
			Help: "Currently connected WebSocket subscribers",
		},
	)

	casscopePushDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_push_delivered_total",
			Help: "Messages delivered to subscriber buffers",
		},
	)

	casscopePushDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casscope_push_dropped_total",
			Help: "Messages dropped because a subscriber stopped reading",
		},
	)
)

// connectionStates is the closed set of states the gauge vector carries.
var connectionStates = []string{"disconnected", "connecting", "connected", "failed"}

// Collector manages all Prometheus metrics for the engine.
type Collector struct {
	version  string
	protocol string

	// Internal tracking for delta calculations. Component stats expose
	// monotonic totals; counters must only ever be Add()ed the delta.
	mu                 sync.Mutex
	prevCacheHits      uint64
	prevCacheMisses    uint64
	prevCacheFetches   uint64
	prevCacheFailures  uint64
	prevCacheCoalesced uint64

	prevBroadcastTicks     uint64
	prevBroadcastSnapshots uint64
	prevBroadcastPendings  uint64

	prevPushDelivered uint64
	prevPushDropped   uint64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version  string
	Protocol string
}

// NewCollector creates a new metrics collector.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		version:  cfg.Version,
		protocol: cfg.Protocol,
	}

	registry.MustRegister(
		// Engine info
		casscopeInfo,

		// Connections
		casscopeNodesTracked,
		casscopeNodeConnections,
		casscopeNodeDialsTotal,
		casscopeConnectionResetsTotal,
		casscopeIdleConnectionsClosedTotal,

		// Sampling
		casscopeSamplesTotal,
		casscopeSampleGroupFailuresTotal,
		casscopeSampleDurationSeconds,

		// Cache
		casscopeCacheEntries,
		casscopeCacheHitsTotal,
		casscopeCacheMissesTotal,
		casscopeCacheFetchesTotal,
		casscopeCacheFetchFailuresTotal,
		casscopeCacheCoalescedTotal,

		// Aggregation
		casscopeClusterReportingNodes,
		casscopeClusterUnavailableNodes,
		casscopeAggregationsTotal,

		// Broadcast & push
		casscopeBroadcastTicksTotal,
		casscopeBroadcastMessagesTotal,
		casscopePushSubscribers,
		casscopePushDeliveredTotal,
		casscopePushDroppedTotal,
	)

	casscopeInfo.WithLabelValues(cfg.Version, cfg.Protocol).Set(1)

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// DialSucceeded records a successful connection attempt.
func (c *Collector) DialSucceeded() {
	casscopeNodeDialsTotal.WithLabelValues("success").Inc()
}

// DialFailed records a failed connection attempt.
func (c *Collector) DialFailed() {
	casscopeNodeDialsTotal.WithLabelValues("failure").Inc()
}

// ConnectionsReset records one operator-forced reset.
func (c *Collector) ConnectionsReset() {
	casscopeConnectionResetsTotal.Inc()
}

// IdleConnectionsClosed records connections the reaper closed.
func (c *Collector) IdleConnectionsClosed(n int) {
	if n > 0 {
		casscopeIdleConnectionsClosedTotal.Add(float64(n))
	}
}

// SampleObserved records one node sampling run. Result is "full",
// "partial", or "failed".
func (c *Collector) SampleObserved(result string, duration time.Duration) {
	casscopeSamplesTotal.WithLabelValues(result).Inc()
	casscopeSampleDurationSeconds.Observe(duration.Seconds())
}

// GroupFailureObserved records one per-group sampling failure.
func (c *Collector) GroupFailureObserved(group, kind string) {
	casscopeSampleGroupFailuresTotal.WithLabelValues(group, kind).Inc()
}

// AggregationObserved records one cluster aggregation.
func (c *Collector) AggregationObserved(reporting, unavailable int, ok bool) {
	result := "ok"
	if !ok {
		result = "insufficient_data"
	}
	casscopeAggregationsTotal.WithLabelValues(result).Inc()
	casscopeClusterReportingNodes.Set(float64(reporting))
	casscopeClusterUnavailableNodes.Set(float64(unavailable))
}

// =============================================================================
// Periodic Updates
// =============================================================================

// StatsUpdate carries component counters for a periodic metrics sync.
// Plain values rather than component types to avoid circular imports.
type StatsUpdate struct {
	NodesTracked int
	NodeStates   map[string]int // state name -> node count

	CacheEntries   int
	CacheHits      uint64
	CacheMisses    uint64
	CacheFetches   uint64
	CacheFailures  uint64
	CacheCoalesced uint64

	BroadcastTicks     uint64
	BroadcastSnapshots uint64
	BroadcastPendings  uint64

	PushSubscribers int
	PushDelivered   uint64
	PushDropped     uint64
}

// RecordStats updates gauges and counter deltas from component stats.
func (c *Collector) RecordStats(stats *StatsUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// --- Connections ---
	casscopeNodesTracked.Set(float64(stats.NodesTracked))
	for _, state := range connectionStates {
		casscopeNodeConnections.WithLabelValues(state).Set(float64(stats.NodeStates[state]))
	}

	// --- Cache ---
	casscopeCacheEntries.Set(float64(stats.CacheEntries))

	if delta := stats.CacheHits - c.prevCacheHits; delta > 0 {
		casscopeCacheHitsTotal.Add(float64(delta))
	}
	if delta := stats.CacheMisses - c.prevCacheMisses; delta > 0 {
		casscopeCacheMissesTotal.Add(float64(delta))
	}
	if delta := stats.CacheFetches - c.prevCacheFetches; delta > 0 {
		casscopeCacheFetchesTotal.Add(float64(delta))
	}
	if delta := stats.CacheFailures - c.prevCacheFailures; delta > 0 {
		casscopeCacheFetchFailuresTotal.Add(float64(delta))
	}
	if delta := stats.CacheCoalesced - c.prevCacheCoalesced; delta > 0 {
		casscopeCacheCoalescedTotal.Add(float64(delta))
	}
	c.prevCacheHits = stats.CacheHits
	c.prevCacheMisses = stats.CacheMisses
	c.prevCacheFetches = stats.CacheFetches
	c.prevCacheFailures = stats.CacheFailures
	c.prevCacheCoalesced = stats.CacheCoalesced

	// --- Broadcast ---
	if delta := stats.BroadcastTicks - c.prevBroadcastTicks; delta > 0 {
		casscopeBroadcastTicksTotal.Add(float64(delta))
	}
	if delta := stats.BroadcastSnapshots - c.prevBroadcastSnapshots; delta > 0 {
		casscopeBroadcastMessagesTotal.WithLabelValues("cluster_snapshot").Add(float64(delta))
	}
	if delta := stats.BroadcastPendings - c.prevBroadcastPendings; delta > 0 {
		casscopeBroadcastMessagesTotal.WithLabelValues("connection_pending").Add(float64(delta))
	}
	c.prevBroadcastTicks = stats.BroadcastTicks
	c.prevBroadcastSnapshots = stats.BroadcastSnapshots
	c.prevBroadcastPendings = stats.BroadcastPendings

	// --- Push ---
	casscopePushSubscribers.Set(float64(stats.PushSubscribers))

	if delta := stats.PushDelivered - c.prevPushDelivered; delta > 0 {
		casscopePushDeliveredTotal.Add(float64(delta))
	}
	if delta := stats.PushDropped - c.prevPushDropped; delta > 0 {
		casscopePushDroppedTotal.Add(float64(delta))
	}
	c.prevPushDelivered = stats.PushDelivered
	c.prevPushDropped = stats.PushDropped
}
