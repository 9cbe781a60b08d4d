// Package aggregate folds per-node metric samples into cluster-level
// metrics.
//
// Aggregation is a pure function over whatever settled samples the cache
// holds right now: counters sum, per-node latency means average without
// weighting, percentiles take the cluster-wide maximum so a single slow
// node stays visible, and cache hit rates average only over nodes that
// actually served requests. Groups nobody reported are omitted rather
// than rendered as zeros.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/casscope/casscope/internal/metric"
)

// InsufficientDataError reports that aggregation had no settled samples
// to work with. Callers surface it instead of fabricating a zeroed
// result.
type InsufficientDataError struct {
	TotalNodes int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: 0 of %d nodes reporting", e.TotalNodes)
}

// ClusterMetrics is the cluster-level roll-up served to consoles. Group
// aggregates are nil when no node contributed that group.
type ClusterMetrics struct {
	GeneratedAt      time.Time `json:"generated_at"`
	TotalNodes       int       `json:"total_nodes"`
	ReportingNodes   int       `json:"reporting_nodes"`
	UnavailableNodes []string  `json:"unavailable_nodes,omitempty"`

	Memory        *MemoryAggregate        `json:"memory,omitempty"`
	GC            *GCAggregate            `json:"garbage_collection,omitempty"`
	ThreadPools   *ThreadPoolAggregate    `json:"thread_pools,omitempty"`
	Cache         *CacheAggregate         `json:"cache,omitempty"`
	Compaction    *CompactionAggregate    `json:"compaction,omitempty"`
	ClientRequest *ClientRequestAggregate `json:"client_request,omitempty"`
}

// MemoryAggregate sums JVM memory usage across contributing nodes.
type MemoryAggregate struct {
	Nodes              int   `json:"nodes"`
	HeapUsedBytes      int64 `json:"heap_used_bytes"`
	HeapCommittedBytes int64 `json:"heap_committed_bytes"`
	HeapMaxBytes       int64 `json:"heap_max_bytes"`
	NonHeapUsedBytes   int64 `json:"non_heap_used_bytes"`
}

// GCAggregate sums garbage collection activity across contributing nodes.
type GCAggregate struct {
	Nodes            int   `json:"nodes"`
	CollectionCount  int64 `json:"collection_count"`
	CollectionTimeMs int64 `json:"collection_time_ms"`
}

// ThreadPoolAggregate sums thread pool task counts across contributing
// nodes.
type ThreadPoolAggregate struct {
	Nodes          int   `json:"nodes"`
	ActiveTasks    int64 `json:"active_tasks"`
	PendingTasks   int64 `json:"pending_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	BlockedTasks   int64 `json:"blocked_tasks"`
}

// CacheAggregate sums cache sizes and request counts; hit rates are the
// unweighted mean over nodes whose cache served at least one request.
type CacheAggregate struct {
	Nodes             int     `json:"nodes"`
	KeyCacheHitRate   float64 `json:"key_cache_hit_rate"`
	KeyCacheRequests  int64   `json:"key_cache_requests"`
	KeyCacheSizeBytes int64   `json:"key_cache_size_bytes"`
	RowCacheHitRate   float64 `json:"row_cache_hit_rate"`
	RowCacheRequests  int64   `json:"row_cache_requests"`
	RowCacheSizeBytes int64   `json:"row_cache_size_bytes"`
}

// CompactionAggregate sums compaction activity across contributing nodes.
type CompactionAggregate struct {
	Nodes          int   `json:"nodes"`
	PendingTasks   int64 `json:"pending_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	BytesCompacted int64 `json:"bytes_compacted"`
}

// ClientRequestAggregate sums request and error counts; latency means
// are the unweighted mean of per-node means, and percentiles are the
// maximum across nodes so the worst node is never averaged away.
type ClientRequestAggregate struct {
	Nodes              int     `json:"nodes"`
	ReadCount          int64   `json:"read_count"`
	WriteCount         int64   `json:"write_count"`
	ReadLatencyMeanMs  float64 `json:"read_latency_mean_ms"`
	WriteLatencyMeanMs float64 `json:"write_latency_mean_ms"`
	ReadLatencyP95Ms   float64 `json:"read_latency_p95_ms"`
	WriteLatencyP95Ms  float64 `json:"write_latency_p95_ms"`
	ReadLatencyP99Ms   float64 `json:"read_latency_p99_ms"`
	WriteLatencyP99Ms  float64 `json:"write_latency_p99_ms"`
	ReadTimeouts       int64   `json:"read_timeouts"`
	WriteTimeouts      int64   `json:"write_timeouts"`
	ReadUnavailables   int64   `json:"read_unavailables"`
	WriteUnavailables  int64   `json:"write_unavailables"`
}

// Aggregate folds the given samples into cluster metrics. tracked is the
// full registry host list; hosts without a sample are reported as
// unavailable. With no samples at all, an *InsufficientDataError is
// returned instead of a zeroed result.
func Aggregate(now time.Time, tracked []string, samples []*metric.Sample) (*ClusterMetrics, error) {
	if len(samples) == 0 {
		return nil, &InsufficientDataError{TotalNodes: len(tracked)}
	}

	cm := &ClusterMetrics{
		GeneratedAt:      now,
		TotalNodes:       len(tracked),
		ReportingNodes:   len(samples),
		UnavailableNodes: unavailable(tracked, samples),
	}

	cm.Memory = foldMemory(samples)
	cm.GC = foldGC(samples)
	cm.ThreadPools = foldThreadPools(samples)
	cm.Cache = foldCaches(samples)
	cm.Compaction = foldCompaction(samples)
	cm.ClientRequest = foldClientRequests(samples)

	return cm, nil
}

func unavailable(tracked []string, samples []*metric.Sample) []string {
	reporting := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		reporting[s.Host] = struct{}{}
	}

	var missing []string
	for _, host := range tracked {
		if _, ok := reporting[host]; !ok {
			missing = append(missing, host)
		}
	}
	sort.Strings(missing)
	return missing
}

func foldMemory(samples []*metric.Sample) *MemoryAggregate {
	var agg MemoryAggregate
	for _, s := range samples {
		if s.Memory == nil {
			continue
		}
		agg.Nodes++
		agg.HeapUsedBytes += s.Memory.HeapUsedBytes
		agg.HeapCommittedBytes += s.Memory.HeapCommittedBytes
		agg.HeapMaxBytes += s.Memory.HeapMaxBytes
		agg.NonHeapUsedBytes += s.Memory.NonHeapUsedBytes
	}
	if agg.Nodes == 0 {
		return nil
	}
	return &agg
}

func foldGC(samples []*metric.Sample) *GCAggregate {
	var agg GCAggregate
	for _, s := range samples {
		if s.GC == nil {
			continue
		}
		agg.Nodes++
		agg.CollectionCount += s.GC.CollectionCount
		agg.CollectionTimeMs += s.GC.CollectionTimeMs
	}
	if agg.Nodes == 0 {
		return nil
	}
	return &agg
}

func foldThreadPools(samples []*metric.Sample) *ThreadPoolAggregate {
	var agg ThreadPoolAggregate
	for _, s := range samples {
		if s.ThreadPools == nil {
			continue
		}
		agg.Nodes++
		agg.ActiveTasks += s.ThreadPools.ActiveTasks
		agg.PendingTasks += s.ThreadPools.PendingTasks
		agg.CompletedTasks += s.ThreadPools.CompletedTasks
		agg.BlockedTasks += s.ThreadPools.BlockedTasks
	}
	if agg.Nodes == 0 {
		return nil
	}
	return &agg
}

func foldCaches(samples []*metric.Sample) *CacheAggregate {
	var agg CacheAggregate
	var keyRateSum, rowRateSum float64
	var keyRateNodes, rowRateNodes int

	for _, s := range samples {
		if s.Cache == nil {
			continue
		}
		agg.Nodes++
		agg.KeyCacheRequests += s.Cache.KeyCacheRequests
		agg.KeyCacheSizeBytes += s.Cache.KeyCacheSizeBytes
		agg.RowCacheRequests += s.Cache.RowCacheRequests
		agg.RowCacheSizeBytes += s.Cache.RowCacheSizeBytes

		// Idle caches report no meaningful hit rate; averaging them in
		// would drag a busy cluster's rate towards zero.
		if s.Cache.KeyCacheRequests > 0 && !math.IsNaN(s.Cache.KeyCacheHitRate) {
			keyRateSum += s.Cache.KeyCacheHitRate
			keyRateNodes++
		}
		if s.Cache.RowCacheRequests > 0 && !math.IsNaN(s.Cache.RowCacheHitRate) {
			rowRateSum += s.Cache.RowCacheHitRate
			rowRateNodes++
		}
	}
	if agg.Nodes == 0 {
		return nil
	}
	if keyRateNodes > 0 {
		agg.KeyCacheHitRate = keyRateSum / float64(keyRateNodes)
	}
	if rowRateNodes > 0 {
		agg.RowCacheHitRate = rowRateSum / float64(rowRateNodes)
	}
	return &agg
}

func foldCompaction(samples []*metric.Sample) *CompactionAggregate {
	var agg CompactionAggregate
	for _, s := range samples {
		if s.Compaction == nil {
			continue
		}
		agg.Nodes++
		agg.PendingTasks += s.Compaction.PendingTasks
		agg.CompletedTasks += s.Compaction.CompletedTasks
		agg.BytesCompacted += s.Compaction.BytesCompacted
	}
	if agg.Nodes == 0 {
		return nil
	}
	return &agg
}

func foldClientRequests(samples []*metric.Sample) *ClientRequestAggregate {
	var agg ClientRequestAggregate
	var readMeanSum, writeMeanSum float64
	var readMeanNodes, writeMeanNodes int

	for _, s := range samples {
		cr := s.ClientRequest
		if cr == nil {
			continue
		}
		agg.Nodes++
		agg.ReadCount += cr.ReadCount
		agg.WriteCount += cr.WriteCount
		agg.ReadTimeouts += cr.ReadTimeouts
		agg.WriteTimeouts += cr.WriteTimeouts
		agg.ReadUnavailables += cr.ReadUnavailables
		agg.WriteUnavailables += cr.WriteUnavailables

		// Nodes that served no traffic have no latency distribution to
		// contribute; skipping them keeps the mean honest.
		if cr.ReadCount > 0 && !math.IsNaN(cr.ReadLatencyMeanMs) {
			readMeanSum += cr.ReadLatencyMeanMs
			readMeanNodes++
			agg.ReadLatencyP95Ms = math.Max(agg.ReadLatencyP95Ms, cr.ReadLatencyP95Ms)
			agg.ReadLatencyP99Ms = math.Max(agg.ReadLatencyP99Ms, cr.ReadLatencyP99Ms)
		}
		if cr.WriteCount > 0 && !math.IsNaN(cr.WriteLatencyMeanMs) {
			writeMeanSum += cr.WriteLatencyMeanMs
			writeMeanNodes++
			agg.WriteLatencyP95Ms = math.Max(agg.WriteLatencyP95Ms, cr.WriteLatencyP95Ms)
			agg.WriteLatencyP99Ms = math.Max(agg.WriteLatencyP99Ms, cr.WriteLatencyP99Ms)
		}
	}
	if agg.Nodes == 0 {
		return nil
	}
	if readMeanNodes > 0 {
		agg.ReadLatencyMeanMs = readMeanSum / float64(readMeanNodes)
	}
	if writeMeanNodes > 0 {
		agg.WriteLatencyMeanMs = writeMeanSum / float64(writeMeanNodes)
	}
	return &agg
}
