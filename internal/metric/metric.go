// Package metric defines the normalized per-node sample schema shared by the
// sampler, cache, aggregator, and broadcast layers.
//
// A Sample carries one typed struct per metric group in the fixed sampling
// catalogue. Group values are normalized at the management-client boundary:
// - sizes in bytes (int64)
// - task and request counts as totals (int64)
// - latencies in milliseconds (float64)
// - hit rates as ratios in [0, 1] (float64)
// so downstream consumers never see source-specific representations.
package metric

import "time"

// Group identifies one metric group in the fixed sampling catalogue.
type Group string

const (
	// GroupMemory covers JVM heap and non-heap usage.
	GroupMemory Group = "memory"

	// GroupGC covers garbage-collection counts and accumulated pause time.
	GroupGC Group = "garbage-collection"

	// GroupThreadPool covers request-path thread pool task counters.
	GroupThreadPool Group = "thread-pool"

	// GroupCache covers key/row cache sizing and hit rates.
	GroupCache Group = "cache"

	// GroupCompaction covers compaction backlog and throughput.
	GroupCompaction Group = "compaction"

	// GroupClientRequest covers read/write request counts, latencies,
	// and coordinator-level error counters.
	GroupClientRequest Group = "client-request"
)

// Groups returns the fixed catalogue in sampling order.
// The slice is freshly allocated; callers may reorder it.
func Groups() []Group {
	return []Group{
		GroupMemory,
		GroupGC,
		GroupThreadPool,
		GroupCache,
		GroupCompaction,
		GroupClientRequest,
	}
}

// Valid reports whether g names a catalogue group.
func (g Group) Valid() bool {
	switch g {
	case GroupMemory, GroupGC, GroupThreadPool, GroupCache, GroupCompaction, GroupClientRequest:
		return true
	default:
		return false
	}
}

// FailureKind classifies why a group read produced no data.
type FailureKind string

const (
	// FailureTimeout means the group read missed its deadline.
	FailureTimeout FailureKind = "timeout"

	// FailureProtocol means the node returned a malformed or unexpected
	// attribute shape for the group.
	FailureProtocol FailureKind = "protocol"

	// FailureConnection means the management link failed mid-read.
	FailureConnection FailureKind = "connection"
)

// GroupFailure records one absent group and why it is absent.
// A Sample with Failures but at least one populated group is a valid
// (degraded) sample, not an error.
type GroupFailure struct {
	Group  Group       `json:"group"`
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}

// Sample is one node's normalized metric snapshot. Immutable once produced:
// a new sample replaces the previous one wholesale, never a field at a time.
//
// A nil group pointer means the group is absent from this sample; the
// corresponding GroupFailure in Failures says why.
type Sample struct {
	Host       string    `json:"host"`
	CapturedAt time.Time `json:"capturedAt"`

	Memory        *Memory        `json:"memory,omitempty"`
	GC            *GC            `json:"gc,omitempty"`
	ThreadPools   *ThreadPools   `json:"threadPools,omitempty"`
	Cache         *Cache         `json:"cache,omitempty"`
	Compaction    *Compaction    `json:"compaction,omitempty"`
	ClientRequest *ClientRequest `json:"clientRequest,omitempty"`

	Failures []GroupFailure `json:"failures,omitempty"`
}

// Memory holds JVM memory usage in bytes.
type Memory struct {
	HeapUsedBytes      int64 `json:"heapUsedBytes"`
	HeapCommittedBytes int64 `json:"heapCommittedBytes"`
	HeapMaxBytes       int64 `json:"heapMaxBytes"`
	NonHeapUsedBytes   int64 `json:"nonHeapUsedBytes"`
}

// GC holds garbage-collection totals summed across collectors.
type GC struct {
	CollectionCount  int64 `json:"collectionCount"`
	CollectionTimeMs int64 `json:"collectionTimeMs"`
}

// ThreadPools holds task counters summed across request-path pools.
type ThreadPools struct {
	ActiveTasks    int64 `json:"activeTasks"`
	PendingTasks   int64 `json:"pendingTasks"`
	CompletedTasks int64 `json:"completedTasks"`
	BlockedTasks   int64 `json:"blockedTasks"`
}

// Cache holds key/row cache metrics. Hit rates are ratios in [0, 1]; a cache
// that has served zero requests reports rate 0 with Requests 0 rather than
// NaN, and aggregation skips ratios with no backing requests.
type Cache struct {
	KeyCacheHitRate   float64 `json:"keyCacheHitRate"`
	KeyCacheRequests  int64   `json:"keyCacheRequests"`
	KeyCacheSizeBytes int64   `json:"keyCacheSizeBytes"`
	RowCacheHitRate   float64 `json:"rowCacheHitRate"`
	RowCacheRequests  int64   `json:"rowCacheRequests"`
	RowCacheSizeBytes int64   `json:"rowCacheSizeBytes"`
}

// Compaction holds compaction backlog and cumulative throughput.
type Compaction struct {
	PendingTasks   int64 `json:"pendingTasks"`
	CompletedTasks int64 `json:"completedTasks"`
	BytesCompacted int64 `json:"bytesCompacted"`
}

// ClientRequest holds coordinator read/write request metrics.
// Latencies are milliseconds.
type ClientRequest struct {
	ReadCount  int64 `json:"readCount"`
	WriteCount int64 `json:"writeCount"`

	ReadLatencyMeanMs  float64 `json:"readLatencyMeanMs"`
	WriteLatencyMeanMs float64 `json:"writeLatencyMeanMs"`
	ReadLatencyP95Ms   float64 `json:"readLatencyP95Ms"`
	ReadLatencyP99Ms   float64 `json:"readLatencyP99Ms"`
	WriteLatencyP95Ms  float64 `json:"writeLatencyP95Ms"`
	WriteLatencyP99Ms  float64 `json:"writeLatencyP99Ms"`

	ReadTimeouts      int64 `json:"readTimeouts"`
	WriteTimeouts     int64 `json:"writeTimeouts"`
	ReadUnavailables  int64 `json:"readUnavailables"`
	WriteUnavailables int64 `json:"writeUnavailables"`
}

// GroupData is implemented by every group struct pointer so management
// clients can return group payloads without the sampler switching on
// concrete protocol types.
type GroupData interface {
	Group() Group
}

func (*Memory) Group() Group        { return GroupMemory }
func (*GC) Group() Group            { return GroupGC }
func (*ThreadPools) Group() Group   { return GroupThreadPool }
func (*Cache) Group() Group         { return GroupCache }
func (*Compaction) Group() Group    { return GroupCompaction }
func (*ClientRequest) Group() Group { return GroupClientRequest }

// Attach stores d in the matching group field. A nil payload is ignored.
func (s *Sample) Attach(d GroupData) {
	switch v := d.(type) {
	case *Memory:
		if v != nil {
			s.Memory = v
		}
	case *GC:
		if v != nil {
			s.GC = v
		}
	case *ThreadPools:
		if v != nil {
			s.ThreadPools = v
		}
	case *Cache:
		if v != nil {
			s.Cache = v
		}
	case *Compaction:
		if v != nil {
			s.Compaction = v
		}
	case *ClientRequest:
		if v != nil {
			s.ClientRequest = v
		}
	}
}

// Has reports whether group g is present in the sample.
func (s *Sample) Has(g Group) bool {
	switch g {
	case GroupMemory:
		return s.Memory != nil
	case GroupGC:
		return s.GC != nil
	case GroupThreadPool:
		return s.ThreadPools != nil
	case GroupCache:
		return s.Cache != nil
	case GroupCompaction:
		return s.Compaction != nil
	case GroupClientRequest:
		return s.ClientRequest != nil
	default:
		return false
	}
}

// HasData reports whether at least one group is present. A sample with no
// groups (all reads failed) must not contribute to aggregation.
func (s *Sample) HasData() bool {
	for _, g := range Groups() {
		if s.Has(g) {
			return true
		}
	}
	return false
}

// Degraded reports whether the sample is missing at least one group.
func (s *Sample) Degraded() bool {
	return len(s.Failures) > 0
}

// AddFailure appends a failure note for group g.
func (s *Sample) AddFailure(g Group, kind FailureKind, reason string) {
	s.Failures = append(s.Failures, GroupFailure{Group: g, Kind: kind, Reason: reason})
}
