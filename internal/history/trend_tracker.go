// Package history keeps a rolling window of cluster-level metric points
// for trend views.
//
// Each aggregation result contributes one point. Points older than the
// window are pruned, and latency quantiles over the window come from
// T-Digests that are rebuilt whenever points expire.
//
// Thread-safe: Record() and Stats() acquire the tracker lock. Memory:
// a few hundred points plus two ~10KB digests.
package history

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/casscope/casscope/internal/aggregate"
)

const (
	// DefaultWindow is how much trend history is retained.
	DefaultWindow = 15 * time.Minute

	// DefaultMaxPoints caps the number of retained points (15 minutes at
	// one point per second).
	DefaultMaxPoints = 900
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

// realClock uses time.Now() for production.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Point is one cluster aggregation result reduced to its trend series.
type Point struct {
	At                 time.Time `json:"at"`
	TotalNodes         int       `json:"total_nodes"`
	ReportingNodes     int       `json:"reporting_nodes"`
	HeapUsedBytes      int64     `json:"heap_used_bytes"`
	PendingCompactions int64     `json:"pending_compactions"`
	ReadLatencyMeanMs  float64   `json:"read_latency_mean_ms"`
	WriteLatencyMeanMs float64   `json:"write_latency_mean_ms"`
}

// TrendStats is the window summary served to trend views.
type TrendStats struct {
	Points            []Point `json:"points"` // oldest first
	ReadLatencyP50Ms  float64 `json:"read_latency_p50_ms"`
	ReadLatencyP95Ms  float64 `json:"read_latency_p95_ms"`
	ReadLatencyP99Ms  float64 `json:"read_latency_p99_ms"`
	WriteLatencyP50Ms float64 `json:"write_latency_p50_ms"`
	WriteLatencyP95Ms float64 `json:"write_latency_p95_ms"`
	WriteLatencyP99Ms float64 `json:"write_latency_p99_ms"`
}

// Config holds configuration for creating a new TrendTracker.
type Config struct {
	Window    time.Duration // Retention window (default: 15m)
	MaxPoints int           // Point cap inside the window (default: 900)
}

// TrendTracker records cluster aggregation results and serves a rolling
// trend window over them.
type TrendTracker struct {
	window    time.Duration
	maxPoints int

	mu     sync.Mutex
	points []Point

	// Digests are not thread-safe; guarded by mu.
	readDigest   *tdigest.TDigest
	writeDigest  *tdigest.TDigest
	readSamples  int
	writeSamples int

	clock Clock
}

// NewTrendTracker creates a tracker with the real clock.
func NewTrendTracker(cfg Config) *TrendTracker {
	return NewTrendTrackerWithClock(cfg, realClock{})
}

// NewTrendTrackerWithClock creates a tracker with a custom clock for
// testing.
func NewTrendTrackerWithClock(cfg Config, clock Clock) *TrendTracker {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	maxPoints := cfg.MaxPoints
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}

	return &TrendTracker{
		window:      window,
		maxPoints:   maxPoints,
		points:      make([]Point, 0, maxPoints),
		readDigest:  tdigest.NewWithCompression(100),
		writeDigest: tdigest.NewWithCompression(100),
		clock:       clock,
	}
}

// Record appends one aggregation result to the window. Group aggregates
// missing from the result leave their series at zero for this point.
func (t *TrendTracker) Record(cm *aggregate.ClusterMetrics) {
	if cm == nil {
		return
	}

	p := Point{
		At:             cm.GeneratedAt,
		TotalNodes:     cm.TotalNodes,
		ReportingNodes: cm.ReportingNodes,
	}
	if p.At.IsZero() {
		p.At = t.clock.Now()
	}
	if cm.Memory != nil {
		p.HeapUsedBytes = cm.Memory.HeapUsedBytes
	}
	if cm.Compaction != nil {
		p.PendingCompactions = cm.Compaction.PendingTasks
	}
	if cm.ClientRequest != nil {
		p.ReadLatencyMeanMs = cm.ClientRequest.ReadLatencyMeanMs
		p.WriteLatencyMeanMs = cm.ClientRequest.WriteLatencyMeanMs
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.points = append(t.points, p)
	if p.ReadLatencyMeanMs > 0 {
		t.readDigest.Add(p.ReadLatencyMeanMs, 1)
		t.readSamples++
	}
	if p.WriteLatencyMeanMs > 0 {
		t.writeDigest.Add(p.WriteLatencyMeanMs, 1)
		t.writeSamples++
	}
	t.prune(t.clock.Now())
}

// Stats returns the current window, oldest point first. Quantiles are
// zero while no latency samples are in the window.
func (t *TrendTracker) Stats() TrendStats {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(now)

	stats := TrendStats{
		Points: make([]Point, len(t.points)),
	}
	copy(stats.Points, t.points)

	if t.readSamples > 0 {
		stats.ReadLatencyP50Ms = t.readDigest.Quantile(0.50)
		stats.ReadLatencyP95Ms = t.readDigest.Quantile(0.95)
		stats.ReadLatencyP99Ms = t.readDigest.Quantile(0.99)
	}
	if t.writeSamples > 0 {
		stats.WriteLatencyP50Ms = t.writeDigest.Quantile(0.50)
		stats.WriteLatencyP95Ms = t.writeDigest.Quantile(0.95)
		stats.WriteLatencyP99Ms = t.writeDigest.Quantile(0.99)
	}
	return stats
}

// prune drops points outside the window or beyond the cap and rebuilds
// the digests when anything expired. Must be called with mu held.
func (t *TrendTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)

	valid := make([]Point, 0, len(t.points))
	expired := 0
	for _, p := range t.points {
		if p.At.After(cutoff) {
			valid = append(valid, p)
		} else {
			expired++
		}
	}
	if len(valid) > t.maxPoints {
		expired += len(valid) - t.maxPoints
		valid = valid[len(valid)-t.maxPoints:]
	}

	// Only rebuild the digests if points actually expired.
	if expired > 0 {
		t.readDigest = tdigest.NewWithCompression(100)
		t.writeDigest = tdigest.NewWithCompression(100)
		t.readSamples = 0
		t.writeSamples = 0
		for _, p := range valid {
			if p.ReadLatencyMeanMs > 0 {
				t.readDigest.Add(p.ReadLatencyMeanMs, 1)
				t.readSamples++
			}
			if p.WriteLatencyMeanMs > 0 {
				t.writeDigest.Add(p.WriteLatencyMeanMs, 1)
				t.writeSamples++
			}
		}
	}

	t.points = valid
}

// Reset clears all points and digests.
func (t *TrendTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.points = t.points[:0]
	t.readDigest = tdigest.NewWithCompression(100)
	t.writeDigest = tdigest.NewWithCompression(100)
	t.readSamples = 0
	t.writeSamples = 0
}

// PointCount returns the number of retained points. Useful for testing.
func (t *TrendTracker) PointCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.points)
}
