package mgmt

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/casscope/casscope/internal/metric"
)

// Metric families expected from a per-node exporter sidecar. JVM families
// follow the jmx_exporter naming; cassandra_* families follow the sidecar's
// mapping config.
const (
	famJVMMemUsed      = "jvm_memory_bytes_used"
	famJVMMemCommitted = "jvm_memory_bytes_committed"
	famJVMMemMax       = "jvm_memory_bytes_max"
	famJVMGC           = "jvm_gc_collection_seconds"

	famThreadPoolActive    = "cassandra_thread_pool_active_tasks"
	famThreadPoolPending   = "cassandra_thread_pool_pending_tasks"
	famThreadPoolCompleted = "cassandra_thread_pool_completed_tasks_total"
	famThreadPoolBlocked   = "cassandra_thread_pool_blocked_tasks_total"

	famCacheHitRate  = "cassandra_cache_hit_rate"
	famCacheSize     = "cassandra_cache_size_bytes"
	famCacheRequests = "cassandra_cache_requests_total"

	famCompactionPending   = "cassandra_compaction_pending_tasks"
	famCompactionCompleted = "cassandra_compaction_completed_tasks_total"
	famCompactionBytes     = "cassandra_compaction_bytes_compacted_total"

	famRequestLatency      = "cassandra_client_request_latency_seconds"
	famRequestTimeouts     = "cassandra_client_request_timeouts_total"
	famRequestUnavailables = "cassandra_client_request_unavailables_total"
)

// scrapeReuse is how long one scrape is reused across group reads. A
// sampling pass reads six groups; without reuse it would hit the exporter
// six times per pass.
const scrapeReuse = time.Second

// ExporterClient reads node metrics from a Prometheus exporter sidecar.
// One scrape covers every group; group reads share a short-lived snapshot.
type ExporterClient struct {
	host string
	url  string

	client *http.Client

	mu        sync.Mutex
	families  map[string]*dto.MetricFamily
	scrapedAt time.Time
}

var _ Client = (*ExporterClient)(nil)

// NewExporterClient creates a client for the exporter at addr (host:port).
func NewExporterClient(host, addr string, requestTimeout time.Duration) *ExporterClient {
	return &ExporterClient{
		host: host,
		url:  "http://" + addr + "/metrics",
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				// Single transport connection per node.
				MaxConnsPerHost:     1,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Connect scrapes once, verifying the endpoint is reachable and speaks the
// text exposition format.
func (c *ExporterClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.scrape(ctx); err != nil {
		if _, ok := err.(*ProtocolError); ok {
			return &ConnectionError{Host: c.host, Op: "handshake", Err: err}
		}
		return err
	}
	return nil
}

// ReadGroup extracts one catalogue group from the scrape snapshot.
func (c *ExporterClient) ReadGroup(ctx context.Context, g metric.Group) (metric.GroupData, error) {
	fams, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	switch g {
	case metric.GroupMemory:
		return c.extractMemory(fams)
	case metric.GroupGC:
		return c.extractGC(fams)
	case metric.GroupThreadPool:
		return c.extractThreadPools(fams)
	case metric.GroupCache:
		return c.extractCaches(fams)
	case metric.GroupCompaction:
		return c.extractCompaction(fams)
	case metric.GroupClientRequest:
		return c.extractClientRequest(fams)
	default:
		return nil, fmt.Errorf("unknown metric group %q", g)
	}
}

// Ping verifies the exporter endpoint answers without decoding the body.
func (c *ExporterClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return &ConnectionError{Host: c.host, Op: "ping", Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{Host: c.host, Op: "ping", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	if resp.StatusCode != http.StatusOK {
		return &ConnectionError{Host: c.host, Op: "ping", Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	return nil
}

// Close drops the pooled transport connection.
func (c *ExporterClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// snapshot returns the current family map, scraping if the cached one is
// older than the reuse window.
func (c *ExporterClient) snapshot(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.families != nil && time.Since(c.scrapedAt) < scrapeReuse {
		return c.families, nil
	}
	return c.scrape(ctx)
}

// scrape fetches and decodes the exporter's text exposition.
// Caller must hold c.mu (Connect is the only lock-free caller and runs
// before any concurrent use).
func (c *ExporterClient) scrape(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &ConnectionError{Host: c.host, Op: "scrape", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Host: c.host, Op: "scrape", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ConnectionError{Host: c.host, Op: "scrape", Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	decoder := expfmt.NewDecoder(resp.Body, expfmt.FmtText)
	families := make(map[string]*dto.MetricFamily)
	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, &ProtocolError{Host: c.host, Detail: "exposition", Reason: err.Error()}
		}
		families[mf.GetName()] = &mf
	}

	c.families = families
	c.scrapedAt = time.Now()
	return families, nil
}

func (c *ExporterClient) extractMemory(fams map[string]*dto.MetricFamily) (metric.GroupData, error) {
	used, ok := fams[famJVMMemUsed]
	if !ok {
		return nil, c.missingFamily(famJVMMemUsed)
	}

	mem := &metric.Memory{}
	for _, m := range used.GetMetric() {
		switch labelValue(m, "area") {
		case "heap":
			mem.HeapUsedBytes = int64(m.GetGauge().GetValue())
		case "nonheap":
			mem.NonHeapUsedBytes = int64(m.GetGauge().GetValue())
		}
	}
	if committed, ok := fams[famJVMMemCommitted]; ok {
		for _, m := range committed.GetMetric() {
			if labelValue(m, "area") == "heap" {
				mem.HeapCommittedBytes = int64(m.GetGauge().GetValue())
			}
		}
	}
	if mx, ok := fams[famJVMMemMax]; ok {
		for _, m := range mx.GetMetric() {
			if labelValue(m, "area") == "heap" {
				mem.HeapMaxBytes = int64(m.GetGauge().GetValue())
			}
		}
	}
	return mem, nil
}

func (c *ExporterClient) extractGC(fams map[string]*dto.MetricFamily) (metric.GroupData, error) {
	mf, ok := fams[famJVMGC]
	if !ok {
		return nil, c.missingFamily(famJVMGC)
	}

	gc := &metric.GC{}
	for _, m := range mf.GetMetric() {
		s := m.GetSummary()
		if s == nil {
			return nil, &ProtocolError{Host: c.host, Detail: famJVMGC, Reason: "expected summary metric"}
		}
		gc.CollectionCount += int64(s.GetSampleCount())
		gc.CollectionTimeMs += int64(s.GetSampleSum() * 1000)
	}
	return gc, nil
}

func (c *ExporterClient) extractThreadPools(fams map[string]*dto.MetricFamily) (metric.GroupData, error) {
	active, ok := fams[famThreadPoolActive]
	if !ok {
		return nil, c.missingFamily(famThreadPoolActive)
	}

	pools := &metric.ThreadPools{}
	for _, m := range active.GetMetric() {
		pools.ActiveTasks += int64(m.GetGauge().GetValue())
	}
	if mf, ok := fams[famThreadPoolPending]; ok {
		for _, m := range mf.GetMetric() {
			pools.PendingTasks += int64(m.GetGauge().GetValue())
		}
	}
	if mf, ok := fams[famThreadPoolCompleted]; ok {
		for _, m := range mf.GetMetric() {
			pools.CompletedTasks += int64(m.GetCounter().GetValue())
		}
	}
	if mf, ok := fams[famThreadPoolBlocked]; ok {
		for _, m := range mf.GetMetric() {
			pools.BlockedTasks += int64(m.GetCounter().GetValue())
		}
	}
	return pools, nil
}

func (c *ExporterClient) extractCaches(fams map[string]*dto.MetricFamily) (metric.GroupData, error) {
	rates, ok := fams[famCacheHitRate]
	if !ok {
		return nil, c.missingFamily(famCacheHitRate)
	}

	out := &metric.Cache{}
	for _, m := range rates.GetMetric() {
		switch labelValue(m, "cache") {
		case "key_cache":
			out.KeyCacheHitRate = sanitizeRatio(m.GetGauge().GetValue())
		case "row_cache":
			out.RowCacheHitRate = sanitizeRatio(m.GetGauge().GetValue())
		}
	}
	if mf, ok := fams[famCacheSize]; ok {
		for _, m := range mf.GetMetric() {
			switch labelValue(m, "cache") {
			case "key_cache":
				out.KeyCacheSizeBytes = int64(m.GetGauge().GetValue())
			case "row_cache":
				out.RowCacheSizeBytes = int64(m.GetGauge().GetValue())
			}
		}
	}
	if mf, ok := fams[famCacheRequests]; ok {
		for _, m := range mf.GetMetric() {
			switch labelValue(m, "cache") {
			case "key_cache":
				out.KeyCacheRequests = int64(m.GetCounter().GetValue())
			case "row_cache":
				out.RowCacheRequests = int64(m.GetCounter().GetValue())
			}
		}
	}
	return out, nil
}

func (c *ExporterClient) extractCompaction(fams map[string]*dto.MetricFamily) (metric.GroupData, error) {
	pending, ok := fams[famCompactionPending]
	if !ok {
		return nil, c.missingFamily(famCompactionPending)
	}

	comp := &metric.Compaction{}
	if ms := pending.GetMetric(); len(ms) > 0 {
		comp.PendingTasks = int64(ms[0].GetGauge().GetValue())
	}
	if mf, ok := fams[famCompactionCompleted]; ok {
		if ms := mf.GetMetric(); len(ms) > 0 {
			comp.CompletedTasks = int64(ms[0].GetCounter().GetValue())
		}
	}
	if mf, ok := fams[famCompactionBytes]; ok {
		if ms := mf.GetMetric(); len(ms) > 0 {
			comp.BytesCompacted = int64(ms[0].GetCounter().GetValue())
		}
	}
	return comp, nil
}

func (c *ExporterClient) extractClientRequest(fams map[string]*dto.MetricFamily) (metric.GroupData, error) {
	latency, ok := fams[famRequestLatency]
	if !ok {
		return nil, c.missingFamily(famRequestLatency)
	}

	cr := &metric.ClientRequest{}
	for _, m := range latency.GetMetric() {
		s := m.GetSummary()
		if s == nil {
			return nil, &ProtocolError{Host: c.host, Detail: famRequestLatency, Reason: "expected summary metric"}
		}

		count := int64(s.GetSampleCount())
		var meanMs float64
		if count > 0 {
			meanMs = s.GetSampleSum() / float64(count) * 1000
		}
		var p95Ms, p99Ms float64
		for _, q := range s.GetQuantile() {
			switch q.GetQuantile() {
			case 0.95:
				p95Ms = sanitizeLatency(q.GetValue() * 1000)
			case 0.99:
				p99Ms = sanitizeLatency(q.GetValue() * 1000)
			}
		}

		switch labelValue(m, "operation") {
		case "read":
			cr.ReadCount = count
			cr.ReadLatencyMeanMs = meanMs
			cr.ReadLatencyP95Ms = p95Ms
			cr.ReadLatencyP99Ms = p99Ms
		case "write":
			cr.WriteCount = count
			cr.WriteLatencyMeanMs = meanMs
			cr.WriteLatencyP95Ms = p95Ms
			cr.WriteLatencyP99Ms = p99Ms
		}
	}

	if mf, ok := fams[famRequestTimeouts]; ok {
		for _, m := range mf.GetMetric() {
			switch labelValue(m, "operation") {
			case "read":
				cr.ReadTimeouts = int64(m.GetCounter().GetValue())
			case "write":
				cr.WriteTimeouts = int64(m.GetCounter().GetValue())
			}
		}
	}
	if mf, ok := fams[famRequestUnavailables]; ok {
		for _, m := range mf.GetMetric() {
			switch labelValue(m, "operation") {
			case "read":
				cr.ReadUnavailables = int64(m.GetCounter().GetValue())
			case "write":
				cr.WriteUnavailables = int64(m.GetCounter().GetValue())
			}
		}
	}
	return cr, nil
}

func (c *ExporterClient) missingFamily(name string) error {
	return &ProtocolError{Host: c.host, Detail: name, Reason: "metric family not exposed"}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// sanitizeLatency drops NaN quantiles (summaries with no observations).
func sanitizeLatency(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	return f
}
