package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/casscope/casscope/internal/metric"
)

// DefaultJolokiaPath is the conventional mount point of the Jolokia agent.
const DefaultJolokiaPath = "/jolokia"

const (
	mbeanMemory      = "java.lang:type=Memory"
	mbeanGC          = "java.lang:type=GarbageCollector,name=*"
	mbeanRuntime     = "java.lang:type=Runtime"
	mbeanThreadPools = "org.apache.cassandra.metrics:type=ThreadPools,path=request,scope=*,name=*"
	mbeanCaches      = "org.apache.cassandra.metrics:type=Cache,scope=*,name=*"
	mbeanCompaction  = "org.apache.cassandra.metrics:type=Compaction,name=*"
)

// JolokiaClient speaks the Jolokia JSON protocol against one node's agent.
// All reads are batched POSTs; the handshake is a GET of /version.
type JolokiaClient struct {
	host    string
	baseURL string
	client  *http.Client
	agent   string
}

var _ Client = (*JolokiaClient)(nil)

// NewJolokiaClient creates a client for the agent at addr (host:port).
// requestTimeout is a transport-level backstop; per-operation contexts
// impose the real deadlines.
func NewJolokiaClient(host, addr string, requestTimeout time.Duration) *JolokiaClient {
	return &JolokiaClient{
		host:    host,
		baseURL: "http://" + addr + DefaultJolokiaPath,
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

type jolokiaRequest struct {
	Type      string   `json:"type"`
	MBean     string   `json:"mbean"`
	Attribute []string `json:"attribute,omitempty"`
}

type jolokiaResponse struct {
	Value  json.RawMessage `json:"value"`
	Status int             `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// Connect performs the /version handshake and records the agent version.
func (c *JolokiaClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return &ConnectionError{Host: c.host, Op: "handshake", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{Host: c.host, Op: "handshake", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ConnectionError{Host: c.host, Op: "handshake", Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var ver struct {
		Value struct {
			Agent    string `json:"agent"`
			Protocol string `json:"protocol"`
		} `json:"value"`
		Status int `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ver); err != nil {
		return &ConnectionError{Host: c.host, Op: "handshake", Err: fmt.Errorf("decode version: %w", err)}
	}
	if ver.Status != http.StatusOK {
		return &ConnectionError{Host: c.host, Op: "handshake", Err: fmt.Errorf("agent status %d", ver.Status)}
	}

	c.agent = ver.Value.Agent
	return nil
}

// ReadGroup reads and normalizes one catalogue group.
func (c *JolokiaClient) ReadGroup(ctx context.Context, g metric.Group) (metric.GroupData, error) {
	switch g {
	case metric.GroupMemory:
		return c.readMemory(ctx)
	case metric.GroupGC:
		return c.readGC(ctx)
	case metric.GroupThreadPool:
		return c.readThreadPools(ctx)
	case metric.GroupCache:
		return c.readCaches(ctx)
	case metric.GroupCompaction:
		return c.readCompaction(ctx)
	case metric.GroupClientRequest:
		return c.readClientRequest(ctx)
	default:
		return nil, fmt.Errorf("unknown metric group %q", g)
	}
}

// Ping reads the JVM uptime, the cheapest attribute the agent serves.
func (c *JolokiaClient) Ping(ctx context.Context) error {
	resps, err := c.execute(ctx, []jolokiaRequest{
		{Type: "read", MBean: mbeanRuntime, Attribute: []string{"Uptime"}},
	})
	if err != nil {
		return err
	}
	if resps[0].Status != http.StatusOK {
		return &ProtocolError{Host: c.host, Detail: mbeanRuntime, Reason: jolokiaStatus(resps[0])}
	}
	return nil
}

// Close drops the pooled transport connection.
func (c *JolokiaClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// execute POSTs a batch of read requests and returns per-request responses
// in request order.
func (c *JolokiaClient) execute(ctx context.Context, reqs []jolokiaRequest) ([]jolokiaResponse, error) {
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encode request batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, &ConnectionError{Host: c.host, Op: "read", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &ConnectionError{Host: c.host, Op: "read", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ConnectionError{Host: c.host, Op: "read", Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var out []jolokiaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ProtocolError{Host: c.host, Detail: "batch response", Reason: err.Error()}
	}
	if len(out) != len(reqs) {
		return nil, &ProtocolError{
			Host:   c.host,
			Detail: "batch response",
			Reason: fmt.Sprintf("%d responses for %d requests", len(out), len(reqs)),
		}
	}
	return out, nil
}

func (c *JolokiaClient) readMemory(ctx context.Context) (metric.GroupData, error) {
	resps, err := c.execute(ctx, []jolokiaRequest{
		{Type: "read", MBean: mbeanMemory, Attribute: []string{"HeapMemoryUsage", "NonHeapMemoryUsage"}},
	})
	if err != nil {
		return nil, err
	}
	attrs, err := c.attrMap(resps[0], mbeanMemory)
	if err != nil {
		return nil, err
	}

	heap, ok := attrs["HeapMemoryUsage"].(map[string]any)
	if !ok {
		return nil, &ProtocolError{Host: c.host, Detail: mbeanMemory, Reason: "HeapMemoryUsage is not a composite value"}
	}
	nonHeap, ok := attrs["NonHeapMemoryUsage"].(map[string]any)
	if !ok {
		return nil, &ProtocolError{Host: c.host, Detail: mbeanMemory, Reason: "NonHeapMemoryUsage is not a composite value"}
	}

	return &metric.Memory{
		HeapUsedBytes:      asInt64(heap["used"]),
		HeapCommittedBytes: asInt64(heap["committed"]),
		HeapMaxBytes:       asInt64(heap["max"]),
		NonHeapUsedBytes:   asInt64(nonHeap["used"]),
	}, nil
}

func (c *JolokiaClient) readGC(ctx context.Context) (metric.GroupData, error) {
	resps, err := c.execute(ctx, []jolokiaRequest{
		{Type: "read", MBean: mbeanGC, Attribute: []string{"CollectionCount", "CollectionTime"}},
	})
	if err != nil {
		return nil, err
	}
	beans, err := c.patternMap(resps[0], mbeanGC)
	if err != nil {
		return nil, err
	}

	gc := &metric.GC{}
	for _, attrs := range beans {
		gc.CollectionCount += asInt64(attrs["CollectionCount"])
		gc.CollectionTimeMs += asInt64(attrs["CollectionTime"]) // already milliseconds
	}
	return gc, nil
}

func (c *JolokiaClient) readThreadPools(ctx context.Context) (metric.GroupData, error) {
	resps, err := c.execute(ctx, []jolokiaRequest{
		{Type: "read", MBean: mbeanThreadPools, Attribute: []string{"Value", "Count"}},
	})
	if err != nil {
		return nil, err
	}
	beans, err := c.patternMap(resps[0], mbeanThreadPools)
	if err != nil {
		return nil, err
	}

	pools := &metric.ThreadPools{}
	for name, attrs := range beans {
		switch mbeanProps(name)["name"] {
		case "ActiveTasks":
			pools.ActiveTasks += asInt64(attrs["Value"])
		case "PendingTasks":
			pools.PendingTasks += asInt64(attrs["Value"])
		case "CompletedTasks":
			pools.CompletedTasks += asInt64(attrs["Value"])
		case "CurrentlyBlockedTasks":
			pools.BlockedTasks += asInt64(attrs["Count"])
		}
	}
	return pools, nil
}

func (c *JolokiaClient) readCaches(ctx context.Context) (metric.GroupData, error) {
	resps, err := c.execute(ctx, []jolokiaRequest{
		{Type: "read", MBean: mbeanCaches, Attribute: []string{"Value", "Count"}},
	})
	if err != nil {
		return nil, err
	}
	beans, err := c.patternMap(resps[0], mbeanCaches)
	if err != nil {
		return nil, err
	}

	out := &metric.Cache{}
	for name, attrs := range beans {
		props := mbeanProps(name)
		switch props["scope"] {
		case "KeyCache":
			switch props["name"] {
			case "HitRate":
				out.KeyCacheHitRate = sanitizeRatio(asFloat(attrs["Value"]))
			case "Size":
				out.KeyCacheSizeBytes = asInt64(attrs["Value"])
			case "Requests":
				out.KeyCacheRequests = asInt64(attrs["Count"])
			}
		case "RowCache":
			switch props["name"] {
			case "HitRate":
				out.RowCacheHitRate = sanitizeRatio(asFloat(attrs["Value"]))
			case "Size":
				out.RowCacheSizeBytes = asInt64(attrs["Value"])
			case "Requests":
				out.RowCacheRequests = asInt64(attrs["Count"])
			}
		}
	}
	return out, nil
}

func (c *JolokiaClient) readCompaction(ctx context.Context) (metric.GroupData, error) {
	resps, err := c.execute(ctx, []jolokiaRequest{
		{Type: "read", MBean: mbeanCompaction, Attribute: []string{"Value", "Count"}},
	})
	if err != nil {
		return nil, err
	}
	beans, err := c.patternMap(resps[0], mbeanCompaction)
	if err != nil {
		return nil, err
	}

	comp := &metric.Compaction{}
	for name, attrs := range beans {
		switch mbeanProps(name)["name"] {
		case "PendingTasks":
			comp.PendingTasks = asInt64(attrs["Value"])
		case "CompletedTasks":
			comp.CompletedTasks = asInt64(attrs["Value"])
		case "BytesCompacted":
			comp.BytesCompacted = asInt64(attrs["Count"])
		}
	}
	return comp, nil
}

func (c *JolokiaClient) readClientRequest(ctx context.Context) (metric.GroupData, error) {
	clientRequestBean := func(scope, name string) string {
		return fmt.Sprintf("org.apache.cassandra.metrics:type=ClientRequest,scope=%s,name=%s", scope, name)
	}
	latencyAttrs := []string{"Count", "Mean", "95thPercentile", "99thPercentile"}

	reqs := []jolokiaRequest{
		{Type: "read", MBean: clientRequestBean("Read", "Latency"), Attribute: latencyAttrs},
		{Type: "read", MBean: clientRequestBean("Write", "Latency"), Attribute: latencyAttrs},
		{Type: "read", MBean: clientRequestBean("Read", "Timeouts"), Attribute: []string{"Count"}},
		{Type: "read", MBean: clientRequestBean("Write", "Timeouts"), Attribute: []string{"Count"}},
		{Type: "read", MBean: clientRequestBean("Read", "Unavailables"), Attribute: []string{"Count"}},
		{Type: "read", MBean: clientRequestBean("Write", "Unavailables"), Attribute: []string{"Count"}},
	}

	resps, err := c.execute(ctx, reqs)
	if err != nil {
		return nil, err
	}

	attrs := make([]map[string]any, len(resps))
	for i, r := range resps {
		m, err := c.attrMap(r, reqs[i].MBean)
		if err != nil {
			return nil, err
		}
		attrs[i] = m
	}

	// Latency attributes are microseconds on the wire.
	cr := &metric.ClientRequest{
		ReadCount:          asInt64(attrs[0]["Count"]),
		ReadLatencyMeanMs:  microsToMs(asFloat(attrs[0]["Mean"])),
		ReadLatencyP95Ms:   microsToMs(asFloat(attrs[0]["95thPercentile"])),
		ReadLatencyP99Ms:   microsToMs(asFloat(attrs[0]["99thPercentile"])),
		WriteCount:         asInt64(attrs[1]["Count"]),
		WriteLatencyMeanMs: microsToMs(asFloat(attrs[1]["Mean"])),
		WriteLatencyP95Ms:  microsToMs(asFloat(attrs[1]["95thPercentile"])),
		WriteLatencyP99Ms:  microsToMs(asFloat(attrs[1]["99thPercentile"])),
		ReadTimeouts:       asInt64(attrs[2]["Count"]),
		WriteTimeouts:      asInt64(attrs[3]["Count"]),
		ReadUnavailables:   asInt64(attrs[4]["Count"]),
		WriteUnavailables:  asInt64(attrs[5]["Count"]),
	}
	return cr, nil
}

// attrMap decodes a single-mbean read response into attribute -> value.
func (c *JolokiaClient) attrMap(r jolokiaResponse, mbean string) (map[string]any, error) {
	if r.Status != http.StatusOK {
		return nil, &ProtocolError{Host: c.host, Detail: mbean, Reason: jolokiaStatus(r)}
	}
	var attrs map[string]any
	if err := json.Unmarshal(r.Value, &attrs); err != nil {
		return nil, &ProtocolError{Host: c.host, Detail: mbean, Reason: err.Error()}
	}
	return attrs, nil
}

// patternMap decodes a pattern read response into mbean -> attribute -> value.
func (c *JolokiaClient) patternMap(r jolokiaResponse, pattern string) (map[string]map[string]any, error) {
	if r.Status != http.StatusOK {
		return nil, &ProtocolError{Host: c.host, Detail: pattern, Reason: jolokiaStatus(r)}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(r.Value, &raw); err != nil {
		return nil, &ProtocolError{Host: c.host, Detail: pattern, Reason: err.Error()}
	}
	if len(raw) == 0 {
		return nil, &ProtocolError{Host: c.host, Detail: pattern, Reason: "pattern matched no mbeans"}
	}

	beans := make(map[string]map[string]any, len(raw))
	for name, rv := range raw {
		var attrs map[string]any
		if err := json.Unmarshal(rv, &attrs); err != nil {
			return nil, &ProtocolError{Host: c.host, Detail: name, Reason: err.Error()}
		}
		beans[name] = attrs
	}
	return beans, nil
}

func jolokiaStatus(r jolokiaResponse) string {
	if r.Error != "" {
		return fmt.Sprintf("status %d: %s", r.Status, r.Error)
	}
	return fmt.Sprintf("status %d", r.Status)
}

// mbeanProps parses the key properties of a canonical mbean name, e.g.
// "org.apache.cassandra.metrics:name=ActiveTasks,scope=MutationStage,type=ThreadPools".
func mbeanProps(name string) map[string]string {
	props := make(map[string]string)
	i := strings.IndexByte(name, ':')
	if i < 0 {
		return props
	}
	for _, kv := range strings.Split(name[i+1:], ",") {
		if j := strings.IndexByte(kv, '='); j > 0 {
			props[kv[:j]] = kv[j+1:]
		}
	}
	return props
}

// asFloat coerces a decoded JSON value to float64. Jolokia serializes NaN
// and infinities as strings.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	f := asFloat(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(f)
}

// sanitizeRatio maps NaN (a hit rate with zero requests) and out-of-range
// values into [0, 1].
func sanitizeRatio(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// microsToMs converts microseconds to milliseconds, dropping NaN.
func microsToMs(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f / 1000.0
}
