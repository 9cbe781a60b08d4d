package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/casscope/casscope/internal/broadcast"
	"github.com/casscope/casscope/internal/engine"
	"github.com/casscope/casscope/internal/history"
	"github.com/casscope/casscope/internal/metric"
	"github.com/casscope/casscope/internal/mgmt"
	"github.com/casscope/casscope/internal/registry"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeClient struct {
	host string
}

func (c *fakeClient) Connect(ctx context.Context) error { return nil }

func (c *fakeClient) ReadGroup(ctx context.Context, g metric.Group) (metric.GroupData, error) {
	switch g {
	case metric.GroupMemory:
		return &metric.Memory{HeapUsedBytes: 256, HeapMaxBytes: 1024}, nil
	case metric.GroupGC:
		return &metric.GC{CollectionCount: 1}, nil
	case metric.GroupThreadPool:
		return &metric.ThreadPools{ActiveTasks: 1}, nil
	case metric.GroupCache:
		return &metric.Cache{KeyCacheHitRate: 0.5, KeyCacheRequests: 10}, nil
	case metric.GroupCompaction:
		return &metric.Compaction{PendingTasks: 1}, nil
	default:
		return &metric.ClientRequest{ReadCount: 4, ReadLatencyMeanMs: 2.0}, nil
	}
}

func (c *fakeClient) Ping(ctx context.Context) error { return nil }
func (c *fakeClient) Close() error                   { return nil }

type fakeDialer struct {
	mu   sync.Mutex
	errs map[string]error
}

func (d *fakeDialer) dial(ctx context.Context, node registry.Node) (mgmt.Client, error) {
	d.mu.Lock()
	dialErr := d.errs[node.Host]
	d.mu.Unlock()
	if dialErr != nil {
		return nil, dialErr
	}
	return &fakeClient{host: node.Host}, nil
}

func (d *fakeDialer) setErr(host string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errs == nil {
		d.errs = make(map[string]error)
	}
	d.errs[host] = err
}

// =============================================================================
// Test Helpers
// =============================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNodes(hosts ...string) []registry.Node {
	nodes := make([]registry.Node, 0, len(hosts))
	for _, h := range hosts {
		nodes = append(nodes, registry.Node{
			Host:       h,
			Port:       registry.DefaultManagementPort,
			Datacenter: "dc1",
			Rack:       "rack1",
		})
	}
	return nodes
}

// newTestAPI builds an engine over fakes and an httptest server over the
// API routes. The engine is not started; tests that need live loops call
// startEngine.
func newTestAPI(t *testing.T, d *fakeDialer, hosts ...string) (*httptest.Server, *engine.Engine) {
	t.Helper()

	eng, err := engine.New(engine.Config{
		Nodes:               registry.NewStatic(testNodes(hosts...)),
		Dial:                d.dial,
		MaintenanceInterval: 10 * time.Millisecond,
		BroadcastInterval:   10 * time.Millisecond,
		Logger:              newTestLogger(),
	})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}

	api := NewServer(eng, Config{Addr: "127.0.0.1:0", Logger: newTestLogger()})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine.Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("engine.Stop() error = %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s Content-Type = %q, want application/json", url, ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s decode error = %v", url, err)
	}
}

// =============================================================================
// Tests: Probes
// =============================================================================

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestAPI(t, &fakeDialer{}, "10.0.0.1")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := string(body); got != "ok\n" {
		t.Errorf("body = %q, want %q", got, "ok\n")
	}
}

func TestServer_Readyz_NotRunning(t *testing.T) {
	srv, _ := newTestAPI(t, &fakeDialer{}, "10.0.0.1")

	var got errorResponse
	getJSON(t, srv.URL+"/readyz", http.StatusServiceUnavailable, &got)
	if got.Error == "" {
		t.Error("readyz error body is empty")
	}
}

func TestServer_Readyz_Running(t *testing.T) {
	srv, eng := newTestAPI(t, &fakeDialer{}, "10.0.0.1", "10.0.0.2")
	startEngine(t, eng)
	waitFor(t, "nodes to connect", func() bool { return eng.ConnectedNodes() == 2 })

	var got struct {
		Status         string `json:"status"`
		ConnectedNodes int    `json:"connected_nodes"`
	}
	getJSON(t, srv.URL+"/readyz", http.StatusOK, &got)
	if got.Status != "ready" {
		t.Errorf("status = %q, want ready", got.Status)
	}
	if got.ConnectedNodes != 2 {
		t.Errorf("connected_nodes = %d, want 2", got.ConnectedNodes)
	}
}

// =============================================================================
// Tests: Cluster queries
// =============================================================================

func TestServer_ClusterMetrics(t *testing.T) {
	srv, eng := newTestAPI(t, &fakeDialer{}, "10.0.0.1", "10.0.0.2")
	startEngine(t, eng)
	waitFor(t, "nodes to connect", func() bool { return eng.ConnectedNodes() == 2 })

	var got engine.QueryResult
	getJSON(t, srv.URL+"/api/v1/cluster/metrics", http.StatusOK, &got)

	if !got.Success {
		t.Errorf("Success = false: %+v", got)
	}
	if len(got.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(got.Nodes))
	}
	if got.Aggregated == nil || got.Aggregated.ReportingNodes != 2 {
		t.Errorf("Aggregated = %+v, want 2 reporting nodes", got.Aggregated)
	}
}

func TestServer_ClusterMetrics_ContainedFailures(t *testing.T) {
	// Engine never started: every node is unknown to the manager, yet the
	// endpoint still answers 200 with the failure inside the body.
	srv, _ := newTestAPI(t, &fakeDialer{}, "10.0.0.1")

	var got engine.QueryResult
	getJSON(t, srv.URL+"/api/v1/cluster/metrics", http.StatusOK, &got)

	if got.Success {
		t.Error("Success = true with no engine loops running")
	}
	if !got.InsufficientData {
		t.Error("InsufficientData = false, want true")
	}
}

func TestServer_ClusterTrend(t *testing.T) {
	srv, _ := newTestAPI(t, &fakeDialer{}, "10.0.0.1")

	var got history.TrendStats
	getJSON(t, srv.URL+"/api/v1/cluster/trend", http.StatusOK, &got)
	if len(got.Points) != 0 {
		t.Errorf("Points = %v, want empty before any aggregation", got.Points)
	}
}

// =============================================================================
// Tests: Node health
// =============================================================================

func TestServer_NodeHealth(t *testing.T) {
	d := &fakeDialer{}
	d.setErr("10.0.0.2", errors.New("connection refused"))
	srv, eng := newTestAPI(t, d, "10.0.0.1", "10.0.0.2")
	startEngine(t, eng)
	waitFor(t, "node to connect", func() bool { return eng.ConnectedNodes() == 1 })

	var up engine.ProbeResult
	getJSON(t, srv.URL+"/api/v1/nodes/10.0.0.1/health", http.StatusOK, &up)
	if !up.Reachable || up.Host != "10.0.0.1" {
		t.Errorf("probe = %+v, want reachable 10.0.0.1", up)
	}

	var down engine.ProbeResult
	getJSON(t, srv.URL+"/api/v1/nodes/10.0.0.2/health", http.StatusOK, &down)
	if down.Reachable {
		t.Errorf("probe = %+v, want unreachable", down)
	}
	if down.LastError == "" {
		t.Error("unreachable probe has no last_error")
	}

	var missing errorResponse
	getJSON(t, srv.URL+"/api/v1/nodes/10.9.9.9/health", http.StatusNotFound, &missing)
	if !strings.Contains(missing.Error, "10.9.9.9") {
		t.Errorf("404 error = %q, want the host named", missing.Error)
	}
}

// =============================================================================
// Tests: Reset
// =============================================================================

func TestServer_Reset(t *testing.T) {
	srv, eng := newTestAPI(t, &fakeDialer{}, "10.0.0.1", "10.0.0.2")
	startEngine(t, eng)
	waitFor(t, "nodes to connect", func() bool { return eng.ConnectedNodes() == 2 })

	resp, err := http.Post(srv.URL+"/api/v1/reset", "application/json",
		strings.NewReader(`{"reason": "console test"}`))
	if err != nil {
		t.Fatalf("POST /api/v1/reset error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got struct {
		Status string `json:"status"`
		Closed int    `json:"closed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if got.Status != "reset" {
		t.Errorf("status = %q, want reset", got.Status)
	}
	if got.Closed != 2 {
		t.Errorf("closed = %d, want 2", got.Closed)
	}
}

func TestServer_ResetWithoutBody(t *testing.T) {
	srv, _ := newTestAPI(t, &fakeDialer{}, "10.0.0.1")

	resp, err := http.Post(srv.URL+"/api/v1/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/v1/reset error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200: reset always succeeds", resp.StatusCode)
	}
}

// =============================================================================
// Tests: Websocket and metrics
// =============================================================================

func TestServer_WebsocketStream(t *testing.T) {
	srv, eng := newTestAPI(t, &fakeDialer{}, "10.0.0.1", "10.0.0.2")
	startEngine(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var msg broadcast.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("wsjson.Read() error = %v", err)
	}
	if msg.Type != broadcast.TypeClusterSnapshot {
		t.Errorf("message type = %q, want %q", msg.Type, broadcast.TypeClusterSnapshot)
	}
	if msg.Snapshot == nil || msg.Snapshot.NodeCount != 2 {
		t.Errorf("snapshot = %+v, want 2 nodes", msg.Snapshot)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestAPI(t, &fakeDialer{}, "10.0.0.1")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestAPI(t, &fakeDialer{}, "10.0.0.1")

	resp, err := http.Post(srv.URL+"/api/v1/cluster/metrics", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
