package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/casscope/casscope/internal/metric"
	"github.com/casscope/casscope/internal/mgmt"
	"github.com/casscope/casscope/internal/registry"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeClient implements mgmt.Client for testing.
type fakeClient struct {
	host string

	mu      sync.Mutex
	closed  bool
	pingErr error
}

func (c *fakeClient) Connect(ctx context.Context) error { return nil }

func (c *fakeClient) ReadGroup(ctx context.Context, g metric.Group) (metric.GroupData, error) {
	return &metric.Memory{HeapUsedBytes: 1}, nil
}

func (c *fakeClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// fakeDialer produces fakeClients and records every dial attempt.
type fakeDialer struct {
	mu      sync.Mutex
	calls   int
	perHost map[string]int
	errs    map[string]error
	block   chan struct{} // when non-nil, dials wait for it to close
	clients []*fakeClient
}

func (d *fakeDialer) dial(ctx context.Context, node registry.Node) (mgmt.Client, error) {
	d.mu.Lock()
	d.calls++
	if d.perHost == nil {
		d.perHost = make(map[string]int)
	}
	d.perHost[node.Host]++
	dialErr := d.errs[node.Host]
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	c := &fakeClient{host: node.Host}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) setErr(host string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errs == nil {
		d.errs = make(map[string]error)
	}
	if err == nil {
		delete(d.errs, host)
	} else {
		d.errs[host] = err
	}
}

func (d *fakeDialer) lastClient() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

// fakeClock provides controllable time for backoff and idle tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
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

func newTestManager(t *testing.T, d *fakeDialer, cfg ManagerConfig) (*Manager, *fakeClock) {
	t.Helper()

	if cfg.Dial == nil {
		cfg.Dial = d.dial
	}
	if cfg.Logger == nil {
		cfg.Logger = newTestLogger()
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = BackoffConfig{
			Base:       100 * time.Millisecond,
			Max:        400 * time.Millisecond,
			Multiplier: 2.0,
		}
	}

	m := NewManager(cfg)
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	m.now = clk.Now
	t.Cleanup(m.Close)
	return m, clk
}

// =============================================================================
// Table-Driven Tests: State
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
		{State(-1), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_Predicates(t *testing.T) {
	tests := []struct {
		state         State
		wantConnected bool
		wantNeedsDial bool
	}{
		{StateDisconnected, false, true},
		{StateConnecting, false, false},
		{StateConnected, true, false},
		{StateFailed, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsConnected(); got != tt.wantConnected {
				t.Errorf("IsConnected() = %v, want %v", got, tt.wantConnected)
			}
			if got := tt.state.NeedsDial(); got != tt.wantNeedsDial {
				t.Errorf("NeedsDial() = %v, want %v", got, tt.wantNeedsDial)
			}
		})
	}
}

// =============================================================================
// Tests: EnsureConnected
// =============================================================================

func TestManager_EnsureConnected_Success(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	if err := m.EnsureConnected(context.Background(), "10.0.0.1"); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if s, _ := m.State("10.0.0.1"); s != StateConnected {
		t.Errorf("state = %v, want connected", s)
	}
	if d.callCount() != 1 {
		t.Errorf("dial calls = %d, want 1", d.callCount())
	}

	// Already connected: no second dial.
	if err := m.EnsureConnected(context.Background(), "10.0.0.1"); err != nil {
		t.Fatalf("EnsureConnected() second call error = %v", err)
	}
	if d.callCount() != 1 {
		t.Errorf("dial calls after second ensure = %d, want 1", d.callCount())
	}
}

func TestManager_EnsureConnected_UnknownHost(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})

	err := m.EnsureConnected(context.Background(), "10.9.9.9")
	if !errors.Is(err, ErrUnknownHost) {
		t.Errorf("error = %v, want ErrUnknownHost", err)
	}
	var connErr *mgmt.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("error type = %T, want *mgmt.ConnectionError", err)
	}
}

func TestManager_EnsureConnected_DialFailure(t *testing.T) {
	d := &fakeDialer{}
	d.setErr("10.0.0.1", errors.New("connection refused"))
	m, clk := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	err := m.EnsureConnected(context.Background(), "10.0.0.1")
	if err == nil {
		t.Fatal("EnsureConnected() expected error")
	}
	var connErr *mgmt.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error type = %T, want *mgmt.ConnectionError", err)
	}

	st, ok := m.Status("10.0.0.1")
	if !ok {
		t.Fatal("Status() missing host")
	}
	if st.State != StateFailed {
		t.Errorf("state = %v, want failed", st.State)
	}
	if st.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", st.Attempts)
	}
	if got := st.RetryAt.Sub(clk.Now()); got != 100*time.Millisecond {
		t.Errorf("retry window = %v, want 100ms", got)
	}
	if st.LastError == "" {
		t.Error("LastError is empty")
	}

	// Inside the backoff window: no new dial.
	err = m.EnsureConnected(context.Background(), "10.0.0.1")
	if !errors.Is(err, ErrRetryPending) {
		t.Errorf("error inside backoff window = %v, want ErrRetryPending", err)
	}
	if d.callCount() != 1 {
		t.Errorf("dial calls = %d, want 1", d.callCount())
	}
}

func TestManager_Backoff_DelaysGrowAndResetOnSuccess(t *testing.T) {
	d := &fakeDialer{}
	d.setErr("10.0.0.1", errors.New("connection refused"))
	m, clk := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	ctx := context.Background()

	// Consecutive failures: 100ms, 200ms, 400ms, then capped at 400ms.
	wantDelays := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, want := range wantDelays {
		if err := m.EnsureConnected(ctx, "10.0.0.1"); err == nil {
			t.Fatalf("attempt %d: expected dial error", i)
		}
		st, _ := m.Status("10.0.0.1")
		if got := st.RetryAt.Sub(clk.Now()); got != want {
			t.Errorf("attempt %d: retry window = %v, want %v", i, got, want)
		}
		clk.Advance(want)
	}

	// The node recovers: dial succeeds and the backoff counter clears.
	d.setErr("10.0.0.1", nil)
	if err := m.EnsureConnected(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("EnsureConnected() after recovery error = %v", err)
	}
	st, _ := m.Status("10.0.0.1")
	if st.State != StateConnected {
		t.Fatalf("state = %v, want connected", st.State)
	}
	if st.Attempts != 0 {
		t.Errorf("attempts after success = %d, want 0", st.Attempts)
	}

	// Drop the link and fail again: the delay starts from base.
	useErr := &mgmt.ConnectionError{Host: "10.0.0.1", Op: "sample", Err: errors.New("broken pipe")}
	_ = m.Use(ctx, "10.0.0.1", func(ctx context.Context, client mgmt.Client) error {
		return useErr
	})
	d.setErr("10.0.0.1", errors.New("connection refused"))
	if err := m.EnsureConnected(ctx, "10.0.0.1"); err == nil {
		t.Fatal("expected dial error after link loss")
	}
	st, _ = m.Status("10.0.0.1")
	if got := st.RetryAt.Sub(clk.Now()); got != 100*time.Millisecond {
		t.Errorf("retry window after reset = %v, want base 100ms", got)
	}
}

func TestManager_ConcurrentEnsure_SingleDial(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureConnected(context.Background(), "10.0.0.1")
		}(i)
	}

	// Let the callers pile up behind the in-flight dial, then release it.
	time.Sleep(50 * time.Millisecond)
	close(d.block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: error = %v", i, err)
		}
	}
	if d.callCount() != 1 {
		t.Errorf("dial calls = %d, want 1", d.callCount())
	}
	if s, _ := m.State("10.0.0.1"); s != StateConnected {
		t.Errorf("state = %v, want connected", s)
	}
}

// =============================================================================
// Tests: DisconnectAll
// =============================================================================

func TestManager_DisconnectAll(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1", "10.0.0.2"))

	ctx := context.Background()
	for _, host := range []string{"10.0.0.1", "10.0.0.2"} {
		if err := m.EnsureConnected(ctx, host); err != nil {
			t.Fatalf("EnsureConnected(%s) error = %v", host, err)
		}
	}

	if closed := m.DisconnectAll("operator reset"); closed != 2 {
		t.Errorf("DisconnectAll() = %d, want 2", closed)
	}

	for host, state := range m.States() {
		if state != StateDisconnected {
			t.Errorf("state[%s] = %v, want disconnected", host, state)
		}
	}
	for _, c := range d.clients {
		if !c.isClosed() {
			t.Errorf("client %s not closed after reset", c.host)
		}
	}

	err := m.Use(ctx, "10.0.0.1", func(ctx context.Context, client mgmt.Client) error {
		return nil
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Use() after reset error = %v, want ErrNotConnected", err)
	}
}

func TestManager_DisconnectAll_AbortsInflightDial(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	done := make(chan error, 1)
	go func() {
		done <- m.EnsureConnected(context.Background(), "10.0.0.1")
	}()

	// Wait until the dial is in flight, reset, then release the dialer.
	time.Sleep(50 * time.Millisecond)
	m.DisconnectAll("reset during dial")
	close(d.block)

	select {
	case err := <-done:
		if !errors.Is(err, ErrDialAborted) {
			t.Errorf("error = %v, want ErrDialAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EnsureConnected did not return")
	}

	if s, _ := m.State("10.0.0.1"); s != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s)
	}
	if c := d.lastClient(); c != nil && !c.isClosed() {
		t.Error("client from aborted dial was not closed")
	}
}

// =============================================================================
// Tests: Use
// =============================================================================

func TestManager_Use_BorrowsClient(t *testing.T) {
	d := &fakeDialer{}
	m, clk := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	ctx := context.Background()
	if err := m.EnsureConnected(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	clk.Advance(time.Minute)

	var borrowed mgmt.Client
	err := m.Use(ctx, "10.0.0.1", func(ctx context.Context, client mgmt.Client) error {
		borrowed = client
		return nil
	})
	if err != nil {
		t.Fatalf("Use() error = %v", err)
	}
	if borrowed == nil {
		t.Fatal("fn did not receive a client")
	}

	st, _ := m.Status("10.0.0.1")
	if !st.LastUsed.Equal(clk.Now()) {
		t.Errorf("LastUsed = %v, want %v", st.LastUsed, clk.Now())
	}
}

func TestManager_Use_TransportErrorDropsLink(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	ctx := context.Background()
	if err := m.EnsureConnected(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	connErr := &mgmt.ConnectionError{Host: "10.0.0.1", Op: "read", Err: errors.New("broken pipe")}
	err := m.Use(ctx, "10.0.0.1", func(ctx context.Context, client mgmt.Client) error {
		return connErr
	})
	if !errors.Is(err, connErr) {
		t.Errorf("Use() error = %v, want the fn error", err)
	}

	if s, _ := m.State("10.0.0.1"); s != StateDisconnected {
		t.Errorf("state = %v, want disconnected after transport error", s)
	}
	if c := d.lastClient(); !c.isClosed() {
		t.Error("client not closed after transport error")
	}
}

func TestManager_Use_ProtocolErrorKeepsLink(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	ctx := context.Background()
	if err := m.EnsureConnected(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	protoErr := &mgmt.ProtocolError{Host: "10.0.0.1", Detail: "memory", Reason: "attribute missing"}
	err := m.Use(ctx, "10.0.0.1", func(ctx context.Context, client mgmt.Client) error {
		return protoErr
	})
	if !errors.Is(err, protoErr) {
		t.Errorf("Use() error = %v, want the fn error", err)
	}

	if s, _ := m.State("10.0.0.1"); s != StateConnected {
		t.Errorf("state = %v, want connected after protocol error", s)
	}
	if c := d.lastClient(); c.isClosed() {
		t.Error("client closed after protocol error")
	}
}

func TestManager_Use_NotConnected(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	called := false
	err := m.Use(context.Background(), "10.0.0.1", func(ctx context.Context, client mgmt.Client) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Use() error = %v, want ErrNotConnected", err)
	}
	if called {
		t.Error("fn was called without a connection")
	}
}

// =============================================================================
// Tests: Probe
// =============================================================================

func TestManager_Probe(t *testing.T) {
	d := &fakeDialer{}
	m, clk := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	ctx := context.Background()
	if err := m.EnsureConnected(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	connectedAt := clk.Now()

	// Healthy probe: connection stays up, idle clock untouched.
	clk.Advance(time.Minute)
	if err := m.Probe(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	st, _ := m.Status("10.0.0.1")
	if st.State != StateConnected {
		t.Errorf("state after healthy probe = %v, want connected", st.State)
	}
	if !st.LastUsed.Equal(connectedAt) {
		t.Errorf("LastUsed = %v changed by probe, want %v", st.LastUsed, connectedAt)
	}

	// Failing probe: the link is considered lost.
	d.lastClient().setPingErr(errors.New("i/o timeout"))
	if err := m.Probe(ctx, "10.0.0.1"); err == nil {
		t.Fatal("Probe() expected error")
	}
	if s, _ := m.State("10.0.0.1"); s != StateDisconnected {
		t.Errorf("state after failed probe = %v, want disconnected", s)
	}
}

func TestManager_Probe_NotConnected(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	err := m.Probe(context.Background(), "10.0.0.1")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Probe() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Tests: CloseIdle
// =============================================================================

func TestManager_CloseIdle(t *testing.T) {
	d := &fakeDialer{}
	m, clk := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1", "10.0.0.2"))

	ctx := context.Background()
	for _, host := range []string{"10.0.0.1", "10.0.0.2"} {
		if err := m.EnsureConnected(ctx, host); err != nil {
			t.Fatalf("EnsureConnected(%s) error = %v", host, err)
		}
	}

	// Keep .2 warm, let .1 go idle.
	clk.Advance(10 * time.Minute)
	if err := m.Use(ctx, "10.0.0.2", func(ctx context.Context, client mgmt.Client) error {
		return nil
	}); err != nil {
		t.Fatalf("Use() error = %v", err)
	}
	clk.Advance(5 * time.Minute)

	closed := m.CloseIdle(12 * time.Minute)
	if len(closed) != 1 || closed[0] != "10.0.0.1" {
		t.Errorf("CloseIdle() = %v, want [10.0.0.1]", closed)
	}
	if s, _ := m.State("10.0.0.1"); s != StateDisconnected {
		t.Errorf("state[10.0.0.1] = %v, want disconnected", s)
	}
	if s, _ := m.State("10.0.0.2"); s != StateConnected {
		t.Errorf("state[10.0.0.2] = %v, want connected", s)
	}
}

func TestManager_CloseIdle_ZeroThresholdIsNoop(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1"))

	if err := m.EnsureConnected(context.Background(), "10.0.0.1"); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if closed := m.CloseIdle(0); closed != nil {
		t.Errorf("CloseIdle(0) = %v, want nil", closed)
	}
}

// =============================================================================
// Tests: SetNodes
// =============================================================================

func TestManager_SetNodes_AddAndRemove(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})

	added, removed := m.SetNodes(testNodes("10.0.0.1", "10.0.0.2"))
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("SetNodes() added=%v removed=%v, want 2 added", added, removed)
	}

	ctx := context.Background()
	for _, host := range []string{"10.0.0.1", "10.0.0.2"} {
		if err := m.EnsureConnected(ctx, host); err != nil {
			t.Fatalf("EnsureConnected(%s) error = %v", host, err)
		}
	}

	added, removed = m.SetNodes(testNodes("10.0.0.2"))
	if len(added) != 0 {
		t.Errorf("added = %v, want none", added)
	}
	if len(removed) != 1 || removed[0] != "10.0.0.1" {
		t.Errorf("removed = %v, want [10.0.0.1]", removed)
	}

	err := m.EnsureConnected(ctx, "10.0.0.1")
	if !errors.Is(err, ErrUnknownHost) {
		t.Errorf("EnsureConnected(removed) error = %v, want ErrUnknownHost", err)
	}
	if c := d.clients[0]; !c.isClosed() {
		t.Error("removed node's client not closed")
	}
	if s, _ := m.State("10.0.0.2"); s != StateConnected {
		t.Errorf("state[10.0.0.2] = %v, want connected", s)
	}
}

// =============================================================================
// Tests: Callbacks
// =============================================================================

func TestManager_StateChangeCallback(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{
		Callbacks: Callbacks{
			OnStateChange: func(host string, oldState, newState State) {
				mu.Lock()
				transitions = append(transitions, fmt.Sprintf("%s:%s->%s", host, oldState, newState))
				mu.Unlock()
			},
		},
	})
	m.SetNodes(testNodes("10.0.0.1"))

	if err := m.EnsureConnected(context.Background(), "10.0.0.1"); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	m.DisconnectAll("test")

	want := []string{
		"10.0.0.1:disconnected->connecting",
		"10.0.0.1:connecting->connected",
		"10.0.0.1:connected->disconnected",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

// =============================================================================
// Tests: Statuses
// =============================================================================

func TestManager_Statuses_SortedByHost(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.3", "10.0.0.1", "10.0.0.2"))

	statuses := m.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("len(Statuses()) = %d, want 3", len(statuses))
	}
	for i, want := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if statuses[i].Node.Host != want {
			t.Errorf("statuses[%d].Host = %s, want %s", i, statuses[i].Node.Host, want)
		}
		if statuses[i].StateName != "disconnected" {
			t.Errorf("statuses[%d].StateName = %s, want disconnected", i, statuses[i].StateName)
		}
	}
}

// =============================================================================
// Tests: Concurrent Access
// =============================================================================

func TestManager_ConcurrentAccess(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, ManagerConfig{})
	m.SetNodes(testNodes("10.0.0.1", "10.0.0.2"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.EnsureConnected(context.Background(), "10.0.0.1")
			_, _ = m.State("10.0.0.1")
			_ = m.States()
			_ = m.Statuses()
			_ = m.Hosts()
		}()
	}
	wg.Wait()
}
