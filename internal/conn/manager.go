package conn

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casscope/casscope/internal/mgmt"
	"github.com/casscope/casscope/internal/registry"
)

// Sentinel errors returned (wrapped in *mgmt.ConnectionError) by Manager
// operations. Use errors.Is to test for them.
var (
	// ErrUnknownHost means the host is not part of the tracked node set.
	ErrUnknownHost = errors.New("unknown host")

	// ErrNotConnected means the node has no live connection.
	ErrNotConnected = errors.New("node not connected")

	// ErrRetryPending means the node is failed and its backoff window has
	// not elapsed yet.
	ErrRetryPending = errors.New("reconnect backoff pending")

	// ErrDialAborted means an in-flight dial was abandoned because the
	// node was reset or removed while connecting.
	ErrDialAborted = errors.New("dial aborted by reset")

	// ErrClosed means the manager has been shut down.
	ErrClosed = errors.New("connection manager closed")
)

// DialFunc opens a management client for a node. Implementations are
// expected to perform the protocol handshake before returning.
type DialFunc func(ctx context.Context, node registry.Node) (mgmt.Client, error)

// Callbacks contains optional callback functions for manager events.
type Callbacks struct {
	// OnStateChange is called after a node's connection state changes.
	// It runs on the goroutine driving the transition and must not call
	// back into the Manager.
	OnStateChange func(host string, oldState, newState State)
}

// ManagerConfig holds configuration for creating a new Manager.
type ManagerConfig struct {
	Dial           DialFunc
	Backoff        BackoffConfig
	ConnectTimeout time.Duration // Per-attempt dial deadline (default: 5s)
	Logger         *slog.Logger
	Callbacks      Callbacks
}

const defaultConnectTimeout = 5 * time.Second

// node is the per-host connection record. All fields below mu are guarded
// by it; transitions on a node are serialized through mu while the dial
// itself runs unlocked so readers never block on a slow handshake.
type node struct {
	mu       sync.Mutex
	info     registry.Node
	state    State
	client   mgmt.Client
	backoff  *Backoff
	retryAt  time.Time     // earliest next dial while failed
	dialDone chan struct{} // non-nil while a dial is in flight

	connectedAt time.Time
	lastUsed    time.Time
	lastErr     error

	// ctx is cancelled when the node is removed or force-reset, aborting
	// any in-flight dial.
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns the management connections for every tracked node. It holds
// at most one live connection per host, dials lazily with exponential
// backoff, and exposes borrow-style access so callers never own a client
// outright.
type Manager struct {
	dial           DialFunc
	backoffConfig  BackoffConfig
	connectTimeout time.Duration
	logger         *slog.Logger
	callbacks      Callbacks

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// generation increments on every forced reset. A dial that started
	// under an older generation discards its result.
	generation atomic.Uint64

	mu     sync.RWMutex
	nodes  map[string]*node
	closed bool

	now func() time.Time
}

// NewManager creates a new Manager. Nodes are registered via SetNodes;
// nothing is dialed until EnsureConnected is called.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		dial:           cfg.Dial,
		backoffConfig:  cfg.Backoff,
		connectTimeout: timeout,
		logger:         logger,
		callbacks:      cfg.Callbacks,
		baseCtx:        ctx,
		baseCancel:     cancel,
		nodes:          make(map[string]*node),
		now:            time.Now,
	}
}

// SetNodes reconciles the tracked node set against the given registry
// snapshot. New hosts start disconnected; hosts no longer present are
// closed and dropped. Returns the added and removed host names, sorted.
func (m *Manager) SetNodes(nodes []registry.Node) (added, removed []string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil
	}

	seen := make(map[string]struct{}, len(nodes))
	for _, info := range nodes {
		seen[info.Host] = struct{}{}

		if n, ok := m.nodes[info.Host]; ok {
			// Known host: refresh metadata (port, datacenter, rack may
			// have changed) without touching the connection.
			n.mu.Lock()
			n.info = info
			n.mu.Unlock()
			continue
		}

		nctx, ncancel := context.WithCancel(m.baseCtx)
		m.nodes[info.Host] = &node{
			info:    info,
			state:   StateDisconnected,
			backoff: NewBackoff(m.backoffConfig),
			ctx:     nctx,
			cancel:  ncancel,
		}
		added = append(added, info.Host)
	}

	var dropped []*node
	for host, n := range m.nodes {
		if _, ok := seen[host]; !ok {
			delete(m.nodes, host)
			removed = append(removed, host)
			dropped = append(dropped, n)
		}
	}
	m.mu.Unlock()

	for _, n := range dropped {
		n.mu.Lock()
		n.cancel()
		if n.client != nil {
			n.client.Close()
			n.client = nil
		}
		n.mu.Unlock()
	}

	sort.Strings(added)
	sort.Strings(removed)

	if len(added) > 0 || len(removed) > 0 {
		m.logger.Debug("node_set_updated",
			"added", len(added),
			"removed", len(removed),
		)
	}
	return added, removed
}

// EnsureConnected makes sure the host has a live connection, dialing if
// necessary. It returns nil when the node is connected, ErrRetryPending
// (wrapped) while a failed node waits out its backoff window, and the dial
// error when a fresh attempt fails. Concurrent calls for the same host
// share a single dial.
func (m *Manager) EnsureConnected(ctx context.Context, host string) error {
	for {
		n := m.lookup(host)
		if n == nil {
			return &mgmt.ConnectionError{Host: host, Op: "dial", Err: ErrUnknownHost}
		}

		n.mu.Lock()
		switch {
		case n.ctx.Err() != nil:
			n.mu.Unlock()
			return &mgmt.ConnectionError{Host: host, Op: "dial", Err: ErrClosed}

		case n.state == StateConnected:
			n.mu.Unlock()
			return nil

		case n.state == StateConnecting:
			// Another caller is dialing; wait for it to settle and
			// re-check the outcome.
			done := n.dialDone
			n.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}

		case n.state == StateFailed && m.now().Before(n.retryAt):
			n.mu.Unlock()
			return &mgmt.ConnectionError{Host: host, Op: "dial", Err: ErrRetryPending}
		}

		// Disconnected, or failed with the backoff window elapsed.
		old := n.state
		n.state = StateConnecting
		n.dialDone = make(chan struct{})
		info := n.info
		nodeCtx := n.ctx
		gen := m.generation.Load()
		n.mu.Unlock()

		m.notifyStateChange(host, old, StateConnecting)

		return m.dialNode(ctx, nodeCtx, n, info, gen)
	}
}

// dialNode performs a single dial attempt and settles the node state.
// Callers must have moved the node to StateConnecting first.
func (m *Manager) dialNode(ctx, nodeCtx context.Context, n *node, info registry.Node, gen uint64) error {
	dctx, cancel := context.WithTimeout(nodeCtx, m.connectTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := m.now()
	client, err := m.dial(dctx, info)

	n.mu.Lock()
	close(n.dialDone)
	n.dialDone = nil

	// A forced reset or node removal while we were dialing supersedes
	// whatever we got back.
	if gen != m.generation.Load() || nodeCtx.Err() != nil {
		if client != nil {
			client.Close()
		}
		old := n.state
		n.state = StateDisconnected
		n.mu.Unlock()
		m.notifyStateChange(info.Host, old, StateDisconnected)
		return &mgmt.ConnectionError{Host: info.Host, Op: "dial", Err: ErrDialAborted}
	}

	if err != nil {
		// The caller giving up is not the node's fault; leave it
		// disconnected without burning a backoff attempt.
		if ctx.Err() != nil {
			if client != nil {
				client.Close()
			}
			old := n.state
			n.state = StateDisconnected
			n.mu.Unlock()
			m.notifyStateChange(info.Host, old, StateDisconnected)
			return ctx.Err()
		}

		old := n.state
		n.lastErr = err
		delay := n.backoff.Next()
		n.retryAt = m.now().Add(delay)
		attempts := n.backoff.Attempts()
		n.state = StateFailed
		n.mu.Unlock()
		m.notifyStateChange(info.Host, old, StateFailed)

		m.logger.Debug("node_dial_failed",
			"host", info.Host,
			"attempt", attempts,
			"retry_in", delay.String(),
			"error", err,
		)

		var connErr *mgmt.ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return &mgmt.ConnectionError{Host: info.Host, Op: "dial", Err: err}
	}

	old := n.state
	n.client = client
	n.backoff.Reset()
	n.retryAt = time.Time{}
	n.connectedAt = m.now()
	n.lastUsed = n.connectedAt
	n.lastErr = nil
	n.state = StateConnected
	n.mu.Unlock()
	m.notifyStateChange(info.Host, old, StateConnected)

	m.logger.Debug("node_connected",
		"host", info.Host,
		"elapsed", m.now().Sub(start).String(),
	)
	return nil
}

// Use borrows the host's connection for the duration of fn. The client
// remains owned by the manager; fn must not retain it. A transport-level
// failure reported by fn demotes the node to disconnected so the next
// maintenance sweep can redial it. Protocol or timeout errors leave the
// connection in place.
func (m *Manager) Use(ctx context.Context, host string, fn func(ctx context.Context, client mgmt.Client) error) error {
	n := m.lookup(host)
	if n == nil {
		return &mgmt.ConnectionError{Host: host, Op: "use", Err: ErrUnknownHost}
	}

	n.mu.Lock()
	if n.state != StateConnected || n.client == nil {
		n.mu.Unlock()
		return &mgmt.ConnectionError{Host: host, Op: "use", Err: ErrNotConnected}
	}
	client := n.client
	n.lastUsed = m.now()
	n.mu.Unlock()

	err := fn(ctx, client)

	var connErr *mgmt.ConnectionError
	if errors.As(err, &connErr) {
		m.markLinkLost(n, client, err)
	}
	return err
}

// Probe pings the host's connection to assess liveness. A failed probe
// demotes the node to disconnected. A successful probe does not refresh
// the idle clock, so probing never keeps an otherwise idle connection
// alive.
func (m *Manager) Probe(ctx context.Context, host string) error {
	n := m.lookup(host)
	if n == nil {
		return &mgmt.ConnectionError{Host: host, Op: "probe", Err: ErrUnknownHost}
	}

	n.mu.Lock()
	if n.state != StateConnected || n.client == nil {
		n.mu.Unlock()
		return &mgmt.ConnectionError{Host: host, Op: "probe", Err: ErrNotConnected}
	}
	client := n.client
	n.mu.Unlock()

	if err := client.Ping(ctx); err != nil {
		m.markLinkLost(n, client, err)
		return err
	}
	return nil
}

// markLinkLost closes the borrowed client and demotes the node to
// disconnected. The client pointer guards against demoting a connection
// that was already replaced by a newer dial.
func (m *Manager) markLinkLost(n *node, borrowed mgmt.Client, err error) {
	n.mu.Lock()
	if n.state != StateConnected || n.client != borrowed {
		n.mu.Unlock()
		return
	}
	host := n.info.Host
	old := n.state
	n.client.Close()
	n.client = nil
	n.lastErr = err
	n.state = StateDisconnected
	n.mu.Unlock()
	m.notifyStateChange(host, old, StateDisconnected)

	m.logger.Warn("node_link_lost", "host", host, "error", err)
}

// DisconnectAll tears down every connection and returns all nodes to the
// disconnected state with their backoff counters cleared. In-flight dials
// are aborted and their results discarded. Returns the number of live
// connections that were closed.
func (m *Manager) DisconnectAll(reason string) int {
	m.generation.Add(1)

	m.mu.RLock()
	snapshot := make([]*node, 0, len(m.nodes))
	for _, n := range m.nodes {
		snapshot = append(snapshot, n)
	}
	m.mu.RUnlock()

	closed := 0
	for _, n := range snapshot {
		n.mu.Lock()
		host := n.info.Host
		old := n.state
		n.cancel()
		n.ctx, n.cancel = context.WithCancel(m.baseCtx)
		if n.client != nil {
			n.client.Close()
			n.client = nil
			closed++
		}
		n.backoff.Reset()
		n.retryAt = time.Time{}
		n.lastErr = nil
		n.state = StateDisconnected
		n.mu.Unlock()
		m.notifyStateChange(host, old, StateDisconnected)
	}

	m.logger.Info("connections_reset",
		"reason", reason,
		"nodes", len(snapshot),
		"closed", closed,
	)
	return closed
}

// CloseIdle closes connections that have not been used for longer than
// olderThan, moving them to disconnected. Returns the affected hosts,
// sorted.
func (m *Manager) CloseIdle(olderThan time.Duration) []string {
	if olderThan <= 0 {
		return nil
	}
	cutoff := m.now().Add(-olderThan)

	m.mu.RLock()
	snapshot := make([]*node, 0, len(m.nodes))
	for _, n := range m.nodes {
		snapshot = append(snapshot, n)
	}
	m.mu.RUnlock()

	var closed []string
	for _, n := range snapshot {
		n.mu.Lock()
		if n.state != StateConnected || n.client == nil || !n.lastUsed.Before(cutoff) {
			n.mu.Unlock()
			continue
		}
		host := n.info.Host
		old := n.state
		idle := m.now().Sub(n.lastUsed)
		n.client.Close()
		n.client = nil
		n.state = StateDisconnected
		n.mu.Unlock()
		m.notifyStateChange(host, old, StateDisconnected)

		m.logger.Debug("idle_connection_closed", "host", host, "idle", idle.String())
		closed = append(closed, host)
	}

	sort.Strings(closed)
	return closed
}

// Status describes a node's connection for operators.
type Status struct {
	Node        registry.Node `json:"node"`
	State       State         `json:"-"`
	StateName   string        `json:"state"`
	Attempts    int           `json:"attempts,omitempty"`
	RetryAt     time.Time     `json:"retry_at,omitzero"`
	ConnectedAt time.Time     `json:"connected_at,omitzero"`
	LastUsed    time.Time     `json:"last_used,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
}

// Status returns the connection status for a single host.
func (m *Manager) Status(host string) (Status, bool) {
	n := m.lookup(host)
	if n == nil {
		return Status{}, false
	}
	return m.statusOf(n), true
}

// Statuses returns the connection status of every tracked node, sorted by
// host.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	snapshot := make([]*node, 0, len(m.nodes))
	for _, n := range m.nodes {
		snapshot = append(snapshot, n)
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(snapshot))
	for _, n := range snapshot {
		statuses = append(statuses, m.statusOf(n))
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Node.Host < statuses[j].Node.Host
	})
	return statuses
}

func (m *Manager) statusOf(n *node) Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := Status{
		Node:        n.info,
		State:       n.state,
		StateName:   n.state.String(),
		Attempts:    n.backoff.Attempts(),
		RetryAt:     n.retryAt,
		ConnectedAt: n.connectedAt,
		LastUsed:    n.lastUsed,
	}
	if n.lastErr != nil {
		s.LastError = n.lastErr.Error()
	}
	return s
}

// State returns the connection state for a single host.
func (m *Manager) State(host string) (State, bool) {
	n := m.lookup(host)
	if n == nil {
		return StateDisconnected, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, true
}

// States returns a map of host to current connection state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	snapshot := make([]*node, 0, len(m.nodes))
	for _, n := range m.nodes {
		snapshot = append(snapshot, n)
	}
	m.mu.RUnlock()

	states := make(map[string]State, len(snapshot))
	for _, n := range snapshot {
		n.mu.Lock()
		states[n.info.Host] = n.state
		n.mu.Unlock()
	}
	return states
}

// Hosts returns the tracked hosts, sorted.
func (m *Manager) Hosts() []string {
	m.mu.RLock()
	hosts := make([]string, 0, len(m.nodes))
	for host := range m.nodes {
		hosts = append(hosts, host)
	}
	m.mu.RUnlock()

	sort.Strings(hosts)
	return hosts
}

// Close shuts the manager down, closing every connection. The manager
// cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	snapshot := make([]*node, 0, len(m.nodes))
	for _, n := range m.nodes {
		snapshot = append(snapshot, n)
	}
	m.mu.Unlock()

	m.baseCancel()

	for _, n := range snapshot {
		n.mu.Lock()
		host := n.info.Host
		old := n.state
		n.cancel()
		if n.client != nil {
			n.client.Close()
			n.client = nil
		}
		n.state = StateDisconnected
		n.mu.Unlock()
		m.notifyStateChange(host, old, StateDisconnected)
	}

	m.logger.Debug("connection_manager_closed", "nodes", len(snapshot))
}

func (m *Manager) lookup(host string) *node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[host]
}

func (m *Manager) notifyStateChange(host string, oldState, newState State) {
	if oldState == newState {
		return
	}
	if m.callbacks.OnStateChange != nil {
		m.callbacks.OnStateChange(host, oldState, newState)
	}
}
