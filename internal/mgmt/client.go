// Package mgmt implements per-node management-interface clients.
//
// Two wire protocols are supported behind the same Client interface:
// a Jolokia JMX-HTTP bridge speaking JSON (the default), and a Prometheus
// exporter sidecar speaking the text exposition format. Both normalize raw
// values into the metric package's schema so the rest of the engine never
// sees protocol-specific shapes.
package mgmt

import (
	"context"
	"fmt"

	"github.com/casscope/casscope/internal/metric"
)

// Client is a live management session with one node. The connection handle
// is owned exclusively by the connection manager; other components reach it
// only through the manager's borrow API.
type Client interface {
	// Connect performs the protocol handshake with a bounded context.
	Connect(ctx context.Context) error

	// ReadGroup reads one catalogue group and returns its normalized data.
	ReadGroup(ctx context.Context, g metric.Group) (metric.GroupData, error)

	// Ping performs a lightweight attribute read for health probing.
	Ping(ctx context.Context) error

	// Close releases the underlying transport. Safe to call more than once.
	Close() error
}

// ConnectionError reports an unreachable node, a failed handshake, or a
// transport failure mid-operation. It triggers the backoff path; it is never
// surfaced as a hard failure of a whole aggregation call.
type ConnectionError struct {
	Host string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.Host, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected attribute shape from a
// node. It drops the affected group from the sample; other groups are
// unaffected.
type ProtocolError struct {
	Host   string
	Detail string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("node %s: protocol error in %s: %s", e.Host, e.Detail, e.Reason)
}
