// Package conn tracks management connections to cluster nodes.
package conn

// State represents the current state of a node's management connection.
type State int

const (
	// StateDisconnected is the initial state; no connection is held.
	StateDisconnected State = iota

	// StateConnecting indicates a dial attempt is in flight.
	StateConnecting

	// StateConnected indicates a live, usable connection.
	StateConnected

	// StateFailed indicates the last dial attempt failed; the node is
	// waiting out its backoff window before the next attempt.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsConnected returns true if the connection is live and usable.
func (s State) IsConnected() bool {
	return s == StateConnected
}

// NeedsDial returns true if the state allows starting a new dial attempt
// (disconnected, or failed once the backoff window has elapsed).
func (s State) NeedsDial() bool {
	return s == StateDisconnected || s == StateFailed
}
