// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/casscope/casscope/internal/conn"
	"github.com/casscope/casscope/internal/registry"
)

// reachTimeout bounds the plain TCP reachability probe per node.
const reachTimeout = 2 * time.Second

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes the startup checks: file descriptor headroom, listener
// bindability, and TCP reachability of every node's management endpoint.
// Reachability only warns; the connection manager retries unreachable
// nodes with backoff once running.
func RunAll(nodes []registry.Node, listenAddr, metricsAddr string) *Result {
	result := &Result{
		Checks: make([]Check, 0, 3+len(nodes)),
		Passed: true,
	}

	// File descriptor check
	fdCheck := checkFileDescriptors(len(nodes))
	result.Checks = append(result.Checks, fdCheck)
	if !fdCheck.Passed {
		result.Passed = false
	}

	// Listener checks
	for _, addrCheck := range []Check{
		checkBindable("listen_addr", listenAddr),
		checkBindable("metrics_addr", metricsAddr),
	} {
		result.Checks = append(result.Checks, addrCheck)
		if !addrCheck.Passed {
			result.Passed = false
		}
	}

	// Node reachability (warning only)
	for _, node := range nodes {
		result.Checks = append(result.Checks, checkReachable(node))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(nodeCount int) Check {
	var limit syscall.Rlimit
	syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit)

	// Each node holds one management connection, doubled during sample
	// bursts. Listeners, websocket subscribers, and logging need headroom.
	required := nodeCount*4 + 128
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d nodes)", actual, required, nodeCount),
	}
}

// checkBindable verifies the address can actually be bound.
func checkBindable(name, addr string) Check {
	if addr == "" {
		return Check{
			Name:    name,
			Passed:  true,
			Warning: true,
			Message: "not set",
		}
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("cannot bind %s: %v", addr, err),
		}
	}
	l.Close()

	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("%s bindable", addr),
	}
}

// checkReachable opens a plain TCP connection to the node's management
// endpoint. Warning only: nodes may come up after casscope does.
func checkReachable(node registry.Node) Check {
	addr := node.Addr()

	c, err := net.DialTimeout("tcp", addr, reachTimeout)
	if err != nil {
		return Check{
			Name:    "node",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s unreachable: %v", addr, err),
		}
	}
	c.Close()

	return Check{
		Name:    "node",
		Passed:  true,
		Message: fmt.Sprintf("%s reachable", addr),
	}
}

// ProbeNodes dials every node with the real management client and pings
// it once, catching agents that accept connections but cannot answer.
// Used by --check mode, where an unanswering node is a failure.
func ProbeNodes(ctx context.Context, nodes []registry.Node, dial conn.DialFunc) *Result {
	result := &Result{
		Checks: make([]Check, 0, len(nodes)),
		Passed: true,
	}

	for _, node := range nodes {
		check := probeNode(ctx, node, dial)
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.Passed = false
		}
	}

	return result
}

func probeNode(ctx context.Context, node registry.Node, dial conn.DialFunc) Check {
	start := time.Now()

	client, err := dial(ctx, node)
	if err != nil {
		return Check{
			Name:    "node",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", node.Addr(), err),
		}
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return Check{
			Name:    "node",
			Passed:  false,
			Message: fmt.Sprintf("%s: ping failed: %v", node.Addr(), err),
		}
	}

	return Check{
		Name:    "node",
		Passed:  true,
		Message: fmt.Sprintf("%s answered in %s", node.Addr(), time.Since(start).Round(time.Millisecond)),
	}
}

// PrintResults prints the preflight check results to stdout.
func PrintResults(result *Result) {
	fmt.Println("Preflight checks:")
	for _, check := range result.Checks {
		fmt.Println(check.String())
		if !check.Passed {
			fmt.Printf("    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Println()
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "listen_addr", "metrics_addr":
		return "free the port or pick another with -listen / -metrics"
	case "node":
		return "verify the management agent is running and the port is open"
	default:
		return "see documentation"
	}
}
