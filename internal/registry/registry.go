// Package registry supplies cluster topology to the engine.
//
// The topology source is an external collaborator: a production deployment
// feeds the engine from its cluster-metadata layer, while this package ships
// two self-contained sources, a static seed list and a JSON file that is
// re-read on every snapshot so topology edits land on the next refresh tick.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultManagementPort is used when a seed omits an explicit port.
// 8778 is the conventional Jolokia agent port.
const DefaultManagementPort = 8778

// Node is one cluster member as reported by the topology source.
type Node struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Datacenter string `json:"datacenter"`
	Rack       string `json:"rack"`
}

// Addr returns the host:port management endpoint address.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Source returns the current node list. Snapshot must be safe for concurrent
// use; the returned slice is owned by the caller.
type Source interface {
	Snapshot(ctx context.Context) ([]Node, error)
}

// ParseNode parses one seed in the form "host[:port][/datacenter[/rack]]".
// Omitted fields fall back to defaultPort, "dc1", and "rack1".
func ParseNode(s string, defaultPort int) (Node, error) {
	n := Node{Port: defaultPort, Datacenter: "dc1", Rack: "rack1"}

	addr := s
	if i := strings.IndexByte(s, '/'); i >= 0 {
		addr = s[:i]
		rest := strings.Split(s[i+1:], "/")
		if rest[0] != "" {
			n.Datacenter = rest[0]
		}
		if len(rest) > 1 && rest[1] != "" {
			n.Rack = rest[1]
		}
		if len(rest) > 2 {
			return Node{}, fmt.Errorf("node %q: too many '/' segments", s)
		}
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		p, perr := strconv.Atoi(port)
		if perr != nil || p < 1 || p > 65535 {
			return Node{}, fmt.Errorf("node %q: invalid port %q", s, port)
		}
		n.Host = host
		n.Port = p
	} else {
		n.Host = addr
	}

	if n.Host == "" {
		return Node{}, fmt.Errorf("node %q: empty host", s)
	}
	return n, nil
}

// Static is a fixed node list, typically built from command-line seeds.
type Static struct {
	nodes []Node
}

var _ Source = (*Static)(nil)

// NewStatic copies nodes into a new static source.
func NewStatic(nodes []Node) *Static {
	cp := make([]Node, len(nodes))
	copy(cp, nodes)
	return &Static{nodes: cp}
}

// Snapshot returns a copy of the configured node list.
func (s *Static) Snapshot(_ context.Context) ([]Node, error) {
	cp := make([]Node, len(s.nodes))
	copy(cp, s.nodes)
	return cp, nil
}

// File reads a JSON array of nodes from disk on every snapshot.
type File struct {
	path string
}

var _ Source = (*File)(nil)

// NewFile creates a file-backed source. The file is not opened until the
// first Snapshot, so a missing file surfaces as a snapshot error (and a
// connection_pending broadcast), not a construction failure.
func NewFile(path string) *File {
	return &File{path: path}
}

// Snapshot re-reads and parses the node file.
func (f *File) Snapshot(_ context.Context) ([]Node, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read node file: %w", err)
	}

	var nodes []Node
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("parse node file %s: %w", f.path, err)
	}

	for i, n := range nodes {
		if n.Host == "" {
			return nil, fmt.Errorf("node file %s: entry %d has empty host", f.path, i)
		}
		if n.Port == 0 {
			nodes[i].Port = DefaultManagementPort
		} else if n.Port < 1 || n.Port > 65535 {
			return nil, fmt.Errorf("node file %s: entry %d has invalid port %d", f.path, i, n.Port)
		}
	}
	return nodes, nil
}

// BasicSnapshot is the metadata-sourced view the broadcast loop publishes.
// It carries no management-interface data.
type BasicSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	NodeCount   int            `json:"node_count"`
	Datacenters map[string]int `json:"datacenters"`
	Nodes       []Node         `json:"nodes"`
}

// Basic derives the broadcast snapshot from a node list.
func Basic(now time.Time, nodes []Node) BasicSnapshot {
	snap := BasicSnapshot{
		GeneratedAt: now,
		NodeCount:   len(nodes),
		Datacenters: make(map[string]int),
		Nodes:       nodes,
	}
	for _, n := range nodes {
		snap.Datacenters[n.Datacenter]++
	}
	return snap
}
