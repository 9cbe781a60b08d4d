package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseNode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Node
		wantErr bool
	}{
		{
			name:  "host only",
			input: "10.0.0.1",
			want:  Node{Host: "10.0.0.1", Port: 7070, Datacenter: "dc1", Rack: "rack1"},
		},
		{
			name:  "host and port",
			input: "10.0.0.1:8778",
			want:  Node{Host: "10.0.0.1", Port: 8778, Datacenter: "dc1", Rack: "rack1"},
		},
		{
			name:  "host port and datacenter",
			input: "cass-1.internal:8778/us-east",
			want:  Node{Host: "cass-1.internal", Port: 8778, Datacenter: "us-east", Rack: "rack1"},
		},
		{
			name:  "full form",
			input: "10.0.0.2:9001/us-west/r2",
			want:  Node{Host: "10.0.0.2", Port: 9001, Datacenter: "us-west", Rack: "r2"},
		},
		{
			name:  "datacenter without port",
			input: "10.0.0.3/eu-central",
			want:  Node{Host: "10.0.0.3", Port: 7070, Datacenter: "eu-central", Rack: "rack1"},
		},
		{
			name:    "empty host",
			input:   ":8778",
			wantErr: true,
		},
		{
			name:    "bad port",
			input:   "10.0.0.1:notaport",
			wantErr: true,
		},
		{
			name:    "port out of range",
			input:   "10.0.0.1:70000",
			wantErr: true,
		},
		{
			name:    "too many segments",
			input:   "10.0.0.1/dc/rack/extra",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNode(tt.input, 7070)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseNode(%q) error = nil, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNode(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseNode(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestStatic_SnapshotReturnsCopy(t *testing.T) {
	src := NewStatic([]Node{
		{Host: "10.0.0.1", Port: 8778, Datacenter: "dc1", Rack: "rack1"},
		{Host: "10.0.0.2", Port: 8778, Datacenter: "dc1", Rack: "rack2"},
	})

	first, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	first[0].Host = "mutated"

	second, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if second[0].Host != "10.0.0.1" {
		t.Errorf("Snapshot()[0].Host = %q, caller mutation leaked into source", second[0].Host)
	}
}

func TestFile_Snapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.json")

	content := `[
		{"host": "10.0.0.1", "port": 8778, "datacenter": "dc1", "rack": "rack1"},
		{"host": "10.0.0.2", "datacenter": "dc2", "rack": "rack1"}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewFile(path)
	nodes, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if len(nodes) != 2 {
		t.Fatalf("len(nodes) = %d, want 2", len(nodes))
	}
	if nodes[0].Port != 8778 {
		t.Errorf("nodes[0].Port = %d, want 8778", nodes[0].Port)
	}
	if nodes[1].Port != DefaultManagementPort {
		t.Errorf("nodes[1].Port = %d, want default %d", nodes[1].Port, DefaultManagementPort)
	}
}

func TestFile_SnapshotPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.json")

	if err := os.WriteFile(path, []byte(`[{"host": "10.0.0.1"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewFile(path)

	nodes, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1", len(nodes))
	}

	updated := `[{"host": "10.0.0.1"}, {"host": "10.0.0.2"}]`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	nodes, err = src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() after edit error = %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("len(nodes) after edit = %d, want 2", len(nodes))
	}
}

func TestFile_SnapshotErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing file", ""},
		{"malformed json", `{"not": "an array"`},
		{"empty host", `[{"host": ""}]`},
		{"invalid port", `[{"host": "10.0.0.1", "port": -1}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nodes.json")
			if tt.content != "" {
				if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := NewFile(path).Snapshot(context.Background()); err == nil {
				t.Error("Snapshot() error = nil, want error")
			}
		})
	}
}

func TestBasic(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	nodes := []Node{
		{Host: "10.0.0.1", Datacenter: "us-east", Rack: "r1"},
		{Host: "10.0.0.2", Datacenter: "us-east", Rack: "r2"},
		{Host: "10.0.0.3", Datacenter: "us-west", Rack: "r1"},
	}

	snap := Basic(now, nodes)

	if snap.NodeCount != 3 {
		t.Errorf("NodeCount = %d, want 3", snap.NodeCount)
	}
	if !snap.GeneratedAt.Equal(now) {
		t.Errorf("GeneratedAt = %v, want %v", snap.GeneratedAt, now)
	}
	if snap.Datacenters["us-east"] != 2 {
		t.Errorf("Datacenters[us-east] = %d, want 2", snap.Datacenters["us-east"])
	}
	if snap.Datacenters["us-west"] != 1 {
		t.Errorf("Datacenters[us-west] = %d, want 1", snap.Datacenters["us-west"])
	}
}
