package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// seedList is a custom flag type for repeatable -seed flags.
type seedList []string

func (s *seedList) String() string {
	return strings.Join(*s, ", ")
}

func (s *seedList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// ParseFlags parses command-line flags and returns a Config.
// Returns an error if required arguments are missing or invalid.
func ParseFlags() (*Config, error) {
	cfg := DefaultConfig()
	var seeds seedList

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `casscope - live Cassandra cluster console backend

Usage:
  casscope [flags] <node> [<node> ...]

Cluster Flags:
`)
		// Print flags by category
		printFlagCategory([]string{"seed", "nodes-file", "protocol"})

		fmt.Fprintf(os.Stderr, "\nConnection:\n")
		printFlagCategory([]string{"connect-timeout", "backoff-initial", "backoff-max", "backoff-multiply"})

		fmt.Fprintf(os.Stderr, "\nSampling:\n")
		printFlagCategory([]string{"group-timeout", "total-timeout", "cache-ttl"})

		fmt.Fprintf(os.Stderr, "\nBackground Loops:\n")
		printFlagCategory([]string{"maintenance-interval", "broadcast-interval", "reaper-interval", "idle-threshold", "stale-grace"})

		fmt.Fprintf(os.Stderr, "\nTrend History:\n")
		printFlagCategory([]string{"trend-window"})

		fmt.Fprintf(os.Stderr, "\nListeners:\n")
		printFlagCategory([]string{"listen", "metrics"})

		fmt.Fprintf(os.Stderr, "\nObservability:\n")
		printFlagCategory([]string{"v", "log-format"})

		fmt.Fprintf(os.Stderr, "\nSafety & Diagnostics:\n")
		printFlagCategory([]string{"check", "skip-preflight"})

		fmt.Fprintf(os.Stderr, `
Node Format:
  host[:port][/datacenter[/rack]], port defaulting to 8778 (Jolokia agent).

Examples:
  # Three-node cluster on default ports
  casscope 10.0.0.1 10.0.0.2 10.0.0.3

  # Node set from a JSON file, re-read while running
  casscope -nodes-file /etc/casscope/nodes.json

  # Prometheus exporter protocol with datacenter labels
  casscope -protocol exporter 10.0.0.1:9500/us-east/rack1 10.0.0.2:9500/us-east/rack2

  # Validate config and probe every node once, then exit
  casscope --check 10.0.0.1

`)
	}

	// Cluster flags
	flag.Var(&seeds, "seed", "Add a cluster node (can repeat; same as positional args)")
	flag.StringVar(&cfg.NodesFile, "nodes-file", cfg.NodesFile, "JSON file listing cluster nodes, re-read while running")
	flag.StringVar(&cfg.Protocol, "protocol", cfg.Protocol, `Management protocol: "jolokia" or "exporter"`)

	// Connection
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Per-attempt connection deadline")
	flag.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "Reconnect delay after the first failure")
	flag.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum reconnect delay")
	flag.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Reconnect delay growth factor")

	// Sampling
	flag.DurationVar(&cfg.GroupTimeout, "group-timeout", cfg.GroupTimeout, "Deadline per metric group read")
	flag.DurationVar(&cfg.TotalTimeout, "total-timeout", cfg.TotalTimeout, "Deadline for a whole node sample")
	flag.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "How long a node sample stays fresh")

	// Background loops
	flag.DurationVar(&cfg.MaintenanceInterval, "maintenance-interval", cfg.MaintenanceInterval, "Node set refresh and reconnect sweep cadence")
	flag.DurationVar(&cfg.BroadcastInterval, "broadcast-interval", cfg.BroadcastInterval, "Websocket push cadence")
	flag.DurationVar(&cfg.ReaperInterval, "reaper-interval", cfg.ReaperInterval, "Idle connection and stale cache sweep cadence")
	flag.DurationVar(&cfg.IdleThreshold, "idle-threshold", cfg.IdleThreshold, "Close connections unused for this long")
	flag.IntVar(&cfg.StaleGraceMultiple, "stale-grace", cfg.StaleGraceMultiple, "Evict cache entries older than this many TTLs")

	// Trend history
	flag.DurationVar(&cfg.TrendWindow, "trend-window", cfg.TrendWindow, "Cluster trend retention window")

	// Listeners
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Console API and websocket address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address")

	// Observability
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)

	// Safety & Diagnostics
	flag.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config, probe every node once, and exit")
	flag.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Parse
	flag.Parse()

	// Positional arguments are seed nodes, same as -seed
	cfg.Seeds = append([]string(seeds), flag.Args()...)

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(names []string) {
	flag.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(os.Stderr, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(os.Stderr, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(os.Stderr)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
