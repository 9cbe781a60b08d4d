// Package main provides the casscope CLI entry point.
//
// casscope is the backend engine of a live console over an Apache Cassandra
// cluster: it keeps a management connection to every node, samples and
// aggregates cluster metrics, and serves them over a JSON API plus a
// websocket push feed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/casscope/casscope/internal/config"
	"github.com/casscope/casscope/internal/daemon"
	"github.com/casscope/casscope/internal/logging"
	"github.com/casscope/casscope/internal/preflight"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/casscope
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("casscope %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// Apply --check mode modifications before building the logger: check
	// runs interactively and wants readable text output
	if cfg.Check {
		config.ApplyCheckMode(cfg)
	}

	// Initialize logger; the ring feeds the /logs route on the metrics listener
	ring := logging.NewRing(logging.DefaultRingSize)
	logger := logging.New(cfg.LogFormat, cfg.Verbose, ring)
	logging.SetDefault(logger)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Handle --check mode
	if cfg.Check {
		return runCheck(cfg, logger)
	}

	// Log startup
	logger.Info("starting",
		"version", version,
		"protocol", cfg.Protocol,
		"seeds", len(cfg.Seeds),
		"nodes_file", cfg.NodesFile,
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
	)

	// Print startup banner
	printBanner(cfg)

	// Create and run daemon
	d, err := daemon.New(cfg, version, logger, ring)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	if err := d.Run(context.Background()); err != nil {
		logger.Error("daemon_failed", "error", err)
		return 1
	}

	return 0
}

// runCheck performs one-shot diagnostics and exits: the environment checks
// the daemon would run at startup, then a real protocol dial and ping of
// every configured node.
func runCheck(cfg *config.Config, logger *slog.Logger) int {
	source, err := daemon.BuildSource(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nodes, err := source.Snapshot(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Topology error: %v\n", err)
		return 1
	}

	env := preflight.RunAll(nodes, cfg.ListenAddr, cfg.MetricsAddr)
	preflight.PrintResults(env)

	probe := preflight.ProbeNodes(ctx, nodes, daemon.DialFunc(cfg))
	preflight.PrintResults(probe)

	if !env.Passed || !probe.Passed {
		return 1
	}
	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                             casscope                              ║")
	fmt.Println("║            Node Connection & Metrics Aggregation Engine           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Protocol:    %s\n", cfg.Protocol)
	if cfg.NodesFile != "" {
		fmt.Printf("  Nodes:       %s (re-read each maintenance pass)\n", cfg.NodesFile)
	} else {
		fmt.Printf("  Nodes:       %d seed(s)\n", len(cfg.Seeds))
	}
	fmt.Printf("  API:         http://%s/api/v1\n", cfg.ListenAddr)
	fmt.Printf("  Push Feed:   ws://%s/api/v1/ws\n", cfg.ListenAddr)
	fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}
