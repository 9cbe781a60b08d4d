// Package daemon composes a running casscope instance: topology source,
// protocol dialer, engine, and the two HTTP listeners, plus the signal
// handling and ordered shutdown around them.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casscope/casscope/internal/api"
	"github.com/casscope/casscope/internal/config"
	"github.com/casscope/casscope/internal/conn"
	"github.com/casscope/casscope/internal/engine"
	"github.com/casscope/casscope/internal/logging"
	"github.com/casscope/casscope/internal/metrics"
	"github.com/casscope/casscope/internal/mgmt"
	"github.com/casscope/casscope/internal/preflight"
	"github.com/casscope/casscope/internal/registry"
)

// Daemon coordinates all components of one casscope instance.
type Daemon struct {
	config *config.Config
	logger *slog.Logger

	source        registry.Source
	engine        *engine.Engine
	collector     *metrics.Collector
	apiServer     *api.Server
	metricsServer *metrics.Server

	startTime time.Time
}

// New wires a Daemon from validated configuration. The ring, when non-nil,
// feeds the /logs route on the metrics listener.
func New(cfg *config.Config, version string, logger *slog.Logger, recent *logging.Ring) (*Daemon, error) {
	source, err := BuildSource(cfg, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(metrics.CollectorConfig{
		Version:  version,
		Protocol: cfg.Protocol,
	})

	eng, err := engine.New(engine.Config{
		Nodes: source,
		Dial:  DialFunc(cfg),
		Backoff: conn.BackoffConfig{
			Base:       cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiply,
		},
		ConnectTimeout:      cfg.ConnectTimeout,
		GroupTimeout:        cfg.GroupTimeout,
		TotalTimeout:        cfg.TotalTimeout,
		CacheTTL:            cfg.CacheTTL,
		MaintenanceInterval: cfg.MaintenanceInterval,
		BroadcastInterval:   cfg.BroadcastInterval,
		ReaperInterval:      cfg.ReaperInterval,
		IdleThreshold:       cfg.IdleThreshold,
		StaleGraceMultiple:  cfg.StaleGraceMultiple,
		TrendWindow:         cfg.TrendWindow,
		Logger:              logger,
		Metrics:             collector,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	return &Daemon{
		config:        cfg,
		logger:        logger,
		source:        source,
		engine:        eng,
		collector:     collector,
		apiServer:     api.NewServer(eng, api.Config{Addr: cfg.ListenAddr, Logger: logger}),
		metricsServer: metrics.NewServer(cfg.MetricsAddr, nil, recent, logger),
	}, nil
}

// BuildSource picks the topology source. A nodes file wins over seeds so a
// deployment can pin bootstrap seeds in unit files while steering the live
// set through the file.
func BuildSource(cfg *config.Config, logger *slog.Logger) (registry.Source, error) {
	if cfg.NodesFile != "" {
		if len(cfg.Seeds) > 0 {
			logger.Warn("seeds_ignored", "nodes_file", cfg.NodesFile, "seeds", len(cfg.Seeds))
		}
		return registry.NewFile(cfg.NodesFile), nil
	}

	nodes := make([]registry.Node, 0, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		n, err := registry.ParseNode(seed, registry.DefaultManagementPort)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return registry.NewStatic(nodes), nil
}

// DialFunc builds the management dialer for the configured protocol. The
// returned dialer completes the protocol handshake before returning, which
// is the contract conn.Manager expects of it.
func DialFunc(cfg *config.Config) conn.DialFunc {
	protocol := cfg.Protocol
	requestTimeout := cfg.GroupTimeout

	return func(ctx context.Context, node registry.Node) (mgmt.Client, error) {
		var client mgmt.Client
		switch protocol {
		case "exporter":
			client = mgmt.NewExporterClient(node.Host, node.Addr(), requestTimeout)
		default:
			client = mgmt.NewJolokiaClient(node.Host, node.Addr(), requestTimeout)
		}

		if err := client.Connect(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}
}

// Run starts the daemon. It blocks until a signal arrives or the context is
// cancelled, then shuts the stack down in dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	// The preflight node list is best-effort: a missing nodes file is a
	// connection_pending condition, not a startup failure.
	nodes, err := d.source.Snapshot(ctx)
	if err != nil {
		d.logger.Warn("topology_snapshot_failed", "error", err)
	}

	// Run preflight checks
	if !d.config.SkipPreflight {
		result := preflight.RunAll(nodes, d.config.ListenAddr, d.config.MetricsAddr)
		preflight.PrintResults(result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use --skip-preflight to override)")
		}
	}

	// Start both listeners
	if err := d.metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := d.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// Start the engine loops
	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	d.logger.Info("casscope_running",
		"api", d.config.ListenAddr,
		"metrics", d.config.MetricsAddr,
		"protocol", d.config.Protocol,
		"nodes", len(nodes),
	)

	// Wait for completion signal
	select {
	case sig := <-sigCh:
		d.logger.Info("received_signal", "signal", sig.String())
	case <-ctx.Done():
		d.logger.Info("context_cancelled")
	}

	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// The hub owns live websocket connections; stopping the engine first
	// closes them so the API listener drains instead of waiting out the
	// shutdown deadline.
	if err := d.engine.Stop(shutdownCtx); err != nil {
		d.logger.Warn("engine_shutdown_incomplete", "error", err)
	}
	if err := d.apiServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("api_server_shutdown_error", "error", err)
	}
	if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("metrics_server_shutdown_error", "error", err)
	}

	// Print exit summary
	d.printExitSummary()

	return nil
}

// printExitSummary prints a summary of the run.
func (d *Daemon) printExitSummary() {
	statuses := d.engine.Statuses()
	states := make(map[string]int)
	for _, s := range statuses {
		states[s.StateName]++
	}
	cacheStats := d.engine.CacheStats()
	reaperStats := d.engine.ReaperStats()
	hubStats := d.engine.Hub().Stats()

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════════")
	fmt.Println("                        casscope Exit Summary")
	fmt.Println("═══════════════════════════════════════════════════════════════════")
	fmt.Printf("Run Duration:           %s\n", formatDuration(time.Since(d.startTime)))
	fmt.Printf("Tracked Nodes:          %d\n", len(statuses))
	for _, state := range []string{"connected", "connecting", "disconnected", "failed"} {
		if n := states[state]; n > 0 {
			fmt.Printf("  %-22s%d\n", state+":", n)
		}
	}
	fmt.Println()

	fmt.Println("Cache:")
	fmt.Printf("  Hits:                 %d\n", cacheStats.Hits)
	fmt.Printf("  Misses:               %d\n", cacheStats.Misses)
	fmt.Printf("  Fetches:              %d\n", cacheStats.Fetches)
	fmt.Printf("  Coalesced:            %d\n", cacheStats.Coalesced)
	fmt.Println()

	fmt.Println("Push Feed:")
	fmt.Printf("  Delivered:            %d\n", hubStats.Delivered)
	fmt.Printf("  Dropped:              %d\n", hubStats.Dropped)
	fmt.Println()

	if reaperStats.IdleClosed > 0 || reaperStats.StaleEvicted > 0 || reaperStats.Resets > 0 {
		fmt.Println("Reaper:")
		fmt.Printf("  Idle Closed:          %d\n", reaperStats.IdleClosed)
		fmt.Printf("  Stale Evicted:        %d\n", reaperStats.StaleEvicted)
		fmt.Printf("  Forced Resets:        %d\n", reaperStats.Resets)
		fmt.Println()
	}

	fmt.Printf("Metrics endpoint was: http://%s/metrics\n", d.config.MetricsAddr)
	fmt.Println("═══════════════════════════════════════════════════════════════════")
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Engine returns the engine for external access.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Metrics returns the operational metrics collector.
func (d *Daemon) Metrics() *metrics.Collector {
	return d.collector
}
