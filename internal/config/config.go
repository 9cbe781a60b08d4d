// Package config provides configuration management for casscope.
package config

import "time"

// Config holds all configuration options for the casscope daemon.
type Config struct {
	// Cluster
	Seeds     []string `json:"seeds"`      // node addresses, host[:port][/dc[/rack]]
	NodesFile string   `json:"nodes_file"` // JSON node file, re-read every maintenance pass
	Protocol  string   `json:"protocol"`   // management protocol: jolokia, exporter

	// Connection
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`

	// Sampling
	GroupTimeout time.Duration `json:"group_timeout"` // per metric group
	TotalTimeout time.Duration `json:"total_timeout"` // whole sample run
	CacheTTL     time.Duration `json:"cache_ttl"`

	// Background loops
	MaintenanceInterval time.Duration `json:"maintenance_interval"`
	BroadcastInterval   time.Duration `json:"broadcast_interval"`
	ReaperInterval      time.Duration `json:"reaper_interval"`
	IdleThreshold       time.Duration `json:"idle_threshold"`
	StaleGraceMultiple  int           `json:"stale_grace_multiple"` // cache eviction grace, in TTL multiples

	// Trend history
	TrendWindow time.Duration `json:"trend_window"`

	// Listeners
	ListenAddr  string `json:"listen_addr"`  // console API + websocket
	MetricsAddr string `json:"metrics_addr"` // Prometheus ops listener

	// Observability
	Verbose   bool   `json:"verbose"`
	LogFormat string `json:"log_format"` // json, text

	// Diagnostic modes
	Check         bool `json:"check"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Cluster
		Protocol: "jolokia",

		// Connection
		ConnectTimeout:  5 * time.Second,
		BackoffInitial:  1 * time.Second,
		BackoffMax:      30 * time.Second,
		BackoffMultiply: 2.0,

		// Sampling
		GroupTimeout: 2 * time.Second,
		TotalTimeout: 8 * time.Second,
		CacheTTL:     5 * time.Second,

		// Background loops
		MaintenanceInterval: 5 * time.Second,
		BroadcastInterval:   5 * time.Second,
		ReaperInterval:      60 * time.Second,
		IdleThreshold:       10 * time.Minute,
		StaleGraceMultiple:  60,

		// Trend history
		TrendWindow: 15 * time.Minute,

		// Listeners
		ListenAddr:  "0.0.0.0:17090",
		MetricsAddr: "0.0.0.0:17091",

		// Observability
		Verbose:   false,
		LogFormat: "json",
	}
}
