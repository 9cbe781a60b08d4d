package config

import (
	"errors"
	"fmt"

	"github.com/casscope/casscope/internal/registry"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	// A node source is required: seeds, a nodes file, or both
	if len(cfg.Seeds) == 0 && cfg.NodesFile == "" {
		errs = append(errs, ValidationError{
			Field:   "seeds",
			Message: "at least one node or -nodes-file is required",
		})
	}

	// Every seed must parse as host[:port][/dc[/rack]]
	for _, seed := range cfg.Seeds {
		if _, err := registry.ParseNode(seed, registry.DefaultManagementPort); err != nil {
			errs = append(errs, ValidationError{
				Field:   "seeds",
				Message: err.Error(),
			})
		}
	}

	// Protocol must be valid
	validProtocols := map[string]bool{"jolokia": true, "exporter": true}
	if !validProtocols[cfg.Protocol] {
		errs = append(errs, ValidationError{
			Field:   "protocol",
			Message: fmt.Sprintf("must be 'jolokia' or 'exporter' (got %q)", cfg.Protocol),
		})
	}

	// Connect timeout must be positive
	if cfg.ConnectTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "connect_timeout",
			Message: "must be positive",
		})
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{
			Field:   "backoff_max",
			Message: "must be >= backoff_initial",
		})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiply",
			Message: "must be >= 1.0",
		})
	}

	// Sampling deadlines
	if cfg.GroupTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "group_timeout",
			Message: "must be positive",
		})
	}
	if cfg.TotalTimeout < cfg.GroupTimeout {
		errs = append(errs, ValidationError{
			Field:   "total_timeout",
			Message: "must be >= group_timeout",
		})
	}
	if cfg.CacheTTL <= 0 {
		errs = append(errs, ValidationError{
			Field:   "cache_ttl",
			Message: "must be positive",
		})
	}

	// Loop cadences
	if cfg.MaintenanceInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "maintenance_interval",
			Message: "must be positive",
		})
	}
	if cfg.BroadcastInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "broadcast_interval",
			Message: "must be positive",
		})
	}
	if cfg.ReaperInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "reaper_interval",
			Message: "must be positive",
		})
	}
	if cfg.IdleThreshold <= 0 {
		errs = append(errs, ValidationError{
			Field:   "idle_threshold",
			Message: "must be positive",
		})
	}
	if cfg.StaleGraceMultiple < 1 {
		errs = append(errs, ValidationError{
			Field:   "stale_grace",
			Message: "must be at least 1",
		})
	}

	// Trend window
	if cfg.TrendWindow <= 0 {
		errs = append(errs, ValidationError{
			Field:   "trend_window",
			Message: "must be positive",
		})
	}

	// Both listeners bind, so they cannot share an address
	if cfg.ListenAddr != "" && cfg.ListenAddr == cfg.MetricsAddr {
		errs = append(errs, ValidationError{
			Field:   "metrics",
			Message: fmt.Sprintf("must differ from -listen (both %q)", cfg.ListenAddr),
		})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ApplyCheckMode modifies config for --check mode.
func ApplyCheckMode(cfg *Config) {
	cfg.Verbose = true
	cfg.LogFormat = "text"
}
