package config

import (
	"fmt"
	"net/url"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	recognizedDrivers   = map[string]bool{"sqlite": true, "postgres": true}
	recognizedLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	recognizedFormats   = map[string]bool{"console": true, "json": true}
	recognizedURLScheme = map[string]bool{"http": true, "https": true}
)

// Validate checks a Config for semantic errors. It returns every problem
// found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Engine.URL == "" {
		add("engine.url", "is required")
	} else if u, err := url.Parse(cfg.Engine.URL); err != nil || u.Host == "" {
		add("engine.url", "invalid URL %q", cfg.Engine.URL)
	} else if !recognizedURLScheme[u.Scheme] {
		add("engine.url", "unsupported scheme %q", u.Scheme)
	}
	if cfg.Engine.RequestTimeout < 0 {
		add("engine.request_timeout", "must not be negative")
	}
	if cfg.Engine.MaxReconnectDelay < 0 {
		add("engine.max_reconnect_delay", "must not be negative")
	} else if cfg.Engine.ReconnectDelay > cfg.Engine.MaxReconnectDelay {
		add("engine.reconnect_delay", "must not exceed max_reconnect_delay")
	}

	if cfg.Tracker.OutputCapacity < 1 {
		add("tracker.output_capacity", "must be at least 1")
	}
	if cfg.Tracker.FlushInterval < 0 {
		add("tracker.flush_interval", "must not be negative")
	}
	if cfg.Tracker.FlushThreshold < 0 {
		add("tracker.flush_threshold", "must not be negative")
	}

	if cfg.Batch.HistorySize < 1 {
		add("batch.history_size", "must be at least 1")
	}

	if !recognizedDrivers[cfg.History.Driver] {
		add("history.driver", "unrecognized driver %q", cfg.History.Driver)
	} else if cfg.History.Driver == "postgres" && cfg.History.DSN == "" {
		add("history.dsn", "is required for the postgres driver")
	}

	if !recognizedLevels[cfg.Log.Level] {
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}
	if !recognizedFormats[cfg.Log.Format] {
		add("log.format", "unrecognized format %q", cfg.Log.Format)
	}
	if cfg.Log.MaxSizeMB < 0 {
		add("log.max_size_mb", "must not be negative")
	}
	return errs
}
