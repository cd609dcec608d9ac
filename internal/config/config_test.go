package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
engine:
  url: http://engine.internal:7400
  request_timeout: 10s
tracker:
  output_capacity: 500
  flush_interval: 250ms
  flush_threshold: 4096
batch:
  history_size: 20
history:
  driver: postgres
  dsn: postgres://flowwatch@localhost/flowwatch
log:
  level: debug
  format: json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowwatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Engine.URL != "http://engine.internal:7400" {
		t.Errorf("engine.url = %q", cfg.Engine.URL)
	}
	if cfg.Engine.RequestTimeout != 10*time.Second {
		t.Errorf("engine.request_timeout = %v", cfg.Engine.RequestTimeout)
	}
	if cfg.Tracker.OutputCapacity != 500 {
		t.Errorf("tracker.output_capacity = %d", cfg.Tracker.OutputCapacity)
	}
	if cfg.Tracker.FlushInterval != 250*time.Millisecond {
		t.Errorf("tracker.flush_interval = %v", cfg.Tracker.FlushInterval)
	}
	if cfg.Tracker.FlushThreshold != 4096 {
		t.Errorf("tracker.flush_threshold = %d", cfg.Tracker.FlushThreshold)
	}
	if cfg.Batch.HistorySize != 20 {
		t.Errorf("batch.history_size = %d", cfg.Batch.HistorySize)
	}
	if cfg.History.Driver != "postgres" || cfg.History.DSN == "" {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}

	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "engine:\n  url: http://e:1\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Engine.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("request_timeout = %v, want %v", cfg.Engine.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.Engine.ReconnectDelay != DefaultReconnectDelay || cfg.Engine.MaxReconnectDelay != DefaultMaxReconnect {
		t.Errorf("reconnect = %v/%v", cfg.Engine.ReconnectDelay, cfg.Engine.MaxReconnectDelay)
	}
	if cfg.Tracker.OutputCapacity != DefaultOutputCapacity {
		t.Errorf("output_capacity = %d", cfg.Tracker.OutputCapacity)
	}
	if cfg.Tracker.FlushInterval != DefaultFlushInterval {
		t.Errorf("flush_interval = %v", cfg.Tracker.FlushInterval)
	}
	if cfg.Tracker.FlushThreshold != DefaultFlushThreshold {
		t.Errorf("flush_threshold = %d", cfg.Tracker.FlushThreshold)
	}
	if cfg.Batch.HistorySize != DefaultBatchHistory {
		t.Errorf("history_size = %d", cfg.Batch.HistorySize)
	}
	if cfg.History.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.History.Driver)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v", errs)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "engine: [unclosed"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config YAML") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "tracker:\n  flush_interval: soon\n"))
	if err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestDefault_IsValid(t *testing.T) {
	if errs := Validate(Default()); len(errs) != 0 {
		t.Errorf("Validate(Default()) = %v", errs)
	}
}

func TestLoadDefault_NoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, path, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty", path)
	}
	if cfg.Engine.URL != DefaultEngineURL {
		t.Errorf("engine.url = %q", cfg.Engine.URL)
	}
}

func TestLoadDefault_PrefersWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	if err := os.WriteFile("flowwatch.yaml", []byte("engine:\n  url: http://local:9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, path, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if path != "flowwatch.yaml" {
		t.Errorf("path = %q", path)
	}
	if cfg.Engine.URL != "http://local:9" {
		t.Errorf("engine.url = %q", cfg.Engine.URL)
	}
}

func TestLoadDefault_HomeConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".flowwatch"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".flowwatch", "config.yaml"), []byte("batch:\n  history_size: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, path, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join(".flowwatch", "config.yaml")) {
		t.Errorf("path = %q", path)
	}
	if cfg.Batch.HistorySize != 3 {
		t.Errorf("history_size = %d", cfg.Batch.HistorySize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty url", func(c *Config) { c.Engine.URL = "" }, "engine.url"},
		{"url without host", func(c *Config) { c.Engine.URL = "not a url" }, "engine.url"},
		{"ftp url", func(c *Config) { c.Engine.URL = "ftp://engine" }, "engine.url"},
		{"negative timeout", func(c *Config) { c.Engine.RequestTimeout = -time.Second }, "engine.request_timeout"},
		{"negative max reconnect", func(c *Config) { c.Engine.MaxReconnectDelay = -time.Second }, "engine.max_reconnect_delay"},
		{"reconnect above max", func(c *Config) { c.Engine.ReconnectDelay = time.Minute }, "engine.reconnect_delay"},
		{"zero capacity", func(c *Config) { c.Tracker.OutputCapacity = 0 }, "tracker.output_capacity"},
		{"negative interval", func(c *Config) { c.Tracker.FlushInterval = -1 }, "tracker.flush_interval"},
		{"negative threshold", func(c *Config) { c.Tracker.FlushThreshold = -1 }, "tracker.flush_threshold"},
		{"zero batch history", func(c *Config) { c.Batch.HistorySize = 0 }, "batch.history_size"},
		{"unknown driver", func(c *Config) { c.History.Driver = "mysql" }, "history.driver"},
		{"postgres without dsn", func(c *Config) { c.History.Driver = "postgres" }, "history.dsn"},
		{"unknown level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"negative log size", func(c *Config) { c.Log.MaxSizeMB = -1 }, "log.max_size_mb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := Validate(cfg)
			if len(errs) != 1 {
				t.Fatalf("Validate() = %v, want exactly one error", errs)
			}
			if errs[0].Field != tt.field {
				t.Errorf("field = %q, want %q", errs[0].Field, tt.field)
			}
			if errs[0].Error() == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestMarshal_RoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Tracker.FlushInterval = 250 * time.Millisecond
	data, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if !strings.Contains(string(data), "flush_interval: 250ms") {
		t.Errorf("marshalled yaml missing duration:\n%s", data)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if *back != *cfg {
		t.Errorf("round trip mismatch: %+v vs %+v", back, cfg)
	}
}
