package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultEngineURL      = "http://localhost:7400"
	DefaultRequestTimeout = 30 * time.Second
	DefaultReconnectDelay = time.Second
	DefaultMaxReconnect   = 30 * time.Second
	DefaultOutputCapacity = 1000
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultFlushThreshold = 32 * 1024
	DefaultBatchHistory   = 10
	DefaultHistoryDriver  = "sqlite"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a configuration from the given YAML file path and
// fills unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// SearchPaths lists where LoadDefault looks, in order.
func SearchPaths() []string {
	candidates := []string{"flowwatch.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".flowwatch", "config.yaml"))
	}
	return candidates
}

// LoadDefault loads the first config found in SearchPaths. When none exists
// it returns the defaults and an empty path.
func LoadDefault() (*Config, string, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// Marshal renders the configuration as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.URL == "" {
		cfg.Engine.URL = DefaultEngineURL
	}
	if cfg.Engine.RequestTimeout == 0 {
		cfg.Engine.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Engine.ReconnectDelay == 0 {
		cfg.Engine.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Engine.MaxReconnectDelay == 0 {
		cfg.Engine.MaxReconnectDelay = DefaultMaxReconnect
	}
	if cfg.Tracker.OutputCapacity == 0 {
		cfg.Tracker.OutputCapacity = DefaultOutputCapacity
	}
	if cfg.Tracker.FlushInterval == 0 {
		cfg.Tracker.FlushInterval = DefaultFlushInterval
	}
	if cfg.Tracker.FlushThreshold == 0 {
		cfg.Tracker.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.Batch.HistorySize == 0 {
		cfg.Batch.HistorySize = DefaultBatchHistory
	}
	if cfg.History.Driver == "" {
		cfg.History.Driver = DefaultHistoryDriver
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}
