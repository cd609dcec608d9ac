package config

import "time"

// Config is the top-level configuration parsed from flowwatch YAML.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Tracker TrackerConfig `yaml:"tracker"`
	Batch   BatchConfig   `yaml:"batch"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig locates the execution engine. A negative reconnect_delay
// disables resubscribing after the event stream drops.
type EngineConfig struct {
	URL               string        `yaml:"url"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// TrackerConfig tunes state tracking and output batching.
type TrackerConfig struct {
	OutputCapacity int           `yaml:"output_capacity"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushThreshold int           `yaml:"flush_threshold"`
}

// BatchConfig tunes the batch tracker.
type BatchConfig struct {
	HistorySize int `yaml:"history_size"`
}

// HistoryConfig selects where finished runs are persisted. An empty sqlite
// dsn means ~/.flowwatch/history.db.
type HistoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig controls the CLI logger. When File is set, log output is also
// written there with size-based rotation.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	File      string `yaml:"file,omitempty"`
	MaxSizeMB int    `yaml:"max_size_mb,omitempty"`
}
