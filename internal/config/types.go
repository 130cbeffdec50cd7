package config

import "time"

// RedactedPassword replaces the password wherever the configuration is
// persisted.
const RedactedPassword = "Removed_for_Security"

// Config represents the complete actionarchiver run configuration.
//
// The yaml tags drive the optional config file; the json tags define the
// shape of execution_config_data.json written into every archive.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Archive  ArchiveConfig  `yaml:"archive" json:"archive"`
	Pool     PoolConfig     `yaml:"pool" json:"pool"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Journal  string         `yaml:"journal,omitempty" json:"journal,omitempty"`
	Progress ProgressConfig `yaml:"progress" json:"progress"`
}

// ServerConfig describes how to reach and authenticate against the BigFix
// REST API.
type ServerConfig struct {
	Host     string `yaml:"host" json:"bfserver"`
	Port     int    `yaml:"port" json:"bfport"`
	User     string `yaml:"user" json:"bfuser"`
	Password string `yaml:"password,omitempty" json:"bfpass"`
	// KeyCreds names the OS keyring entry holding the password.
	KeyCreds string `yaml:"key_creds,omitempty" json:"keycreds,omitempty"`
}

// ArchiveConfig selects which actions are archived and where they go.
type ArchiveConfig struct {
	// Destination is a directory, or a .zip/.tar/.tar.gz/.tgz container path.
	Destination string `yaml:"destination" json:"folder"`
	OlderDays   int    `yaml:"older_days" json:"older"`
	Whose       string `yaml:"whose" json:"whose"`
	Delete      bool   `yaml:"delete" json:"delete"`
}

// PoolConfig sizes the worker pool and batches.
type PoolConfig struct {
	Workers int `yaml:"workers" json:"workers"`
	// BatchSize of 0 processes every action in a single batch.
	BatchSize int `yaml:"batch_size" json:"batch"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level" json:"log_level"`
	Format string `yaml:"format" json:"log_format"`
}

// ProgressConfig controls progress reporting.
type ProgressConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	TUI      bool          `yaml:"tui,omitempty" json:"tui,omitempty"`
}

// Defaults returns a Config with the tool's documented defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 52311,
		},
		Archive: ArchiveConfig{
			Destination: "./aarchive",
			OlderDays:   30,
			Whose:       "true",
		},
		Pool: PoolConfig{
			Workers:   4,
			BatchSize: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Progress: ProgressConfig{
			Interval: 10 * time.Second,
		},
	}
}
