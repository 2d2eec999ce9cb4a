// ABOUTME: Configuration loading and parsing for crewd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete crewd configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Steering  SteeringConfig  `yaml:"steering"`
	Runs      RunsConfig      `yaml:"runs"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SteeringConfig holds the cross-worker steering queue configuration.
// Root must point at a directory every worker process can reach.
type SteeringConfig struct {
	Root string `yaml:"root"`

	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
}

// RunsConfig holds run event stream timing configuration
type RunsConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`
}

// WorkerConfig identifies this process's role. Exactly one process per
// deployment should set leader: true; it owns the channel adapters and
// the scheduler poll loop.
type WorkerConfig struct {
	Leader bool `yaml:"leader"`
}

// SchedulerConfig holds task scheduler configuration
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Steering.Root == "" {
		return fmt.Errorf("steering.root is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Steering.PollIntervalRaw != "" {
		cfg.Steering.PollInterval, err = time.ParseDuration(cfg.Steering.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing steering poll_interval %q: %w", cfg.Steering.PollIntervalRaw, err)
		}
	}

	if cfg.Runs.HeartbeatIntervalRaw != "" {
		cfg.Runs.HeartbeatInterval, err = time.ParseDuration(cfg.Runs.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Runs.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Scheduler.PollIntervalRaw != "" {
		cfg.Scheduler.PollInterval, err = time.ParseDuration(cfg.Scheduler.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing scheduler poll_interval %q: %w", cfg.Scheduler.PollIntervalRaw, err)
		}
	}

	return nil
}
