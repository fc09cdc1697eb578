// Package config loads the framework's configuration surface from
// YAML, applying defaults and validation the way a config.Load
// function typically does for its own options file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration surface recognised by the
// framework: transport, DDQ, circuit breaker, DLQ, and logger
// options.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	DDQ       DDQConfig       `yaml:"ddq"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	DLQ       DLQConfig       `yaml:"dlq"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// TransportConfig covers transport.* options.
type TransportConfig struct {
	AutoSubscribe     bool   `yaml:"auto_subscribe"`
	QueuePrefix       string `yaml:"queue_prefix"`
	ConsumerGroup     string `yaml:"consumer_group"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
	ReconnectDelay    string `yaml:"reconnect_delay"` // parsed by ReconnectDelayDuration
	PoolSize          int    `yaml:"pool_size"`
	PoolTimeout       string `yaml:"pool_timeout"` // parsed by PoolTimeoutDuration
}

// ReconnectDelayDuration parses ReconnectDelay, defaulting to 1s when empty.
func (t TransportConfig) ReconnectDelayDuration() (time.Duration, error) {
	return parseDurationOrDefault(t.ReconnectDelay, time.Second)
}

// PoolTimeoutDuration parses PoolTimeout, defaulting to 5s when empty.
func (t TransportConfig) PoolTimeoutDuration() (time.Duration, error) {
	return parseDurationOrDefault(t.PoolTimeout, 5*time.Second)
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// DDQConfig covers ddq.* options.
type DDQConfig struct {
	Size    int    `yaml:"size"`
	Storage string `yaml:"storage"` // "memory" | "distributed"
	Enabled bool   `yaml:"enabled"`
}

// CircuitConfig covers circuit.* options.
type CircuitConfig struct {
	Threshold int    `yaml:"threshold"`
	Window    string `yaml:"window"`   // parsed by WindowDuration
	Cooldown  string `yaml:"cooldown"` // parsed by CooldownDuration
	Fallback  string `yaml:"fallback"` // "dlq" | "degrade" | "retry"
}

// WindowDuration parses Window, defaulting to 30s when empty.
func (c CircuitConfig) WindowDuration() (time.Duration, error) {
	return parseDurationOrDefault(c.Window, 30*time.Second)
}

// CooldownDuration parses Cooldown, defaulting to 10s when empty.
func (c CircuitConfig) CooldownDuration() (time.Duration, error) {
	return parseDurationOrDefault(c.Cooldown, 10*time.Second)
}

// DLQConfig covers dlq.* options. Path is overridden by the
// DLQ_PATH environment variable if set.
type DLQConfig struct {
	Path string `yaml:"path"`
}

// LoggerConfig covers logger.* options.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
	Sink   string `yaml:"sink"`   // "stdout" | "stderr" | a file path
	Rotate string `yaml:"rotate"` // "size" | "time" | "none"
}

// Default returns a Config populated with the framework's documented
// defaults, matching what Load applies to a zero-value parse.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			AutoSubscribe:     true,
			QueuePrefix:       "smsg",
			ConsumerGroup:     "default",
			ReconnectAttempts: 5,
			ReconnectDelay:    "1s",
			PoolSize:          10,
			PoolTimeout:       "5s",
		},
		DDQ: DDQConfig{
			Size:    1000,
			Storage: "memory",
			Enabled: true,
		},
		Circuit: CircuitConfig{
			Threshold: 5,
			Window:    "30s",
			Cooldown:  "10s",
			Fallback:  "dlq",
		},
		DLQ: DLQConfig{
			Path: "smsg-dlq.jsonl",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Sink:   "stdout",
			Rotate: "none",
		},
	}
}

// Load reads and parses a YAML configuration file, layering its
// values over Default() and applying the DLQ_PATH environment
// override, then validates the result.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault returns Default() with only environment overrides
// applied, for callers with no configuration file (tests, one-off
// tools).
func LoadDefault() *Config {
	cfg := Default()
	applyEnvOverrides(cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if path := os.Getenv("DLQ_PATH"); path != "" {
		cfg.DLQ.Path = path
	}
}

// Validate rejects configuration combinations the framework cannot
// act on.
func (c *Config) Validate() error {
	if c.DDQ.Size < 0 {
		return fmt.Errorf("config: ddq.size must be >= 0, got %d", c.DDQ.Size)
	}
	switch c.DDQ.Storage {
	case "", "memory", "distributed":
	default:
		return fmt.Errorf("config: ddq.storage must be memory|distributed, got %q", c.DDQ.Storage)
	}
	if c.Circuit.Threshold < 0 {
		return fmt.Errorf("config: circuit.threshold must be >= 0, got %d", c.Circuit.Threshold)
	}
	switch c.Circuit.Fallback {
	case "", "dlq", "degrade", "retry":
	default:
		return fmt.Errorf("config: circuit.fallback must be dlq|degrade|retry, got %q", c.Circuit.Fallback)
	}
	switch c.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: logger.format must be text|json, got %q", c.Logger.Format)
	}
	switch c.Logger.Rotate {
	case "", "size", "time", "none":
	default:
		return fmt.Errorf("config: logger.rotate must be size|time|none, got %q", c.Logger.Rotate)
	}
	if c.Transport.ReconnectAttempts < 0 {
		return fmt.Errorf("config: transport.reconnect_attempts must be >= 0, got %d", c.Transport.ReconnectAttempts)
	}
	if c.Transport.PoolSize < 0 {
		return fmt.Errorf("config: transport.pool_size must be >= 0, got %d", c.Transport.PoolSize)
	}
	if _, err := c.Transport.ReconnectDelayDuration(); err != nil {
		return fmt.Errorf("config: transport.reconnect_delay: %w", err)
	}
	if _, err := c.Transport.PoolTimeoutDuration(); err != nil {
		return fmt.Errorf("config: transport.pool_timeout: %w", err)
	}
	if _, err := c.Circuit.WindowDuration(); err != nil {
		return fmt.Errorf("config: circuit.window: %w", err)
	}
	if _, err := c.Circuit.CooldownDuration(); err != nil {
		return fmt.Errorf("config: circuit.cooldown: %w", err)
	}
	return nil
}
