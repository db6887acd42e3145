// ABOUTME: Configuration loading and parsing for courier-core
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete courier-core configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DeliveryConfig holds delivery queue timing configuration
type DeliveryConfig struct {
	VisibilityTimeout time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`
	MaxAttempts       int           `yaml:"max_attempts"`
	MaxPollItems      int           `yaml:"max_poll_items"`

	// Raw string values for YAML unmarshaling
	VisibilityTimeoutRaw string `yaml:"visibility_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
}

// DedupeConfig holds send idempotency cache configuration
type DedupeConfig struct {
	TTL time.Duration `yaml:"-"`

	MaxEntries int `yaml:"max_entries"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are absent
const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultMaxAttempts       = 5
	DefaultMaxPollItems      = 100
	DefaultDedupeTTL         = 10 * time.Minute
	DefaultDedupeMaxEntries  = 10000
)

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

	cfg.applyDefaults()

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

// applyDefaults fills zero-valued fields with their defaults
func (c *Config) applyDefaults() {
	if c.Delivery.VisibilityTimeout <= 0 {
		c.Delivery.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.Delivery.SweepInterval <= 0 {
		c.Delivery.SweepInterval = DefaultSweepInterval
	}
	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = DefaultMaxAttempts
	}
	if c.Delivery.MaxPollItems <= 0 {
		c.Delivery.MaxPollItems = DefaultMaxPollItems
	}
	if c.Dedupe.TTL <= 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxEntries <= 0 {
		c.Dedupe.MaxEntries = DefaultDedupeMaxEntries
	}
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

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Delivery.VisibilityTimeout <= c.Delivery.SweepInterval {
		return fmt.Errorf("delivery.visibility_timeout (%s) must exceed delivery.sweep_interval (%s)",
			c.Delivery.VisibilityTimeout, c.Delivery.SweepInterval)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Delivery.VisibilityTimeoutRaw != "" {
		cfg.Delivery.VisibilityTimeout, err = time.ParseDuration(cfg.Delivery.VisibilityTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing visibility_timeout %q: %w", cfg.Delivery.VisibilityTimeoutRaw, err)
		}
	}

	if cfg.Delivery.SweepIntervalRaw != "" {
		cfg.Delivery.SweepInterval, err = time.ParseDuration(cfg.Delivery.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Delivery.SweepIntervalRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}
