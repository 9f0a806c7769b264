// ABOUTME: Configuration loading and parsing for botfleet
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultMaxCapacity     = 50
	DefaultStaggerInterval = 3 * time.Second
	DefaultGracePeriod     = 2 * time.Minute
	DefaultConnectTimeout  = 30 * time.Second
	DefaultSendTimeout     = 15 * time.Second
	DefaultExpirySchedule  = "@every 1h"
	DefaultMetricsPath     = "/metrics"
)

// Config represents the complete botfleet configuration
type Config struct {
	Tenant        TenantConfig   `yaml:"tenant" toml:"tenant"`
	HostedTenants []TenantConfig `yaml:"hosted_tenants" toml:"hosted_tenants"`
	Database      DatabaseConfig `yaml:"database" toml:"database"`
	Session       SessionConfig  `yaml:"session" toml:"session"`
	Resume        ResumeConfig   `yaml:"resume" toml:"resume"`
	Expiry        ExpiryConfig   `yaml:"expiry" toml:"expiry"`
	Logging       LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// TenantConfig names the tenant ("server") this process acts as and the
// capacity it asserts for it.
type TenantConfig struct {
	Name        string `yaml:"name" toml:"name"`
	MaxCapacity int    `yaml:"max_capacity" toml:"max_capacity"`
	Description string `yaml:"description" toml:"description"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SessionConfig configures the upstream session client.
type SessionConfig struct {
	// BridgeURL is the websocket endpoint of the session bridge. Empty
	// selects the in-process loopback client.
	BridgeURL string `yaml:"bridge_url" toml:"bridge_url"`

	ConnectTimeout time.Duration `yaml:"-" toml:"-"`
	SendTimeout    time.Duration `yaml:"-" toml:"-"`

	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
	SendTimeoutRaw    string `yaml:"send_timeout" toml:"send_timeout"`
}

// ResumeConfig holds boot-time resume timing
type ResumeConfig struct {
	Enabled         *bool         `yaml:"enabled" toml:"enabled"`
	StaggerInterval time.Duration `yaml:"-" toml:"-"`
	GracePeriod     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	StaggerIntervalRaw string `yaml:"stagger_interval" toml:"stagger_interval"`
	GracePeriodRaw     string `yaml:"grace_period" toml:"grace_period"`
}

// IsEnabled reports whether resume runs at boot. Defaults to true.
func (r ResumeConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ExpiryConfig holds the approval expiry sweep schedule (robfig/cron syntax)
type ExpiryConfig struct {
	Schedule string `yaml:"schedule" toml:"schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics and health endpoint configuration
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	Path     string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if dbPath := os.Getenv("BOTFLEET_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config file location: BOTFLEET_CONFIG if set,
// otherwise $XDG_CONFIG_HOME/botfleet/config.yaml (falling back to ~/.config).
func DefaultPath() string {
	if p := os.Getenv("BOTFLEET_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "botfleet", "config.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Tenant.MaxCapacity == 0 {
		c.Tenant.MaxCapacity = DefaultMaxCapacity
	}
	for i := range c.HostedTenants {
		if c.HostedTenants[i].MaxCapacity == 0 {
			c.HostedTenants[i].MaxCapacity = c.Tenant.MaxCapacity
		}
	}
	if c.Session.ConnectTimeout == 0 {
		c.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Session.SendTimeout == 0 {
		c.Session.SendTimeout = DefaultSendTimeout
	}
	if c.Resume.StaggerInterval == 0 {
		c.Resume.StaggerInterval = DefaultStaggerInterval
	}
	if c.Resume.GracePeriod == 0 {
		c.Resume.GracePeriod = DefaultGracePeriod
	}
	if c.Expiry.Schedule == "" {
		c.Expiry.Schedule = DefaultExpirySchedule
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tenant.Name == "" {
		return fmt.Errorf("tenant.name is required")
	}
	if c.Tenant.MaxCapacity < 0 {
		return fmt.Errorf("tenant.max_capacity must not be negative")
	}

	seen := map[string]bool{c.Tenant.Name: true}
	for i, t := range c.HostedTenants {
		if t.Name == "" {
			return fmt.Errorf("hosted_tenants[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("hosted_tenants[%d]: duplicate tenant %q", i, t.Name)
		}
		if t.MaxCapacity < 0 {
			return fmt.Errorf("hosted_tenants[%d].max_capacity must not be negative", i)
		}
		seen[t.Name] = true
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Resume.StaggerInterval < 0 || c.Resume.GracePeriod < 0 {
		return fmt.Errorf("resume intervals must not be negative")
	}

	if c.Expiry.Schedule != "" {
		if _, err := cron.ParseStandard(c.Expiry.Schedule); err != nil {
			return fmt.Errorf("expiry.schedule %q: %w", c.Expiry.Schedule, err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.HTTPAddr == "" {
		return fmt.Errorf("metrics.http_addr is required when metrics are enabled")
	}

	return nil
}

// AllTenants returns the primary tenant followed by any hosted tenants.
func (c *Config) AllTenants() []TenantConfig {
	out := make([]TenantConfig, 0, 1+len(c.HostedTenants))
	out = append(out, c.Tenant)
	return append(out, c.HostedTenants...)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.connect_timeout", cfg.Session.ConnectTimeoutRaw, &cfg.Session.ConnectTimeout},
		{"session.send_timeout", cfg.Session.SendTimeoutRaw, &cfg.Session.SendTimeout},
		{"resume.stagger_interval", cfg.Resume.StaggerIntervalRaw, &cfg.Resume.StaggerInterval},
		{"resume.grace_period", cfg.Resume.GracePeriodRaw, &cfg.Resume.GracePeriod},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
