// Package config defines the runtime configuration structs, parsing helpers,
// and hot-reload wiring shared across the proxy's components.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server         ServerConfig             `yaml:"server" json:"server"`
	Security       SecurityConfig           `yaml:"security" json:"security"`
	Cache          CacheConfig              `yaml:"cache" json:"cache"`
	Throttling     ThrottlingConfig         `yaml:"throttling" json:"throttling"`
	DomainMappings map[string]DomainMapping `yaml:"domain_mappings" json:"domain_mappings"`
	Admin          AdminConfig              `yaml:"admin" json:"admin"`
	Logging        LoggingConfig            `yaml:"logging" json:"logging"`
	Telemetry      TelemetryConfig          `yaml:"telemetry" json:"telemetry"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	RequestTimeout int    `yaml:"request_timeout" json:"request_timeout"` // seconds, upstream HTTP timeout
}

// SecurityConfig controls the shared-secret access gate.
type SecurityConfig struct {
	RequireSecureKey  bool   `yaml:"require_secure_key" json:"require_secure_key"`
	SecureKey         string `yaml:"secure_key" json:"secure_key"` // if empty and required, generated at init
	LogSecurityEvents bool   `yaml:"log_security_events" json:"log_security_events"`
}

// CacheConfig controls the content-addressed response cache.
type CacheConfig struct {
	DatabasePath         string `yaml:"database_path" json:"database_path"` // file path or ":memory:"
	DefaultTTLSeconds    int    `yaml:"default_ttl_seconds" json:"default_ttl_seconds"`
	MaxCacheResponseSize int64  `yaml:"max_cache_response_size" json:"max_cache_response_size"`
	MaxCacheEntries      int    `yaml:"max_cache_entries" json:"max_cache_entries"`
	CompressionThreshold int    `yaml:"compression_threshold" json:"compression_threshold"`
}

// ThrottlingConfig controls the per-domain sliding-window rate limiter.
type ThrottlingConfig struct {
	DefaultRequestsPerHour int            `yaml:"default_requests_per_hour" json:"default_requests_per_hour"`
	ProgressiveMaxDelay    int            `yaml:"progressive_max_delay" json:"progressive_max_delay"` // seconds
	DomainLimits           map[string]int `yaml:"domain_limits" json:"domain_limits"`
}

// DomainMapping binds a logical domain name to its upstream.
type DomainMapping struct {
	Upstream   string `yaml:"upstream" json:"upstream"`
	TTLSeconds *int   `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`
}

// AdminConfig gates the /admin/* introspection endpoints.
type AdminConfig struct {
	Enabled            bool `yaml:"enabled" json:"enabled"`
	RateLimitPerMinute int  `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`           // debug, info, warn, error
	Format    string `yaml:"format" json:"format"`         // json, text
	Output    string `yaml:"output" json:"output"`         // stdout, stderr, file
	FilePath  string `yaml:"file_path" json:"file_path"`   // if output=file
	AddSource bool   `yaml:"add_source" json:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry/Prometheus settings.
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name" json:"service_name"`
	ServiceVersion    string `yaml:"service_version" json:"service_version"`
	PrometheusPort    int    `yaml:"prometheus_port" json:"prometheus_port"`
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled" json:"prometheus_enabled"`
}

// Load loads the configuration from a YAML file.
func Load(path string) (*Config, error) {
	// #nosec G304 - config file path is provided by the operator via CLI flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults applied,
// skipping file I/O (used by tests).
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Clone creates a deep copy of the configuration via a YAML round-trip.
func (c *Config) Clone() (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for cloning: %w", err)
	}

	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config clone: %w", err)
	}

	return &clone, nil
}

// Save writes the configuration back to a YAML file, atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// applyDefaults sets default values for unset configuration fields.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8888
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60
	}

	if c.Cache.DatabasePath == "" {
		c.Cache.DatabasePath = "./apibuddy.db"
	}
	if c.Cache.DefaultTTLSeconds == 0 {
		c.Cache.DefaultTTLSeconds = 86400
	}
	if c.Cache.MaxCacheResponseSize == 0 {
		c.Cache.MaxCacheResponseSize = 10 * 1024 * 1024
	}
	if c.Cache.MaxCacheEntries == 0 {
		c.Cache.MaxCacheEntries = 1000
	}
	if c.Cache.CompressionThreshold == 0 {
		c.Cache.CompressionThreshold = 1024
	}

	if c.Throttling.DefaultRequestsPerHour == 0 {
		c.Throttling.DefaultRequestsPerHour = 1000
	}
	if c.Throttling.ProgressiveMaxDelay == 0 {
		c.Throttling.ProgressiveMaxDelay = 300
	}
	if c.Throttling.DomainLimits == nil {
		c.Throttling.DomainLimits = map[string]int{}
	}

	if c.DomainMappings == nil {
		c.DomainMappings = map[string]DomainMapping{}
	}

	if c.Admin.RateLimitPerMinute == 0 {
		c.Admin.RateLimitPerMinute = 60
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "apibuddy"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}

	if c.Security.RequireSecureKey && c.Security.SecureKey != "" {
		if len(c.Security.SecureKey) < 16 {
			return fmt.Errorf("security.secure_key must be at least 16 characters when set")
		}
	}

	if c.Cache.DefaultTTLSeconds < 0 {
		return fmt.Errorf("cache.default_ttl_seconds cannot be negative")
	}
	if c.Cache.MaxCacheEntries <= 0 {
		return fmt.Errorf("cache.max_cache_entries must be positive")
	}
	if c.Cache.MaxCacheResponseSize <= 0 {
		return fmt.Errorf("cache.max_cache_response_size must be positive")
	}

	if c.Throttling.DefaultRequestsPerHour <= 0 {
		return fmt.Errorf("throttling.default_requests_per_hour must be positive")
	}
	if c.Throttling.ProgressiveMaxDelay <= 0 {
		return fmt.Errorf("throttling.progressive_max_delay must be positive")
	}

	for name, mapping := range c.DomainMappings {
		if strings.TrimSpace(mapping.Upstream) == "" {
			return fmt.Errorf("domain_mappings.%s.upstream cannot be empty", name)
		}
	}

	if c.Admin.RateLimitPerMinute <= 0 {
		return fmt.Errorf("admin.rate_limit_per_minute must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

// TTLForDomain resolves the effective per-domain TTL override, if any.
func (c *Config) TTLForDomain(name string) (int, bool) {
	mapping, ok := c.DomainMappings[name]
	if !ok || mapping.TTLSeconds == nil {
		return 0, false
	}
	return *mapping.TTLSeconds, true
}

// LimitForDomain resolves the effective per-domain throttle limit.
func (c *Config) LimitForDomain(name string) int {
	if limit, ok := c.Throttling.DomainLimits[name]; ok {
		return limit
	}
	return c.Throttling.DefaultRequestsPerHour
}

// RequestTimeoutDuration returns the configured upstream timeout as a duration.
func (s *ServerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}
