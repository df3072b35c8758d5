package config

import (
	"testing"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	if cfg.Server.Port != 8888 {
		t.Errorf("expected port 8888, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected log format json, got %s", cfg.Logging.Format)
	}
	if cfg.DomainMappings["jp"].Upstream != "https://jsonplaceholder.typicode.com" {
		t.Errorf("expected jp mapping upstream, got %+v", cfg.DomainMappings["jp"])
	}
	if cfg.Throttling.DomainLimits["jp"] != 1000 {
		t.Errorf("expected jp throttle limit 1000, got %d", cfg.Throttling.DomainLimits["jp"])
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()
	if cfg == nil {
		t.Fatal("LoadWithDefaults() returned nil")
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected default port 8888, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Cache.MaxCacheEntries != 1000 {
		t.Errorf("expected default max cache entries 1000, got %d", cfg.Cache.MaxCacheEntries)
	}
	if cfg.Cache.DefaultTTLSeconds != 86400 {
		t.Errorf("expected default TTL 86400, got %d", cfg.Cache.DefaultTTLSeconds)
	}
	if cfg.Admin.RateLimitPerMinute != 60 {
		t.Errorf("expected default admin rate limit 60, got %d", cfg.Admin.RateLimitPerMinute)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := LoadWithDefaults()
		cfg.DomainMappings["m"] = DomainMapping{Upstream: "http://upstream.example"}
		return cfg
	}

	tests := []struct {
		mutate  func(*Config)
		name    string
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{
			name:    "empty host",
			mutate:  func(c *Config) { c.Server.Host = "" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "empty mapping upstream",
			mutate:  func(c *Config) { c.DomainMappings["m"] = DomainMapping{Upstream: ""} },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" },
			wantErr: true,
		},
		{
			name:    "zero throttle default",
			mutate:  func(c *Config) { c.Throttling.DefaultRequestsPerHour = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yml")
	if err == nil {
		t.Error("expected error when loading non-existent file")
	}
}

func TestTTLForDomain(t *testing.T) {
	cfg := LoadWithDefaults()
	ttl := 3600
	cfg.DomainMappings["m"] = DomainMapping{Upstream: "http://upstream.example", TTLSeconds: &ttl}
	cfg.DomainMappings["n"] = DomainMapping{Upstream: "http://upstream.example"}

	if got, ok := cfg.TTLForDomain("m"); !ok || got != 3600 {
		t.Errorf("TTLForDomain(m) = (%d, %v), want (3600, true)", got, ok)
	}
	if _, ok := cfg.TTLForDomain("n"); ok {
		t.Error("TTLForDomain(n) should have no override")
	}
	if _, ok := cfg.TTLForDomain("missing"); ok {
		t.Error("TTLForDomain(missing) should have no override")
	}
}

func TestLimitForDomain(t *testing.T) {
	cfg := LoadWithDefaults()
	cfg.Throttling.DomainLimits["m"] = 5

	if got := cfg.LimitForDomain("m"); got != 5 {
		t.Errorf("LimitForDomain(m) = %d, want 5", got)
	}
	if got := cfg.LimitForDomain("unknown"); got != cfg.Throttling.DefaultRequestsPerHour {
		t.Errorf("LimitForDomain(unknown) = %d, want default %d", got, cfg.Throttling.DefaultRequestsPerHour)
	}
}
