package storage

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PoolSize != 5 {
		t.Errorf("expected default pool size 5, got %d", cfg.PoolSize)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("expected default max retries 10, got %d", cfg.MaxRetries)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Path: ":memory:"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if cfg.PoolSize != 5 {
		t.Errorf("expected PoolSize filled with default, got %d", cfg.PoolSize)
	}

	empty := Config{}
	if err := empty.Validate(); err == nil {
		t.Error("expected error for empty path")
	}
}
