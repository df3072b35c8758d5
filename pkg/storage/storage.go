// Package storage is the persistence layer: pooled SQLite connections
// backing the two tables the cache engine and monitoring facade read and
// write (cache_entries, metrics).
package storage

import (
	"context"
	"time"
)

// Row is one result row from Query, keyed by column name.
type Row map[string]any

// Store is a synchronous key-value-ish SQL surface. Implementations borrow a
// pooled connection per call and retry transient contention errors with
// backoff; a busy/locked error reaches the caller only after the retries
// are exhausted.
type Store interface {
	// Query runs a read statement and returns the matching rows.
	Query(ctx context.Context, query string, args ...any) ([]Row, error)

	// Update runs a write statement and returns the number of affected rows.
	Update(ctx context.Context, query string, args ...any) (int64, error)

	// Close releases every pooled connection.
	Close() error
}

// Config configures a SQLite-backed Store.
type Config struct {
	// Path is the database file path, or ":memory:" for a shared in-memory
	// database visible to every pooled connection.
	Path string `yaml:"path"`

	// PoolSize is the number of persistent connections kept open. Default 5.
	PoolSize int `yaml:"pool_size"`

	// BusyTimeoutMs is the SQLITE busy_timeout pragma value.
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`

	// CacheSizeKB sets the per-connection page cache size, in KB.
	CacheSizeKB int `yaml:"cache_size_kb"`

	// MaxRetries bounds the number of contention retries for query/update.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the initial backoff delay before doubling.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the backoff delay applied to any single retry.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// DefaultConfig returns the defaults used when a caller omits settings.
func DefaultConfig() Config {
	return Config{
		Path:           "./apibuddy.db",
		PoolSize:       5,
		BusyTimeoutMs:  5000,
		CacheSizeKB:    10000,
		MaxRetries:     10,
		RetryBaseDelay: 50 * time.Millisecond,
		RetryMaxDelay:  1 * time.Second,
	}
}

// Validate fills in any zero-valued fields with defaults and rejects
// impossible configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return ErrInvalidConfig
	}
	if c.PoolSize < 1 {
		c.PoolSize = 5
	}
	if c.BusyTimeoutMs < 1 {
		c.BusyTimeoutMs = 5000
	}
	if c.CacheSizeKB < 1 {
		c.CacheSizeKB = 10000
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 10
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 50 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 1 * time.Second
	}
	return nil
}
