// Package storage contains the pluggable persistence layer; this file
// provides the SQLite implementation backing cache_entries and metrics.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tinkermonkey/apibuddy/pkg/telemetry"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_cache_and_metrics.sql
var initialSchema string

// conn is one pooled *sql.DB-backed connection. SQLite connections are not
// safe for concurrent use by multiple goroutines at once, so the pool hands
// out exclusive borrow/return pairs rather than relying on database/sql's
// own pooling (which would otherwise open unbounded connections against a
// single file).
type conn struct {
	db *sql.DB
}

// SQLiteStore implements Store against a pool of SQLite connections.
type SQLiteStore struct {
	cfg       Config
	metrics   *telemetry.Metrics
	mu        sync.Mutex
	pool      []*conn
	open      int
	closed    bool
	dsn       string
	isUseURI  bool
	closeOnce sync.Once
}

// NewSQLiteStore opens a pool of cfg.PoolSize SQLite connections, applies
// pragmas and migrations, and returns a ready Store. metrics may be nil if
// telemetry is disabled.
func NewSQLiteStore(cfg Config, metrics *telemetry.Metrics) (*SQLiteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn, isURI := resolveDSN(cfg.Path)

	s := &SQLiteStore{
		cfg:      cfg,
		metrics:  metrics,
		dsn:      dsn,
		isUseURI: isURI,
	}

	for i := 0; i < cfg.PoolSize; i++ {
		c, err := s.newConn()
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		s.pool = append(s.pool, c)
		s.open++
	}

	if err := s.migrate(); err != nil {
		s.closeAll()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return s, nil
}

// resolveDSN maps ":memory:" to a shared in-memory URI so every pooled
// connection sees the same database, per the special in-memory mode.
func resolveDSN(path string) (string, bool) {
	if path == ":memory:" {
		return "file::memory:?cache=shared", true
	}
	return path, strings.HasPrefix(path, "file:")
}

func (s *SQLiteStore) newConn() (*conn, error) {
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeoutMs),
		fmt.Sprintf("PRAGMA cache_size = -%d", s.cfg.CacheSizeKB),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	return &conn{db: db}, nil
}

func (s *SQLiteStore) migrate() error {
	c, err := s.borrow()
	if err != nil {
		return err
	}
	defer s.returnConn(c)
	return runMigrations(c.db)
}

// borrow removes a connection from the pool, opening a fresh one if the
// pool is temporarily empty.
func (s *SQLiteStore) borrow() (*conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(s.pool); n > 0 {
		c := s.pool[n-1]
		s.pool = s.pool[:n-1]
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	return s.newConn()
}

// returnConn gives a connection back to the pool, closing it instead if the
// pool is already full (the connection was opened as pool overflow).
func (s *SQLiteStore) returnConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		_ = c.db.Close()
		return
	}
	if len(s.pool) < s.cfg.PoolSize {
		s.pool = append(s.pool, c)
		return
	}
	_ = c.db.Close()
}

// isLocked reports whether err is a transient SQLite contention error worth
// retrying (SQLITE_BUSY/SQLITE_LOCKED surface as "database is locked" or
// "database table is locked" from modernc.org/sqlite).
func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// withRetry runs op, retrying on transient contention with exponential
// backoff plus jitter, capped at cfg.RetryMaxDelay per sleep.
func (s *SQLiteStore) withRetry(ctx context.Context, op func(*conn) error) error {
	var lastErr error
	delay := s.cfg.RetryBaseDelay

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		c, err := s.borrow()
		if err != nil {
			return err
		}

		lastErr = op(c)
		s.returnConn(c)

		if lastErr == nil {
			return nil
		}
		if !isLocked(lastErr) {
			return lastErr
		}
		if attempt == s.cfg.MaxRetries-1 {
			break
		}
		if s.metrics != nil {
			s.metrics.StoreRetries.Add(ctx, 1)
		}

		backoff := delay + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
		if backoff > s.cfg.RetryMaxDelay {
			backoff = s.cfg.RetryMaxDelay
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
	}

	return lastErr
}

// Query runs a read statement and returns the matching rows, retrying on
// contention.
func (s *SQLiteStore) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	var rows []Row

	err := s.withRetry(ctx, func(c *conn) error {
		sqlRows, err := c.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = sqlRows.Close() }()

		cols, err := sqlRows.Columns()
		if err != nil {
			return err
		}

		rows = nil
		for sqlRows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := sqlRows.Scan(ptrs...); err != nil {
				return err
			}
			row := make(Row, len(cols))
			for i, col := range cols {
				row[col] = values[i]
			}
			rows = append(rows, row)
		}
		return sqlRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Update runs a write statement and returns the number of affected rows,
// retrying on contention.
func (s *SQLiteStore) Update(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64

	err := s.withRetry(ctx, func(c *conn) error {
		result, err := c.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		affected = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Close releases every pooled connection.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeAll()
	})
	return nil
}

func (s *SQLiteStore) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for _, c := range s.pool {
		if err := c.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.pool = nil
	if len(errs) > 0 {
		_ = errors.Join(errs...)
	}
}
