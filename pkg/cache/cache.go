// Package cache implements the content-addressed HTTP response cache: key
// derivation from method/URL/body, TTL resolution, deflate-family
// compression, and LRU eviction over the persistent Store.
package cache

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinkermonkey/apibuddy/pkg/config"
	"github.com/tinkermonkey/apibuddy/pkg/logging"
	"github.com/tinkermonkey/apibuddy/pkg/pattern"
	"github.com/tinkermonkey/apibuddy/pkg/storage"
	"github.com/tinkermonkey/apibuddy/pkg/telemetry"
)

// TTLResolver resolves a per-domain TTL override. ok is false when the
// domain has no override and the engine should fall back to the default TTL.
type TTLResolver func(domain string) (ttlSeconds int, ok bool)

// CachedResponse is a stored or retrieved HTTP response body.
type CachedResponse struct {
	Headers    http.Header
	Body       []byte
	Status     int
	TTLSeconds int // 0 means "resolve from domain/default"
}

// StoreResult reports the outcome of a Store call.
type StoreResult struct {
	Stored           bool
	RejectedTooLarge bool
}

// Stats mirrors the running counters tracked by CacheEngine.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Sets         uint64
	Evictions    uint64
	Expired      uint64
	Compressed   uint64
	Decompressed uint64
}

// counters holds the atomic fields backing Stats.
type counters struct {
	hits, misses, sets, evictions, expired, compressed, decompressed atomic.Uint64
}

// CacheEngine implements Engine against a pkg/storage.Store.
type CacheEngine struct {
	store      storage.Store
	logger     *logging.Logger
	metrics    *telemetry.Metrics
	resolveTTL TTLResolver

	maxResponseSize      int64
	maxCacheEntries      int
	compressionThreshold int
	defaultTTLSeconds    int

	mu         sync.Mutex
	domainKeys map[string]map[string]struct{} // domain -> set of cache keys, for clear(domain)
	stats      counters
}

var _ Engine = (*CacheEngine)(nil)

// New constructs a CacheEngine. resolveTTL may be nil, in which case every
// store() falls back to the configured default TTL.
func New(store storage.Store, cfg *config.CacheConfig, resolveTTL TTLResolver, logger *logging.Logger, metrics *telemetry.Metrics) (*CacheEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("cache: store is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("cache: config is required")
	}
	if resolveTTL == nil {
		resolveTTL = func(string) (int, bool) { return 0, false }
	}

	return &CacheEngine{
		store:                store,
		logger:               logger,
		metrics:              metrics,
		resolveTTL:           resolveTTL,
		maxResponseSize:      cfg.MaxCacheResponseSize,
		maxCacheEntries:      cfg.MaxCacheEntries,
		compressionThreshold: cfg.CompressionThreshold,
		defaultTTLSeconds:    cfg.DefaultTTLSeconds,
		domainKeys:           make(map[string]map[string]struct{}),
	}, nil
}

// DeriveKey computes the content-addressed cache key for a request.
func (c *CacheEngine) DeriveKey(method, rawURL string, body []byte, contentType string) string {
	method = strings.ToUpper(method)
	normURL := normalizeURL(rawURL)
	normBody := normalizeBody(method, body, contentType)

	sum := sha256.Sum256([]byte(method + ":" + normURL + ":" + normBody))
	return hex.EncodeToString(sum[:])
}

// normalizeURL lowercases scheme/host, re-encodes the path consistently,
// strips a trailing slash (except for "/"), and sorts query parameters by
// name then value while preserving duplicate keys.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	path := u.Path
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	u.Path = path
	u.RawPath = ""

	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf strings.Builder
		first := true
		for _, k := range keys {
			values := append([]string(nil), q[k]...)
			sort.Strings(values)
			for _, v := range values {
				if !first {
					buf.WriteByte('&')
				}
				first = false
				buf.WriteString(url.QueryEscape(k))
				buf.WriteByte('=')
				buf.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = buf.String()
	}

	return u.String()
}

// normalizeBody re-serializes JSON POST bodies with sorted keys and no
// insignificant whitespace; other non-empty bodies are hashed; empty/absent
// bodies yield the empty string.
func normalizeBody(method string, body []byte, contentType string) string {
	if len(body) == 0 {
		return ""
	}

	if method == "POST" && strings.Contains(strings.ToLower(contentType), "application/json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			if reserialized, err := json.Marshal(v); err == nil {
				return string(reserialized)
			}
		}
	}

	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Lookup retrieves a cached response by key. A hit updates access_count and
// last_accessed as a side effect.
func (c *CacheEngine) Lookup(ctx context.Context, key string) (*CachedResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.store.Query(ctx,
		`SELECT body, headers, status, created_at, ttl_seconds FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		c.stats.misses.Add(1)
		if c.metrics != nil {
			c.metrics.CacheMisses.Add(ctx, 1)
		}
		return nil, false, nil
	}

	row := rows[0]
	createdAt := rowTime(row["created_at"])
	ttlSeconds := rowInt(row["ttl_seconds"])

	if time.Now().After(createdAt.Add(time.Duration(ttlSeconds) * time.Second)) {
		if _, err := c.store.Update(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return nil, false, err
		}
		c.removeFromDomainIndex(key)
		c.stats.expired.Add(1)
		if c.metrics != nil {
			c.metrics.CacheExpired.Add(ctx, 1)
		}
		return nil, false, nil
	}

	body, _ := row["body"].([]byte)
	if isCompressed(body) {
		if decompressed, err := decompressBody(body); err == nil {
			body = decompressed
			c.stats.decompressed.Add(1)
		}
	}

	var headers http.Header
	if raw, ok := row["headers"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &headers)
	}

	if _, err := c.store.Update(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed = CURRENT_TIMESTAMP WHERE key = ?`,
		key); err != nil {
		return nil, false, err
	}

	c.stats.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.Add(ctx, 1)
	}

	return &CachedResponse{
		Body:       body,
		Headers:    headers,
		Status:     rowInt(row["status"]),
		TTLSeconds: ttlSeconds,
	}, true, nil
}

// Store persists a response, compressing it above compression_threshold and
// rejecting it outright above max_cache_response_size. domain, if non-empty,
// is used both for TTL resolution and the in-memory clear(domain) index.
func (c *CacheEngine) Store(ctx context.Context, key, domain string, resp *CachedResponse) (StoreResult, error) {
	if int64(len(resp.Body)) > c.maxResponseSize {
		return StoreResult{RejectedTooLarge: true}, nil
	}

	ttl := resp.TTLSeconds
	if ttl <= 0 {
		if domain != "" {
			if override, ok := c.resolveTTL(domain); ok {
				ttl = override
			}
		}
		if ttl <= 0 {
			ttl = c.defaultTTLSeconds
		}
	}

	body := resp.Body
	compressed := false
	if len(body) > c.compressionThreshold {
		if out, err := compressBody(body); err == nil {
			body = out
			compressed = true
		}
	}

	headersJSON, err := json.Marshal(resp.Headers)
	if err != nil {
		return StoreResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.Update(ctx,
		`REPLACE INTO cache_entries (key, body, headers, status, created_at, ttl_seconds, access_count, last_accessed)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, ?, 0, CURRENT_TIMESTAMP)`,
		key, body, string(headersJSON), resp.Status, ttl); err != nil {
		return StoreResult{}, err
	}

	c.stats.sets.Add(1)
	if c.metrics != nil {
		c.metrics.CacheSets.Add(ctx, 1)
		c.metrics.CacheSize.Add(ctx, 1)
	}
	if compressed {
		c.stats.compressed.Add(1)
		if c.metrics != nil {
			c.metrics.CacheCompressed.Add(ctx, 1)
		}
	}

	if domain != "" {
		keys, ok := c.domainKeys[domain]
		if !ok {
			keys = make(map[string]struct{})
			c.domainKeys[domain] = keys
		}
		keys[key] = struct{}{}
	}

	if err := c.evictIfNeeded(ctx); err != nil {
		return StoreResult{}, err
	}

	return StoreResult{Stored: true}, nil
}

// evictIfNeeded deletes entries in ascending last_accessed order until the
// live count is at most maxCacheEntries. Must be called with mu held.
func (c *CacheEngine) evictIfNeeded(ctx context.Context) error {
	for {
		rows, err := c.store.Query(ctx, `SELECT COUNT(*) as n FROM cache_entries`)
		if err != nil {
			return err
		}
		count := rowInt(rows[0]["n"])
		if count <= c.maxCacheEntries {
			return nil
		}

		toEvict := count - c.maxCacheEntries
		victims, err := c.store.Query(ctx,
			`SELECT key FROM cache_entries ORDER BY last_accessed ASC LIMIT ?`, toEvict)
		if err != nil {
			return err
		}
		if len(victims) == 0 {
			return nil
		}

		for _, v := range victims {
			key, _ := v["key"].(string)
			if _, err := c.store.Update(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
				return err
			}
			c.removeFromDomainIndex(key)
			c.stats.evictions.Add(1)
			if c.metrics != nil {
				c.metrics.CacheEvictions.Add(ctx, 1)
				c.metrics.CacheSize.Add(ctx, -1)
			}
		}
	}
}

func (c *CacheEngine) removeFromDomainIndex(key string) {
	for domain, keys := range c.domainKeys {
		if _, ok := keys[key]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.domainKeys, domain)
			}
		}
	}
}

// Delete removes a single cache entry by key.
func (c *CacheEngine) Delete(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.store.Update(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return 0, err
	}
	c.removeFromDomainIndex(key)
	return n, nil
}

// Clear removes entries whose logical domain matches domainFilter (exact,
// wildcard, or regex). An empty filter clears every entry.
func (c *CacheEngine) Clear(ctx context.Context, domainFilter string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if domainFilter == "" {
		n, err := c.store.Update(ctx, `DELETE FROM cache_entries`)
		if err != nil {
			return 0, err
		}
		c.domainKeys = make(map[string]map[string]struct{})
		return n, nil
	}

	pat, err := pattern.ParsePattern(domainFilter)
	if err != nil {
		return 0, err
	}

	var total int64
	for domain, keys := range c.domainKeys {
		if !pat.Match(domain) {
			continue
		}
		for key := range keys {
			n, err := c.store.Update(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
			if err != nil {
				return total, err
			}
			total += n
		}
		delete(c.domainKeys, domain)
	}
	return total, nil
}

// DomainKeyCount returns the number of live cache entries indexed under
// domain, for the admin/monitoring domain-scoped cache view.
func (c *CacheEngine) DomainKeyCount(domain string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.domainKeys[domain])
}

// Stats returns a snapshot of the cache counters.
func (c *CacheEngine) Stats() Stats {
	return Stats{
		Hits:         c.stats.hits.Load(),
		Misses:       c.stats.misses.Load(),
		Sets:         c.stats.sets.Load(),
		Evictions:    c.stats.evictions.Load(),
		Expired:      c.stats.expired.Load(),
		Compressed:   c.stats.compressed.Load(),
		Decompressed: c.stats.decompressed.Load(),
	}
}

// compressBody zlib-compresses a body and returns any compression error;
// Store keeps the original bytes when it fails.
func compressBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressBody reverses compressBody.
func decompressBody(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// isCompressed checks for the zlib magic byte written by compressBody.
func isCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x78
}

func rowInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func rowTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		return storage.ParseSQLiteTime(t)
	default:
		return time.Time{}
	}
}
