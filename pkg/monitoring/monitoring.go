// Package monitoring implements MonitoringFacade: read-only aggregation of
// CacheEngine, ThrottleManager, and Store counters for the /admin/*
// introspection endpoints.
package monitoring

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/tinkermonkey/apibuddy/pkg/cache"
	"github.com/tinkermonkey/apibuddy/pkg/config"
	"github.com/tinkermonkey/apibuddy/pkg/ratelimit"
	"github.com/tinkermonkey/apibuddy/pkg/storage"
)

// ComponentStatus is one entry in the /admin/status component breakdown.
type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CacheStatistics mirrors CacheEngine.Stats() for JSON responses.
type CacheStatistics struct {
	TotalHits    uint64  `json:"total_hits"`
	TotalMisses  uint64  `json:"total_misses"`
	HitRate      float64 `json:"hit_rate"`
	Sets         uint64  `json:"sets"`
	Evictions    uint64  `json:"evictions"`
	Expired      uint64  `json:"expired"`
	Compressed   uint64  `json:"compressed"`
	Decompressed uint64  `json:"decompressed"`
}

// CacheStats is the body of GET /admin/cache and of GET /admin/cache/{domain};
// in the per-domain body only TotalEntries is scoped to the domain.
type CacheStats struct {
	CacheBackend string          `json:"cache_backend"`
	TotalEntries int64           `json:"total_entries"`
	Domain       string          `json:"domain,omitempty"`
	Statistics   CacheStatistics `json:"statistics"`
}

// DomainStats is one entry in the GET /admin/domains response.
type DomainStats struct {
	Upstream         string  `json:"upstream"`
	TTLSeconds       int     `json:"ttl_seconds"`
	Status           string  `json:"status"`
	TotalRequests    int64   `json:"total_requests"`
	ErrorCount       int64   `json:"error_count"`
	AvgResponseMs    float64 `json:"avg_response_time_ms"`
	RateLimitPerHour int     `json:"rate_limit_per_hour"`
}

// Facade aggregates operational state for admin/monitoring consumers. It
// holds no mutable state of its own, every call reads through to the
// component it reports on.
type Facade struct {
	cfg       *config.Config
	cache     cache.Engine
	throttle  *ratelimit.Manager
	store     storage.Store
	startTime time.Time
}

// New constructs a Facade. start is the process start time, used for
// uptime reporting.
func New(cfg *config.Config, cacheEngine cache.Engine, throttle *ratelimit.Manager, store storage.Store, start time.Time) *Facade {
	return &Facade{cfg: cfg, cache: cacheEngine, throttle: throttle, store: store, startTime: start}
}

// UptimeSeconds reports how long the process has been running.
func (f *Facade) UptimeSeconds() float64 {
	return time.Since(f.startTime).Seconds()
}

// ComponentStatuses reports a status for each core component, backing
// GET /admin/status.
func (f *Facade) ComponentStatuses(ctx context.Context) map[string]ComponentStatus {
	statuses := make(map[string]ComponentStatus, 4)

	if f.cache == nil {
		statuses["cache_engine"] = ComponentStatus{Status: "unavailable"}
	} else {
		statuses["cache_engine"] = ComponentStatus{Status: "healthy"}
	}

	if f.store == nil {
		statuses["database_manager"] = ComponentStatus{Status: "unavailable"}
	} else if _, err := f.store.Query(ctx, "SELECT 1"); err != nil {
		statuses["database_manager"] = ComponentStatus{Status: "error", Error: err.Error()}
	} else {
		statuses["database_manager"] = ComponentStatus{Status: "healthy"}
	}

	if f.throttle == nil {
		statuses["throttle_manager"] = ComponentStatus{Status: "unavailable"}
	} else {
		statuses["throttle_manager"] = ComponentStatus{Status: "healthy"}
	}

	if f.cfg == nil {
		statuses["security_manager"] = ComponentStatus{Status: "unavailable"}
	} else {
		statuses["security_manager"] = ComponentStatus{Status: "healthy"}
	}

	return statuses
}

// OverallStatus rolls up a component-status map into a single verdict:
// healthy if every component is healthy, error if any component errored,
// degraded if any is unavailable, healthy otherwise.
func (f *Facade) OverallStatus(components map[string]ComponentStatus) string {
	sawUnavailable := false
	for _, c := range components {
		switch c.Status {
		case "error":
			return "error"
		case "unavailable":
			sawUnavailable = true
		}
	}
	if sawUnavailable {
		return "degraded"
	}
	return "healthy"
}

// CacheStats returns aggregate cache statistics for GET /admin/cache.
func (f *Facade) CacheStats(ctx context.Context) CacheStats {
	out := CacheStats{CacheBackend: f.cacheBackend()}
	if f.store != nil {
		if rows, err := f.store.Query(ctx, "SELECT COUNT(*) AS n FROM cache_entries"); err == nil && len(rows) == 1 {
			out.TotalEntries = rowInt64(rows[0], "n")
		}
	}
	if f.cache != nil {
		out.Statistics = statisticsFrom(f.cache.Stats())
	}
	return out
}

// DomainCacheStats returns cache statistics for one configured domain, and
// false if the domain is not configured. TotalEntries counts the domain's
// indexed entries; Statistics holds the engine-wide counters and is not
// broken down by domain.
func (f *Facade) DomainCacheStats(domain string) (CacheStats, bool) {
	if f.cfg == nil {
		return CacheStats{}, false
	}
	if _, ok := f.cfg.DomainMappings[domain]; !ok {
		return CacheStats{}, false
	}
	out := CacheStats{CacheBackend: f.cacheBackend(), Domain: domain}
	if f.cache != nil {
		out.TotalEntries = int64(f.cache.DomainKeyCount(domain))
		out.Statistics = statisticsFrom(f.cache.Stats())
	}
	return out, true
}

func (f *Facade) cacheBackend() string {
	if f.cfg == nil {
		return "sqlite"
	}
	path := f.cfg.Cache.DatabasePath
	if path == "" || path == ":memory:" || strings.Contains(path, "memory") {
		return "memory"
	}
	return "sqlite"
}

func statisticsFrom(s cache.Stats) CacheStatistics {
	total := s.Hits + s.Misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(s.Hits) / float64(total)
	}
	return CacheStatistics{
		TotalHits:    s.Hits,
		TotalMisses:  s.Misses,
		HitRate:      hitRate,
		Sets:         s.Sets,
		Evictions:    s.Evictions,
		Expired:      s.Expired,
		Compressed:   s.Compressed,
		Decompressed: s.Decompressed,
	}
}

// DomainStats returns per-domain upstream/TTL/status/request-and-error
// counts for GET /admin/domains.
func (f *Facade) DomainStats(ctx context.Context) map[string]DomainStats {
	out := make(map[string]DomainStats, len(f.cfg.DomainMappings))
	for name, mapping := range f.cfg.DomainMappings {
		ttl := f.cfg.Cache.DefaultTTLSeconds
		if mapping.TTLSeconds != nil {
			ttl = *mapping.TTLSeconds
		}
		rateLimit := f.cfg.Throttling.DefaultRequestsPerHour
		if f.throttle != nil {
			rateLimit = f.throttle.LimitFor(name)
		}
		out[name] = DomainStats{
			Upstream:         mapping.Upstream,
			TTLSeconds:       ttl,
			Status:           "healthy",
			RateLimitPerHour: rateLimit,
		}
	}

	if f.store == nil {
		return out
	}
	rows, err := f.store.Query(ctx,
		`SELECT domain,
		        COUNT(*) AS total,
		        SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END) AS errors,
		        AVG(response_time_ms) AS avg_ms
		   FROM metrics
		  GROUP BY domain`)
	if err != nil {
		return out
	}
	for _, row := range rows {
		domain, _ := row["domain"].(string)
		stats, ok := out[domain]
		if !ok {
			continue
		}
		stats.TotalRequests = rowInt64(row, "total")
		stats.ErrorCount = rowInt64(row, "errors")
		if avg, ok := row["avg_ms"].(float64); ok {
			stats.AvgResponseMs = avg
		}
		if stats.TotalRequests > 0 && float64(stats.ErrorCount)/float64(stats.TotalRequests) > 0.5 {
			stats.Status = "degraded"
		}
		out[domain] = stats
	}
	return out
}

// SortedDomainNames is a small convenience for handlers that need a stable
// iteration order over DomainStats.
func SortedDomainNames(stats map[string]DomainStats) []string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func rowInt64(row storage.Row, col string) int64 {
	switch v := row[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
