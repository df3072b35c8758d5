// Package pipeline implements the per-request state machine:
// RECV -> SECURITY -> ROUTE -> {CACHE_LOOKUP | TRANSPARENT} -> THROTTLE ->
// FORWARD -> STORE -> RESPOND. One Pipeline instance is shared across
// requests; Handle shares no mutable state across concurrent calls beyond
// the injected components' own internal locking.
package pipeline

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tinkermonkey/apibuddy/pkg/cache"
	"github.com/tinkermonkey/apibuddy/pkg/config"
	"github.com/tinkermonkey/apibuddy/pkg/logging"
	"github.com/tinkermonkey/apibuddy/pkg/ratelimit"
	"github.com/tinkermonkey/apibuddy/pkg/security"
	"github.com/tinkermonkey/apibuddy/pkg/storage"
	"github.com/tinkermonkey/apibuddy/pkg/telemetry"
)

// Result is the outcome of Handle: what RESPOND should write to the client.
type Result struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Pipeline wires SecurityGate, CacheEngine, ThrottleManager, and Store into
// the request state machine. It holds no per-request state.
type Pipeline struct {
	cfg      *config.Config
	cache    cache.Engine
	throttle ratelimit.Throttle
	security security.Validator
	store    storage.Store
	client   *http.Client
	logger   *logging.Logger
	metrics  *telemetry.Metrics
}

var _ Handler = (*Pipeline)(nil)

// New constructs a Pipeline. Any of cacheEngine, throttle, gate may be nil,
// in which case the corresponding stage is skipped.
func New(cfg *config.Config, cacheEngine cache.Engine, throttle ratelimit.Throttle, gate security.Validator, store storage.Store, logger *logging.Logger, metrics *telemetry.Metrics) *Pipeline {
	timeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Pipeline{
		cfg:      cfg,
		cache:    cacheEngine,
		throttle: throttle,
		security: gate,
		store:    store,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		metrics:  metrics,
	}
}

// Handle runs one request through the full state machine. It never panics
// out to the caller: any unexpected failure is converted to a 500.
func (p *Pipeline) Handle(ctx context.Context, r *http.Request) (result Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			if p.logger != nil {
				p.logger.Error("pipeline panic", "error", rec)
			}
			result = textResult(http.StatusInternalServerError, fmt.Sprintf("Internal Server Error\n%v\n", rec))
		}
		if p.metrics != nil {
			p.metrics.PipelineRequestsTotal.Add(ctx, 1)
			p.metrics.PipelineDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
		}
	}()

	// RECV
	path := r.URL.Path
	var body []byte
	if r.Method == http.MethodPost {
		body, _ = readBounded(r)
	}

	// SECURITY
	if p.security != nil && p.security.Enabled() {
		secret, sanitized := p.security.Extract(path, r.Header, r.URL.Query())
		if !p.security.Validate(secret) {
			if p.cfg.Security.LogSecurityEvents && p.logger != nil {
				p.logger.Info("rejected unauthorized request", "path", path)
			}
			return textResult(http.StatusUnauthorized, "Unauthorized: Invalid or missing secure key\n")
		}
		path = sanitized
	}

	// ROUTE
	domain, matched := p.routeDomain(path, r.URL.Host)
	if !matched {
		out, _ := p.forward(ctx, r.Method, path, r.URL.RawQuery, body, r.Header)
		return out
	}
	if r.URL.Host == domain && path != "/"+domain && !strings.HasPrefix(path, "/"+domain+"/") {
		path = "/" + domain + path
	}

	return p.handleMatched(ctx, domain, r.Method, path, r.URL.RawQuery, body, r.Header)
}

// routeDomain identifies the logical domain for path, matching either an
// absolute-URI host or a /{name}/... path prefix against domain_mappings.
func (p *Pipeline) routeDomain(path, absoluteHost string) (string, bool) {
	if absoluteHost != "" {
		if _, ok := p.cfg.DomainMappings[absoluteHost]; ok {
			return absoluteHost, true
		}
	}

	trimmed := strings.TrimPrefix(path, "/")
	first, _, _ := strings.Cut(trimmed, "/")
	if first == "" {
		return "", false
	}
	if _, ok := p.cfg.DomainMappings[first]; ok {
		return first, true
	}
	return "", false
}

// handleMatched runs CACHE_LOOKUP -> THROTTLE -> FORWARD -> STORE for a
// request whose domain was identified by ROUTE.
func (p *Pipeline) handleMatched(ctx context.Context, domain, method, path, rawQuery string, body []byte, headers http.Header) Result {
	cacheable := method == http.MethodGet || method == http.MethodPost
	contentType := headers.Get("Content-Type")

	var cacheKey string
	if cacheable && p.cache != nil {
		cacheKey = p.cache.DeriveKey(method, keyURL(path, rawQuery), body, contentType)
		if hit, ok, err := p.cache.Lookup(ctx, cacheKey); err == nil && ok {
			p.recordMetric(ctx, domain, method, true, 0, len(hit.Body), hit.Status)
			return Result{Status: hit.Status, Headers: hit.Headers, Body: hit.Body}
		}
	}

	if p.throttle != nil {
		p.throttle.RecordRequest(domain)
		if p.throttle.ShouldThrottle(domain) {
			p.recordMetric(ctx, domain, method, false, 0, 0, http.StatusTooManyRequests)
			return p.throttledResult(domain)
		}
	}

	result, upstreamOK := p.forward(ctx, method, path, rawQuery, body, headers)

	if cacheable && upstreamOK && p.cache != nil {
		if _, err := p.cache.Store(ctx, cacheKey, domain, &cache.CachedResponse{
			Body:    result.Body,
			Headers: result.Headers,
			Status:  result.Status,
		}); err != nil && p.logger != nil {
			p.logger.Warn("cache store failed", "domain", domain, "error", err)
		}
	}

	return result
}

// keyURL reassembles path and query for CacheEngine.DeriveKey, which expects
// a parseable URL string.
func keyURL(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

func (p *Pipeline) throttledResult(domain string) Result {
	delay := p.throttle.DelayFor(domain)
	limit, remaining, reset := p.throttle.WindowStatus(domain)

	h := http.Header{}
	h.Set("Retry-After", strconv.Itoa(delay))
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(reset))
	h.Set("Content-Type", "text/plain")

	return Result{Status: http.StatusTooManyRequests, Headers: h, Body: []byte("Too Many Requests\n")}
}

type routeError struct {
	status int
	body   string
}

// resolveUpstream derives the real upstream URL from a working path by
// taking its first segment as the domain key, independent of whatever
// domain ROUTE already identified. The domain is re-derived and
// re-validated here rather than trusted from an earlier stage.
func (p *Pipeline) resolveUpstream(path, rawQuery string) (realURL, domainKey string, rerr *routeError) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", "", &routeError{http.StatusBadRequest, "Invalid request path"}
	}

	domainKey = parts[0]
	mapping, ok := p.cfg.DomainMappings[domainKey]
	if !ok {
		return "", domainKey, &routeError{http.StatusNotFound, fmt.Sprintf("Domain not mapped: %s", domainKey)}
	}
	if mapping.Upstream == "" {
		return "", domainKey, &routeError{http.StatusBadGateway, fmt.Sprintf("No upstream configured for domain: %s", domainKey)}
	}

	rest := "/"
	if len(parts) > 1 {
		rest = "/" + strings.Join(parts[1:], "/")
	}

	realURL = strings.TrimRight(mapping.Upstream, "/") + rest
	if rawQuery != "" {
		realURL += "?" + rawQuery
	}
	return realURL, domainKey, nil
}

// forward issues the outbound HTTP call and rewrites the response. The bool
// return reports whether a successful upstream response (status below 400)
// was received (gating STORE); routing/network/HTTP errors are always converted to a Result,
// never a Go error.
func (p *Pipeline) forward(ctx context.Context, method, path, rawQuery string, body []byte, headers http.Header) (Result, bool) {
	start := time.Now()

	realURL, domainKey, rerr := p.resolveUpstream(path, rawQuery)
	if rerr != nil {
		if p.logger != nil {
			p.logger.Warn("routing error", "path", path, "status", rerr.status)
		}
		return textResult(rerr.status, rerr.body+"\n"), false
	}

	var reqBody io.Reader
	if method == http.MethodPost && len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, realURL, reqBody)
	if err != nil {
		p.recordMetric(ctx, domainKey, method, false, time.Since(start).Milliseconds(), 0, http.StatusBadGateway)
		return textResult(http.StatusBadGateway, fmt.Sprintf("Upstream server error: %s\n", err)), false
	}
	copyForwardHeaders(req.Header, headers)
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := p.client.Do(req)
	elapsedMs := time.Since(start).Milliseconds()
	if err != nil {
		if p.logger != nil {
			p.logger.Error("upstream network error", "url", realURL, "error", err)
		}
		p.recordMetric(ctx, domainKey, method, false, elapsedMs, 0, http.StatusBadGateway)
		return textResult(http.StatusBadGateway, fmt.Sprintf("Upstream network error: %s\n", err)), false
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordMetric(ctx, domainKey, method, false, elapsedMs, 0, http.StatusBadGateway)
		return textResult(http.StatusBadGateway, fmt.Sprintf("Upstream server error: %s\n", err)), false
	}

	if resp.StatusCode >= 400 {
		if p.logger != nil {
			p.logger.Error("upstream HTTP error", "url", realURL, "status", resp.StatusCode)
		}
		p.recordMetric(ctx, domainKey, method, false, elapsedMs, 0, http.StatusBadGateway)
		return textResult(http.StatusBadGateway,
			fmt.Sprintf("Upstream HTTP error: %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))), false
	}

	outBody, outHeaders := rewriteUpstreamResponse(resp.Header, respBody)
	p.recordMetric(ctx, domainKey, method, false, elapsedMs, len(outBody), resp.StatusCode)

	return Result{Status: resp.StatusCode, Headers: outHeaders, Body: outBody}, true
}

// rewriteUpstreamResponse decompresses a gzip/deflate body (detected by
// magic bytes or Content-Encoding) and fixes up the compression/chunking
// headers accordingly. Decompression failure leaves the body untouched.
func rewriteUpstreamResponse(headers http.Header, body []byte) ([]byte, http.Header) {
	out := headers.Clone()

	decoded, ok := decompressBody(headers.Get("Content-Encoding"), body)
	if ok {
		out.Del("Content-Encoding")
		out.Del("Transfer-Encoding")
		out.Set("Content-Length", strconv.Itoa(len(decoded)))
		return decoded, out
	}

	if strings.EqualFold(out.Get("Transfer-Encoding"), "chunked") {
		out.Del("Transfer-Encoding")
		if out.Get("Content-Length") == "" {
			out.Set("Content-Length", strconv.Itoa(len(body)))
		}
	}
	return body, out
}

func decompressBody(contentEncoding string, body []byte) ([]byte, bool) {
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		if out, err := gunzip(body); err == nil {
			return out, true
		}
		return body, false
	}

	switch strings.ToLower(contentEncoding) {
	case "gzip":
		if out, err := gunzip(body); err == nil {
			return out, true
		}
	case "deflate":
		if out, err := inflate(body); err == nil {
			return out, true
		}
	}
	return body, false
}

func gunzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func inflate(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// copyForwardHeaders copies src into dst, skipping headers FORWARD must not
// pass through verbatim.
func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch strings.ToLower(k) {
		case "host", "connection", "content-length":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// readBounded reads the request body fully, bounded by Content-Length.
func readBounded(r *http.Request) ([]byte, error) {
	if r.ContentLength <= 0 {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(r.Body, r.ContentLength))
}

func textResult(status int, body string) Result {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return Result{Status: status, Headers: h, Body: []byte(body)}
}

// recordMetric inserts one metrics row. Failures are logged and swallowed,
// a metrics write is never allowed to fail the request it's recording.
func (p *Pipeline) recordMetric(ctx context.Context, domain, method string, cacheHit bool, responseTimeMs int64, sizeBytes, statusCode int) {
	if p.store == nil {
		return
	}
	_, err := p.store.Update(ctx,
		`INSERT INTO metrics (domain, method, cache_hit, response_time_ms, response_size_bytes, status_code, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		domain, method, cacheHit, responseTimeMs, sizeBytes, statusCode)
	if err != nil && p.logger != nil {
		p.logger.Debug("failed to record metric row", "domain", domain, "error", err)
	}
}
