// Package telemetry wires up Prometheus + OpenTelemetry exporters used
// across the proxy.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tinkermonkey/apibuddy/pkg/config"
	"github.com/tinkermonkey/apibuddy/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds every counter/histogram/gauge the pipeline, cache, throttle
// manager, and storage layer report against.
type Metrics struct {
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	CacheSets        metric.Int64Counter
	CacheEvictions   metric.Int64Counter
	CacheExpired     metric.Int64Counter
	CacheCompressed  metric.Int64Counter
	CacheSize        metric.Int64UpDownCounter

	ThrottleViolations metric.Int64Counter
	ThrottleDelay      metric.Float64Histogram

	PipelineRequestsTotal metric.Int64Counter
	PipelineDuration      metric.Float64Histogram

	StoreRetries metric.Int64Counter

	AdminRateLimitDropped metric.Int64Counter
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	t.tracerProvider = tracenoop.NewTracerProvider()

	logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if t.cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		t.prometheusExporter = exporter

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)

		t.meterProvider = provider
		otel.SetMeterProvider(provider)

		if err := t.startPrometheusServer(); err != nil {
			return fmt.Errorf("failed to start prometheus server: %w", err)
		}

		t.logger.Info("prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	} else {
		t.meterProvider = noop.NewMeterProvider()
	}

	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all application metrics.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("apibuddy")

	cacheHits, err := meter.Int64Counter("cache.hits", metric.WithDescription("Number of cache hits"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}
	cacheMisses, err := meter.Int64Counter("cache.misses", metric.WithDescription("Number of cache misses"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}
	cacheSets, err := meter.Int64Counter("cache.sets", metric.WithDescription("Number of successful cache stores"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache sets counter: %w", err)
	}
	cacheEvictions, err := meter.Int64Counter("cache.evictions", metric.WithDescription("Number of LRU evictions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache evictions counter: %w", err)
	}
	cacheExpired, err := meter.Int64Counter("cache.expired", metric.WithDescription("Number of expired entries reclaimed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache expired counter: %w", err)
	}
	cacheCompressed, err := meter.Int64Counter("cache.compressed", metric.WithDescription("Number of bodies compressed before storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache compressed counter: %w", err)
	}
	cacheSize, err := meter.Int64UpDownCounter("cache.size", metric.WithDescription("Number of live cache entries"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache size gauge: %w", err)
	}

	throttleViolations, err := meter.Int64Counter("throttle.violations", metric.WithDescription("Number of throttle violations"))
	if err != nil {
		return nil, fmt.Errorf("failed to create throttle violations counter: %w", err)
	}
	throttleDelay, err := meter.Float64Histogram("throttle.delay_seconds",
		metric.WithDescription("Back-off delay applied per throttle decision"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create throttle delay histogram: %w", err)
	}

	pipelineTotal, err := meter.Int64Counter("pipeline.requests_total",
		metric.WithDescription("Requests processed by the pipeline (a single total, not broken down by outcome)"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline requests counter: %w", err)
	}
	pipelineDuration, err := meter.Float64Histogram("pipeline.duration_ms",
		metric.WithDescription("End-to-end pipeline processing duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline duration histogram: %w", err)
	}

	storeRetries, err := meter.Int64Counter("store.retries", metric.WithDescription("Number of retried store operations due to contention"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store retries counter: %w", err)
	}

	adminDropped, err := meter.Int64Counter("admin.rate_limit_dropped", metric.WithDescription("Admin requests rejected for exceeding the per-IP ceiling"))
	if err != nil {
		return nil, fmt.Errorf("failed to create admin rate limit dropped counter: %w", err)
	}

	return &Metrics{
		CacheHits:             cacheHits,
		CacheMisses:           cacheMisses,
		CacheSets:             cacheSets,
		CacheEvictions:        cacheEvictions,
		CacheExpired:          cacheExpired,
		CacheCompressed:       cacheCompressed,
		CacheSize:             cacheSize,
		ThrottleViolations:    throttleViolations,
		ThrottleDelay:         throttleDelay,
		PipelineRequestsTotal: pipelineTotal,
		PipelineDuration:      pipelineDuration,
		StoreRetries:          storeRetries,
		AdminRateLimitDropped: adminDropped,
	}, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("telemetry shut down")
	return nil
}
