// Package telemetry provides OpenTelemetry metric instruments for the tool
// acquisition manager and the operation result cache. A nil *Metrics is a
// valid no-op so the library does not require telemetry to be configured.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/toolcache"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables collection via a Prometheus exporter;
	// the handler is available from Metrics.PrometheusHandler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheHitsTotal      metric.Int64Counter
	cacheMissesTotal    metric.Int64Counter
	cacheStoresTotal    metric.Int64Counter
	cacheStoredBytes    metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter

	downloadAttemptsTotal metric.Int64Counter
	downloadBytesTotal    metric.Int64Counter
	downloadDuration      metric.Float64Histogram
	installsTotal         metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

// New initialises the metrics system and returns an explicit instance.
// Call Shutdown on application exit to flush pending exports.
func New(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "toolcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	m := &Metrics{}

	var readers []sdkmetric.Reader

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		readers = append(readers, promExp)
		m.promHandler = promhttp.Handler()
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	m.meterProvider = mp

	meter := mp.Meter(meterName)

	if m.cacheHitsTotal, err = meter.Int64Counter(
		"toolcache_cache_hits_total",
		metric.WithDescription("Total operation result cache hits"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.cacheMissesTotal, err = meter.Int64Counter(
		"toolcache_cache_misses_total",
		metric.WithDescription("Total operation result cache misses"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.cacheStoresTotal, err = meter.Int64Counter(
		"toolcache_cache_stores_total",
		metric.WithDescription("Total operation results stored"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cacheStoredBytes, err = meter.Int64Counter(
		"toolcache_cache_stored_bytes_total",
		metric.WithDescription("Total bytes written to the result cache"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheEvictionsTotal, err = meter.Int64Counter(
		"toolcache_cache_evictions_total",
		metric.WithDescription("Total result cache entries evicted"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.downloadAttemptsTotal, err = meter.Int64Counter(
		"toolcache_download_attempts_total",
		metric.WithDescription("Total tool download attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.downloadBytesTotal, err = meter.Int64Counter(
		"toolcache_download_bytes_total",
		metric.WithDescription("Total bytes downloaded"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.downloadDuration, err = meter.Float64Histogram(
		"toolcache_download_duration_seconds",
		metric.WithDescription("Tool download duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	); err != nil {
		return nil, err
	}

	if m.installsTotal, err = meter.Int64Counter(
		"toolcache_installs_total",
		metric.WithDescription("Total completed tool installs"),
		metric.WithUnit("{install}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.meterProvider == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}

// PrometheusHandler returns the /metrics handler, or nil when Prometheus
// export is not enabled.
func (m *Metrics) PrometheusHandler() http.Handler {
	if m == nil {
		return nil
	}
	return m.promHandler
}

// RecordCacheLookup records the outcome of a result cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, operation string, hit bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	if hit {
		m.cacheHitsTotal.Add(ctx, 1, attrs)
		return
	}
	m.cacheMissesTotal.Add(ctx, 1, attrs)
}

// RecordCacheStore records a stored result entry and its size.
func (m *Metrics) RecordCacheStore(ctx context.Context, operation string, bytes int64, compressed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("compressed", compressed),
	)
	m.cacheStoresTotal.Add(ctx, 1, attrs)
	m.cacheStoredBytes.Add(ctx, bytes, attrs)
}

// RecordEvictions records entries removed by an eviction sweep.
func (m *Metrics) RecordEvictions(ctx context.Context, count int64) {
	if m == nil || count == 0 {
		return
	}
	m.cacheEvictionsTotal.Add(ctx, count)
}

// RecordDownloadAttempt records one download attempt and its outcome.
func (m *Metrics) RecordDownloadAttempt(ctx context.Context, version string, success bool) {
	if m == nil {
		return
	}
	m.downloadAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
		attribute.Bool("success", success),
	))
}

// RecordDownload records a completed download.
func (m *Metrics) RecordDownload(ctx context.Context, version string, bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("version", version))
	m.downloadBytesTotal.Add(ctx, bytes, attrs)
	m.downloadDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordInstall records a completed tool install.
func (m *Metrics) RecordInstall(ctx context.Context, version, platform string) {
	if m == nil {
		return
	}
	m.installsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
		attribute.String("platform", platform),
	))
}
