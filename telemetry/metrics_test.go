package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader so
// tests can collect recorded values synchronously.
func setupTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	m := &Metrics{meterProvider: mp}

	var err error
	m.cacheHitsTotal, err = meter.Int64Counter("toolcache_cache_hits_total")
	require.NoError(t, err)
	m.cacheMissesTotal, err = meter.Int64Counter("toolcache_cache_misses_total")
	require.NoError(t, err)
	m.cacheStoresTotal, err = meter.Int64Counter("toolcache_cache_stores_total")
	require.NoError(t, err)
	m.cacheStoredBytes, err = meter.Int64Counter("toolcache_cache_stored_bytes_total")
	require.NoError(t, err)
	m.cacheEvictionsTotal, err = meter.Int64Counter("toolcache_cache_evictions_total")
	require.NoError(t, err)
	m.downloadAttemptsTotal, err = meter.Int64Counter("toolcache_download_attempts_total")
	require.NoError(t, err)
	m.downloadBytesTotal, err = meter.Int64Counter("toolcache_download_bytes_total")
	require.NoError(t, err)
	m.downloadDuration, err = meter.Float64Histogram("toolcache_download_duration_seconds")
	require.NoError(t, err)
	m.installsTotal, err = meter.Int64Counter("toolcache_installs_total")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
	})

	return m, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// sumValue returns the total of an Int64 sum metric across all attribute sets.
func sumValue(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0, false
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, true
		}
	}
	return 0, false
}

func TestRecordCacheLookup(t *testing.T) {
	m, reader := setupTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, "generate", true)
	m.RecordCacheLookup(ctx, "generate", true)
	m.RecordCacheLookup(ctx, "validate", false)

	rm := collectMetrics(t, reader)

	hits, ok := sumValue(rm, "toolcache_cache_hits_total")
	require.True(t, ok)
	require.EqualValues(t, 2, hits)

	misses, ok := sumValue(rm, "toolcache_cache_misses_total")
	require.True(t, ok)
	require.EqualValues(t, 1, misses)
}

func TestRecordCacheStore(t *testing.T) {
	m, reader := setupTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheStore(ctx, "generate", 1024, true)
	m.RecordCacheStore(ctx, "generate", 512, false)

	rm := collectMetrics(t, reader)

	stores, ok := sumValue(rm, "toolcache_cache_stores_total")
	require.True(t, ok)
	require.EqualValues(t, 2, stores)

	bytes, ok := sumValue(rm, "toolcache_cache_stored_bytes_total")
	require.True(t, ok)
	require.EqualValues(t, 1536, bytes)
}

func TestRecordEvictionsSkipsZero(t *testing.T) {
	m, reader := setupTestMetrics(t)
	ctx := context.Background()

	m.RecordEvictions(ctx, 0)
	m.RecordEvictions(ctx, 3)

	rm := collectMetrics(t, reader)

	evictions, ok := sumValue(rm, "toolcache_cache_evictions_total")
	require.True(t, ok)
	require.EqualValues(t, 3, evictions)
}

func TestRecordDownload(t *testing.T) {
	m, reader := setupTestMetrics(t)
	ctx := context.Background()

	m.RecordDownloadAttempt(ctx, "1.2.3", false)
	m.RecordDownloadAttempt(ctx, "1.2.3", true)
	m.RecordDownload(ctx, "1.2.3", 2048, 1500*time.Millisecond)

	rm := collectMetrics(t, reader)

	attempts, ok := sumValue(rm, "toolcache_download_attempts_total")
	require.True(t, ok)
	require.EqualValues(t, 2, attempts)

	bytes, ok := sumValue(rm, "toolcache_download_bytes_total")
	require.True(t, ok)
	require.EqualValues(t, 2048, bytes)

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "toolcache_download_duration_seconds" {
				continue
			}
			hist, ok := metric.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			require.Len(t, hist.DataPoints, 1)
			require.InDelta(t, 1.5, hist.DataPoints[0].Sum, 1e-9)
			require.True(t, hist.DataPoints[0].Attributes.HasValue(attribute.Key("version")))
			found = true
		}
	}
	require.True(t, found)
}

func TestRecordInstall(t *testing.T) {
	m, reader := setupTestMetrics(t)

	m.RecordInstall(context.Background(), "1.2.3", "x86_64-unknown-linux-gnu")

	rm := collectMetrics(t, reader)
	installs, ok := sumValue(rm, "toolcache_installs_total")
	require.True(t, ok)
	require.EqualValues(t, 1, installs)
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordCacheLookup(ctx, "generate", true)
	m.RecordCacheStore(ctx, "generate", 1, false)
	m.RecordEvictions(ctx, 1)
	m.RecordDownloadAttempt(ctx, "1.2.3", true)
	m.RecordDownload(ctx, "1.2.3", 1, time.Second)
	m.RecordInstall(ctx, "1.2.3", "x86_64-unknown-linux-gnu")

	require.NoError(t, m.Shutdown(ctx))
	require.Nil(t, m.PrometheusHandler())
}
