package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/fetch-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	operationsTotal   metric.Int64Counter
	operationDuration metric.Float64Histogram
	lookupsTotal      metric.Int64Counter
	writeSize         metric.Float64Histogram

	evictionsTotal     metric.Int64Counter
	evictionBytesTotal metric.Int64Counter
	sweepsTotal        metric.Int64Counter
	sweepDuration      metric.Float64Histogram
	cacheItems         metric.Int64Gauge
	cacheSizeBytes     metric.Int64Gauge
	cacheMaxSizeBytes  metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "fetch-cache"
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
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"fetch_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"fetch_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"fetch_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.operationsTotal, err = meter.Int64Counter(
		"fetch_cache_operations_total",
		metric.WithDescription("Total number of store operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.operationDuration, err = meter.Float64Histogram(
		"fetch_cache_operation_duration_seconds",
		metric.WithDescription("Duration of store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.lookupsTotal, err = meter.Int64Counter(
		"fetch_cache_lookups_total",
		metric.WithDescription("Total cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.writeSize, err = meter.Float64Histogram(
		"fetch_cache_write_size_bytes",
		metric.WithDescription("Size of resource bodies written to the cache"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216),
	); err != nil {
		return nil, err
	}

	if m.evictionsTotal, err = meter.Int64Counter(
		"fetch_cache_evictions_total",
		metric.WithDescription("Total resources removed by sweeps"),
		metric.WithUnit("{resource}"),
	); err != nil {
		return nil, err
	}

	if m.evictionBytesTotal, err = meter.Int64Counter(
		"fetch_cache_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by sweeps"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.sweepsTotal, err = meter.Int64Counter(
		"fetch_cache_sweeps_total",
		metric.WithDescription("Total expiry sweeps"),
		metric.WithUnit("{sweep}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"fetch_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of expiry sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.cacheItems, err = meter.Int64Gauge(
		"fetch_cache_items",
		metric.WithDescription("Current number of cached resources"),
		metric.WithUnit("{resource}"),
	); err != nil {
		return nil, err
	}

	if m.cacheSizeBytes, err = meter.Int64Gauge(
		"fetch_cache_size_bytes",
		metric.WithDescription("Current total size of cached resources"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheMaxSizeBytes, err = meter.Int64Gauge(
		"fetch_cache_max_size_bytes",
		metric.WithDescription("Configured maximum cache size"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	route := "unknown"
	cacheResult := string(CacheBypass)
	if tags := GetTags(r); tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordOperation records one store operation.
// outcome is "ok", "not_found", "invalid" or "error".
func RecordOperation(ctx context.Context, backend, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.operationsTotal.Add(ctx, 1, attrs)
	globalMetrics.operationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLookup records whether a read or find found anything.
func RecordLookup(ctx context.Context, backend, op string, result CacheResult) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("result", string(result)),
	))
}

// RecordWrite records the body size of one written tier.
func RecordWrite(ctx context.Context, backend, resourceType string, size int64) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.writeSize.Record(ctx, float64(size), metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("resource_type", resourceType),
	))
}

// RecordSweep records one expiry sweep. Called unconditionally per sweep.
func RecordSweep(ctx context.Context, backend string, ttlExpired, lruEvicted int, bytesFreed int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	backendAttr := attribute.String("backend", backend)
	globalMetrics.sweepsTotal.Add(ctx, 1, metric.WithAttributes(backendAttr))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(backendAttr))
	globalMetrics.evictionsTotal.Add(ctx, int64(ttlExpired), metric.WithAttributes(backendAttr, attribute.String("reason", "ttl")))
	globalMetrics.evictionsTotal.Add(ctx, int64(lruEvicted), metric.WithAttributes(backendAttr, attribute.String("reason", "capacity")))
	if bytesFreed > 0 {
		globalMetrics.evictionBytesTotal.Add(ctx, bytesFreed, metric.WithAttributes(backendAttr))
	}
}

// RecordEvictions records removals made by the sweep that follows a write.
// Unlike RecordSweep it does not count a sweep.
func RecordEvictions(ctx context.Context, backend string, ttlExpired, lruEvicted int, bytesFreed int64) {
	if globalMetrics == nil {
		return
	}

	backendAttr := attribute.String("backend", backend)
	if ttlExpired > 0 {
		globalMetrics.evictionsTotal.Add(ctx, int64(ttlExpired), metric.WithAttributes(backendAttr, attribute.String("reason", "ttl")))
	}
	if lruEvicted > 0 {
		globalMetrics.evictionsTotal.Add(ctx, int64(lruEvicted), metric.WithAttributes(backendAttr, attribute.String("reason", "capacity")))
	}
	if bytesFreed > 0 {
		globalMetrics.evictionBytesTotal.Add(ctx, bytesFreed, metric.WithAttributes(backendAttr))
	}
}

// UpdateCacheState updates the cache occupancy gauges.
func UpdateCacheState(ctx context.Context, backend string, items int, sizeBytes, maxSizeBytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("backend", backend))
	globalMetrics.cacheItems.Record(ctx, int64(items), attrs)
	globalMetrics.cacheSizeBytes.Record(ctx, sizeBytes, attrs)
	globalMetrics.cacheMaxSizeBytes.Record(ctx, maxSizeBytes, attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
