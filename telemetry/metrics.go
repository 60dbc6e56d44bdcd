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
	meterName = "github.com/wolfeidau/rawproxy"
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

	rejectionsTotal metric.Int64Counter

	cacheLookupsTotal       metric.Int64Counter
	cacheEvictionsTotal     metric.Int64Counter
	cacheEvictionBytesTotal metric.Int64Counter
	cacheExpiredTotal       metric.Int64Counter
	cacheExpiredBytesTotal  metric.Int64Counter

	limiterDeniedTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

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
		cfg.ServiceName = "rawproxy"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
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

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"rawproxy_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"rawproxy_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"rawproxy_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	rejectionsTotal, err := meter.Int64Counter(
		"rawproxy_rejections_total",
		metric.WithDescription("Total pipeline rejections by internal reason"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"rawproxy_cache_lookups_total",
		metric.WithDescription("Total cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"rawproxy_cache_evictions_total",
		metric.WithDescription("Total entries evicted at capacity"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionBytesTotal, err := meter.Int64Counter(
		"rawproxy_cache_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by capacity eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheExpiredTotal, err := meter.Int64Counter(
		"rawproxy_cache_expired_total",
		metric.WithDescription("Total entries removed by TTL expiry"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheExpiredBytesTotal, err := meter.Int64Counter(
		"rawproxy_cache_expired_bytes_total",
		metric.WithDescription("Total bytes freed by TTL expiry"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	limiterDeniedTotal, err := meter.Int64Counter(
		"rawproxy_limiter_denied_total",
		metric.WithDescription("Total admissions denied by the request limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"rawproxy_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of origin fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"rawproxy_upstream_fetch_total",
		metric.WithDescription("Total number of origin fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"rawproxy_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the origin"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		rejectionsTotal:         rejectionsTotal,
		cacheLookupsTotal:       cacheLookupsTotal,
		cacheEvictionsTotal:     cacheEvictionsTotal,
		cacheEvictionBytesTotal: cacheEvictionBytesTotal,
		cacheExpiredTotal:       cacheExpiredTotal,
		cacheExpiredBytesTotal:  cacheExpiredBytesTotal,
		limiterDeniedTotal:      limiterDeniedTotal,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
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
// The cache result is read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	cacheResult := string(CacheBypass)
	if tags := GetTags(r); tags != nil && tags.CacheResult != "" {
		cacheResult = string(tags.CacheResult)
	}

	// Low cardinality {status_class, cache_result}
	attrs := []attribute.KeyValue{
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRejection records a pipeline rejection by internal reason.
// Reasons are for observability only and are never surfaced on the wire.
func RecordRejection(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.rejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordCacheLookup records a cache lookup with its result.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", string(result)),
	))
}

// RecordCacheEviction records a capacity eviction.
func RecordCacheEviction(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1)
	if bytes > 0 {
		globalMetrics.cacheEvictionBytesTotal.Add(ctx, bytes)
	}
}

// RecordCacheExpiry records TTL expiries, lazy or swept.
func RecordCacheExpiry(ctx context.Context, count int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheExpiredTotal.Add(ctx, int64(count))
	if bytes > 0 {
		globalMetrics.cacheExpiredBytesTotal.Add(ctx, bytes)
	}
}

// RecordLimiterDenied records an admission denied by the request limiter.
func RecordLimiterDenied(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.limiterDeniedTotal.Add(ctx, 1)
}

// RecordUpstreamFetch records an origin fetch request.
func RecordUpstreamFetch(ctx context.Context, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
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

// StatusClass returns the class of an HTTP status code ("2xx", "3xx", ...).
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
