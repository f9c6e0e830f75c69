package telemetry

import (
	"context"
	"fmt"
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
	meterName    = "github.com/inpertio/config-server"
	metricPrefix = "config_server_"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	// Refresh metrics
	refreshCyclesTotal   metric.Int64Counter
	refreshCycleDuration metric.Float64Histogram
	branchRefreshesTotal metric.Int64Counter
	branchSyncsTotal     metric.Int64Counter
	branchSyncDuration   metric.Float64Histogram
	branchLookupsTotal   metric.Int64Counter

	// Reaper metrics
	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics installs the global meter provider and creates the instruments.
// Only the first call has an effect; later calls return its result. The
// returned function flushes and shuts the provider down.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

// Histogram boundaries, in seconds.
var (
	requestBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	remoteBuckets  = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120}
	reaperBuckets  = []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30}
)

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "config-server"
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

	readers, promHandler, err := newReaders(ctx, cfg)
	if err != nil {
		return err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler

	globalMetrics = m
	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := builder{meter: meter}
	m := &Metrics{
		requestsTotal:           b.counter("http_requests_total", "HTTP requests served", "{request}"),
		responseBytesTotal:      b.counter("http_response_bytes_total", "Bytes sent in HTTP responses", "By"),
		requestDuration:         b.histogram("http_request_duration_seconds", "HTTP request duration", requestBuckets),
		requestsByEndpointTotal: b.counter("http_requests_by_endpoint_total", "HTTP requests by endpoint", "{request}"),

		upstreamFetchDuration:   b.histogram("upstream_fetch_duration_seconds", "Duration of HTTP exchanges with the git remote", remoteBuckets),
		upstreamFetchTotal:      b.counter("upstream_fetch_total", "HTTP exchanges with the git remote", "{request}"),
		upstreamFetchBytesTotal: b.counter("upstream_fetch_bytes_total", "Bytes received from the git remote", "By"),

		refreshCyclesTotal:   b.counter("refresh_cycles_total", "Refresh cycles by outcome and trigger", "{cycle}"),
		refreshCycleDuration: b.histogram("refresh_cycle_duration_seconds", "Duration of refresh cycles", remoteBuckets),
		branchRefreshesTotal: b.counter("branch_refreshes_total", "Branch refresh results (unchanged, created, replaced, restored, failed)", "{branch}"),
		branchSyncsTotal:     b.counter("branch_syncs_total", "Mirror synchronizations by mode (pull, clone, failed)", "{sync}"),
		branchSyncDuration:   b.histogram("branch_sync_duration_seconds", "Duration of mirror synchronizations", remoteBuckets),
		branchLookupsTotal:   b.counter("branch_lookups_total", "Branch cache lookups by result", "{lookup}"),

		reaperDeletedTotal: b.counter("reaper_deleted_total", "Orphan snapshot directories deleted", "{snapshot}"),
		reaperDuration:     b.histogram("reaper_duration_seconds", "Duration of orphan snapshot sweeps", reaperBuckets),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// newReaders creates a periodic OTLP reader when an endpoint is set and a
// Prometheus reader when enabled. With neither, metrics are still collected
// into a no-op exporter so instruments stay usable.
func newReaders(ctx context.Context, cfg MetricsConfig) ([]sdkmetric.Reader, http.Handler, error) {
	var (
		readers     []sdkmetric.Reader
		promHandler http.Handler
	)

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.FlushInterval)))
	}

	if cfg.EnablePrometheus {
		exp, err := promexporter.New()
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, exp)
		promHandler = promhttp.Handler()
	}

	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{}, sdkmetric.WithInterval(cfg.FlushInterval)))
	}
	return readers, promHandler, nil
}

// builder creates instruments named config_server_<name> and keeps the first
// error so construction reads as a flat list.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, description, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(metricPrefix+name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("creating %s: %w", name, err)
	}
	return c
}

func (b *builder) histogram(name, description string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(metricPrefix+name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("creating %s: %w", name, err)
	}
	return h
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
// Protocol and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	protocol := "unknown"
	cacheResult := string(CacheNA)
	endpoint := ""
	if tags != nil {
		if tags.Protocol != "" {
			protocol = tags.Protocol
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {protocol, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("protocol", protocol),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("protocol", protocol),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordUpstreamFetch records one HTTP exchange with the git remote. phase
// names the smart HTTP step, see GitPhase.
func RecordUpstreamFetch(ctx context.Context, protocol, phase string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("protocol", protocol),
		attribute.String("phase", phase),
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

// RecordRefreshCycle records a finished refresh cycle. outcome is
// "completed" or "listing_failed"; the trigger comes from TriggerFromContext.
func RecordRefreshCycle(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("trigger", TriggerFromContext(ctx)),
	)
	globalMetrics.refreshCyclesTotal.Add(ctx, 1, attrs)
	globalMetrics.refreshCycleDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBranchRefresh records the result of refreshing one branch.
func RecordBranchRefresh(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.branchRefreshesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordBranchSync records one mirror synchronization. mode is "pull",
// "clone" or "failed".
func RecordBranchSync(ctx context.Context, mode string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	globalMetrics.branchSyncsTotal.Add(ctx, 1, attrs)
	globalMetrics.branchSyncDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBranchLookup records a branch cache lookup made on behalf of a
// request and tags the request with its result.
func RecordBranchLookup(ctx context.Context, result CacheResult) {
	tagCacheResult(ctx, result)
	if globalMetrics == nil {
		return
	}
	protocol := ProtocolFromContext(ctx)
	if protocol == "" {
		protocol = "unknown"
	}
	attrs := metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.String("cache_result", string(result)),
	)
	globalMetrics.branchLookupsTotal.Add(ctx, 1, attrs)
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds())
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
