package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	metricsOnce sync.Once

	// Client metrics
	clientRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmdapi_client_requests_total",
		Help: "Total number of Data API requests issued by the client",
	}, []string{"operation", "method", "status", "error_type"})

	clientRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fmdapi_client_request_duration_seconds",
		Help:    "Duration of Data API requests in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	clientInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fmdapi_client_inflight_requests",
		Help: "Number of Data API requests currently in flight",
	})

	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmdapi_client_token_refreshes_total",
		Help: "Total number of silent re-authentications",
	}, []string{"result"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fmdapi_cli_command_duration_seconds",
		Help:    "Duration of CLI commands in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"command", "status"})

	// Fake server metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fakefm_http_requests_total",
		Help: "Total number of HTTP requests served by the fake Data API",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fakefm_http_request_duration_seconds",
		Help:    "Duration of fake Data API requests in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "route"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fakefm_active_sessions",
		Help: "Number of open sessions held by the fake Data API",
	})

	// Sync metrics
	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmdapi_events_published_total",
		Help: "Total number of record events published",
	}, []string{"type", "result"})

	syncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fmsync_events_total",
		Help: "Total number of record events applied to the mirror",
	}, []string{"type", "result"})

	syncBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fmsync_batch_duration_seconds",
		Help:    "Duration of record event batches in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	syncBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fmsync_batch_size",
		Help:    "Number of events per processed batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	serviceUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fmdapi_service_up",
		Help: "Whether the service is up (1) or down (0)",
	})

	// OpenTelemetry mirror of the client counter, set by InitMetrics
	otelRequests metric.Int64Counter

	fileExporter *FileMetricsExporter
)

// InitMetrics wires the OpenTelemetry meter and the optional file export.
// The Prometheus collectors are registered at package load.
func InitMetrics(cfg *Config) error {
	var err error
	metricsOnce.Do(func() {
		if cfg.EnableMetrics && !cfg.ExportToFile {
			err = initOTELMetrics(cfg)
		}

		if cfg.ExportToFile && cfg.MetricsFilePath != "" {
			fileExporter = NewFileMetricsExporter(cfg.MetricsFilePath, prometheus.DefaultGatherer)
			go fileExporter.Run(cfg.MetricsInterval)
		}

		serviceUp.Set(1)
	})
	return err
}

func initOTELMetrics(cfg *Config) error {
	ctx := context.Background()

	res, err := newResource(ctx, cfg)
	if err != nil {
		return err
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(cfg.MetricsInterval),
			),
		),
	)
	otel.SetMeterProvider(provider)

	otelRequests, err = provider.Meter(cfg.ServiceName).Int64Counter(
		"fmdapi.client.requests",
		metric.WithDescription("Data API requests issued by the client"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}
	return nil
}

// CloseMetrics flushes and stops the meter provider and the file exporter.
func CloseMetrics(ctx context.Context) error {
	serviceUp.Set(0)
	if fileExporter != nil {
		fileExporter.Stop()
	}
	if mp, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}
	return nil
}

// RecordClientRequest records one Data API round trip
func RecordClientRequest(ctx context.Context, operation, method string, status int, errorType string, duration time.Duration) {
	statusLabel := "none"
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	clientRequestsTotal.WithLabelValues(operation, method, statusLabel, errorType).Inc()
	clientRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())

	if otelRequests != nil {
		otelRequests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", statusLabel),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordTokenRefresh records a silent re-authentication attempt
func RecordTokenRefresh(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	tokenRefreshTotal.WithLabelValues(result).Inc()
}

// RecordCommand records one CLI command
func RecordCommand(command, status string, duration time.Duration) {
	commandDuration.WithLabelValues(command, status).Observe(duration.Seconds())
}

// RecordHTTPRequest records a request served by the fake server
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordEventPublished records one record event publish
func RecordEventPublished(eventType string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	eventsPublishedTotal.WithLabelValues(eventType, result).Inc()
}

// RecordSyncEvent records the outcome of applying one event: applied,
// skipped, retried or dead_lettered
func RecordSyncEvent(eventType, result string) {
	syncEventsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordSyncBatch records one processed batch
func RecordSyncBatch(kind string, size int, duration time.Duration) {
	syncBatchSize.Observe(float64(size))
	syncBatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// UpdateActiveSessions updates the open session gauge
func UpdateActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// PushMetrics sends every registered collector to a Prometheus Pushgateway.
// Short-lived processes call it before exit.
func PushMetrics(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

// FileMetricsExporter periodically writes a JSON snapshot of a gatherer
type FileMetricsExporter struct {
	mu       sync.Mutex
	filePath string
	gatherer prometheus.Gatherer
	stop     chan struct{}
	stopOnce sync.Once
}

// NewFileMetricsExporter creates an exporter writing to filePath
func NewFileMetricsExporter(filePath string, gatherer prometheus.Gatherer) *FileMetricsExporter {
	return &FileMetricsExporter{
		filePath: filePath,
		gatherer: gatherer,
		stop:     make(chan struct{}),
	}
}

// Run exports on every tick until Stop is called
func (f *FileMetricsExporter) Run(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.Export(); err != nil {
				L().WithError(err).Error("Failed to export metrics to file")
			}
		case <-f.stop:
			return
		}
	}
}

// Stop ends Run
func (f *FileMetricsExporter) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// Export writes the current snapshot
func (f *FileMetricsExporter) Export() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot, err := f.snapshot()
	if err != nil {
		return err
	}

	return replaceFile(f.filePath, snapshot)
}

// snapshot sums every counter and gauge family across its label sets.
// Histograms report their sample count.
func (f *FileMetricsExporter) snapshot() (map[string]interface{}, error) {
	families, err := f.gatherer.Gather()
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{"timestamp": time.Now().Unix()}
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				total += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				total += m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		out[mf.GetName()] = total
	}
	return out, nil
}
