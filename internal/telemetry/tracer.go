package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/birbparty/fmdapi"

var (
	tracerOnce sync.Once
	tracerMu   sync.RWMutex
	tracer     trace.Tracer

	// one id per process so spans and metrics from concurrent fmsync
	// replicas stay apart
	instanceID = uuid.NewString()
)

// newResource describes this process to OTLP backends
func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(instanceID),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitTracing installs the global tracer provider. With tracing disabled
// every span is a no-op.
func InitTracing(cfg *Config) error {
	var err error
	tracerOnce.Do(func() {
		if !cfg.EnableTracing {
			otel.SetTracerProvider(noop.NewTracerProvider())
			setTracer(otel.Tracer(instrumentationName))
			return
		}

		var exporter sdktrace.SpanExporter
		if exporter, err = newSpanExporter(cfg); err != nil {
			return
		}

		ctx := context.Background()
		res, resErr := newResource(ctx, cfg)
		if resErr != nil {
			err = resErr
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		setTracer(tp.Tracer(instrumentationName))
	})
	return err
}

func newSpanExporter(cfg *Config) (sdktrace.SpanExporter, error) {
	if cfg.ExportToFile {
		exporter, err := NewSpanFileExporter(cfg.TracesFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open span file: %w", err)
		}
		return exporter, nil
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return exporter, nil
}

// FileSpan is the JSON shape of one exported span
type FileSpan struct {
	TraceID    string                 `json:"trace_id"`
	SpanID     string                 `json:"span_id"`
	ParentID   string                 `json:"parent_id,omitempty"`
	Name       string                 `json:"name"`
	Kind       string                 `json:"kind"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    time.Time              `json:"end_time"`
	Attributes map[string]interface{} `json:"attributes"`
	Status     string                 `json:"status"`
	Events     []SpanEvent            `json:"events,omitempty"`
}

// SpanEvent is a timestamped annotation on a FileSpan, such as a token
// refresh
type SpanEvent struct {
	Name       string                 `json:"name"`
	Timestamp  time.Time              `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// SpanFileExporter writes finished spans to a file as JSON lines. It lets
// a developer read fmcli traces without running a collector.
type SpanFileExporter struct {
	out *jsonLines
}

var _ sdktrace.SpanExporter = (*SpanFileExporter)(nil)

// NewSpanFileExporter opens path for appending
func NewSpanFileExporter(path string) (*SpanFileExporter, error) {
	out, err := openJSONLines(path)
	if err != nil {
		return nil, err
	}
	return &SpanFileExporter{out: out}, nil
}

func (e *SpanFileExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	docs := make([]interface{}, 0, len(spans))
	for _, span := range spans {
		docs = append(docs, toFileSpan(span))
	}
	return e.out.write(docs...)
}

func (e *SpanFileExporter) Shutdown(ctx context.Context) error {
	return e.out.close()
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func toFileSpan(span sdktrace.ReadOnlySpan) FileSpan {
	sc := span.SpanContext()
	fs := FileSpan{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       span.Name(),
		Kind:       span.SpanKind().String(),
		StartTime:  span.StartTime(),
		EndTime:    span.EndTime(),
		Status:     span.Status().Code.String(),
		Attributes: attributeMap(span.Attributes()),
	}
	if fs.Attributes == nil {
		fs.Attributes = map[string]interface{}{}
	}
	if parent := span.Parent(); parent.IsValid() {
		fs.ParentID = parent.SpanID().String()
	}
	for _, ev := range span.Events() {
		fs.Events = append(fs.Events, SpanEvent{
			Name:       ev.Name,
			Timestamp:  ev.Time,
			Attributes: attributeMap(ev.Attributes),
		})
	}
	return fs
}

func setTracer(t trace.Tracer) {
	tracerMu.Lock()
	tracer = t
	tracerMu.Unlock()
}

// Tracer returns the package tracer, falling back to the global provider
func Tracer() trace.Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return tracer
}

// StartSpan starts a span on the package tracer
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan sets the span status from err and ends it. A non-nil err is also
// recorded as a span event.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CloseTracing flushes and stops the SDK tracer provider, if one is
// installed
func CloseTracing(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
