package telemetry

import (
	"context"
	"time"

	"github.com/birbparty/fmdapi/dataapi"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Observer feeds dataapi request hooks into Prometheus, OpenTelemetry and
// logrus. It is safe for concurrent use.
type Observer struct {
	log    logrus.FieldLogger
	tracer trace.Tracer
}

var _ dataapi.Observer = (*Observer)(nil)

// ObserverOption configures an Observer
type ObserverOption func(*Observer)

// WithObserverLogger sets the logger used for request entries
func WithObserverLogger(log logrus.FieldLogger) ObserverOption {
	return func(o *Observer) { o.log = log }
}

// WithTracer overrides the package tracer
func WithTracer(t trace.Tracer) ObserverOption {
	return func(o *Observer) { o.tracer = t }
}

// NewObserver creates an Observer
func NewObserver(opts ...ObserverOption) *Observer {
	o := &Observer{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = L()
	}
	return o
}

func (o *Observer) tracerOrDefault() trace.Tracer {
	if o.tracer != nil {
		return o.tracer
	}
	return Tracer()
}

// OnRequestStart opens a client span for the request
func (o *Observer) OnRequestStart(ctx context.Context, info dataapi.RequestInfo) context.Context {
	clientInflight.Inc()
	ctx, _ = o.tracerOrDefault().Start(ctx, "fmdapi."+info.Operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fmdapi.operation", info.Operation),
			semconv.HTTPMethodKey.String(info.Method),
			semconv.HTTPTargetKey.String(info.Path),
		),
	)
	return ctx
}

// OnRequestEnd closes the span opened by OnRequestStart and records metrics
func (o *Observer) OnRequestEnd(ctx context.Context, info dataapi.RequestInfo, status int, duration time.Duration, err error) {
	clientInflight.Dec()

	errorType := "none"
	if err != nil {
		errorType = dataapi.TypeOf(err).String()
	}
	RecordClientRequest(ctx, info.Operation, info.Method, status, errorType, duration)

	span := trace.SpanFromContext(ctx)
	if status > 0 {
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
	}
	if code, ok := dataapi.CodeOf(err); ok {
		span.SetAttributes(attribute.Int("fmdapi.code", code))
	}
	EndSpan(span, err)

	entry := contextEntry(o.log, ctx).WithFields(logrus.Fields{
		"operation":   info.Operation,
		"method":      info.Method,
		"path":        info.Path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).WithField("error_type", errorType).Warn("Data API request failed")
		return
	}
	entry.Debug("Data API request completed")
}

// OnTokenRefresh records a silent re-authentication
func (o *Observer) OnTokenRefresh(ctx context.Context, err error) {
	RecordTokenRefresh(err)

	span := trace.SpanFromContext(ctx)
	span.AddEvent("token.refresh", trace.WithAttributes(attribute.Bool("success", err == nil)))

	entry := contextEntry(o.log, ctx)
	if err != nil {
		entry.WithError(err).Warn("Token refresh failed")
		return
	}
	entry.Info("Token refreshed")
}
