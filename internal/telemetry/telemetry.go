package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Init initializes all telemetry components
func Init(cfg *Config) error {
	if err := InitLogger(cfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := InitMetrics(cfg); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := InitTracing(cfg); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	L().WithFields(logrus.Fields{
		"service":      cfg.ServiceName,
		"version":      cfg.ServiceVersion,
		"environment":  cfg.Environment,
		"exportToFile": cfg.ExportToFile,
	}).Debug("Telemetry initialized")

	return nil
}

// Shutdown flushes exporters and pushes metrics when a Pushgateway is set
func Shutdown(ctx context.Context, cfg *Config) error {
	if cfg != nil && cfg.PushgatewayURL != "" {
		if err := PushMetrics(ctx, cfg.PushgatewayURL, cfg.PushJob); err != nil {
			L().WithError(err).Warn("Failed to push metrics")
		}
	}

	if err := CloseTracing(ctx); err != nil {
		L().WithError(err).Error("Failed to close tracing")
	}

	if err := CloseMetrics(ctx); err != nil {
		L().WithError(err).Error("Failed to close metrics")
	}

	if err := CloseLogger(); err != nil {
		L().WithError(err).Error("Failed to close logger")
	}

	return nil
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// FiberMetricsMiddleware records request metrics and a server span
func FiberMetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		carrier := propagation.HeaderCarrier(c.GetReqHeaders())
		ctx := otel.GetTextMapPropagator().Extract(c.UserContext(), carrier)
		ctx, span := StartSpan(ctx, c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))

		c.SetUserContext(ctx)

		err := c.Next()

		status := c.Response().StatusCode()
		route := c.Route().Path
		RecordHTTPRequest(c.Method(), route, strconv.Itoa(status), time.Since(start))

		span.SetAttributes(
			semconv.HTTPMethodKey.String(c.Method()),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPTargetKey.String(c.OriginalURL()),
			semconv.HTTPStatusCodeKey.Int(status),
		)

		spanErr := err
		if spanErr == nil && status >= 400 {
			spanErr = fmt.Errorf("HTTP %d", status)
		}
		EndSpan(span, spanErr)

		return err
	}
}

// FiberLoggingMiddleware logs one structured entry per request. A nil log
// uses the package logger.
func FiberLoggingMiddleware(log logrus.FieldLogger) fiber.Handler {
	if log == nil {
		log = L()
	}
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		entry := contextEntry(log, c.UserContext()).WithFields(logrus.Fields{
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      c.Response().StatusCode(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.IP(),
			"user_agent":  c.Get(fiber.HeaderUserAgent),
		})

		if err != nil {
			entry.WithError(err).Error("Request failed")
		} else if c.Response().StatusCode() >= 400 {
			entry.Warn("Request completed with error status")
		} else {
			entry.Info("Request completed")
		}

		return err
	}
}

// TimeOperation starts a span for a named operation. The returned function
// ends it and records the outcome.
func TimeOperation(ctx context.Context, operation string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := StartSpan(ctx, operation)

	return ctx, func(err error) {
		duration := time.Since(start)
		status := "ok"
		if err != nil {
			status = "error"
		}
		RecordCommand(operation, status, duration)
		EndSpan(span, err)

		WithContext(ctx).WithFields(logrus.Fields{
			"operation":   operation,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
		}).Debug("Operation completed")
	}
}
