package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("OTEL_SERVICE_NAME", "")
		t.Setenv("OTEL_EXPORT_TO_FILE", "")
		cfg, err := NewConfigFromEnv("fmcli")
		require.NoError(t, err)

		assert.Equal(t, "fmcli", cfg.ServiceName)
		assert.Equal(t, "fmcli", cfg.PushJob)
		assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
		assert.False(t, cfg.ExportToFile)
		assert.Empty(t, cfg.TracesFilePath)
		assert.Equal(t, 1.0, cfg.SamplingRate)
		assert.Equal(t, 10*time.Second, cfg.MetricsInterval)
		assert.Equal(t, FormatJSON, cfg.LogFormat)
		assert.True(t, cfg.EnableLogging)
	})

	t.Run("file export", func(t *testing.T) {
		t.Setenv("OTEL_SERVICE_NAME", "")
		t.Setenv("OTEL_EXPORT_TO_FILE", "true")
		t.Setenv("OTEL_TRACES_FILE_PATH", "/tmp/x/traces.json")
		t.Setenv("METRICS_INTERVAL", "3s")
		t.Setenv("PUSHGATEWAY_URL", "http://push:9091")
		cfg, err := NewConfigFromEnv("")
		require.NoError(t, err)

		assert.Equal(t, "fmdapi", cfg.ServiceName)
		assert.True(t, cfg.ExportToFile)
		assert.Empty(t, cfg.OTLPEndpoint)
		assert.Equal(t, "/tmp/x/traces.json", cfg.TracesFilePath)
		assert.Equal(t, "/tmp/otel/logs.json", cfg.LogsFilePath)
		assert.Equal(t, 3*time.Second, cfg.MetricsInterval)
		assert.Equal(t, "http://push:9091", cfg.PushgatewayURL)
	})

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unparseable rate", "OTEL_SAMPLING_RATE", "lots"},
		{"rate above one", "OTEL_SAMPLING_RATE", "1.5"},
		{"unparseable flag", "ENABLE_LOGGING", "maybe"},
		{"unknown format", "LOG_FORMAT", "xml"},
		{"bare interval", "METRICS_INTERVAL", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := NewConfigFromEnv("x")
			assert.Error(t, err)
		})
	}
}

func TestNewLoggerLayout(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&Config{LogLevel: "warn", EnableLogging: true}, &buf)

	log.Info("hidden")
	log.WithField("layout", "People").Warn("shown")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "People", entry["layout"])
	assert.Contains(t, entry, "@timestamp")

	quiet := NewLogger(&Config{LogLevel: "debug", EnableLogging: false}, &buf)
	buf.Reset()
	quiet.Error("dropped")
	assert.Zero(t, buf.Len())
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&Config{LogLevel: "info", LogFormat: FormatText, EnableLogging: true}, &buf)

	log.WithField("layout", "People").Info("found")

	line := buf.String()
	assert.Contains(t, line, `msg=found`)
	assert.Contains(t, line, `layout=People`)
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestLoggerRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&Config{LogLevel: "info", EnableLogging: true}, &buf)

	log.WithFields(logrus.Fields{
		"Password": "hunter2",
		"token":    "abc123",
		"username": "admin",
	}).Info("login")

	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, buf.String(), "abc123")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, redacted, entry["Password"])
	assert.Equal(t, redacted, entry["token"])
	assert.Equal(t, "admin", entry["username"])
}

func TestFileHook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "out.json")
	hook, err := NewFileHook(path, logrus.Fields{"service.name": "fmdapi"})
	require.NoError(t, err)

	log := NewLogger(&Config{LogLevel: "info", EnableLogging: false}, io.Discard)
	log.AddHook(hook)
	log.WithError(errors.New("boom")).WithField("password", "hunter2").Error("failed")
	require.NoError(t, hook.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "failed", entry["message"])
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "fmdapi", entry["service.name"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, redacted, entry["password"])
}

func TestPushMetrics(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, PushMetrics(context.Background(), server.URL, "fmcli"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/fmcli", path)

	assert.NoError(t, PushMetrics(context.Background(), "", "fmcli"), "no gateway is a no-op")
}

func TestPushMetricsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	assert.Error(t, PushMetrics(context.Background(), server.URL, "fmcli"))
}

func TestFileMetricsExporter(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "things_total", Help: "things"}, []string{"kind"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "level", Help: "level"})
	registry.MustRegister(counter, gauge)
	counter.WithLabelValues("a").Add(2)
	counter.WithLabelValues("b").Add(3)
	gauge.Set(7)

	path := filepath.Join(t.TempDir(), "metrics.json")
	exporter := NewFileMetricsExporter(path, registry)
	require.NoError(t, exporter.Export())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, 5.0, snapshot["things_total"])
	assert.Equal(t, 7.0, snapshot["level"])
	assert.Contains(t, snapshot, "timestamp")

	done := make(chan struct{})
	go func() {
		exporter.Run(time.Millisecond)
		close(done)
	}()
	exporter.Stop()
	exporter.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestSpanFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.json")
	exporter, err := NewSpanFileExporter(path)
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	_, child := tp.Tracer("test").Start(ctx, "child")
	child.AddEvent("token.refresh")
	child.End()
	parent.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var spans []FileSpan
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var span FileSpan
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &span))
		spans = append(spans, span)
	}
	require.Len(t, spans, 2)
	assert.Equal(t, "child", spans[0].Name)
	assert.Equal(t, spans[1].SpanID, spans[0].ParentID)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "token.refresh", spans[0].Events[0].Name)
}

func TestFiberMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())
	setTracer(tp.Tracer("test"))
	defer setTracer(nil)

	var buf bytes.Buffer
	log := NewLogger(&Config{LogLevel: "info", EnableLogging: true}, &buf)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(FiberMetricsMiddleware(), FiberLoggingMiddleware(log))
	app.Get("/items/:id", func(c *fiber.Ctx) error {
		if c.Params("id") == "missing" {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return c.SendString("ok")
	})

	counter := httpRequestsTotal.WithLabelValues("GET", "/items/:id", "200")
	before := testutil.ToFloat64(counter)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/items/1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/items/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Request completed")
	assert.Contains(t, lines[1], "Request completed with error status")
	assert.Len(t, recorder.Ended(), 2)
}

func TestTimeOperation(t *testing.T) {
	sampleCount := func() uint64 {
		m := &dto.Metric{}
		require.NoError(t, commandDuration.WithLabelValues("find", "error").(prometheus.Histogram).Write(m))
		return m.GetHistogram().GetSampleCount()
	}
	before := sampleCount()

	_, done := TimeOperation(context.Background(), "find")
	done(errors.New("boom"))

	assert.Equal(t, before+1, sampleCount())
}
