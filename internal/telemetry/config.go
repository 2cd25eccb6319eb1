package telemetry

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultServiceName = "fmdapi"

// Log output formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config selects where logs, metrics and spans go. Spans and metrics leave
// either over OTLP or, with OTEL_EXPORT_TO_FILE, as local JSON files.
type Config struct {
	ServiceName    string `env:"OTEL_SERVICE_NAME"`
	Environment    string `env:"ENVIRONMENT" envDefault:"development"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"unknown"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`

	ExportToFile    bool   `env:"OTEL_EXPORT_TO_FILE" envDefault:"false"`
	MetricsFilePath string `env:"OTEL_METRICS_FILE_PATH" envDefault:"/tmp/otel/metrics.json"`
	TracesFilePath  string `env:"OTEL_TRACES_FILE_PATH" envDefault:"/tmp/otel/traces.json"`
	LogsFilePath    string `env:"OTEL_LOGS_FILE_PATH" envDefault:"/tmp/otel/logs.json"`

	// fmcli exits long before a scrape; it pushes on shutdown instead
	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
	PushJob        string `env:"PUSHGATEWAY_JOB"`

	SamplingRate    float64       `env:"OTEL_SAMPLING_RATE" envDefault:"1"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	EnableTracing bool `env:"ENABLE_TRACING" envDefault:"false"`
	EnableMetrics bool `env:"ENABLE_METRICS" envDefault:"false"`
	EnableLogging bool `env:"ENABLE_LOGGING" envDefault:"true"`
}

// NewConfigFromEnv reads the telemetry settings for service, which names the
// process when OTEL_SERVICE_NAME is unset.
func NewConfigFromEnv(service string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse telemetry environment: %w", err)
	}

	if service == "" {
		service = defaultServiceName
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = service
	}
	if cfg.PushJob == "" {
		cfg.PushJob = service
	}

	// only one export path is live at a time
	if cfg.ExportToFile {
		cfg.OTLPEndpoint = ""
	} else {
		cfg.MetricsFilePath, cfg.TracesFilePath, cfg.LogsFilePath = "", "", ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the exporters cannot use
func (c *Config) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("OTEL_SAMPLING_RATE must be between 0 and 1, got %g", c.SamplingRate)
	}
	switch c.LogFormat {
	case "", FormatJSON, FormatText:
	default:
		return fmt.Errorf("LOG_FORMAT must be %q or %q, got %q", FormatJSON, FormatText, c.LogFormat)
	}
	if c.MetricsInterval < 0 {
		return fmt.Errorf("METRICS_INTERVAL must not be negative")
	}
	return nil
}
