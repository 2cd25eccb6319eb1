package telemetry

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

const redacted = "[redacted]"

var (
	logger     *logrus.Logger
	loggerOnce sync.Once
	fileHook   *FileHook
)

// sensitiveKeys never reach a log line with their value. Matching is on the
// lower-cased field name.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"authorization": true,
	"access_token":  true,
	"secret":        true,
}

// NewLogger builds a logger writing to out in cfg.LogFormat. JSON output
// uses the @timestamp/level/message layout the log shippers expect.
func NewLogger(cfg *Config, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	if !cfg.EnableLogging {
		l.SetOutput(io.Discard)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.LogFormat == FormatText {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "@timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	l.AddHook(redactHook{})
	return l
}

// InitLogger installs the package logger on stderr. With file export on,
// entries are also appended to cfg.LogsFilePath.
func InitLogger(cfg *Config) error {
	var err error
	loggerOnce.Do(func() {
		logger = NewLogger(cfg, os.Stderr)

		if !cfg.ExportToFile || cfg.LogsFilePath == "" {
			return
		}
		fileHook, err = NewFileHook(cfg.LogsFilePath, logrus.Fields{
			"service.name":        cfg.ServiceName,
			"service.version":     cfg.ServiceVersion,
			"service.instance.id": instanceID,
			"environment":         cfg.Environment,
		})
		if err != nil {
			logger.WithError(err).Error("Failed to open log file")
			return
		}
		logger.AddHook(fileHook)
	})
	return err
}

// redactHook masks credential fields before any formatter or other hook
// sees them
type redactHook struct{}

func (redactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (redactHook) Fire(entry *logrus.Entry) error {
	for k := range entry.Data {
		if sensitiveKeys[strings.ToLower(k)] {
			entry.Data[k] = redacted
		}
	}
	return nil
}

// FileHook appends every entry to a JSON lines file, merged with a fixed
// set of fields identifying the process
type FileHook struct {
	out    *jsonLines
	static logrus.Fields
}

// NewFileHook opens path for appending
func NewFileHook(path string, static logrus.Fields) (*FileHook, error) {
	out, err := openJSONLines(path)
	if err != nil {
		return nil, err
	}
	return &FileHook{out: out, static: static}, nil
}

func (h *FileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *FileHook) Fire(entry *logrus.Entry) error {
	doc := make(map[string]interface{}, len(entry.Data)+len(h.static)+3)
	for k, v := range h.static {
		doc[k] = v
	}
	for k, v := range entry.Data {
		if e, ok := v.(error); ok {
			v = e.Error()
		}
		doc[k] = v
	}
	doc["@timestamp"] = entry.Time.Format(timestampFormat)
	doc["level"] = entry.Level.String()
	doc["message"] = entry.Message
	return h.out.write(doc)
}

// Close closes the underlying file
func (h *FileHook) Close() error {
	return h.out.close()
}

// L returns the package logger, or the logrus standard logger before
// InitLogger runs
func L() *logrus.Logger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}

// WithContext returns an entry carrying the trace and span ids of ctx
func WithContext(ctx context.Context) *logrus.Entry {
	return contextEntry(L(), ctx)
}

func contextEntry(l logrus.FieldLogger, ctx context.Context) *logrus.Entry {
	entry := l.WithFields(logrus.Fields{}).WithContext(ctx)
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		entry = entry.WithFields(logrus.Fields{
			"trace.id": sc.TraceID().String(),
			"span.id":  sc.SpanID().String(),
		})
	}
	return entry
}

// CloseLogger closes the log file, if one was opened
func CloseLogger() error {
	if fileHook != nil {
		return fileHook.Close()
	}
	return nil
}
