// Package config loads the fmcli, fmsync and fakefm settings from the
// environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/birbparty/fmdapi/dataapi"
	"github.com/birbparty/fmdapi/internal/events"
	"github.com/birbparty/fmdapi/internal/fakeserver"
	"github.com/birbparty/fmdapi/internal/mirror"
	"github.com/birbparty/fmdapi/internal/storage"
	"github.com/birbparty/fmdapi/internal/tokencache"
	"github.com/birbparty/fmdapi/internal/worker"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Client holds the fmcli settings
type Client struct {
	ServerURL  string            `env:"FM_SERVER_URL" envDefault:"http://localhost:8080"`
	Database   string            `env:"FM_DATABASE"`
	Layout     string            `env:"FM_LAYOUT"`
	Username   string            `env:"FM_USERNAME"`
	Password   string            `env:"FM_PASSWORD"`
	APIVersion string            `env:"FM_API_VERSION" envDefault:"vLatest"`
	Transport  string            `env:"FM_TRANSPORT" envDefault:"nethttp"`
	Timeout    time.Duration     `env:"FM_TIMEOUT" envDefault:"30s"`
	SSLVerify  bool              `env:"FM_SSL_VERIFY" envDefault:"true"`
	ForceHTTP1 bool              `env:"FM_FORCE_HTTP1"`
	RawReplies bool              `env:"FM_RETURN_RAW_RESPONSE"`
	KeepCreds  bool              `env:"FM_LOGOUT_KEEP_CREDENTIALS"`
	Headers    map[string]string `env:"FM_HEADERS"`

	Storage    Storage    `envPrefix:"FM_S3_"`
	TokenCache TokenCache `envPrefix:"FM_REDIS_"`
	Events     Events     `envPrefix:"FM_NATS_"`
}

// Events holds the NATS JetStream settings for record change events
type Events struct {
	URL           string        `env:"URL"`
	Name          string        `env:"NAME" envDefault:"fmdapi"`
	User          string        `env:"USER"`
	Password      string        `env:"PASSWORD"`
	Stream        string        `env:"STREAM" envDefault:"FM_RECORDS"`
	DLQStream     string        `env:"DLQ_STREAM" envDefault:"FM_RECORDS_DLQ"`
	Consumer      string        `env:"CONSUMER" envDefault:"fmsync"`
	MaxDeliver    int           `env:"MAX_DELIVER" envDefault:"5"`
	AckWait       time.Duration `env:"ACK_WAIT" envDefault:"30s"`
	MaxAckPending int           `env:"MAX_ACK_PENDING" envDefault:"1000"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"50"`
	FetchWait     time.Duration `env:"FETCH_WAIT" envDefault:"1s"`
}

// Sync holds the fmsync settings: the Data API connection of fmcli plus
// the mirror database and worker tuning
type Sync struct {
	Client
	Postgres Postgres `envPrefix:"FM_POSTGRES_"`
	Worker   Worker   `envPrefix:"FM_SYNC_"`
}

// Postgres holds the mirror database settings
type Postgres struct {
	DSN             string        `env:"DSN"`
	Host            string        `env:"HOST" envDefault:"localhost"`
	Port            int           `env:"PORT" envDefault:"5432"`
	User            string        `env:"USER" envDefault:"fmdapi"`
	Password        string        `env:"PASSWORD" envDefault:"fmdapi"`
	Database        string        `env:"DB" envDefault:"fmmirror"`
	SSLMode         string        `env:"SSLMODE" envDefault:"disable"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"1"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxConnIdleTime time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"30m"`
}

// Worker holds the sync worker tuning
type Worker struct {
	ID            string        `env:"WORKER_ID" envDefault:"fmsync"`
	Concurrency   int           `env:"CONCURRENCY" envDefault:"4"`
	RetryDelay    time.Duration `env:"RETRY_DELAY" envDefault:"2s"`
	PageSize      int           `env:"PAGE_SIZE" envDefault:"500"`
	StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"1m"`
	MetricsAddr   string        `env:"METRICS_ADDR" envDefault:":9091"`
}

// TokenCache holds the Redis settings used to share session tokens
type TokenCache struct {
	URL       string        `env:"URL"`
	KeyPrefix string        `env:"KEY_PREFIX" envDefault:"fmdapi:"`
	TTL       time.Duration `env:"TOKEN_TTL" envDefault:"15m"`
	PoolSize  int           `env:"POOL_SIZE" envDefault:"10"`
}

// Storage holds the object storage settings used for container sources
// and exports
type Storage struct {
	Endpoint       string `env:"ENDPOINT"`
	Region         string `env:"REGION" envDefault:"us-east-1"`
	Bucket         string `env:"BUCKET"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	Prefix         string `env:"PREFIX"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE"`
}

// Server holds the fakefm settings
type Server struct {
	Host            string        `env:"FAKEFM_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"FAKEFM_PORT" envDefault:"8080"`
	Database        string        `env:"FAKEFM_DATABASE" envDefault:"Demo"`
	Username        string        `env:"FAKEFM_USERNAME" envDefault:"admin"`
	Password        string        `env:"FAKEFM_PASSWORD" envDefault:"admin"`
	AllowOAuth      bool          `env:"FAKEFM_ALLOW_OAUTH" envDefault:"true"`
	SessionTTL      time.Duration `env:"FAKEFM_SESSION_TTL" envDefault:"15m"`
	RequestTimeout  time.Duration `env:"FAKEFM_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"FAKEFM_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MetricsPath     string        `env:"FAKEFM_METRICS_PATH" envDefault:"/metrics"`
	Seed            bool          `env:"FAKEFM_SEED" envDefault:"true"`
	ProductVersion  string        `env:"FAKEFM_PRODUCT_VERSION" envDefault:"21.0.1.51"`
}

// Load reads .env files (".env" when none are given) and then parses the
// environment into dst. Variables already set win over file values, and
// missing files are skipped.
func Load(dst interface{}, files ...string) error {
	if err := loadDotEnv(files); err != nil {
		return err
	}
	return parse(dst, nil)
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// parse fills dst from environ, or from the process environment when
// environ is nil
func parse(dst interface{}, environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(dst, opts); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// LoadClient loads the fmcli settings
func LoadClient(files ...string) (*Client, error) {
	cfg := &Client{}
	if err := Load(cfg, files...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSync loads the fmsync settings
func LoadSync(files ...string) (*Sync, error) {
	cfg := &Sync{}
	if err := Load(cfg, files...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServer loads the fakefm settings
func LoadServer(files ...string) (*Server, error) {
	cfg := &Server{}
	if err := Load(cfg, files...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DataAPI converts the settings into a client configuration. Credentials
// are included, so dataapi.New logs in right away when both are set.
func (c *Client) DataAPI() (*dataapi.Config, error) {
	version, err := dataapi.ParseAPIVersion(c.APIVersion)
	if err != nil {
		return nil, err
	}
	transport, err := dataapi.ParseTransportType(c.Transport)
	if err != nil {
		return nil, err
	}

	cfg := dataapi.DefaultConfig().
		WithBaseURL(c.BaseURL()).
		WithDatabase(c.Database).
		WithAPIVersion(version).
		WithTransportType(transport).
		WithTimeout(c.Timeout).
		WithSSLVerify(c.SSLVerify).
		WithForceHTTP1(c.ForceHTTP1).
		WithReturnRawResponse(c.RawReplies)
	if c.Username != "" && c.Password != "" {
		cfg.WithCredentials(c.Username, c.Password)
	}
	if c.KeepCreds {
		cfg.WithLogoutPolicy(dataapi.LogoutKeepCredentials)
	}
	for k, v := range c.Headers {
		cfg.WithHeader(k, v)
	}
	return cfg, nil
}

// BaseURL returns the Data API root for ServerURL. A server URL that
// already ends in /fmi/data is used as is.
func (c *Client) BaseURL() string {
	root := strings.TrimRight(c.ServerURL, "/")
	if strings.HasSuffix(root, "/fmi/data") {
		return root
	}
	return root + "/fmi/data"
}

// HasStorage reports whether object storage is configured
func (c *Client) HasStorage() bool {
	return c.Storage.Bucket != ""
}

// StorageConfig converts the storage settings
func (c *Client) StorageConfig() storage.Config {
	return storage.Config{
		Endpoint:       c.Storage.Endpoint,
		Region:         c.Storage.Region,
		Bucket:         c.Storage.Bucket,
		AccessKey:      c.Storage.AccessKey,
		SecretKey:      c.Storage.SecretKey,
		Prefix:         c.Storage.Prefix,
		ForcePathStyle: c.Storage.ForcePathStyle,
	}
}

// HasTokenCache reports whether a Redis token cache is configured
func (c *Client) HasTokenCache() bool {
	return c.TokenCache.URL != ""
}

// TokenCacheConfig converts the token cache settings
func (c *Client) TokenCacheConfig() *tokencache.Config {
	cfg := tokencache.DefaultConfig()
	cfg.URL = c.TokenCache.URL
	cfg.KeyPrefix = c.TokenCache.KeyPrefix
	cfg.TTL = c.TokenCache.TTL
	cfg.PoolSize = c.TokenCache.PoolSize
	return cfg
}

// HasEvents reports whether a NATS server is configured
func (c *Client) HasEvents() bool {
	return c.Events.URL != ""
}

// EventsConfig converts the NATS settings
func (c *Client) EventsConfig() *events.Config {
	cfg := events.DefaultConfig()
	cfg.URL = c.Events.URL
	cfg.Name = c.Events.Name
	cfg.User = c.Events.User
	cfg.Password = c.Events.Password
	cfg.StreamName = c.Events.Stream
	cfg.DLQStreamName = c.Events.DLQStream
	cfg.ConsumerName = c.Events.Consumer
	cfg.MaxDeliver = c.Events.MaxDeliver
	cfg.AckWait = c.Events.AckWait
	cfg.MaxAckPending = c.Events.MaxAckPending
	cfg.BatchSize = c.Events.BatchSize
	cfg.FetchWait = c.Events.FetchWait
	return cfg
}

// MirrorConfig converts the Postgres settings
func (s *Sync) MirrorConfig() *mirror.Config {
	return &mirror.Config{
		DSN:             s.Postgres.DSN,
		Host:            s.Postgres.Host,
		Port:            s.Postgres.Port,
		User:            s.Postgres.User,
		Password:        s.Postgres.Password,
		Database:        s.Postgres.Database,
		SSLMode:         s.Postgres.SSLMode,
		MaxConns:        s.Postgres.MaxConns,
		MinConns:        s.Postgres.MinConns,
		MaxConnLifetime: s.Postgres.MaxConnLifetime,
		MaxConnIdleTime: s.Postgres.MaxConnIdleTime,
	}
}

// WorkerConfig converts the worker settings. The event consumer's
// MaxDeliver is shared so the last redelivery is dead-lettered.
func (s *Sync) WorkerConfig() *worker.Config {
	return &worker.Config{
		WorkerID:         s.Worker.ID,
		Database:         s.Database,
		Concurrency:      s.Worker.Concurrency,
		MaxDeliver:       s.Events.MaxDeliver,
		RetryDelay:       s.Worker.RetryDelay,
		SnapshotPageSize: s.Worker.PageSize,
		StatsInterval:    s.Worker.StatsInterval,
	}
}

// FakeServer converts the settings into a fake server configuration
func (s *Server) FakeServer() *fakeserver.Config {
	return &fakeserver.Config{
		Host:            s.Host,
		Port:            s.Port,
		Database:        s.Database,
		Username:        s.Username,
		Password:        s.Password,
		AllowOAuth:      s.AllowOAuth,
		SessionTTL:      s.SessionTTL,
		RequestTimeout:  s.RequestTimeout,
		ShutdownTimeout: s.ShutdownTimeout,
		MetricsPath:     s.MetricsPath,
		Seed:            s.Seed,
		ProductVersion:  s.ProductVersion,
	}
}
