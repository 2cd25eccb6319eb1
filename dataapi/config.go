package dataapi

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBaseURL is the Data API root of a server on localhost.
const DefaultBaseURL = "http://localhost:8080/fmi/data"

// LogoutPolicy controls what Logout forgets besides the token.
type LogoutPolicy int

const (
	// LogoutClearAll drops the token and the stored credentials
	LogoutClearAll LogoutPolicy = iota
	// LogoutKeepCredentials drops the token but keeps the credentials, so the
	// next call can log in again on its own
	LogoutKeepCredentials
)

// String returns the string representation of the logout policy
func (p LogoutPolicy) String() string {
	if p == LogoutKeepCredentials {
		return "keep-credentials"
	}
	return "clear-all"
}

// Config holds the configuration for a Data API client.
// Only Database is required; everything else has a default.
//
// Configuration can be built using the fluent builder pattern:
//
//	config := dataapi.DefaultConfig().
//	    WithBaseURL("https://fms.example.com/fmi/data").
//	    WithDatabase("Contacts").
//	    WithCredentials("admin", "secret").
//	    WithTransportType(dataapi.TransportFastHTTP)
//
//	client, err := dataapi.New(ctx, config)
type Config struct {
	// BaseURL is the Data API root, including the /fmi/data prefix.
	// Default: "http://localhost:8080/fmi/data"
	BaseURL string

	// Database is the hosted file name. Required.
	Database string

	// Username and Password trigger a login from New when both are set.
	Username string
	Password string

	// Token resumes an existing session instead of logging in. Username and
	// Password, when set, are kept for refreshes.
	Token         string
	TokenIssuedAt time.Time

	// APIVersion is the path version segment.
	// Default: VersionLatest
	APIVersion APIVersion

	// TransportType selects the built-in HTTP implementation.
	// Default: TransportNetHTTP
	TransportType TransportType

	// Transport overrides TransportType with a custom implementation.
	Transport Transport

	// SSLVerify enables TLS certificate verification.
	// Default: true
	SSLVerify bool

	// ForceHTTP1 disables HTTP/2 negotiation.
	// Default: false
	ForceHTTP1 bool

	// Timeout bounds each request, including reading the response body.
	// Default: 30s
	Timeout time.Duration

	// TransportConfig holds connection pool settings.
	TransportConfig TransportConfig

	// Headers are sent with every request.
	Headers map[string]string

	// ReturnRawResponse attaches the normalized Response to every Result.
	ReturnRawResponse bool

	// LogoutPolicy controls whether Logout forgets stored credentials.
	// Default: LogoutClearAll
	LogoutPolicy LogoutPolicy

	// Observer receives request and token refresh events.
	// If nil, NoopObserver is used.
	Observer Observer

	// Logger receives debug output. If nil, output is discarded.
	Logger logrus.FieldLogger
}

// TransportConfig holds connection pool settings shared by both transports.
//
// Example:
//
//	config.TransportConfig = dataapi.TransportConfig{
//	    MaxIdleConns:    50,
//	    MaxConnsPerHost: 8,
//	    IdleConnTimeout: 60 * time.Second,
//	}
type TransportConfig struct {
	// MaxIdleConns controls the maximum number of idle connections
	// across all hosts. Zero means no limit. Ignored by fasthttp.
	// Default: 100
	MaxIdleConns int

	// MaxConnsPerHost controls the maximum connections per host.
	// Default: 10
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection is kept open.
	// Default: 90s
	IdleConnTimeout time.Duration
}

// DefaultConfig returns a Config with defaults for everything but Database.
//
// Example:
//
//	config := dataapi.DefaultConfig().WithDatabase("Contacts")
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       DefaultBaseURL,
		APIVersion:    VersionLatest,
		TransportType: TransportNetHTTP,
		SSLVerify:     true,
		Timeout:       30 * time.Second,
		TransportConfig: TransportConfig{
			MaxIdleConns:    100,
			MaxConnsPerHost: 10,
			IdleConnTimeout: 90 * time.Second,
		},
		Headers:      make(map[string]string),
		LogoutPolicy: LogoutClearAll,
		Observer:     &NoopObserver{},
	}
}

// WithBaseURL sets the Data API root.
//
// Example:
//
//	config := dataapi.DefaultConfig().
//	    WithBaseURL("https://fms.example.com/fmi/data")
func (c *Config) WithBaseURL(url string) *Config {
	c.BaseURL = url
	return c
}

// WithDatabase sets the hosted file name
func (c *Config) WithDatabase(database string) *Config {
	c.Database = database
	return c
}

// WithCredentials sets the account New logs in with.
//
// Example:
//
//	config := dataapi.DefaultConfig().
//	    WithDatabase("Contacts").
//	    WithCredentials("admin", "secret")
func (c *Config) WithCredentials(username, password string) *Config {
	c.Username = username
	c.Password = password
	return c
}

// WithToken resumes a session opened elsewhere, e.g. by another process.
// A zero issuedAt counts as issued now.
//
// Example:
//
//	config := dataapi.DefaultConfig().
//	    WithDatabase("Contacts").
//	    WithCredentials("admin", "secret").
//	    WithToken(savedToken, savedAt)
func (c *Config) WithToken(token string, issuedAt time.Time) *Config {
	c.Token = token
	c.TokenIssuedAt = issuedAt
	return c
}

// WithAPIVersion sets the path version segment
func (c *Config) WithAPIVersion(version APIVersion) *Config {
	c.APIVersion = version
	return c
}

// WithTransportType selects a built-in transport.
//
// Example:
//
//	config := dataapi.DefaultConfig().
//	    WithTransportType(dataapi.TransportFastHTTP)
func (c *Config) WithTransportType(t TransportType) *Config {
	c.TransportType = t
	return c
}

// WithTransport installs a custom transport, overriding TransportType
func (c *Config) WithTransport(t Transport) *Config {
	c.Transport = t
	return c
}

// WithSSLVerify enables or disables certificate verification.
// Disable it only for servers with self-signed certificates.
func (c *Config) WithSSLVerify(verify bool) *Config {
	c.SSLVerify = verify
	return c
}

// WithForceHTTP1 disables HTTP/2 negotiation
func (c *Config) WithForceHTTP1(force bool) *Config {
	c.ForceHTTP1 = force
	return c
}

// WithTimeout sets the per-request timeout.
//
// Example:
//
//	config := dataapi.DefaultConfig().
//	    WithTimeout(10 * time.Second)
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithHeader adds a header sent with every request.
//
// Example:
//
//	config := dataapi.DefaultConfig().
//	    WithHeader("X-Request-Source", "billing-sync")
func (c *Config) WithHeader(key, value string) *Config {
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	c.Headers[key] = value
	return c
}

// WithReturnRawResponse attaches the normalized Response to every Result
func (c *Config) WithReturnRawResponse(enabled bool) *Config {
	c.ReturnRawResponse = enabled
	return c
}

// WithLogoutPolicy sets what Logout forgets
func (c *Config) WithLogoutPolicy(policy LogoutPolicy) *Config {
	c.LogoutPolicy = policy
	return c
}

// WithObserver sets an observer for request and token events.
//
// Example:
//
//	metrics := dataapi.NewMetricsCollector()
//	config := dataapi.DefaultConfig().
//	    WithObserver(metrics)
func (c *Config) WithObserver(observer Observer) *Config {
	c.Observer = observer
	return c
}

// WithLogger sets the logger used for debug output.
//
// Example:
//
//	config := dataapi.DefaultConfig().
//	    WithLogger(logrus.StandardLogger().WithField("component", "fmdapi"))
func (c *Config) WithLogger(logger logrus.FieldLogger) *Config {
	c.Logger = logger
	return c
}

// Validate checks the configuration and fills in defaults for missing values.
// This is called automatically by New.
//
// Returns an error wrapping ErrInvalidConfig when the database or base URL
// is missing or unusable.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("%w: database is required", ErrInvalidConfig)
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if _, err := parseBaseURL(c.BaseURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.APIVersion < VersionLatest || c.APIVersion > V2 {
		return fmt.Errorf("%w: unknown API version %d", ErrInvalidConfig, int(c.APIVersion))
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.TransportConfig.MaxConnsPerHost < 0 {
		c.TransportConfig.MaxConnsPerHost = 0
	}
	if c.Observer == nil {
		c.Observer = &NoopObserver{}
	}
	if c.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		c.Logger = logger
	}
	return nil
}
