package fakeserver

import (
	"fmt"
	"time"
)

// Config holds the fake server configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Hosted file and the account allowed to open it
	Database string
	Username string
	Password string

	// AllowOAuth accepts any non-empty OAuth request id and identifier
	AllowOAuth bool

	// SessionTTL is the idle time after which a token is rejected
	SessionTTL time.Duration

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// MetricsPath serves Prometheus metrics when non-empty
	MetricsPath string

	// Seed loads the demo layouts and scripts
	Seed bool

	// ProductVersion is reported by productInfo
	ProductVersion string
}

// DefaultConfig returns the configuration used by tests and the fakefm binary
func DefaultConfig() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            8080,
		Database:        "Demo",
		Username:        "admin",
		Password:        "admin",
		AllowOAuth:      true,
		SessionTTL:      15 * time.Minute,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MetricsPath:     "/metrics",
		Seed:            true,
		ProductVersion:  "21.0.1.51",
	}
}

// Addr returns host:port
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the configuration and fills defaults
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.ProductVersion == "" {
		c.ProductVersion = "21.0.1.51"
	}
	return nil
}
