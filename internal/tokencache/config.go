package tokencache

import (
	"time"
)

// Config holds the Redis settings of the token cache
type Config struct {
	// URL is a redis:// or rediss:// connection URL
	URL string

	// KeyPrefix namespaces every key written by the cache
	KeyPrefix string

	// TTL bounds how long an unused token stays cached. It should not exceed
	// the server's session idle timeout.
	TTL time.Duration

	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// DefaultConfig returns a Config for a local Redis
func DefaultConfig() *Config {
	return &Config{
		URL:          "redis://localhost:6379/0",
		KeyPrefix:    "fmdapi:",
		TTL:          15 * time.Minute,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = def.KeyPrefix
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
}
