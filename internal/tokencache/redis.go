// Package tokencache shares Data API session tokens between processes
// through Redis, so every fmcli or fmsync run against the same account
// reuses one server session instead of opening its own.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no token is cached under a key
var ErrNotFound = errors.New("token not cached")

const (
	fieldToken    = "token"
	fieldIssuedAt = "issued_at"
)

// Entry is one cached session
type Entry struct {
	Token    string
	IssuedAt time.Time
}

// Store reads and writes cached tokens
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and checks the connection
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.applyDefaults()

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.MaxRetries = config.MaxRetries
	opts.DialTimeout = config.DialTimeout
	opts.ReadTimeout = config.ReadTimeout
	opts.WriteTimeout = config.WriteTimeout
	opts.PoolSize = config.PoolSize

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, config.KeyPrefix, config.TTL), nil
}

// NewWithClient wraps an existing Redis client
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Key names the cache slot of one account on one hosted file
func Key(baseURL, database, username string) string {
	return "session:" + url.QueryEscape(baseURL) + ":" + url.QueryEscape(database) + ":" + url.QueryEscape(username)
}

// Load returns the token cached under key
func (s *Store) Load(ctx context.Context, key string) (Entry, error) {
	values, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load token: %w", err)
	}
	token := values[fieldToken]
	if token == "" {
		return Entry{}, ErrNotFound
	}

	entry := Entry{Token: token}
	if raw := values[fieldIssuedAt]; raw != "" {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("corrupt issue time %q: %w", raw, err)
		}
		entry.IssuedAt = time.Unix(0, nanos)
	}
	return entry, nil
}

// Save caches entry under key and restarts its TTL
func (s *Store) Save(ctx context.Context, key string, entry Entry) error {
	if entry.Token == "" {
		return fmt.Errorf("empty token")
	}
	issued := entry.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}

	full := s.prefix + key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, full, fieldToken, entry.Token, fieldIssuedAt, strconv.FormatInt(issued.UnixNano(), 10))
		pipe.Expire(ctx, full, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Delete drops the token cached under key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key, or a negative duration when
// it is not cached
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, s.prefix+key).Result()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}
