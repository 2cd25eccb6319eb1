package events

import "time"

// Config holds the NATS JetStream settings
type Config struct {
	URL      string
	Name     string
	User     string
	Password string

	StreamName     string
	StreamMaxAge   time.Duration
	StreamMaxBytes int64
	StreamReplicas int
	DLQStreamName  string
	DLQMaxAge      time.Duration

	ConsumerName  string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int

	BatchSize int
	FetchWait time.Duration
}

// DefaultConfig returns the settings for a local single-node server
func DefaultConfig() *Config {
	return &Config{
		URL:            "nats://localhost:4222",
		Name:           "fmdapi",
		StreamName:     "FM_RECORDS",
		StreamMaxAge:   72 * time.Hour,
		StreamMaxBytes: 256 << 20,
		StreamReplicas: 1,
		DLQStreamName:  "FM_RECORDS_DLQ",
		DLQMaxAge:      7 * 24 * time.Hour,
		ConsumerName:   "fmsync",
		MaxDeliver:     5,
		AckWait:        30 * time.Second,
		MaxAckPending:  1000,
		BatchSize:      50,
		FetchWait:      time.Second,
	}
}
