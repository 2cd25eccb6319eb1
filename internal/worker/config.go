package worker

import "time"

// Config holds the sync worker settings
type Config struct {
	// WorkerID names this worker in logs
	WorkerID string

	// Database is the hosted file being mirrored; events for other files
	// are acknowledged and skipped
	Database string

	// Concurrency bounds how many events of a batch are applied at once
	Concurrency int

	// MaxDeliver is the delivery count after which a failing event is
	// dead-lettered instead of retried
	MaxDeliver int

	// RetryDelay is multiplied by the attempt number to delay redelivery
	RetryDelay time.Duration

	// SnapshotPageSize is the page size of a full layout resync
	SnapshotPageSize int

	// StatsInterval is how often the counters are logged; zero disables it
	StatsInterval time.Duration
}

// DefaultConfig returns the worker defaults for database
func DefaultConfig(database string) *Config {
	return &Config{
		WorkerID:         "fmsync",
		Database:         database,
		Concurrency:      4,
		MaxDeliver:       5,
		RetryDelay:       2 * time.Second,
		SnapshotPageSize: 500,
		StatsInterval:    time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Database)
	if c.WorkerID == "" {
		c.WorkerID = def.WorkerID
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = def.MaxDeliver
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.SnapshotPageSize <= 0 {
		c.SnapshotPageSize = def.SnapshotPageSize
	}
}
