package worker

import (
	"sync/atomic"
	"time"
)

// Stats counts event outcomes since the worker started
type Stats struct {
	processed    atomic.Int64
	applied      atomic.Int64
	unchanged    atomic.Int64
	skipped      atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	lastAt       atomic.Int64
	startTime    time.Time
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Processed       int64
	Applied         int64
	Unchanged       int64
	Skipped         int64
	Retried         int64
	DeadLettered    int64
	Uptime          time.Duration
	LastProcessedAt time.Time
}

// NewStats creates zeroed counters
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) record(outcome string) {
	s.processed.Add(1)
	s.lastAt.Store(time.Now().UnixNano())
	switch outcome {
	case ResultApplied:
		s.applied.Add(1)
	case ResultUnchanged:
		s.unchanged.Add(1)
	case ResultSkipped:
		s.skipped.Add(1)
	case ResultRetried:
		s.retried.Add(1)
	case ResultDeadLettered:
		s.deadLettered.Add(1)
	}
}

// Snapshot copies the counters
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Processed:    s.processed.Load(),
		Applied:      s.applied.Load(),
		Unchanged:    s.unchanged.Load(),
		Skipped:      s.skipped.Load(),
		Retried:      s.retried.Load(),
		DeadLettered: s.deadLettered.Load(),
		Uptime:       time.Since(s.startTime),
	}
	if last := s.lastAt.Load(); last > 0 {
		snap.LastProcessedAt = time.Unix(0, last)
	}
	return snap
}
