package dataapi

import (
	"context"
	"sync"
	"time"
)

// RequestInfo identifies one Data API call for observers.
type RequestInfo struct {
	// Operation is the client method, e.g. "FindRecords"
	Operation string
	// Method is the HTTP method
	Method string
	// Path is the request path below the base URL
	Path string
}

// Observer provides hooks for monitoring client operations.
// Implement this interface to feed metrics, traces or logs from the client.
//
// Observer methods are called synchronously on the calling goroutine and
// should return quickly.
//
// Example implementation:
//
//	type LogObserver struct {
//	    logger *log.Logger
//	}
//
//	func (o *LogObserver) OnRequestStart(ctx context.Context, info dataapi.RequestInfo) context.Context {
//	    o.logger.Printf("[START] %s %s", info.Method, info.Path)
//	    return ctx
//	}
//
//	func (o *LogObserver) OnRequestEnd(ctx context.Context, info dataapi.RequestInfo, status int, d time.Duration, err error) {
//	    o.logger.Printf("[END] %s %s -> %d (took %v)", info.Method, info.Path, status, d)
//	}
//
//	func (o *LogObserver) OnTokenRefresh(ctx context.Context, err error) {}
type Observer interface {
	// OnRequestStart is called before a request is sent. The returned
	// context is passed to OnRequestEnd, so implementations can carry a
	// span or start time in it.
	OnRequestStart(ctx context.Context, info RequestInfo) context.Context

	// OnRequestEnd is called when a request completes.
	//
	// Parameters:
	//   - status: HTTP status, or 0 when no response was received
	//   - duration: Time taken for the request
	//   - err: Error if the request failed, nil on success
	OnRequestEnd(ctx context.Context, info RequestInfo, status int, duration time.Duration, err error)

	// OnTokenRefresh is called after a silent re-authentication attempt.
	OnTokenRefresh(ctx context.Context, err error)
}

// NoopObserver is a no-op implementation of Observer that does nothing.
// This is the default observer used when none is configured.
type NoopObserver struct{}

// OnRequestStart does nothing
func (n *NoopObserver) OnRequestStart(ctx context.Context, info RequestInfo) context.Context {
	return ctx
}

// OnRequestEnd does nothing
func (n *NoopObserver) OnRequestEnd(ctx context.Context, info RequestInfo, status int, duration time.Duration, err error) {
}

// OnTokenRefresh does nothing
func (n *NoopObserver) OnTokenRefresh(ctx context.Context, err error) {}

// MetricsCollector is a simple in-memory metrics implementation.
// It counts requests, errors and token refreshes per operation and keeps
// every latency sample.
//
// Note: This implementation stores all data in memory and is primarily
// intended for debugging and testing.
//
// Example:
//
//	metrics := dataapi.NewMetricsCollector()
//	config := dataapi.DefaultConfig().
//	    WithDatabase("Contacts").
//	    WithObserver(metrics)
//
//	client, _ := dataapi.New(ctx, config)
//	// Use client...
//
//	snapshot := metrics.GetMetrics()
//	fmt.Printf("Requests: %v\n", snapshot["requests"])
type MetricsCollector struct {
	mu              sync.RWMutex
	requestCount    map[string]int64
	latencies       map[string][]time.Duration
	errorCount      map[string]int64
	statusCount     map[int]int64
	refreshCount    int64
	refreshFailures int64
}

// NewMetricsCollector creates a new metrics collector.
// The collector is thread-safe and can be used concurrently.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		requestCount: make(map[string]int64),
		latencies:    make(map[string][]time.Duration),
		errorCount:   make(map[string]int64),
		statusCount:  make(map[int]int64),
	}
}

// OnRequestStart increments request count
func (m *MetricsCollector) OnRequestStart(ctx context.Context, info RequestInfo) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[info.Operation]++
	return ctx
}

// OnRequestEnd records request duration, status and errors
func (m *MetricsCollector) OnRequestEnd(ctx context.Context, info RequestInfo, status int, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[info.Operation] = append(m.latencies[info.Operation], duration)
	m.statusCount[status]++
	if err != nil {
		m.errorCount[info.Operation]++
	}
}

// OnTokenRefresh counts refresh attempts and failures
func (m *MetricsCollector) OnTokenRefresh(ctx context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCount++
	if err != nil {
		m.refreshFailures++
	}
}

// GetMetrics returns a snapshot of current metrics.
// The returned map is a copy and safe to read without locks.
//
// The metrics include:
//   - "requests": Map of operation to request count
//   - "latencies": Map of operation to latency measurements
//   - "errors": Map of operation to error count
//   - "statuses": Map of HTTP status to response count
//   - "token_refreshes": Total refresh attempts
//   - "token_refresh_failures": Failed refresh attempts
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	requestsCopy := make(map[string]int64, len(m.requestCount))
	for k, v := range m.requestCount {
		requestsCopy[k] = v
	}

	latenciesCopy := make(map[string][]time.Duration, len(m.latencies))
	for k, v := range m.latencies {
		latenciesCopy[k] = append([]time.Duration(nil), v...)
	}

	errorsCopy := make(map[string]int64, len(m.errorCount))
	for k, v := range m.errorCount {
		errorsCopy[k] = v
	}

	statusCopy := make(map[int]int64, len(m.statusCount))
	for k, v := range m.statusCount {
		statusCopy[k] = v
	}

	return map[string]interface{}{
		"requests":               requestsCopy,
		"latencies":              latenciesCopy,
		"errors":                 errorsCopy,
		"statuses":               statusCopy,
		"token_refreshes":        m.refreshCount,
		"token_refresh_failures": m.refreshFailures,
	}
}

// CompositeObserver allows multiple observers to be combined into one.
// All observer methods are called on each child observer in order.
// If an observer panics, it's caught to prevent affecting other observers.
//
// Example:
//
//	composite := dataapi.NewCompositeObserver(
//	    dataapi.NewMetricsCollector(),
//	    telemetryObserver,
//	)
//
//	config := dataapi.DefaultConfig().WithObserver(composite)
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an observer that delegates to multiple observers.
func NewCompositeObserver(observers ...Observer) Observer {
	return &CompositeObserver{observers: observers}
}

// OnRequestStart notifies all observers of request start, threading the
// context each one returns into the next.
func (c *CompositeObserver) OnRequestStart(ctx context.Context, info RequestInfo) context.Context {
	for _, obs := range c.observers {
		func() {
			defer func() {
				// Observer panicked, keep the context we had
				_ = recover()
			}()
			if next := obs.OnRequestStart(ctx, info); next != nil {
				ctx = next
			}
		}()
	}
	return ctx
}

// OnRequestEnd notifies all observers of request completion
func (c *CompositeObserver) OnRequestEnd(ctx context.Context, info RequestInfo, status int, duration time.Duration, err error) {
	for _, obs := range c.observers {
		func() {
			defer func() {
				_ = recover()
			}()
			obs.OnRequestEnd(ctx, info, status, duration, err)
		}()
	}
}

// OnTokenRefresh notifies all observers
func (c *CompositeObserver) OnTokenRefresh(ctx context.Context, err error) {
	for _, obs := range c.observers {
		func() {
			defer func() {
				_ = recover()
			}()
			obs.OnTokenRefresh(ctx, err)
		}()
	}
}
