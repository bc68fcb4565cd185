package sharedb

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    opHistogram   *prometheus.HistogramVec
//	    lockWaitHist  prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordOperation(op string, duration time.Duration, err error) {
//	    p.opHistogram.WithLabelValues(op).Observe(duration.Seconds())
//	    // ... record error state, etc.
//	}
type MetricsCollector interface {
	// RecordOperation is called after each dispatched operation.
	// op names the operation, duration is the total time including lock
	// acquisition and engine lifecycle, err is nil if successful.
	RecordOperation(op string, duration time.Duration, err error)

	// RecordLockWait is called after each successful cross-process lock
	// acquisition. recovered marks a takeover from a dead holder.
	RecordLockWait(duration time.Duration, recovered bool)

	// RecordTimeout is called when the entry flag budget or the lock
	// timeout is exhausted.
	RecordTimeout()

	// RecordEngineOpen is called after each engine factory invocation.
	RecordEngineOpen(duration time.Duration, err error)

	// RecordEngineClose is called after each engine close.
	RecordEngineClose(err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordOperation(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordLockWait(time.Duration, bool)           {}
func (NoopMetricsCollector) RecordTimeout()                               {}
func (NoopMetricsCollector) RecordEngineOpen(time.Duration, error)        {}
func (NoopMetricsCollector) RecordEngineClose(error)                      {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	OpCount            atomic.Int64
	OpErrors           atomic.Int64
	OpTotalNanos       atomic.Int64
	LockWaitCount      atomic.Int64
	LockWaitTotalNanos atomic.Int64
	LockRecoveries     atomic.Int64
	Timeouts           atomic.Int64
	EngineOpens        atomic.Int64
	EngineOpenErrors   atomic.Int64
	EngineCloses       atomic.Int64
	EngineCloseErrors  atomic.Int64
}

// RecordOperation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOperation(op string, duration time.Duration, err error) {
	b.OpCount.Add(1)
	b.OpTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.OpErrors.Add(1)
	}
}

// RecordLockWait implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLockWait(duration time.Duration, recovered bool) {
	b.LockWaitCount.Add(1)
	b.LockWaitTotalNanos.Add(duration.Nanoseconds())
	if recovered {
		b.LockRecoveries.Add(1)
	}
}

// RecordTimeout implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTimeout() {
	b.Timeouts.Add(1)
}

// RecordEngineOpen implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEngineOpen(duration time.Duration, err error) {
	b.EngineOpens.Add(1)
	if err != nil {
		b.EngineOpenErrors.Add(1)
	}
}

// RecordEngineClose implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEngineClose(err error) {
	b.EngineCloses.Add(1)
	if err != nil {
		b.EngineCloseErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		OpCount:           b.OpCount.Load(),
		OpErrors:          b.OpErrors.Load(),
		OpAvgNanos:        b.getAvgOpNanos(),
		LockWaitCount:     b.LockWaitCount.Load(),
		LockWaitAvgNanos:  b.getAvgLockWaitNanos(),
		LockRecoveries:    b.LockRecoveries.Load(),
		Timeouts:          b.Timeouts.Load(),
		EngineOpens:       b.EngineOpens.Load(),
		EngineOpenErrors:  b.EngineOpenErrors.Load(),
		EngineCloses:      b.EngineCloses.Load(),
		EngineCloseErrors: b.EngineCloseErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgOpNanos() int64 {
	count := b.OpCount.Load()
	if count == 0 {
		return 0
	}
	return b.OpTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgLockWaitNanos() int64 {
	count := b.LockWaitCount.Load()
	if count == 0 {
		return 0
	}
	return b.LockWaitTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	OpCount           int64
	OpErrors          int64
	OpAvgNanos        int64
	LockWaitCount     int64
	LockWaitAvgNanos  int64
	LockRecoveries    int64
	Timeouts          int64
	EngineOpens       int64
	EngineOpenErrors  int64
	EngineCloses      int64
	EngineCloseErrors int64
}
