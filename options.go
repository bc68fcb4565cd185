package sharedb

import (
	"log/slog"
	"time"

	"github.com/hupe1980/sharedb/engine"
)

const (
	// DefaultRetryBudget bounds how often an operation retries the
	// in-process entry flag before giving up.
	DefaultRetryBudget = 100

	// DefaultRetryMin and DefaultRetryMax bound the jittered pause between
	// entry flag retries.
	DefaultRetryMin = time.Millisecond
	DefaultRetryMax = 5 * time.Millisecond
)

type options struct {
	logger        *Logger
	metrics       MetricsCollector
	factory       engine.Factory
	engineOptions map[string]string
	readOnly      bool
	timeout       time.Duration
	lockTimeout   time.Duration
	lockDir       string
	retryBudget   int
	retryMin      time.Duration
	retryMax      time.Duration
}

// Option configures controller behavior at Open time.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := sharedb.NewJSONLogger(slog.LevelInfo)
//	db, _ := sharedb.Open(path, sharedb.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &sharedb.BasicMetricsCollector{}
//	db, _ := sharedb.Open(path, sharedb.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Ops: %d, Avg latency: %dns\n", stats.OpCount, stats.OpAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithEngineFactory selects the storage backend. The default is the leveldb
// backend.
func WithEngineFactory(f engine.Factory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithEngineOptions passes backend-specific knobs through to the engine
// factory.
func WithEngineOptions(opts map[string]string) Option {
	return func(o *options) {
		o.engineOptions = opts
	}
}

// WithReadOnly opens the datafile without write access. Mutating operations
// fail with engine.ErrReadOnly.
func WithReadOnly(readOnly bool) Option {
	return func(o *options) {
		o.readOnly = readOnly
	}
}

// WithTimeout bounds individual backend calls where the backend supports it
// (busy timeout for sqlite). Zero keeps the backend default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLockTimeout bounds how long an operation waits for the cross-process
// lock before failing with namedmutex.ErrTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithLockDir overrides the directory holding the lock file on unix
// platforms. It has no effect on Windows.
func WithLockDir(dir string) Option {
	return func(o *options) {
		o.lockDir = dir
	}
}

// WithRetryBudget sets how often an operation retries the in-process entry
// flag before failing with ErrAcquisitionTimeout.
func WithRetryBudget(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retryBudget = n
		}
	}
}

// WithRetryWindow sets the jitter window for the pause between entry flag
// retries.
func WithRetryWindow(min, max time.Duration) Option {
	return func(o *options) {
		o.retryMin = min
		o.retryMax = max
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:      NoopLogger(),
		metrics:     NoopMetricsCollector{},
		retryBudget: DefaultRetryBudget,
		retryMin:    DefaultRetryMin,
		retryMax:    DefaultRetryMax,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
