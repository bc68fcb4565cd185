package namedmutex

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/sharedb/internal/pacer"
)

var (
	// ErrUnsupported is returned by New on platforms without a usable
	// machine-wide locking primitive, or when the lock directory's
	// filesystem rejects flock(2).
	ErrUnsupported = errors.New("namedmutex: not supported")

	// ErrTimeout is returned by Acquire when the lock could not be taken
	// within the configured timeout.
	ErrTimeout = errors.New("namedmutex: acquisition timed out")

	// ErrHeld is returned by Acquire when this instance already holds the
	// lock. The lock is single-slot and non-reentrant.
	ErrHeld = errors.New("namedmutex: already held")
)

const (
	// DefaultTimeout bounds Acquire when no override is given.
	DefaultTimeout = 60 * time.Second

	// DefaultPollMin and DefaultPollMax bound the jittered pause between
	// acquisition attempts.
	DefaultPollMin = 5 * time.Millisecond
	DefaultPollMax = 25 * time.Millisecond
)

type options struct {
	timeout time.Duration
	pollMin time.Duration
	pollMax time.Duration
	dir     string
}

// Option configures a Mutex.
type Option func(*options)

// WithTimeout sets the acquisition timeout. Zero or negative values keep
// the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPollWindow sets the jitter window for the pause between acquisition
// attempts.
func WithPollWindow(min, max time.Duration) Option {
	return func(o *options) {
		o.pollMin = min
		o.pollMax = max
	}
}

// WithDir overrides the directory holding the lock file on unix platforms.
// It has no effect on Windows, where the lock is a kernel object.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// DeriveName returns the machine-wide lock name for a datafile path.
//
// The recipe is fixed: canonicalize the path, lowercase it, hash it with
// SHA-1, and wrap the lowercase hex digest in the Global mutex namespace.
func DeriveName(path string) (string, error) {
	canonical, err := canonicalPath(path)
	if err != nil {
		return "", err
	}

	return nameFor(canonical), nil
}

func nameFor(canonical string) string {
	sum := sha1.Sum([]byte(strings.ToLower(canonical)))
	return `Global\` + hex.EncodeToString(sum[:]) + ".Mutex"
}

// canonicalPath resolves path to an absolute, cleaned form with symlinks
// resolved where possible. The datafile may not exist yet, in which case the
// parent directory is resolved and the final element kept as given.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	if resolved, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(resolved, filepath.Base(abs)), nil
	}

	return abs, nil
}

// Mutex is a machine-wide lock tied to a datafile path. Instances are safe
// for concurrent use, but the lock itself is single-slot: a second Acquire
// on a held instance fails with ErrHeld.
type Mutex struct {
	name    string
	path    string
	timeout time.Duration
	pace    *pacer.Pacer

	mu   sync.Mutex
	held bool

	os *osMutex
}

// New derives the lock name for path and prepares the platform primitive.
// Construction is eager and fail-fast: on platforms without machine-wide
// locking, or when the lock file's filesystem cannot support flock(2), it
// returns ErrUnsupported immediately rather than failing on first use.
func New(path string, opts ...Option) (*Mutex, error) {
	o := options{
		timeout: DefaultTimeout,
		pollMin: DefaultPollMin,
		pollMax: DefaultPollMax,
	}
	for _, opt := range opts {
		opt(&o)
	}

	canonical, err := canonicalPath(path)
	if err != nil {
		return nil, err
	}

	name := nameFor(canonical)

	osm, err := newOSMutex(name, o.dir)
	if err != nil {
		return nil, err
	}

	return &Mutex{
		name:    name,
		path:    canonical,
		timeout: o.timeout,
		pace:    pacer.New(o.pollMin, o.pollMax),
		os:      osm,
	}, nil
}

// Acquire takes the lock, polling with jittered pacing until it is free.
// It fails with ErrTimeout once the configured timeout elapses, or with the
// context's error when ctx is canceled first.
//
// The returned bool reports recovery from abandonment: the previous holder
// died without releasing, and this acquisition took over.
func (m *Mutex) Acquire(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.held {
		m.mu.Unlock()
		return false, ErrHeld
	}
	m.mu.Unlock()

	deadline := time.Now().Add(m.timeout)

	for {
		acquired, recovered, err := m.os.tryAcquire()
		if err != nil {
			return false, err
		}

		if acquired {
			m.mu.Lock()
			m.held = true
			m.mu.Unlock()

			return recovered, nil
		}

		if time.Now().After(deadline) {
			return false, fmt.Errorf("%w: %s after %s", ErrTimeout, m.name, m.timeout)
		}

		if err := m.pace.Wait(ctx); err != nil {
			return false, err
		}
	}
}

// Release gives the lock back. Releasing an instance that does not hold the
// lock is a no-op. The held state is cleared even when the platform release
// fails, so a failed release never wedges this instance.
func (m *Mutex) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		return nil
	}

	m.held = false

	return m.os.release()
}

// Close releases the lock if held and frees the platform primitive. It is
// idempotent.
func (m *Mutex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.held {
		m.held = false
		err = m.os.release()
	}

	if cerr := m.os.close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

// Name returns the derived machine-wide lock name.
func (m *Mutex) Name() string { return m.name }

// Path returns the canonical datafile path the name was derived from.
func (m *Mutex) Path() string { return m.path }

// LockPath returns the lock file backing the mutex on unix platforms. It is
// empty on Windows.
func (m *Mutex) LockPath() string { return m.os.lockPath() }

// Holder returns the recorded holder of the lock file, or nil when no record
// exists or the platform keeps no record.
func (m *Mutex) Holder() (*Holder, error) { return m.os.holder() }
