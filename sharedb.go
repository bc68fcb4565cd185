package sharedb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/sharedb/engine"
	"github.com/hupe1980/sharedb/engine/leveldb"
	"github.com/hupe1980/sharedb/internal/pacer"
	"github.com/hupe1980/sharedb/namedmutex"
)

// DB is a shared-access controller for one datafile. It serializes every
// operation behind an in-process entry flag and a machine-wide lock derived
// from the datafile path, and keeps the storage engine cold: the engine is
// constructed inside the held lock and closed again before the lock is
// released, for every operation.
//
// Two kinds of operation keep the engine open across calls. BeginTrans opens
// a transaction window: the engine and the lock stay held, follow-up calls
// on the controller run inside the window, and Commit or Rollback closes it.
// Query opens a cursor window that stays open until the cursor is closed;
// unlike a transaction window it admits no other calls.
//
// A DB is safe for concurrent use. Concurrency buys no parallelism: all
// operations on the same datafile are exclusive, across goroutines and
// across processes.
type DB struct {
	path     string
	mutex    *namedmutex.Mutex
	factory  engine.Factory
	settings engine.Settings

	logger  *Logger
	metrics MetricsCollector

	retryBudget int
	retryPace   *pacer.Pacer

	// busy is the single-slot entry flag. It is held per call, not per
	// window, and carries no owner identity: only one level of re-entry
	// is distinguished, via the open engine handle.
	busy   atomic.Bool
	closed atomic.Bool

	// mu guards the window state. eng is non-nil only while the lock is
	// held; tx marks a transaction window, which keeps eng open across
	// calls.
	mu  sync.Mutex
	eng engine.Engine
	tx  bool
}

// Open prepares a controller for the datafile at path. Construction is
// eager for the lock (unsupported platforms fail here, wrapped around
// namedmutex.ErrUnsupported) and lazy for the engine: the datafile is not
// touched until the first operation.
func Open(path string, optFns ...Option) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sharedb: empty datafile path")
	}

	opts := applyOptions(optFns)

	mutex, err := namedmutex.New(path,
		namedmutex.WithTimeout(opts.lockTimeout),
		namedmutex.WithDir(opts.lockDir),
	)
	if err != nil {
		return nil, fmt.Errorf("sharedb: lock for %s: %w", path, err)
	}

	factory := opts.factory
	if factory == nil {
		factory = leveldb.Factory
	}

	db := &DB{
		path:    path,
		mutex:   mutex,
		factory: factory,
		settings: engine.Settings{
			Path:     path,
			ReadOnly: opts.readOnly,
			Timeout:  opts.timeout,
			Options:  opts.engineOptions,
		},
		logger:      opts.logger,
		metrics:     opts.metrics,
		retryBudget: opts.retryBudget,
		retryPace:   pacer.New(opts.retryMin, opts.retryMax),
	}

	db.logger.LogOpen(path, mutex.Name())

	return db, nil
}

// Path returns the datafile path this controller serializes access to.
func (db *DB) Path() string { return db.path }

// LockName returns the derived machine-wide lock name.
func (db *DB) LockName() string { return db.mutex.Name() }

// acquireFlag takes the entry flag, retrying with jittered pacing up to the
// retry budget.
func (db *DB) acquireFlag(ctx context.Context) error {
	for attempt := 0; attempt < db.retryBudget; attempt++ {
		if db.busy.CompareAndSwap(false, true) {
			return nil
		}

		if err := db.retryPace.Wait(ctx); err != nil {
			return err
		}
	}

	db.metrics.RecordTimeout()

	return fmt.Errorf("%w: entry flag after %d attempts", ErrAcquisitionTimeout, db.retryBudget)
}

// currentEngine returns the engine handle if an operation window is open.
func (db *DB) currentEngine() engine.Engine {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.eng
}

// enter runs the acquisition ladder for one call: entry flag, then either
// join an open transaction window or take the cross-process lock and
// construct a cold engine. Every failure unwinds the steps already taken,
// so a failed enter leaves no state behind.
func (db *DB) enter(ctx context.Context) (engine.Engine, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	// 1. In-process entry flag, held for the duration of this call.
	if err := db.acquireFlag(ctx); err != nil {
		return nil, err
	}

	// Close may have won the race for the flag.
	if db.closed.Load() {
		db.busy.Store(false)
		return nil, ErrClosed
	}

	// 2. An engine left open under a won flag is a transaction window;
	// the lock is already held by this controller, so the call joins
	// instead of deadlocking on a second acquisition.
	if eng := db.currentEngine(); eng != nil {
		return eng, nil
	}

	// 3. Machine-wide lock.
	lockStart := time.Now()

	recovered, err := db.mutex.Acquire(ctx)
	if err != nil {
		db.busy.Store(false)
		if errors.Is(err, namedmutex.ErrTimeout) {
			db.metrics.RecordTimeout()
		}
		return nil, err
	}

	db.metrics.RecordLockWait(time.Since(lockStart), recovered)
	db.logger.LogLockAcquired(ctx, time.Since(lockStart), recovered)

	// 4. Cold engine, constructed inside the held lock.
	openStart := time.Now()

	eng, err := db.factory(ctx, db.settings)
	if err != nil {
		db.metrics.RecordEngineOpen(time.Since(openStart), err)

		// The lock must never stay held behind a failed construction.
		if rerr := db.mutex.Release(); rerr != nil {
			db.logger.LogReleaseFailed(ctx, rerr)
		}
		db.busy.Store(false)

		return nil, &EngineError{Path: db.path, cause: err}
	}

	db.metrics.RecordEngineOpen(time.Since(openStart), nil)
	db.logger.LogEngineOpened(ctx, time.Since(openStart))

	db.mu.Lock()
	db.eng = eng
	db.mu.Unlock()

	return eng, nil
}

// leave unwinds enter: engine close, lock release, flag clear, in that
// order. An open transaction window keeps the engine and the lock; only the
// flag is given back. The flag is cleared unconditionally so a failed
// release never wedges the controller.
func (db *DB) leave(ctx context.Context) error {
	db.mu.Lock()
	eng := db.eng
	keep := db.tx
	if !keep {
		db.eng = nil
	}
	db.mu.Unlock()

	var firstErr error

	if !keep {
		if eng != nil {
			err := eng.Close()
			db.metrics.RecordEngineClose(err)
			if err != nil {
				firstErr = err
				db.logger.LogEngineClosed(ctx, err)
			}
		}

		if err := db.mutex.Release(); err != nil {
			if firstErr == nil {
				firstErr = &ReleaseError{cause: err}
			} else {
				db.logger.LogReleaseFailed(ctx, err)
			}
		}
	}

	db.busy.Store(false)

	return firstErr
}

// run dispatches one operation through the full ladder: enter, invoke,
// leave. Engine errors pass through unmodified; cleanup errors surface only
// when the operation itself succeeded.
func run[T any](ctx context.Context, db *DB, op string, fn func(context.Context, engine.Engine) (T, error)) (T, error) {
	var zero T

	start := time.Now()

	eng, err := db.enter(ctx)
	if err != nil {
		db.metrics.RecordOperation(op, time.Since(start), err)
		db.logger.LogOperation(ctx, op, time.Since(start), err)

		return zero, err
	}

	out, opErr := fn(ctx, eng)

	if cerr := db.leave(ctx); cerr != nil && opErr == nil {
		opErr = cerr
	}

	duration := time.Since(start)
	db.metrics.RecordOperation(op, duration, opErr)
	db.logger.LogOperation(ctx, op, duration, opErr)

	if opErr != nil {
		return zero, opErr
	}

	return out, nil
}

// BeginTrans starts an explicit transaction. On success a transaction
// window opens: the engine and the cross-process lock stay held, follow-up
// operations on this controller run inside the window, and other processes
// block until Commit or Rollback closes it. When a transaction is already
// running it reports (false, nil) and the existing window is untouched.
func (db *DB) BeginTrans(ctx context.Context) (bool, error) {
	start := time.Now()

	eng, err := db.enter(ctx)
	if err != nil {
		db.metrics.RecordOperation("begin_trans", time.Since(start), err)
		db.logger.LogOperation(ctx, "begin_trans", time.Since(start), err)

		return false, err
	}

	ok, opErr := eng.BeginTrans(ctx)
	if opErr == nil && ok {
		db.mu.Lock()
		db.tx = true
		db.mu.Unlock()
	}

	// Without a started transaction leave tears the call down; with one it
	// keeps the window and only gives the flag back.
	if cerr := db.leave(ctx); cerr != nil && opErr == nil {
		opErr = cerr
	}

	duration := time.Since(start)
	db.metrics.RecordOperation("begin_trans", duration, opErr)
	db.logger.LogOperation(ctx, "begin_trans", duration, opErr)

	if opErr != nil {
		return false, opErr
	}

	return ok, nil
}

// Commit commits the transaction started by BeginTrans and closes its
// window. Without an open window (or after Close) it reports (false, nil)
// touching only the in-process flag, so concurrent callers observe no lock
// traffic.
func (db *DB) Commit(ctx context.Context) (bool, error) {
	return db.endTrans(ctx, "commit", engine.Engine.Commit)
}

// Rollback aborts the transaction started by BeginTrans and closes its
// window. Without an open window (or after Close) it reports (false, nil)
// touching only the in-process flag.
func (db *DB) Rollback(ctx context.Context) (bool, error) {
	return db.endTrans(ctx, "rollback", engine.Engine.Rollback)
}

func (db *DB) endTrans(ctx context.Context, op string, fn func(engine.Engine, context.Context) (bool, error)) (bool, error) {
	start := time.Now()

	// Nothing to end: touch the flag and give it straight back, without
	// any cross-process lock traffic.
	if db.closed.Load() || db.currentEngine() == nil {
		if db.busy.CompareAndSwap(false, true) {
			db.busy.Store(false)
		}

		db.metrics.RecordOperation(op, time.Since(start), nil)
		db.logger.LogOperation(ctx, op, time.Since(start), nil)

		return false, nil
	}

	if err := db.acquireFlag(ctx); err != nil {
		db.metrics.RecordOperation(op, time.Since(start), err)
		db.logger.LogOperation(ctx, op, time.Since(start), err)

		return false, err
	}

	eng := db.currentEngine()
	if eng == nil {
		// The window closed while we waited for the flag.
		db.busy.Store(false)

		db.metrics.RecordOperation(op, time.Since(start), nil)
		db.logger.LogOperation(ctx, op, time.Since(start), nil)

		return false, nil
	}

	ok, opErr := fn(eng, ctx)

	db.mu.Lock()
	db.tx = false
	db.mu.Unlock()

	if cerr := db.leave(ctx); cerr != nil && opErr == nil {
		opErr = cerr
	}

	duration := time.Since(start)
	db.metrics.RecordOperation(op, duration, opErr)
	db.logger.LogOperation(ctx, op, duration, opErr)

	if opErr != nil {
		return false, opErr
	}

	return ok, nil
}

// Query executes q against a collection. The returned cursor owns a cursor
// window: the engine stays open, the lock stays held and the entry flag
// stays set until Cursor.Close, so every other call on this datafile blocks
// until then.
func (db *DB) Query(ctx context.Context, collection string, q engine.Query) (*Cursor, error) {
	start := time.Now()

	eng, err := db.enter(ctx)
	if err != nil {
		db.metrics.RecordOperation("query", time.Since(start), err)
		db.logger.LogOperation(ctx, "query", time.Since(start), err)

		return nil, err
	}

	inner, opErr := eng.Query(ctx, collection, q)
	if opErr != nil {
		if cerr := db.leave(ctx); cerr != nil {
			db.logger.LogReleaseFailed(ctx, cerr)
		}

		db.metrics.RecordOperation("query", time.Since(start), opErr)
		db.logger.LogOperation(ctx, "query", time.Since(start), opErr)

		return nil, opErr
	}

	return newCursor(ctx, db, inner, start), nil
}

// Pragma returns the value of a named database parameter.
func (db *DB) Pragma(ctx context.Context, name string) (any, error) {
	return run(ctx, db, "pragma", func(ctx context.Context, e engine.Engine) (any, error) {
		return e.Pragma(ctx, name)
	})
}

// SetPragma updates a named database parameter.
func (db *DB) SetPragma(ctx context.Context, name string, value any) (bool, error) {
	return run(ctx, db, "set_pragma", func(ctx context.Context, e engine.Engine) (bool, error) {
		return e.SetPragma(ctx, name, value)
	})
}

// Checkpoint moves committed state from the engine's log into the main
// datafile and returns the number of log units processed.
func (db *DB) Checkpoint(ctx context.Context) (int, error) {
	return run(ctx, db, "checkpoint", func(ctx context.Context, e engine.Engine) (int, error) {
		return e.Checkpoint(ctx)
	})
}

// Rebuild rewrites the datafile compactly and returns the number of bytes
// reclaimed.
func (db *DB) Rebuild(ctx context.Context, opts engine.RebuildOptions) (int64, error) {
	return run(ctx, db, "rebuild", func(ctx context.Context, e engine.Engine) (int64, error) {
		return e.Rebuild(ctx, opts)
	})
}

// Insert adds documents to a collection, creating it on first use, and
// returns the number of documents inserted.
func (db *DB) Insert(ctx context.Context, collection string, docs []engine.Document, autoID engine.AutoID) (int, error) {
	return run(ctx, db, "insert", func(ctx context.Context, e engine.Engine) (int, error) {
		return e.Insert(ctx, collection, docs, autoID)
	})
}

// Update replaces documents matched by their "_id" and returns the number of
// documents updated.
func (db *DB) Update(ctx context.Context, collection string, docs []engine.Document) (int, error) {
	return run(ctx, db, "update", func(ctx context.Context, e engine.Engine) (int, error) {
		return e.Update(ctx, collection, docs)
	})
}

// UpdateMany applies a mutation to every document matching the filter and
// returns the number of documents changed.
func (db *DB) UpdateMany(ctx context.Context, collection string, m engine.Mutation, f engine.Filter) (int, error) {
	return run(ctx, db, "update_many", func(ctx context.Context, e engine.Engine) (int, error) {
		return e.UpdateMany(ctx, collection, m, f)
	})
}

// Upsert inserts or replaces documents by "_id" and returns the number of
// documents that were newly inserted.
func (db *DB) Upsert(ctx context.Context, collection string, docs []engine.Document, autoID engine.AutoID) (int, error) {
	return run(ctx, db, "upsert", func(ctx context.Context, e engine.Engine) (int, error) {
		return e.Upsert(ctx, collection, docs, autoID)
	})
}

// Delete removes documents by ID and returns the number removed.
func (db *DB) Delete(ctx context.Context, collection string, ids []any) (int, error) {
	return run(ctx, db, "delete", func(ctx context.Context, e engine.Engine) (int, error) {
		return e.Delete(ctx, collection, ids)
	})
}

// DeleteMany removes every document matching the filter and returns the
// number removed.
func (db *DB) DeleteMany(ctx context.Context, collection string, f engine.Filter) (int, error) {
	return run(ctx, db, "delete_many", func(ctx context.Context, e engine.Engine) (int, error) {
		return e.DeleteMany(ctx, collection, f)
	})
}

// DropCollection removes a collection with its indexes.
func (db *DB) DropCollection(ctx context.Context, name string) (bool, error) {
	return run(ctx, db, "drop_collection", func(ctx context.Context, e engine.Engine) (bool, error) {
		return e.DropCollection(ctx, name)
	})
}

// RenameCollection renames a collection.
func (db *DB) RenameCollection(ctx context.Context, oldName, newName string) (bool, error) {
	return run(ctx, db, "rename_collection", func(ctx context.Context, e engine.Engine) (bool, error) {
		return e.RenameCollection(ctx, oldName, newName)
	})
}

// DropIndex removes a named index.
func (db *DB) DropIndex(ctx context.Context, collection, name string) (bool, error) {
	return run(ctx, db, "drop_index", func(ctx context.Context, e engine.Engine) (bool, error) {
		return e.DropIndex(ctx, collection, name)
	})
}

// EnsureIndex creates an index if it is missing.
func (db *DB) EnsureIndex(ctx context.Context, collection string, idx engine.Index) (bool, error) {
	return run(ctx, db, "ensure_index", func(ctx context.Context, e engine.Engine) (bool, error) {
		return e.EnsureIndex(ctx, collection, idx)
	})
}

// Collections lists the existing collection names in sorted order.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	return run(ctx, db, "collections", func(ctx context.Context, e engine.Engine) ([]string, error) {
		return e.Collections(ctx)
	})
}
