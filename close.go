package sharedb

import (
	"context"
)

// Close disposes the controller. A still-open operation window (an
// unfinished transaction or an unclosed cursor) is torn down: the engine is
// closed, the cross-process lock released and the platform primitive freed.
// Close waits for in-flight operations up to the retry budget and then
// proceeds, so a leaked window cannot wedge disposal.
//
// Close is idempotent and safe on a nil receiver. Later operations on the
// controller fail with ErrClosed.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}

	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx := context.Background()

	// Drain in-flight work. On timeout the flag is taken over anyway:
	// closed is already set, so the racing operation unwinds with
	// ErrClosed.
	flagErr := db.acquireFlag(ctx)

	db.mu.Lock()
	eng := db.eng
	db.eng = nil
	db.tx = false
	db.mu.Unlock()

	var firstErr error

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

	if err := db.mutex.Close(); err != nil && firstErr == nil {
		firstErr = &ReleaseError{cause: err}
	}

	db.busy.Store(false)

	if firstErr != nil {
		db.logger.LogClose(firstErr)
	} else {
		db.logger.LogClose(flagErr)
	}

	return firstErr
}
