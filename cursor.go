package sharedb

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/hupe1980/sharedb/engine"
)

// Cursor streams query results. It owns the cursor window opened by
// DB.Query: the engine stays open, the cross-process lock stays held and
// the entry flag stays set until Close, so iterate promptly and always
// close.
type Cursor struct {
	db    *DB
	inner engine.Cursor

	ctx   context.Context
	start time.Time

	once     sync.Once
	closeErr error
}

func newCursor(ctx context.Context, db *DB, inner engine.Cursor, start time.Time) *Cursor {
	return &Cursor{
		db:    db,
		inner: inner,
		ctx:   ctx,
		start: start,
	}
}

// Next advances to the next document. It returns false at the end of the
// result set or after an error (see Err).
func (c *Cursor) Next() bool {
	return c.inner.Next()
}

// Document returns the current document. It is only valid after a true
// Next.
func (c *Cursor) Document() engine.Document {
	return c.inner.Document()
}

// Err returns the first error the iteration hit, if any.
func (c *Cursor) Err() error {
	return c.inner.Err()
}

// Close ends the iteration and closes the cursor window: the engine is
// closed, the cross-process lock released and the entry flag cleared. Close
// is idempotent; later calls return the first result.
func (c *Cursor) Close() error {
	c.once.Do(func() {
		firstErr := c.inner.Close()

		if err := c.db.leave(c.ctx); err != nil && firstErr == nil {
			firstErr = err
		}

		duration := time.Since(c.start)
		c.db.metrics.RecordOperation("query", duration, firstErr)
		c.db.logger.LogOperation(c.ctx, "query", duration, firstErr)

		c.closeErr = firstErr
	})

	return c.closeErr
}

// All returns an iterator over the remaining documents that closes the
// cursor when the loop ends. An iteration error is yielded as the final
// pair with a nil document.
func (c *Cursor) All() iter.Seq2[engine.Document, error] {
	return func(yield func(engine.Document, error) bool) {
		defer c.Close() //nolint:errcheck

		for c.Next() {
			if !yield(c.Document(), nil) {
				return
			}
		}

		if err := c.Err(); err != nil {
			yield(nil, err)
		}
	}
}
