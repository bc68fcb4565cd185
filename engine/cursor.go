package engine

// Cursor is a forward-only iterator over query results. Cursors are not
// safe for concurrent use. Close releases engine resources held by the
// iteration and must be called exactly once; it is idempotent.
type Cursor interface {
	// Next advances to the next document. It returns false at the end of
	// the result set or after an error (see Err).
	Next() bool

	// Document returns the current document. It is only valid after a true
	// Next.
	Document() Document

	// Err returns the first error the iteration hit, if any.
	Err() error

	// Close releases the cursor.
	Close() error
}

// SliceCursor iterates a materialized result slice. Engines that evaluate
// queries in memory wrap their results in one.
type SliceCursor struct {
	docs   []Document
	pos    int
	closed bool
}

// NewSliceCursor returns a cursor over docs.
func NewSliceCursor(docs []Document) *SliceCursor {
	return &SliceCursor{docs: docs, pos: -1}
}

func (c *SliceCursor) Next() bool {
	if c.closed || c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Document() Document {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return nil
	}
	return c.docs[c.pos]
}

func (c *SliceCursor) Err() error { return nil }

func (c *SliceCursor) Close() error {
	c.closed = true
	c.docs = nil
	return nil
}
