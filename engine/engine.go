package engine

import (
	"context"
	"time"
)

// Engine is the storage contract behind the sharedb controller.
//
// Implementations do not need to be safe for concurrent use: the controller
// serializes access so that a single goroutine owns the engine between
// construction and Close. Boolean results follow the convention of the
// operations themselves (BeginTrans reports whether a transaction was
// started, EnsureIndex whether an index was created, and so on); they are
// results, not errors.
type Engine interface {
	// BeginTrans starts an explicit transaction. It returns false without
	// error when a transaction is already running.
	BeginTrans(ctx context.Context) (bool, error)

	// Commit commits the running transaction. It returns false without error
	// when no transaction is running.
	Commit(ctx context.Context) (bool, error)

	// Rollback aborts the running transaction. It returns false without
	// error when no transaction is running.
	Rollback(ctx context.Context) (bool, error)

	// Query executes q against a collection and returns a forward-only
	// cursor. Querying a collection that does not exist yields an empty
	// cursor, not an error.
	Query(ctx context.Context, collection string, q Query) (Cursor, error)

	// Pragma returns the value of a named database parameter.
	Pragma(ctx context.Context, name string) (any, error)

	// SetPragma updates a named database parameter. It returns false when
	// the stored value already equals the requested one.
	SetPragma(ctx context.Context, name string, value any) (bool, error)

	// Checkpoint moves committed state from the engine's log into the main
	// datafile and returns the number of log units processed (frames, pages
	// or documents, depending on the backend).
	Checkpoint(ctx context.Context) (int, error)

	// Rebuild rewrites the datafile compactly and returns the number of
	// bytes reclaimed.
	Rebuild(ctx context.Context, opts RebuildOptions) (int64, error)

	// Insert adds documents to a collection, creating it on first use.
	// Documents without an "_id" receive one according to autoID. It returns
	// the number of documents inserted.
	Insert(ctx context.Context, collection string, docs []Document, autoID AutoID) (int, error)

	// Update replaces documents matched by their "_id". Documents with no
	// matching ID are skipped. It returns the number of documents updated.
	Update(ctx context.Context, collection string, docs []Document) (int, error)

	// UpdateMany applies a mutation to every document matching the filter
	// and returns the number of documents changed.
	UpdateMany(ctx context.Context, collection string, m Mutation, f Filter) (int, error)

	// Upsert inserts or replaces documents by "_id" and returns the number
	// of documents that were newly inserted.
	Upsert(ctx context.Context, collection string, docs []Document, autoID AutoID) (int, error)

	// Delete removes documents by ID and returns the number removed.
	Delete(ctx context.Context, collection string, ids []any) (int, error)

	// DeleteMany removes every document matching the filter and returns the
	// number removed.
	DeleteMany(ctx context.Context, collection string, f Filter) (int, error)

	// DropCollection removes a collection with its indexes. It returns false
	// when the collection does not exist.
	DropCollection(ctx context.Context, name string) (bool, error)

	// RenameCollection renames a collection. It returns false when the
	// source does not exist; renaming onto an existing target is an error.
	RenameCollection(ctx context.Context, oldName, newName string) (bool, error)

	// DropIndex removes a named index. It returns false when the index does
	// not exist. The implicit "_id" index cannot be dropped.
	DropIndex(ctx context.Context, collection, name string) (bool, error)

	// EnsureIndex creates an index if it is missing. It returns false when
	// an identical index already exists.
	EnsureIndex(ctx context.Context, collection string, idx Index) (bool, error)

	// Collections lists the existing collection names in sorted order.
	Collections(ctx context.Context) ([]string, error)

	// Close releases the engine. A running transaction is rolled back.
	Close() error
}

// Factory constructs an Engine from settings. The controller calls it inside
// the held cross-process lock, once per operation window.
type Factory func(ctx context.Context, settings Settings) (Engine, error)

// Settings carries the engine constructor parameters. The controller passes
// them through opaquely.
type Settings struct {
	// Path is the datafile location. Backends interpret it their own way
	// (file for sqlite, directory for leveldb, optional snapshot file for
	// memory).
	Path string

	// ReadOnly opens the datafile without write access. Mutating operations
	// fail with ErrReadOnly.
	ReadOnly bool

	// Timeout bounds individual backend calls where the backend supports it
	// (busy timeout for sqlite). Zero means the backend default.
	Timeout time.Duration

	// Options holds backend-specific knobs.
	Options map[string]string
}

// RebuildOptions controls Rebuild.
type RebuildOptions struct {
	// TargetPath rewrites the datafile into a new location instead of in
	// place. Backends that cannot redirect the rewrite return
	// ErrRebuildTarget.
	TargetPath string
}
