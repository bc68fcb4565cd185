package engine

import "errors"

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrCollectionNotFound is returned when an operation requires a
	// collection that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionExists is returned when renaming onto an existing
	// collection.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrIndexNotFound is returned when an operation requires an index that
	// does not exist.
	ErrIndexNotFound = errors.New("index not found")

	// ErrIndexExists is returned by EnsureIndex when the name is taken by an
	// index with a different definition.
	ErrIndexExists = errors.New("index exists with a different definition")

	// ErrInvalidIndex is returned for index definitions that violate the
	// naming rule or cover no field.
	ErrInvalidIndex = errors.New("invalid index definition")

	// ErrDuplicateKey is returned when an insert or update violates the
	// "_id" identity or a unique index.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrReadOnly is returned by mutating operations on a read-only engine.
	ErrReadOnly = errors.New("engine is read-only")

	// ErrInvalidDocument is returned for documents that cannot be stored,
	// for example an unsupported "_id" type.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrInvalidCollectionName is returned for collection names outside
	// [A-Za-z][A-Za-z0-9_-]*.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrUnknownPragma is returned for pragma names outside the shared set.
	ErrUnknownPragma = errors.New("unknown pragma")

	// ErrInvalidPragmaValue is returned when a pragma value has the wrong
	// type or range.
	ErrInvalidPragmaValue = errors.New("invalid pragma value")

	// ErrRebuildTarget is returned by backends that cannot rebuild into a
	// separate target path.
	ErrRebuildTarget = errors.New("rebuild target not supported")
)
