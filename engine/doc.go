// Package engine defines the storage engine contract for sharedb.
//
// The sharedb controller never touches storage directly. Every operation is
// forwarded to an Engine that is constructed lazily inside the held
// cross-process lock and closed again before the lock is released. Engines
// can therefore assume single-caller access: at most one goroutine in one
// process uses an Engine instance at a time, for the lifetime of a single
// operation window.
//
// # Contract
//
//   - Construction happens through a Factory. Settings are passed through
//     from the controller unmodified.
//   - Engines own durability. Whatever an engine needs to survive a crash
//     (journal, WAL, atomic snapshot) is its own business; the controller
//     guarantees only that Close is called before the lock is released on
//     every non-cursor operation.
//   - Documents are plain maps keyed by field name with the identity stored
//     under "_id". Identity values are normalized (see NormalizeID) so that
//     a document round-tripped through JSON keeps matching its own ID.
//   - Filters and mutations are structural data, not expressions. Engines
//     may push them down (SQL WHERE, key-range scans) or fall back to the
//     shared in-memory evaluator (Filter.Match, Mutation.Apply).
//
// # Implementations
//
// Three adapters ship with sharedb:
//
//   - engine/leveldb: goleveldb key-value backend (default)
//   - engine/sqlite: single-file SQLite backend
//   - engine/memory: in-memory backend with optional snapshot persistence
package engine
