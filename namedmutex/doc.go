// Package namedmutex provides a machine-wide named lock derived from a file
// path, so that independent processes opening the same datafile agree on a
// single lock without any coordination channel besides the path itself.
//
// # Name Derivation
//
// The lock name is derived deterministically from the datafile path:
//
//	"Global\" + hex(sha1(lowercase(canonicalAbsolutePath(path)))) + ".Mutex"
//
// The derivation is part of the on-disk contract: any process, written in any
// language, that applies the same recipe to the same datafile arrives at the
// same lock. Changing it would silently break mutual exclusion between old
// and new binaries, so it is frozen.
//
// # Platform Support
//
//   - Windows: the derived name is used verbatim as a named kernel mutex in
//     the Global namespace. An abandoned mutex (previous holder died while
//     owning it) counts as a successful acquisition.
//   - Unix (Linux, macOS, BSD): no named kernel mutexes exist, so the name
//     becomes a lock file under the system temporary directory, guarded by
//     flock(2). The kernel drops the lock when the holder dies, so abandoned
//     locks never block. A JSON holder record inside the file makes recovery
//     from a dead holder observable.
//   - Other platforms: New fails with ErrUnsupported.
//
// # Usage
//
//	m, err := namedmutex.New("/data/app.db")
//	if err != nil { ... }
//	defer m.Close()
//
//	recovered, err := m.Acquire(ctx)
//	if err != nil { ... }
//	defer m.Release()
//
// Acquire polls with jittered pacing until the lock is free, the configured
// timeout elapses (ErrTimeout), or the context is canceled.
package namedmutex
