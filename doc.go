// Package sharedb provides safe shared access to an embedded database file.
//
// Multiple processes (and goroutines) may hold a DB for the same datafile at
// the same time. Every operation runs alone: a machine-wide lock derived from
// the datafile path serializes processes, an in-process entry flag serializes
// goroutines, and the storage engine is opened cold inside the held lock and
// closed again before it is released. The datafile is therefore never open in
// two places at once, at the cost of paying the open/close on every call.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := sharedb.Open("./app.db")
//	defer db.Close()
//
//	_, _ = db.Insert(ctx, "users", []engine.Document{
//	    {"name": "ada", "age": int64(36)},
//	}, engine.AutoIDInt64)
//
//	cur, _ := db.Query(ctx, "users", engine.Query{})
//	for doc, err := range cur.All() {
//	    if err != nil {
//	        break
//	    }
//	    fmt.Println(doc["name"])
//	}
//
// # Operation Windows
//
// Most operations open and close their window internally. Two kinds of
// operation keep the window open across calls:
//
//	ok, _ := db.BeginTrans(ctx)   // window opens
//	db.Insert(ctx, ...)           // runs inside it
//	db.Commit(ctx)                // window closes
//
//	cur, _ := db.Query(ctx, "users", engine.Query{})
//	defer cur.Close()             // window closes here, not at Query
//
// While a window is open every other user of the datafile blocks, so keep
// transactions short and close cursors promptly. Commit and Rollback without
// an open window report (false, nil) and touch nothing but the in-process
// flag.
//
// # Storage Engines
//
// The controller is engine-agnostic. The default backend is leveldb; sqlite
// and an in-memory engine ship alongside it:
//
//	db, _ := sharedb.Open("./app.db", sharedb.WithEngineFactory(sqlite.Factory))
//
// # Cross-Process Locking
//
// The lock name is derived deterministically from the canonical datafile
// path (see namedmutex.DeriveName), so every process that opens the same
// file contends on the same lock, with no coordination service involved.
// Abandoned locks left behind by dead processes are recovered automatically.
// Platforms without a usable machine-wide primitive fail at Open with
// namedmutex.ErrUnsupported.
package sharedb
