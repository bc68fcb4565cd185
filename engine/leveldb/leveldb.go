// Package leveldb provides the default storage engine, a document store on
// top of a goleveldb key-value database. The datafile is a directory.
//
// Documents are JSON values under keys that embed the collection name and
// the identity key, so a prefix scan yields one collection in natural
// order. Secondary indexes keep one entry per document and value; unique
// enforcement and equality scans resolve through these entries. Explicit
// transactions map onto goleveldb transactions, and every multi-document
// operation validates first and then commits a single atomic batch.
package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	ldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hupe1980/sharedb/engine"
)

// Factory constructs a leveldb engine from settings. It satisfies
// engine.Factory and is the controller's default.
func Factory(ctx context.Context, settings engine.Settings) (engine.Engine, error) {
	return Open(settings)
}

// Engine is a document store over one goleveldb database. It is
// single-owner, like every engine behind the controller, and not safe for
// concurrent use.
type Engine struct {
	path     string
	readOnly bool

	db *ldb.DB
	tr *ldb.Transaction

	// logged counts documents written since the last checkpoint; txLogged
	// holds the share pending in an open transaction. loadedLog remembers
	// the stored count, so Close only writes it back when it moved.
	logged    int
	txLogged  int
	loadedLog int

	closed bool
}

// Open opens or creates the datafile directory at settings.Path.
func Open(settings engine.Settings) (*Engine, error) {
	if settings.Path == "" {
		return nil, fmt.Errorf("leveldb: empty datafile path")
	}

	db, err := ldb.OpenFile(settings.Path, &opt.Options{ReadOnly: settings.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", settings.Path, err)
	}

	e := &Engine{
		path:     settings.Path,
		readOnly: settings.ReadOnly,
		db:       db,
	}

	// The checkpoint counter carries over from earlier opens.
	data, err := db.Get(loggedKey(), nil)
	switch {
	case errors.Is(err, ldb.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, fmt.Errorf("leveldb: open %s: %w", settings.Path, err)
	default:
		var n int
		if jerr := json.Unmarshal(data, &n); jerr == nil && n > 0 {
			e.logged = n
			e.loadedLog = n
		}
	}

	return e, nil
}

// store is the surface shared by *ldb.DB and *ldb.Transaction, so the
// operations below run unchanged inside and outside explicit transactions.
type store interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	Put(key, value []byte, wo *opt.WriteOptions) error
	Write(batch *ldb.Batch, wo *opt.WriteOptions) error
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func (e *Engine) store() store {
	if e.tr != nil {
		return e.tr
	}
	return e.db
}

func (e *Engine) writable() error {
	if e.closed {
		return engine.ErrClosed
	}
	if e.readOnly {
		return engine.ErrReadOnly
	}
	return nil
}

func (e *Engine) logWrites(n int) {
	if e.tr != nil {
		e.txLogged += n
	} else {
		e.logged += n
	}
}

// BeginTrans opens a goleveldb transaction; reads and writes run against
// it until Commit or Rollback. It returns false when a transaction is
// already open. goleveldb cannot open transactions on a read-only store.
func (e *Engine) BeginTrans(ctx context.Context) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if e.tr != nil {
		return false, nil
	}

	tr, err := e.db.OpenTransaction()
	if err != nil {
		return false, fmt.Errorf("leveldb: begin transaction: %w", err)
	}
	e.tr = tr

	return true, nil
}

// Commit commits the open transaction. It returns false without error when
// none is open.
func (e *Engine) Commit(ctx context.Context) (bool, error) {
	if e.closed {
		return false, engine.ErrClosed
	}

	if e.tr == nil {
		return false, nil
	}

	tr := e.tr
	e.tr = nil
	e.logged += e.txLogged
	e.txLogged = 0

	if err := tr.Commit(); err != nil {
		return false, fmt.Errorf("leveldb: commit: %w", err)
	}

	return true, nil
}

// Rollback discards the open transaction. It returns false without error
// when none is open.
func (e *Engine) Rollback(ctx context.Context) (bool, error) {
	if e.closed {
		return false, engine.ErrClosed
	}

	if e.tr == nil {
		return false, nil
	}

	e.tr.Discard()
	e.tr = nil
	e.txLogged = 0

	return true, nil
}

// Pragma returns a stored database parameter, or its default when the
// datafile has never stored one.
func (e *Engine) Pragma(ctx context.Context, name string) (any, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}

	fallback, known := engine.DefaultPragmas()[name]
	if !known {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownPragma, name)
	}

	data, err := e.store().Get(pragmaKey(name), nil)
	if errors.Is(err, ldb.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: read pragma %s: %w", name, err)
	}

	return decodePragma(name, data)
}

// SetPragma validates and stores a database parameter. It returns false
// when the stored value already equals the requested one.
func (e *Engine) SetPragma(ctx context.Context, name string, value any) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	norm, err := engine.NormalizePragma(name, value)
	if err != nil {
		return false, err
	}

	current, err := e.Pragma(ctx, name)
	if err != nil {
		return false, err
	}
	if current == norm {
		return false, nil
	}

	data, err := json.Marshal(norm)
	if err != nil {
		return false, fmt.Errorf("leveldb: encode pragma %s: %w", name, err)
	}
	if err := e.store().Put(pragmaKey(name), data, nil); err != nil {
		return false, fmt.Errorf("leveldb: write pragma %s: %w", name, err)
	}

	return true, nil
}

// Checkpoint compacts the store so its write log collapses into table
// files, and reports the number of documents written since the previous
// checkpoint. Inside an explicit transaction nothing is committed yet, so
// it reports zero.
func (e *Engine) Checkpoint(ctx context.Context) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	if e.tr != nil || e.logged == 0 {
		return 0, nil
	}

	if err := e.db.CompactRange(util.Range{}); err != nil {
		return 0, fmt.Errorf("leveldb: checkpoint: %w", err)
	}

	if err := e.db.Delete(loggedKey(), nil); err != nil {
		return 0, fmt.Errorf("leveldb: checkpoint: %w", err)
	}

	n := e.logged
	e.logged = 0
	e.loadedLog = 0

	return n, nil
}

// Rebuild compacts the whole key space and reports the bytes reclaimed in
// the datafile directory. goleveldb rewrites in place only, so a target
// path fails with ErrRebuildTarget.
func (e *Engine) Rebuild(ctx context.Context, opts engine.RebuildOptions) (int64, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	if opts.TargetPath != "" {
		return 0, fmt.Errorf("%w: leveldb rewrites in place", engine.ErrRebuildTarget)
	}

	// Compaction stalls behind an open transaction.
	if e.tr != nil {
		return 0, nil
	}

	before := dirSize(e.path)

	if err := e.db.CompactRange(util.Range{}); err != nil {
		return 0, fmt.Errorf("leveldb: rebuild: %w", err)
	}

	reclaimed := before - dirSize(e.path)
	if reclaimed < 0 {
		reclaimed = 0
	}

	return reclaimed, nil
}

func dirSize(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	var total int64
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil && !info.IsDir() {
			total += info.Size()
		}
	}

	return total
}

// Collections lists the collection names. The key space iterates in byte
// order, so the names come out sorted.
func (e *Engine) Collections(ctx context.Context) ([]string, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}

	p := colPrefix()
	it := e.store().NewIterator(util.BytesPrefix(p), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[len(p):]))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: list collections: %w", err)
	}

	return names, nil
}

// DropCollection removes a collection's record, documents, index
// definitions and index entries in one batch. It returns false when the
// collection does not exist.
func (e *Engine) DropCollection(ctx context.Context, name string) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	ok, err := e.store().Has(colKey(name), nil)
	if err != nil {
		return false, fmt.Errorf("leveldb: drop %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}

	batch := new(ldb.Batch)
	batch.Delete(colKey(name))
	for _, p := range [][]byte{docPrefix(name), idxPrefix(name), entriesPrefix(name)} {
		if err := e.deletePrefix(batch, p); err != nil {
			return false, fmt.Errorf("leveldb: drop %s: %w", name, err)
		}
	}

	if err := e.store().Write(batch, nil); err != nil {
		return false, fmt.Errorf("leveldb: drop %s: %w", name, err)
	}
	e.logWrites(1)

	return true, nil
}

// RenameCollection moves a collection's keys to the new name in one batch.
// It returns false when the source does not exist; renaming onto an
// existing target fails.
func (e *Engine) RenameCollection(ctx context.Context, oldName, newName string) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if err := engine.ValidateCollectionName(newName); err != nil {
		return false, err
	}

	ok, err := e.store().Has(colKey(oldName), nil)
	if err != nil {
		return false, fmt.Errorf("leveldb: rename %s: %w", oldName, err)
	}
	if !ok {
		return false, nil
	}

	taken, err := e.store().Has(colKey(newName), nil)
	if err != nil {
		return false, fmt.Errorf("leveldb: rename %s: %w", oldName, err)
	}
	if taken {
		return false, fmt.Errorf("%w: %q", engine.ErrCollectionExists, newName)
	}

	meta, err := e.store().Get(colKey(oldName), nil)
	if err != nil {
		return false, fmt.Errorf("leveldb: rename %s: %w", oldName, err)
	}

	batch := new(ldb.Batch)
	batch.Put(colKey(newName), meta)
	batch.Delete(colKey(oldName))

	moves := [][2][]byte{
		{docPrefix(oldName), docPrefix(newName)},
		{idxPrefix(oldName), idxPrefix(newName)},
		{entriesPrefix(oldName), entriesPrefix(newName)},
	}
	for _, m := range moves {
		if err := e.movePrefix(batch, m[0], m[1]); err != nil {
			return false, fmt.Errorf("leveldb: rename %s: %w", oldName, err)
		}
	}

	if err := e.store().Write(batch, nil); err != nil {
		return false, fmt.Errorf("leveldb: rename %s: %w", oldName, err)
	}
	e.logWrites(1)

	return true, nil
}

func (e *Engine) deletePrefix(batch *ldb.Batch, p []byte) error {
	it := e.store().NewIterator(util.BytesPrefix(p), nil)
	defer it.Release()

	for it.Next() {
		// The iterator reuses its slices between steps.
		batch.Delete(append([]byte(nil), it.Key()...))
	}

	return it.Error()
}

func (e *Engine) movePrefix(batch *ldb.Batch, from, to []byte) error {
	it := e.store().NewIterator(util.BytesPrefix(from), nil)
	defer it.Release()

	for it.Next() {
		rest := it.Key()[len(from):]
		moved := make([]byte, 0, len(to)+len(rest))
		moved = append(moved, to...)
		moved = append(moved, rest...)

		batch.Put(moved, append([]byte(nil), it.Value()...))
		batch.Delete(append([]byte(nil), it.Key()...))
	}

	return it.Error()
}

// Close discards a running transaction, writes back the checkpoint
// counter and closes the store. It is idempotent.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	if e.tr != nil {
		e.tr.Discard()
		e.tr = nil
		e.txLogged = 0
	}

	var firstErr error

	if !e.readOnly && e.logged != e.loadedLog {
		data, err := json.Marshal(e.logged)
		if err == nil {
			err = e.db.Put(loggedKey(), data, nil)
		}
		if err != nil {
			firstErr = fmt.Errorf("leveldb: close %s: %w", e.path, err)
		}
	}

	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("leveldb: close %s: %w", e.path, err)
	}

	return firstErr
}
