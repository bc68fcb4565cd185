// Package sqlite provides a storage engine on mattn/go-sqlite3. The
// datafile is a single SQLite database in WAL mode.
//
// Documents are JSON rows keyed by collection and identity key, so an
// ordered select yields one collection in natural order. Secondary indexes
// keep one row per document and value; unique enforcement and equality
// scans resolve through these rows. Explicit transactions map onto SQL
// transactions, and every multi-statement operation wraps itself in a
// transaction or savepoint, so a failing operation never leaves partial
// writes behind.
//
// The shared pragmas ride on their native counterparts where SQLite has
// one: user_version lives in the database header, timeout becomes the
// connection's busy timeout, checkpoint the WAL autocheckpoint threshold
// and limit_size the maximum page count.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/sharedb/engine"
)

//go:embed schema.sql
var schema string

// Factory constructs a sqlite engine from settings. It satisfies
// engine.Factory.
func Factory(ctx context.Context, settings engine.Settings) (engine.Engine, error) {
	return Open(ctx, settings)
}

// Engine is a document store over one SQLite database. It is single-owner,
// like every engine behind the controller, and not safe for concurrent use.
type Engine struct {
	path     string
	readOnly bool

	db *sql.DB
	tr *sql.Tx

	closed bool
}

// Open opens or creates the database file at settings.Path. The connection
// pool is pinned to one connection, so transactions and session pragmas
// stay on the session that set them.
func Open(ctx context.Context, settings engine.Settings) (*Engine, error) {
	if settings.Path == "" {
		return nil, fmt.Errorf("sqlite: empty datafile path")
	}

	dsn := settings.Path
	if settings.ReadOnly {
		dsn = "file:" + settings.Path + "?mode=ro"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", settings.Path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w", settings.Path, err)
	}

	e := &Engine{
		path:     settings.Path,
		readOnly: settings.ReadOnly,
		db:       db,
	}

	if !settings.ReadOnly {
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
			}
		}
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}

	if err := e.applySession(ctx, settings.Timeout); err != nil {
		_ = db.Close()
		return nil, err
	}

	return e, nil
}

// applySession wires the stored shared pragmas onto their SQLite session
// counterparts. The controller reopens the engine per operation, so a
// pragma written in one operation takes effect from the next one on.
func (e *Engine) applySession(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		stored, err := e.Pragma(ctx, engine.PragmaTimeout)
		if err != nil {
			return err
		}
		timeout = time.Duration(stored.(int64)) * time.Second
	}
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", timeout.Milliseconds())); err != nil {
		return fmt.Errorf("sqlite: set busy timeout: %w", err)
	}

	if e.readOnly {
		return nil
	}

	ckpt, err := e.Pragma(ctx, engine.PragmaCheckpoint)
	if err != nil {
		return err
	}
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", ckpt.(int64))); err != nil {
		return fmt.Errorf("sqlite: set wal autocheckpoint: %w", err)
	}

	limit, err := e.Pragma(ctx, engine.PragmaLimitSize)
	if err != nil {
		return err
	}
	if n := limit.(int64); n > 0 {
		var pageSize int64
		if err := e.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
			return fmt.Errorf("sqlite: read page size: %w", err)
		}
		pages := n / pageSize
		if pages < 1 {
			pages = 1
		}
		if _, err := e.db.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
			return fmt.Errorf("sqlite: set max page count: %w", err)
		}
	}

	return nil
}

// querier is the surface shared by *sql.DB and *sql.Tx, so the operations
// below run unchanged inside and outside explicit transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e *Engine) conn() querier {
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

// run executes fn atomically: inside a savepoint when an explicit
// transaction is open, inside a one-off transaction otherwise. A failing
// operation unwinds its own writes either way. Every statement fn issues
// must go through the passed querier; the pool holds a single connection
// and the transaction owns it.
func (e *Engine) run(ctx context.Context, fn func(q querier) error) error {
	if e.tr != nil {
		if _, err := e.tr.ExecContext(ctx, "SAVEPOINT op"); err != nil {
			return fmt.Errorf("sqlite: savepoint: %w", err)
		}
		if err := fn(e.tr); err != nil {
			_, _ = e.tr.ExecContext(ctx, "ROLLBACK TO op")
			_, _ = e.tr.ExecContext(ctx, "RELEASE op")
			return err
		}
		if _, err := e.tr.ExecContext(ctx, "RELEASE op"); err != nil {
			return fmt.Errorf("sqlite: release savepoint: %w", err)
		}
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}

	return nil
}

// BeginTrans opens a SQL transaction; reads and writes run against it
// until Commit or Rollback. It returns false when a transaction is already
// open.
func (e *Engine) BeginTrans(ctx context.Context) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if e.tr != nil {
		return false, nil
	}

	tr, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: begin transaction: %w", err)
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

	if err := tr.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: commit: %w", err)
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

	tr := e.tr
	e.tr = nil

	if err := tr.Rollback(); err != nil {
		return false, fmt.Errorf("sqlite: rollback: %w", err)
	}

	return true, nil
}

// Pragma returns a stored database parameter, or its default when the
// datafile has never stored one. The user version reads from SQLite's
// native user_version header field.
func (e *Engine) Pragma(ctx context.Context, name string) (any, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}

	fallback, known := engine.DefaultPragmas()[name]
	if !known {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownPragma, name)
	}

	if name == engine.PragmaUserVersion {
		var v int64
		if err := e.conn().QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
			return nil, fmt.Errorf("sqlite: read user_version: %w", err)
		}
		return v, nil
	}

	var data []byte
	err := e.conn().QueryRowContext(ctx, "SELECT value FROM pragmas WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read pragma %s: %w", name, err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("sqlite: decode pragma %s: %w", name, err)
	}

	return engine.NormalizePragma(name, raw)
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

	if name == engine.PragmaUserVersion {
		if _, err := e.conn().ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", norm.(int64))); err != nil {
			return false, fmt.Errorf("sqlite: write user_version: %w", err)
		}
		return true, nil
	}

	data, err := json.Marshal(norm)
	if err != nil {
		return false, fmt.Errorf("sqlite: encode pragma %s: %w", name, err)
	}
	if _, err := e.conn().ExecContext(ctx,
		"INSERT INTO pragmas (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
		name, string(data),
	); err != nil {
		return false, fmt.Errorf("sqlite: write pragma %s: %w", name, err)
	}

	return true, nil
}

// Checkpoint moves the WAL frames into the main datafile, truncates the
// log and reports the number of frames moved. Inside an explicit
// transaction nothing is committed yet, so it reports zero.
func (e *Engine) Checkpoint(ctx context.Context) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	if e.tr != nil {
		return 0, nil
	}

	// A truncating checkpoint resets the frame counters before reporting
	// them, so count with a passive pass first.
	var busy, logFrames, moved int
	err := e.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logFrames, &moved)
	if err != nil {
		return 0, fmt.Errorf("sqlite: checkpoint: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return 0, fmt.Errorf("sqlite: truncate wal: %w", err)
	}
	if moved < 0 {
		moved = 0
	}

	return moved, nil
}

// Rebuild vacuums the database and reports the bytes reclaimed. With a
// target path it runs VACUUM INTO, leaving the original untouched, and
// reports how much smaller the copy came out.
func (e *Engine) Rebuild(ctx context.Context, opts engine.RebuildOptions) (int64, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	// VACUUM cannot run inside a transaction.
	if e.tr != nil {
		return 0, nil
	}

	before := fileSize(e.path)

	if opts.TargetPath != "" {
		if _, err := e.db.ExecContext(ctx, "VACUUM INTO ?", opts.TargetPath); err != nil {
			return 0, fmt.Errorf("sqlite: rebuild into %s: %w", opts.TargetPath, err)
		}
		reclaimed := before - fileSize(opts.TargetPath)
		if reclaimed < 0 {
			reclaimed = 0
		}
		return reclaimed, nil
	}

	if _, err := e.db.ExecContext(ctx, "VACUUM"); err != nil {
		return 0, fmt.Errorf("sqlite: rebuild: %w", err)
	}

	reclaimed := before - fileSize(e.path)
	if reclaimed < 0 {
		reclaimed = 0
	}

	return reclaimed, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Collections lists the collection names in sorted order.
func (e *Engine) Collections(ctx context.Context) ([]string, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}

	rows, err := e.conn().QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("sqlite: list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: list collections: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list collections: %w", err)
	}

	return names, nil
}

// DropCollection removes a collection's record, documents, index
// definitions and index rows in one transaction. It returns false when the
// collection does not exist.
func (e *Engine) DropCollection(ctx context.Context, name string) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	dropped := false
	err := e.run(ctx, func(q querier) error {
		_, exists, err := meta(ctx, q, name)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		for _, stmt := range []string{
			"DELETE FROM collections WHERE name = ?",
			"DELETE FROM documents WHERE collection = ?",
			"DELETE FROM indexes WHERE collection = ?",
			"DELETE FROM index_entries WHERE collection = ?",
		} {
			if _, err := q.ExecContext(ctx, stmt, name); err != nil {
				return fmt.Errorf("sqlite: drop %s: %w", name, err)
			}
		}
		dropped = true

		return nil
	})
	if err != nil {
		return false, err
	}

	return dropped, nil
}

// RenameCollection moves a collection's rows to the new name in one
// transaction. It returns false when the source does not exist; renaming
// onto an existing target fails.
func (e *Engine) RenameCollection(ctx context.Context, oldName, newName string) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if err := engine.ValidateCollectionName(newName); err != nil {
		return false, err
	}

	renamed := false
	err := e.run(ctx, func(q querier) error {
		_, exists, err := meta(ctx, q, oldName)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		_, taken, err := meta(ctx, q, newName)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %q", engine.ErrCollectionExists, newName)
		}

		for _, stmt := range []string{
			"UPDATE collections SET name = ? WHERE name = ?",
			"UPDATE documents SET collection = ? WHERE collection = ?",
			"UPDATE indexes SET collection = ? WHERE collection = ?",
			"UPDATE index_entries SET collection = ? WHERE collection = ?",
		} {
			if _, err := q.ExecContext(ctx, stmt, newName, oldName); err != nil {
				return fmt.Errorf("sqlite: rename %s: %w", oldName, err)
			}
		}
		renamed = true

		return nil
	})
	if err != nil {
		return false, err
	}

	return renamed, nil
}

// Close rolls back a running transaction and closes the database. Closing
// the sole connection checkpoints the WAL, so the datafile stands alone
// afterwards. Close is idempotent.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	if e.tr != nil {
		_ = e.tr.Rollback()
		e.tr = nil
	}

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close %s: %w", e.path, err)
	}

	return nil
}
