package sharedb_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/sharedb"
	"github.com/hupe1980/sharedb/engine"
	"github.com/hupe1980/sharedb/engine/memory"
)

func TestCloseIdempotentAndNilSafe(t *testing.T) {
	var nilDB *sharedb.DB
	require.NoError(t, nilDB.Close())

	db, err := sharedb.Open(filepath.Join(t.TempDir(), "app.db"),
		sharedb.WithEngineFactory(memory.Factory),
	)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestOperationsAfterClose(t *testing.T) {
	ctx := context.Background()

	db, err := sharedb.Open(filepath.Join(t.TempDir(), "app.db"),
		sharedb.WithEngineFactory(memory.Factory),
	)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Insert(ctx, "a", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.ErrorIs(t, err, sharedb.ErrClosed)

	_, err = db.Query(ctx, "a", engine.Query{})
	require.ErrorIs(t, err, sharedb.ErrClosed)

	_, err = db.Collections(ctx)
	require.ErrorIs(t, err, sharedb.ErrClosed)

	// Ending a transaction that cannot exist anymore is not an error.
	ok, err := db.Commit(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.Rollback(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseRollsBackOpenTransaction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.db")

	db, err := sharedb.Open(path, sharedb.WithEngineFactory(memory.Factory))
	require.NoError(t, err)

	_, err = db.Insert(ctx, "a", []engine.Document{{"kind": "kept"}}, engine.AutoIDInt64)
	require.NoError(t, err)

	ok, err := db.BeginTrans(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = db.Insert(ctx, "a", []engine.Document{{"kind": "staged"}}, engine.AutoIDInt64)
	require.NoError(t, err)

	require.NoError(t, db.Close())

	db2, err := sharedb.Open(path, sharedb.WithEngineFactory(memory.Factory))
	require.NoError(t, err)
	defer db2.Close()

	cur, err := db2.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)

	var kinds []string
	for doc, err := range cur.All() {
		require.NoError(t, err)
		kinds = append(kinds, doc["kind"].(string))
	}
	assert.Equal(t, []string{"kept"}, kinds)
}

func TestCloseWithOpenCursor(t *testing.T) {
	ctx := context.Background()

	db, err := sharedb.Open(filepath.Join(t.TempDir(), "app.db"),
		sharedb.WithEngineFactory(memory.Factory),
		sharedb.WithRetryBudget(5),
		sharedb.WithRetryWindow(time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)

	_, err = db.Insert(ctx, "a", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.NoError(t, err)

	cur, err := db.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)

	// Close cannot wait forever on the leaked window: it drains the retry
	// budget and then tears the window down itself.
	require.NoError(t, db.Close())

	require.NoError(t, cur.Close())

	_, err = db.Collections(ctx)
	require.ErrorIs(t, err, sharedb.ErrClosed)
}

// TestNoGoroutineLeaks cycles controllers through their full lifecycle and
// checks nothing stays behind.
func TestNoGoroutineLeaks(t *testing.T) {
	ctx := context.Background()

	before := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		db, err := sharedb.Open(filepath.Join(t.TempDir(), "app.db"),
			sharedb.WithEngineFactory(memory.Factory),
		)
		require.NoError(t, err)

		_, err = db.Insert(ctx, "a", []engine.Document{{"x": i}}, engine.AutoIDInt64)
		require.NoError(t, err)

		cur, err := db.Query(ctx, "a", engine.Query{})
		require.NoError(t, err)
		for cur.Next() {
		}
		require.NoError(t, cur.Close())

		ok, err := db.BeginTrans(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = db.Commit(ctx)
		require.NoError(t, err)

		require.NoError(t, db.Close())
	}

	// Give finished goroutines a moment to unwind.
	time.Sleep(100 * time.Millisecond)

	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+2,
		"goroutines before: %d, after: %d", before, after)
}
