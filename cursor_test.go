package sharedb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/sharedb/engine"
)

func TestCursorHoldsWindow(t *testing.T) {
	ctx := context.Background()
	db := newMemoryDB(t)

	_, err := db.Insert(ctx, "a", []engine.Document{{"x": 1}, {"x": 2}}, engine.AutoIDInt64)
	require.NoError(t, err)

	cur, err := db.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)

	// The entry flag and the engine stay held until Close.
	assert.True(t, db.busy.Load())
	assert.NotNil(t, db.currentEngine())

	// Documents round-trip through the snapshot between operation
	// windows, so numeric fields come back as float64.
	require.True(t, cur.Next())
	assert.Equal(t, float64(1), cur.Document()["x"])
	require.True(t, cur.Next())
	require.False(t, cur.Next())
	require.NoError(t, cur.Err())

	require.NoError(t, cur.Close())
	assert.False(t, db.busy.Load())
	assert.Nil(t, db.currentEngine())

	// Close is idempotent and keeps its first result.
	require.NoError(t, cur.Close())
}

func TestCursorAll(t *testing.T) {
	ctx := context.Background()
	db := newMemoryDB(t)

	_, err := db.Insert(ctx, "a", []engine.Document{{"x": 1}, {"x": 2}, {"x": 3}}, engine.AutoIDInt64)
	require.NoError(t, err)

	// 1. A full loop closes the cursor on the way out
	cur, err := db.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)

	var got []float64
	for doc, err := range cur.All() {
		require.NoError(t, err)
		got = append(got, doc["x"].(float64))
	}
	assert.Equal(t, []float64{1, 2, 3}, got)
	assert.False(t, db.busy.Load())

	// 2. Breaking out early closes it too
	cur, err = db.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)

	for doc, err := range cur.All() {
		require.NoError(t, err)
		_ = doc
		break
	}
	assert.False(t, db.busy.Load())
}

func TestQueryFailureTearsDown(t *testing.T) {
	ctx := context.Background()
	errStub := errors.New("stub: rejected")

	f := &stubFactory{prepare: func(s *stubEngine) { s.opErr = errStub }}
	db := newStubDB(t, f)

	_, err := db.Query(ctx, "a", engine.Query{})
	require.ErrorIs(t, err, errStub)

	// A failed query leaves no window behind.
	assert.Equal(t, 1, f.last.closes)
	assert.False(t, db.busy.Load())
	assert.Nil(t, db.currentEngine())
}

func TestCursorCloseSurfacesEngineError(t *testing.T) {
	ctx := context.Background()
	errClose := errors.New("stub: close failed")

	f := &stubFactory{prepare: func(s *stubEngine) { s.closeErr = errClose }}
	db := newStubDB(t, f)

	cur, err := db.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)

	err = cur.Close()
	require.ErrorIs(t, err, errClose)
	assert.False(t, db.busy.Load())

	// The second Close repeats the first result.
	require.ErrorIs(t, cur.Close(), errClose)
}
