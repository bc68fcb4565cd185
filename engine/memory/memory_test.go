package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/sharedb/engine"
	"github.com/hupe1980/sharedb/internal/fs"
)

func newVolatile(t *testing.T) *Engine {
	t.Helper()

	e, err := Open(engine.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return e
}

func drain(t *testing.T, cur engine.Cursor) []engine.Document {
	t.Helper()

	var docs []engine.Document
	for cur.Next() {
		docs = append(docs, cur.Document())
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())

	return docs
}

func TestInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	// 1. Insert with auto identities
	n, err := e.Insert(ctx, "users", []engine.Document{
		{"name": "ada", "age": int64(36)},
		{"name": "grace", "age": int64(45)},
		{"name": "linus", "age": int64(28)},
	}, engine.AutoIDInt64)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// 2. Natural order follows the assigned sequence
	cur, err := e.Query(ctx, "users", engine.Query{})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 3)
	assert.Equal(t, "ada", docs[0]["name"])
	assert.Equal(t, int64(1), docs[0][engine.IDField])
	assert.Equal(t, "linus", docs[2]["name"])

	// 3. Filter, sort, window and projection
	cur, err = e.Query(ctx, "users", engine.Query{
		Filter: engine.Gte("age", 30),
		Sort:   []engine.SortField{{Field: "age", Desc: true}},
		Limit:  1,
		Fields: []string{"name"},
	})
	require.NoError(t, err)
	docs = drain(t, cur)
	require.Len(t, docs, 1)
	assert.Equal(t, "grace", docs[0]["name"])
	assert.Contains(t, docs[0], engine.IDField)
	assert.NotContains(t, docs[0], "age")

	// 4. Querying a missing collection yields an empty cursor
	cur, err = e.Query(ctx, "nope", engine.Query{})
	require.NoError(t, err)
	assert.Empty(t, drain(t, cur))
}

func TestInsertIsolatesCallerDocuments(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	doc := engine.Document{"name": "ada"}
	_, err := e.Insert(ctx, "users", []engine.Document{doc}, engine.AutoIDInt64)
	require.NoError(t, err)

	// The caller's map gained no identity and later caller mutations do
	// not reach the store.
	assert.NotContains(t, doc, engine.IDField)
	doc["name"] = "mallory"

	cur, err := e.Query(ctx, "users", engine.Query{})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 1)
	assert.Equal(t, "ada", docs[0]["name"])
}

func TestAutoIDModes(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	// 1. AutoIDNone rejects documents without an identity
	_, err := e.Insert(ctx, "a", []engine.Document{{"x": 1}}, engine.AutoIDNone)
	require.ErrorIs(t, err, engine.ErrInvalidDocument)

	// 2. Explicit identities advance the sequence
	_, err = e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(10), "x": 1}}, engine.AutoIDInt64)
	require.NoError(t, err)
	_, err = e.Insert(ctx, "a", []engine.Document{{"x": 2}}, engine.AutoIDInt64)
	require.NoError(t, err)

	cur, err := e.Query(ctx, "a", engine.Query{Filter: engine.Eq("x", 2)})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(11), docs[0][engine.IDField])

	// 3. AutoIDUUID assigns string identities
	_, err = e.Insert(ctx, "b", []engine.Document{{"x": 3}}, engine.AutoIDUUID)
	require.NoError(t, err)

	cur, err = e.Query(ctx, "b", engine.Query{})
	require.NoError(t, err)
	docs = drain(t, cur)
	require.Len(t, docs, 1)
	assert.IsType(t, "", docs[0][engine.IDField])
}

func TestInsertDuplicateID(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(1)}}, engine.AutoIDNone)
	require.NoError(t, err)

	// The batch fails atomically: the second document never lands.
	_, err = e.Insert(ctx, "a", []engine.Document{
		{engine.IDField: int64(2), "tag": "new"},
		{engine.IDField: int64(1)},
	}, engine.AutoIDNone)
	require.ErrorIs(t, err, engine.ErrDuplicateKey)

	cur, err := e.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)
	assert.Len(t, drain(t, cur), 1)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.Insert(ctx, "a", []engine.Document{
		{engine.IDField: int64(1), "v": int64(1)},
		{engine.IDField: int64(2), "v": int64(2)},
	}, engine.AutoIDNone)
	require.NoError(t, err)

	// Missing identities are skipped, not errors.
	n, err := e.Update(ctx, "a", []engine.Document{
		{engine.IDField: int64(1), "v": int64(10)},
		{engine.IDField: int64(9), "v": int64(90)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err := e.Query(ctx, "a", engine.Query{Filter: engine.Eq(engine.IDField, 1)})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(10), docs[0]["v"])
}

func TestUpdateMany(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.Insert(ctx, "a", []engine.Document{
		{"grp": "x", "hits": int64(1)},
		{"grp": "x", "hits": int64(2)},
		{"grp": "y", "hits": int64(3)},
	}, engine.AutoIDInt64)
	require.NoError(t, err)

	n, err := e.UpdateMany(ctx, "a",
		engine.Mutation{Inc: map[string]float64{"hits": 10}, Set: map[string]any{"seen": true}},
		engine.Eq("grp", "x"),
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cur, err := e.Query(ctx, "a", engine.Query{Filter: engine.Eq("grp", "y")})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(3), docs[0]["hits"])
	assert.NotContains(t, docs[0], "seen")
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(1), "v": "old"}}, engine.AutoIDNone)
	require.NoError(t, err)

	// One replacement, one insert: only the insert counts.
	n, err := e.Upsert(ctx, "a", []engine.Document{
		{engine.IDField: int64(1), "v": "new"},
		{engine.IDField: int64(2), "v": "fresh"},
	}, engine.AutoIDInt64)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err := e.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 2)
	assert.Equal(t, "new", docs[0]["v"])
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.Insert(ctx, "a", []engine.Document{
		{engine.IDField: int64(1)},
		{engine.IDField: int64(2)},
		{engine.IDField: int64(3)},
	}, engine.AutoIDNone)
	require.NoError(t, err)

	n, err := e.Delete(ctx, "a", []any{int64(1), int64(9)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = e.DeleteMany(ctx, "a", engine.Gte(engine.IDField, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err := e.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(2), docs[0][engine.IDField])
}

func TestSlotReuse(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.Insert(ctx, "a", []engine.Document{
		{engine.IDField: int64(1)}, {engine.IDField: int64(2)},
	}, engine.AutoIDNone)
	require.NoError(t, err)

	_, err = e.Delete(ctx, "a", []any{int64(1)})
	require.NoError(t, err)

	_, err = e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(3)}}, engine.AutoIDNone)
	require.NoError(t, err)

	// The freed slot was reused instead of growing the arena.
	c := e.cols["a"]
	assert.Len(t, c.docs, 2)
	assert.True(t, c.free.IsEmpty())

	cur, err := e.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)
	assert.Len(t, drain(t, cur), 2)
}

func TestUniqueIndex(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	// 1. Create a unique index on an empty collection
	created, err := e.EnsureIndex(ctx, "users", engine.Index{Name: "email", Field: "email", Unique: true})
	require.NoError(t, err)
	assert.True(t, created)

	// 2. Identical definition reports false, clashing definition fails
	created, err = e.EnsureIndex(ctx, "users", engine.Index{Name: "email", Field: "email", Unique: true})
	require.NoError(t, err)
	assert.False(t, created)

	_, err = e.EnsureIndex(ctx, "users", engine.Index{Name: "email", Field: "mail"})
	require.ErrorIs(t, err, engine.ErrIndexExists)

	// 3. Violations fail the whole batch
	_, err = e.Insert(ctx, "users", []engine.Document{{"email": "a@x"}}, engine.AutoIDInt64)
	require.NoError(t, err)

	_, err = e.Insert(ctx, "users", []engine.Document{
		{"email": "b@x"},
		{"email": "a@x"},
	}, engine.AutoIDInt64)
	require.ErrorIs(t, err, engine.ErrDuplicateKey)

	cur, err := e.Query(ctx, "users", engine.Query{})
	require.NoError(t, err)
	assert.Len(t, drain(t, cur), 1)

	// 4. Replacing a document with itself keeps its claim
	n, err := e.Upsert(ctx, "users", []engine.Document{{engine.IDField: int64(1), "email": "a@x", "seen": true}}, engine.AutoIDNone)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 5. Documents without the indexed field are unconstrained
	_, err = e.Insert(ctx, "users", []engine.Document{{"name": "no-mail-1"}, {"name": "no-mail-2"}}, engine.AutoIDInt64)
	require.NoError(t, err)

	// 6. Backfill over existing duplicates fails
	_, err = e.Insert(ctx, "users", []engine.Document{
		{"nick": "dup"}, {"nick": "dup"},
	}, engine.AutoIDInt64)
	require.NoError(t, err)

	_, err = e.EnsureIndex(ctx, "users", engine.Index{Name: "nick", Field: "nick", Unique: true})
	require.ErrorIs(t, err, engine.ErrDuplicateKey)

	// 7. Drop the index, then the violation is gone
	dropped, err := e.DropIndex(ctx, "users", "email")
	require.NoError(t, err)
	assert.True(t, dropped)

	_, err = e.Insert(ctx, "users", []engine.Document{{"email": "a@x"}}, engine.AutoIDInt64)
	require.NoError(t, err)

	// 8. The identity index cannot be dropped
	_, err = e.DropIndex(ctx, "users", engine.IDField)
	require.ErrorIs(t, err, engine.ErrInvalidIndex)
}

func TestUniqueIndexAcrossUpdate(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.EnsureIndex(ctx, "a", engine.Index{Name: "tag", Field: "tag", Unique: true})
	require.NoError(t, err)

	_, err = e.Insert(ctx, "a", []engine.Document{
		{engine.IDField: int64(1), "tag": "one"},
		{engine.IDField: int64(2), "tag": "two"},
	}, engine.AutoIDNone)
	require.NoError(t, err)

	// Moving a document onto another document's value fails.
	_, err = e.Update(ctx, "a", []engine.Document{{engine.IDField: int64(2), "tag": "one"}})
	require.ErrorIs(t, err, engine.ErrDuplicateKey)

	_, err = e.UpdateMany(ctx, "a",
		engine.Mutation{Set: map[string]any{"tag": "one"}},
		engine.Eq(engine.IDField, 2),
	)
	require.ErrorIs(t, err, engine.ErrDuplicateKey)

	// Freeing the value first makes it claimable.
	_, err = e.Delete(ctx, "a", []any{int64(1)})
	require.NoError(t, err)

	n, err := e.Update(ctx, "a", []engine.Document{{engine.IDField: int64(2), "tag": "one"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIndexedEqualityQuery(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.EnsureIndex(ctx, "a", engine.Index{Name: "grp", Field: "grp"})
	require.NoError(t, err)

	_, err = e.Insert(ctx, "a", []engine.Document{
		{"grp": "x", "n": int64(1)},
		{"grp": "y", "n": int64(2)},
		{"grp": "x", "n": int64(3)},
	}, engine.AutoIDInt64)
	require.NoError(t, err)

	// Equality on the indexed field reads the posting list; results stay
	// in natural order.
	cur, err := e.Query(ctx, "a", engine.Query{Filter: engine.Eq("grp", "x")})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 2)
	assert.Equal(t, int64(1), docs[0]["n"])
	assert.Equal(t, int64(3), docs[1]["n"])

	// A value with no posting list matches nothing.
	cur, err = e.Query(ctx, "a", engine.Query{Filter: engine.Eq("grp", "z")})
	require.NoError(t, err)
	assert.Empty(t, drain(t, cur))
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(1), "v": "kept"}}, engine.AutoIDNone)
	require.NoError(t, err)

	// 1. Begin, then a nested begin reports false
	ok, err := e.BeginTrans(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.BeginTrans(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 2. Rollback undoes the mutation
	_, err = e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(2)}}, engine.AutoIDNone)
	require.NoError(t, err)

	ok, err = e.Rollback(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	cur, err := e.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)
	assert.Len(t, drain(t, cur), 1)

	// 3. Commit keeps the mutation
	ok, err = e.BeginTrans(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(2)}}, engine.AutoIDNone)
	require.NoError(t, err)

	ok, err = e.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	cur, err = e.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)
	assert.Len(t, drain(t, cur), 2)

	// 4. Commit and rollback without a transaction report false
	ok, err = e.Commit(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Rollback(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRollbackRestoresIndexes(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.EnsureIndex(ctx, "a", engine.Index{Name: "tag", Field: "tag", Unique: true})
	require.NoError(t, err)

	_, err = e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(1), "tag": "one"}}, engine.AutoIDNone)
	require.NoError(t, err)

	ok, err := e.BeginTrans(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.Delete(ctx, "a", []any{int64(1)})
	require.NoError(t, err)

	_, err = e.Rollback(ctx)
	require.NoError(t, err)

	// The rolled back delete must not have freed the unique value.
	_, err = e.Insert(ctx, "a", []engine.Document{{"tag": "one"}}, engine.AutoIDInt64)
	require.ErrorIs(t, err, engine.ErrDuplicateKey)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.db")

	// 1. Build state and close
	e, err := Open(engine.Settings{Path: path})
	require.NoError(t, err)

	_, err = e.EnsureIndex(ctx, "users", engine.Index{Name: "email", Field: "email", Unique: true})
	require.NoError(t, err)

	_, err = e.Insert(ctx, "users", []engine.Document{
		{"name": "ada", "email": "ada@x", "meta": map[string]any{"lang": "en"}},
	}, engine.AutoIDInt64)
	require.NoError(t, err)

	_, err = e.SetPragma(ctx, engine.PragmaUserVersion, 7)
	require.NoError(t, err)

	require.NoError(t, e.Close())

	// 2. Reopen: documents, identities, sequence, indexes and pragmas
	// survive the JSON round trip
	e2, err := Open(engine.Settings{Path: path})
	require.NoError(t, err)
	defer e2.Close()

	cur, err := e2.Query(ctx, "users", engine.Query{})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(1), docs[0][engine.IDField])
	assert.Equal(t, "ada", docs[0]["name"])

	nested, ok := docs[0].Lookup("meta.lang")
	require.True(t, ok)
	assert.Equal(t, "en", nested)

	v, err := e2.Pragma(ctx, engine.PragmaUserVersion)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	// 3. The unique index still holds
	_, err = e2.Insert(ctx, "users", []engine.Document{{"email": "ada@x"}}, engine.AutoIDInt64)
	require.ErrorIs(t, err, engine.ErrDuplicateKey)

	// 4. The sequence continues past the reloaded documents
	_, err = e2.Insert(ctx, "users", []engine.Document{{"email": "b@x"}}, engine.AutoIDInt64)
	require.NoError(t, err)

	cur, err = e2.Query(ctx, "users", engine.Query{Filter: engine.Eq("email", "b@x")})
	require.NoError(t, err)
	docs = drain(t, cur)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(2), docs[0][engine.IDField])
}

func TestCheckpoint(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.db")

	e, err := Open(engine.Settings{Path: path})
	require.NoError(t, err)
	defer e.Close()

	// 1. Nothing dirty, nothing written
	n, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// 2. Dirty state flushes and reports the documents written
	_, err = e.Insert(ctx, "a", []engine.Document{{"x": 1}, {"x": 2}}, engine.AutoIDInt64)
	require.NoError(t, err)

	n, err = e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = os.Stat(path)
	require.NoError(t, err)

	// 3. Clean again
	n, err = e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.db")

	e, err := Open(engine.Settings{Path: path})
	require.NoError(t, err)
	defer e.Close()

	docs := make([]engine.Document, 50)
	for i := range docs {
		docs[i] = engine.Document{"payload": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}
	}
	_, err = e.Insert(ctx, "a", docs, engine.AutoIDInt64)
	require.NoError(t, err)

	_, err = e.Checkpoint(ctx)
	require.NoError(t, err)

	ids := make([]any, 0, 40)
	for i := 1; i <= 40; i++ {
		ids = append(ids, int64(i))
	}
	_, err = e.Delete(ctx, "a", ids)
	require.NoError(t, err)

	// Rebuild compacts the slots and shrinks the snapshot.
	reclaimed, err := e.Rebuild(ctx, engine.RebuildOptions{})
	require.NoError(t, err)
	assert.Positive(t, reclaimed)

	c := e.cols["a"]
	assert.Len(t, c.docs, 10)
	assert.True(t, c.free.IsEmpty())

	cur, err := e.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)
	assert.Len(t, drain(t, cur), 10)
}

func TestRebuildTargetPath(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	target := filepath.Join(dir, "compact.db")

	e, err := Open(engine.Settings{Path: path})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Insert(ctx, "a", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.NoError(t, err)

	_, err = e.Rebuild(ctx, engine.RebuildOptions{TargetPath: target})
	require.NoError(t, err)

	// The rewrite went to the target; the original path is untouched.
	_, err = os.Stat(target)
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPragmas(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	// 1. Defaults
	v, err := e.Pragma(ctx, engine.PragmaTimeout)
	require.NoError(t, err)
	assert.Equal(t, int64(60), v)

	// 2. Unknown names fail both ways
	_, err = e.Pragma(ctx, "nope")
	require.ErrorIs(t, err, engine.ErrUnknownPragma)
	_, err = e.SetPragma(ctx, "nope", 1)
	require.ErrorIs(t, err, engine.ErrUnknownPragma)

	// 3. Writes normalize and deduplicate
	changed, err := e.SetPragma(ctx, engine.PragmaUserVersion, 3)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = e.SetPragma(ctx, engine.PragmaUserVersion, int64(3))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = e.SetPragma(ctx, engine.PragmaUserVersion, 2.5)
	require.ErrorIs(t, err, engine.ErrInvalidPragmaValue)

	_, err = e.SetPragma(ctx, engine.PragmaUTCDate, "yes")
	require.ErrorIs(t, err, engine.ErrInvalidPragmaValue)
}

func TestCollectionsAndRename(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.Insert(ctx, "beta", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.NoError(t, err)
	_, err = e.Insert(ctx, "alpha", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.NoError(t, err)

	names, err := e.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	// 1. Rename moves documents along
	ok, err := e.RenameCollection(ctx, "beta", "gamma")
	require.NoError(t, err)
	assert.True(t, ok)

	cur, err := e.Query(ctx, "gamma", engine.Query{})
	require.NoError(t, err)
	assert.Len(t, drain(t, cur), 1)

	// 2. Missing source reports false, taken target fails
	ok, err = e.RenameCollection(ctx, "beta", "delta")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.RenameCollection(ctx, "alpha", "gamma")
	require.ErrorIs(t, err, engine.ErrCollectionExists)

	_, err = e.RenameCollection(ctx, "alpha", "9bad")
	require.ErrorIs(t, err, engine.ErrInvalidCollectionName)

	// 3. Drop
	ok, err = e.DropCollection(ctx, "gamma")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.DropCollection(ctx, "gamma")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidCollectionName(t *testing.T) {
	ctx := context.Background()
	e := newVolatile(t)

	_, err := e.Insert(ctx, "9bad", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.ErrorIs(t, err, engine.ErrInvalidCollectionName)

	_, err = e.Insert(ctx, "", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.ErrorIs(t, err, engine.ErrInvalidCollectionName)
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.db")

	e, err := Open(engine.Settings{Path: path})
	require.NoError(t, err)
	_, err = e.Insert(ctx, "a", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	ro, err := Open(engine.Settings{Path: path, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	// Reads work, every mutation fails.
	cur, err := ro.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)
	assert.Len(t, drain(t, cur), 1)

	_, err = ro.Insert(ctx, "a", []engine.Document{{"x": 2}}, engine.AutoIDInt64)
	require.ErrorIs(t, err, engine.ErrReadOnly)
	_, err = ro.DeleteMany(ctx, "a", engine.Filter{})
	require.ErrorIs(t, err, engine.ErrReadOnly)
	_, err = ro.SetPragma(ctx, engine.PragmaUserVersion, 1)
	require.ErrorIs(t, err, engine.ErrReadOnly)
	_, err = ro.Checkpoint(ctx)
	require.ErrorIs(t, err, engine.ErrReadOnly)
	_, err = ro.Rebuild(ctx, engine.RebuildOptions{})
	require.ErrorIs(t, err, engine.ErrReadOnly)
}

func TestCloseRollsBackAndPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.db")

	e, err := Open(engine.Settings{Path: path})
	require.NoError(t, err)

	_, err = e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(1)}}, engine.AutoIDNone)
	require.NoError(t, err)

	ok, err := e.BeginTrans(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.Insert(ctx, "a", []engine.Document{{engine.IDField: int64(2)}}, engine.AutoIDNone)
	require.NoError(t, err)

	// Close rolls the open transaction back and persists the pre-tx
	// state.
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	e2, err := Open(engine.Settings{Path: path})
	require.NoError(t, err)
	defer e2.Close()

	cur, err := e2.Query(ctx, "a", engine.Query{})
	require.NoError(t, err)
	docs := drain(t, cur)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(1), docs[0][engine.IDField])
}

func TestClosedEngine(t *testing.T) {
	ctx := context.Background()

	e, err := Open(engine.Settings{})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Insert(ctx, "a", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.ErrorIs(t, err, engine.ErrClosed)
	_, err = e.Query(ctx, "a", engine.Query{})
	require.ErrorIs(t, err, engine.ErrClosed)
	_, err = e.Collections(ctx)
	require.ErrorIs(t, err, engine.ErrClosed)
}

func TestSnapshotWriteFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule("data.db", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	factory := FactoryWithFS(faulty)
	eng, err := factory(ctx, engine.Settings{Path: path})
	require.NoError(t, err)

	_, err = eng.Insert(ctx, "a", []engine.Document{{"x": 1}}, engine.AutoIDInt64)
	require.NoError(t, err)

	// The failed snapshot surfaces on Close and leaves no file behind.
	err = eng.Close()
	require.Error(t, err)
	assert.ErrorContains(t, err, "snapshot")

	_, serr := os.Stat(path)
	assert.True(t, os.IsNotExist(serr))
}
