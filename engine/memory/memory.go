// Package memory provides an in-memory storage engine, optionally persisted
// as an atomic JSON snapshot at the datafile path.
//
// Documents live in a slot-addressed slice; roaring bitmaps track live and
// reusable slots, and secondary indexes are inverted posting lists (value key
// to slot bitmap). Written documents are cloned on the way in and never
// mutated afterwards, so transaction snapshots and query results can share
// document objects safely.
//
// With a non-empty path the whole state is loaded at construction and written
// back atomically on Commit, Checkpoint, Rebuild and Close. An empty path
// yields a purely volatile engine.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/sharedb/engine"
	"github.com/hupe1980/sharedb/internal/fs"
)

// Factory constructs a memory engine from settings. It satisfies
// engine.Factory.
func Factory(ctx context.Context, settings engine.Settings) (engine.Engine, error) {
	return Open(settings)
}

// FactoryWithFS returns a factory writing snapshots through fsys instead of
// the local file system.
func FactoryWithFS(fsys fs.FileSystem) engine.Factory {
	return func(ctx context.Context, settings engine.Settings) (engine.Engine, error) {
		return open(settings, fsys)
	}
}

// Engine is an in-memory engine.Engine. It is single-owner, like every
// engine behind the controller, and not safe for concurrent use.
type Engine struct {
	path     string
	readOnly bool
	fsys     fs.FileSystem

	cols    map[string]*collection
	pragmas map[string]any
	dirty   bool
	closed  bool

	// snap is the restore point of the running transaction, nil outside
	// one.
	snap *state
}

type state struct {
	cols    map[string]*collection
	pragmas map[string]any
	dirty   bool
}

type collection struct {
	docs []engine.Document
	live *roaring.Bitmap
	free *roaring.Bitmap
	byID map[string]uint32
	seq  int64

	indexes map[string]engine.Index

	// inverted maps index name to value key to the slots holding that
	// value.
	inverted map[string]map[string]*roaring.Bitmap
}

// Open constructs an engine for settings, loading the snapshot at the path
// when one exists.
func Open(settings engine.Settings) (*Engine, error) {
	return open(settings, fs.Default)
}

func open(settings engine.Settings, fsys fs.FileSystem) (*Engine, error) {
	e := &Engine{
		path:     settings.Path,
		readOnly: settings.ReadOnly,
		fsys:     fsys,
		cols:     make(map[string]*collection),
		pragmas:  engine.DefaultPragmas(),
	}

	if e.path != "" {
		if err := e.load(); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func newCollection() *collection {
	return &collection{
		live:     roaring.New(),
		free:     roaring.New(),
		byID:     make(map[string]uint32),
		indexes:  make(map[string]engine.Index),
		inverted: make(map[string]map[string]*roaring.Bitmap),
	}
}

// clone copies the collection structure. Document objects are shared: the
// write path replaces them and never mutates in place.
func (c *collection) clone() *collection {
	inverted := make(map[string]map[string]*roaring.Bitmap, len(c.inverted))
	for name, postings := range c.inverted {
		m := make(map[string]*roaring.Bitmap, len(postings))
		for vk, bm := range postings {
			m[vk] = bm.Clone()
		}
		inverted[name] = m
	}

	return &collection{
		docs:     slices.Clone(c.docs),
		live:     c.live.Clone(),
		free:     c.free.Clone(),
		byID:     maps.Clone(c.byID),
		seq:      c.seq,
		indexes:  maps.Clone(c.indexes),
		inverted: inverted,
	}
}

func (c *collection) posting(index, vk string) *roaring.Bitmap {
	if postings, ok := c.inverted[index]; ok {
		return postings[vk]
	}
	return nil
}

// checkUnique validates doc against the unique indexes, treating documents
// without the indexed field as unconstrained. pending carries in-batch
// claims so one multi-document operation fails atomically before any write.
func (c *collection) checkUnique(doc engine.Document, key string, pending map[string]string) error {
	for name, idx := range c.indexes {
		if !idx.Unique {
			continue
		}

		v, ok := doc.Lookup(idx.Field)
		if !ok {
			continue
		}

		vk := engine.ValueKey(v)
		claim := name + "\x00" + vk

		if owner, ok := pending[claim]; ok && owner != key {
			return fmt.Errorf("%w: index %q value %v", engine.ErrDuplicateKey, name, v)
		}

		if bm := c.posting(name, vk); bm != nil && !bm.IsEmpty() {
			slot, mine := c.byID[key]
			if !mine || bm.GetCardinality() != 1 || !bm.Contains(slot) {
				return fmt.Errorf("%w: index %q value %v", engine.ErrDuplicateKey, name, v)
			}
		}

		pending[claim] = key
	}

	return nil
}

func (c *collection) index(slot uint32, doc engine.Document) {
	for name, idx := range c.indexes {
		v, ok := doc.Lookup(idx.Field)
		if !ok {
			continue
		}

		postings, ok := c.inverted[name]
		if !ok {
			postings = make(map[string]*roaring.Bitmap)
			c.inverted[name] = postings
		}

		vk := engine.ValueKey(v)

		bm, ok := postings[vk]
		if !ok {
			bm = roaring.New()
			postings[vk] = bm
		}

		bm.Add(slot)
	}
}

func (c *collection) unindex(slot uint32, doc engine.Document) {
	for name, idx := range c.indexes {
		v, ok := doc.Lookup(idx.Field)
		if !ok {
			continue
		}

		postings, ok := c.inverted[name]
		if !ok {
			continue
		}

		vk := engine.ValueKey(v)
		if bm, ok := postings[vk]; ok {
			bm.Remove(slot)
			if bm.IsEmpty() {
				delete(postings, vk)
			}
		}
	}
}

// put stores doc under its identity key, replacing any previous document
// with the same key. doc must already be cloned and carry a normalized
// identity.
func (c *collection) put(key string, doc engine.Document) {
	if slot, ok := c.byID[key]; ok {
		c.unindex(slot, c.docs[slot])
		c.docs[slot] = doc
		c.index(slot, doc)
		return
	}

	var slot uint32
	if !c.free.IsEmpty() {
		slot = c.free.Iterator().Next()
		c.free.Remove(slot)
		c.docs[slot] = doc
	} else {
		slot = uint32(len(c.docs))
		c.docs = append(c.docs, doc)
	}

	c.live.Add(slot)
	c.byID[key] = slot
	c.index(slot, doc)

	// Explicit int64 identities advance the sequence so later auto
	// assignment cannot collide.
	if id, ok := doc.ID(); ok {
		if n, ok := id.(int64); ok && n > c.seq {
			c.seq = n
		}
	}
}

func (c *collection) remove(key string) bool {
	slot, ok := c.byID[key]
	if !ok {
		return false
	}

	c.unindex(slot, c.docs[slot])
	c.docs[slot] = nil
	c.live.Remove(slot)
	c.free.Add(slot)
	delete(c.byID, key)

	return true
}

func (c *collection) nextSeq() int64 {
	c.seq++
	return c.seq
}

// inOrder returns the live documents in ascending identity-key order, the
// engine's natural order.
func (c *collection) inOrder() []engine.Document {
	keys := make([]string, 0, len(c.byID))
	for k := range c.byID {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	docs := make([]engine.Document, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, c.docs[c.byID[k]])
	}

	return docs
}

// candidates narrows a scan through the posting list when the filter is a
// single equality on an indexed field. The result is a superset; the filter
// is still evaluated per document.
func (c *collection) candidates(f engine.Filter) []engine.Document {
	if f.Op == engine.OpEq && len(f.And) == 0 && len(f.Or) == 0 && f.Not == nil {
		if f.Field == engine.IDField {
			norm, err := engine.NormalizeID(f.Value)
			if err != nil {
				return nil
			}
			if slot, ok := c.byID[engine.IDKey(norm)]; ok {
				return []engine.Document{c.docs[slot]}
			}
			return nil
		}

		for name, idx := range c.indexes {
			if idx.Field != f.Field {
				continue
			}

			bm := c.posting(name, engine.ValueKey(f.Value))
			if bm == nil {
				return nil
			}

			docs := make([]engine.Document, 0, bm.GetCardinality())
			it := bm.Iterator()
			for it.HasNext() {
				docs = append(docs, c.docs[it.Next()])
			}

			slices.SortFunc(docs, func(a, b engine.Document) int {
				ai, _ := a.ID()
				bi, _ := b.ID()
				return strings.Compare(engine.IDKey(ai), engine.IDKey(bi))
			})

			return docs
		}
	}

	return c.inOrder()
}

func (e *Engine) collection(name string, create bool) (*collection, error) {
	if c, ok := e.cols[name]; ok {
		return c, nil
	}

	if !create {
		return nil, nil
	}

	if err := engine.ValidateCollectionName(name); err != nil {
		return nil, err
	}

	c := newCollection()
	e.cols[name] = c

	return c, nil
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

// BeginTrans opens a transaction by capturing a restore point. It returns
// false when one is already running.
func (e *Engine) BeginTrans(ctx context.Context) (bool, error) {
	if e.closed {
		return false, engine.ErrClosed
	}

	if e.snap != nil {
		return false, nil
	}

	e.snap = e.capture()

	return true, nil
}

// Commit discards the restore point and persists the snapshot when the
// engine is path-backed.
func (e *Engine) Commit(ctx context.Context) (bool, error) {
	if e.closed {
		return false, engine.ErrClosed
	}

	if e.snap == nil {
		return false, nil
	}

	e.snap = nil

	if e.path != "" && e.dirty && !e.readOnly {
		if _, err := e.persist(e.path); err != nil {
			return false, err
		}
	}

	return true, nil
}

// Rollback restores the transaction's restore point.
func (e *Engine) Rollback(ctx context.Context) (bool, error) {
	if e.closed {
		return false, engine.ErrClosed
	}

	if e.snap == nil {
		return false, nil
	}

	e.restore(e.snap)
	e.snap = nil

	return true, nil
}

func (e *Engine) capture() *state {
	cols := make(map[string]*collection, len(e.cols))
	for name, c := range e.cols {
		cols[name] = c.clone()
	}

	return &state{
		cols:    cols,
		pragmas: maps.Clone(e.pragmas),
		dirty:   e.dirty,
	}
}

func (e *Engine) restore(s *state) {
	e.cols = s.cols
	e.pragmas = s.pragmas
	e.dirty = s.dirty
}

// Query evaluates q over one collection. A missing collection yields an
// empty cursor.
func (e *Engine) Query(ctx context.Context, coll string, q engine.Query) (engine.Cursor, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}

	c, ok := e.cols[coll]
	if !ok {
		return engine.NewSliceCursor(nil), nil
	}

	return engine.NewSliceCursor(engine.RunQuery(c.candidates(q.Filter), q)), nil
}

// Pragma returns a stored database parameter.
func (e *Engine) Pragma(ctx context.Context, name string) (any, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}

	v, ok := e.pragmas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownPragma, name)
	}

	return v, nil
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

	if e.pragmas[name] == norm {
		return false, nil
	}

	e.pragmas[name] = norm
	e.dirty = true

	return true, nil
}

// Checkpoint persists the snapshot when the engine is path-backed and
// dirty, returning the number of documents written.
func (e *Engine) Checkpoint(ctx context.Context) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	if e.path == "" || !e.dirty {
		return 0, nil
	}

	return e.persist(e.path)
}

// Rebuild compacts every collection to dense slots in identity order and
// rewrites the snapshot, reporting the bytes reclaimed on disk.
func (e *Engine) Rebuild(ctx context.Context, opts engine.RebuildOptions) (int64, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	for _, c := range e.cols {
		c.compact()
	}
	e.dirty = true

	target := e.path
	if opts.TargetPath != "" {
		target = opts.TargetPath
	}
	if target == "" {
		return 0, nil
	}

	var before int64
	if e.path != "" {
		if info, err := e.fsys.Stat(e.path); err == nil {
			before = info.Size()
		}
	}

	after, err := e.persistSize(target)
	if err != nil {
		return 0, err
	}

	reclaimed := before - after
	if reclaimed < 0 {
		reclaimed = 0
	}

	return reclaimed, nil
}

func (c *collection) compact() {
	docs := c.inOrder()

	c.docs = c.docs[:0]
	c.live.Clear()
	c.free.Clear()
	clear(c.byID)
	for name := range c.inverted {
		c.inverted[name] = make(map[string]*roaring.Bitmap)
	}

	for _, doc := range docs {
		id, _ := doc.ID()
		c.put(engine.IDKey(id), doc)
	}
}

// Insert adds documents, assigning identities according to autoID. A
// duplicate identity or unique index violation fails the whole batch before
// any write.
func (e *Engine) Insert(ctx context.Context, coll string, docs []engine.Document, autoID engine.AutoID) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	c, err := e.collection(coll, true)
	if err != nil {
		return 0, err
	}

	clones := make([]engine.Document, len(docs))
	for i, doc := range docs {
		clones[i] = doc.Clone()
	}

	if err := engine.AssignIDs(clones, autoID, c.nextSeq); err != nil {
		return 0, err
	}

	keys := make([]string, len(clones))
	pending := make(map[string]string)
	seen := make(map[string]struct{}, len(clones))

	for i, doc := range clones {
		id, _ := doc.ID()
		key := engine.IDKey(id)
		keys[i] = key

		if _, dup := seen[key]; dup {
			return 0, fmt.Errorf("%w: _id %v", engine.ErrDuplicateKey, id)
		}
		seen[key] = struct{}{}

		if _, exists := c.byID[key]; exists {
			return 0, fmt.Errorf("%w: _id %v", engine.ErrDuplicateKey, id)
		}

		if err := c.checkUnique(doc, key, pending); err != nil {
			return 0, err
		}
	}

	for i, doc := range clones {
		c.put(keys[i], doc)
	}
	e.dirty = true

	return len(clones), nil
}

// Update replaces documents matched by identity, skipping documents with no
// match, and returns the number replaced.
func (e *Engine) Update(ctx context.Context, coll string, docs []engine.Document) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	c, ok := e.cols[coll]
	if !ok {
		return 0, nil
	}

	type pendingDoc struct {
		key string
		doc engine.Document
	}

	pending := make(map[string]string)
	updates := make([]pendingDoc, 0, len(docs))

	for _, doc := range docs {
		id, ok := doc.ID()
		if !ok || id == nil {
			return 0, fmt.Errorf("%w: update without _id", engine.ErrInvalidDocument)
		}

		norm, err := engine.NormalizeID(id)
		if err != nil {
			return 0, err
		}

		key := engine.IDKey(norm)
		if _, exists := c.byID[key]; !exists {
			continue
		}

		clone := doc.Clone()
		clone.SetID(norm)

		if err := c.checkUnique(clone, key, pending); err != nil {
			return 0, err
		}

		updates = append(updates, pendingDoc{key: key, doc: clone})
	}

	for _, u := range updates {
		c.put(u.key, u.doc)
	}
	if len(updates) > 0 {
		e.dirty = true
	}

	return len(updates), nil
}

// UpdateMany applies m to every document matching f and returns the number
// changed. The batch validates before it writes.
func (e *Engine) UpdateMany(ctx context.Context, coll string, m engine.Mutation, f engine.Filter) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}
	if m.IsZero() {
		return 0, nil
	}

	c, ok := e.cols[coll]
	if !ok {
		return 0, nil
	}

	type pendingDoc struct {
		key string
		doc engine.Document
	}

	pending := make(map[string]string)
	var updates []pendingDoc

	for _, doc := range c.candidates(f) {
		if !f.Match(doc) {
			continue
		}

		clone := doc.Clone()
		if !m.Apply(clone) {
			continue
		}

		id, _ := clone.ID()
		key := engine.IDKey(id)

		if err := c.checkUnique(clone, key, pending); err != nil {
			return 0, err
		}

		updates = append(updates, pendingDoc{key: key, doc: clone})
	}

	for _, u := range updates {
		c.put(u.key, u.doc)
	}
	if len(updates) > 0 {
		e.dirty = true
	}

	return len(updates), nil
}

// Upsert inserts or replaces documents by identity and returns how many
// were newly inserted.
func (e *Engine) Upsert(ctx context.Context, coll string, docs []engine.Document, autoID engine.AutoID) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	c, err := e.collection(coll, true)
	if err != nil {
		return 0, err
	}

	clones := make([]engine.Document, len(docs))
	for i, doc := range docs {
		clones[i] = doc.Clone()
	}

	if err := engine.AssignIDs(clones, autoID, c.nextSeq); err != nil {
		return 0, err
	}

	keys := make([]string, len(clones))
	pending := make(map[string]string)

	for i, doc := range clones {
		id, _ := doc.ID()
		keys[i] = engine.IDKey(id)

		if err := c.checkUnique(doc, keys[i], pending); err != nil {
			return 0, err
		}
	}

	inserted := 0
	for i, doc := range clones {
		if _, exists := c.byID[keys[i]]; !exists {
			inserted++
		}
		c.put(keys[i], doc)
	}
	e.dirty = true

	return inserted, nil
}

// Delete removes documents by identity and returns the number removed.
func (e *Engine) Delete(ctx context.Context, coll string, ids []any) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	c, ok := e.cols[coll]
	if !ok {
		return 0, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		norm, err := engine.NormalizeID(id)
		if err != nil {
			return 0, err
		}
		keys = append(keys, engine.IDKey(norm))
	}

	removed := 0
	for _, key := range keys {
		if c.remove(key) {
			removed++
		}
	}
	if removed > 0 {
		e.dirty = true
	}

	return removed, nil
}

// DeleteMany removes every document matching f and returns the number
// removed.
func (e *Engine) DeleteMany(ctx context.Context, coll string, f engine.Filter) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	c, ok := e.cols[coll]
	if !ok {
		return 0, nil
	}

	var keys []string
	for _, doc := range c.candidates(f) {
		if f.Match(doc) {
			id, _ := doc.ID()
			keys = append(keys, engine.IDKey(id))
		}
	}

	for _, key := range keys {
		c.remove(key)
	}
	if len(keys) > 0 {
		e.dirty = true
	}

	return len(keys), nil
}

// DropCollection removes a collection with its indexes. It returns false
// when the collection does not exist.
func (e *Engine) DropCollection(ctx context.Context, name string) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if _, ok := e.cols[name]; !ok {
		return false, nil
	}

	delete(e.cols, name)
	e.dirty = true

	return true, nil
}

// RenameCollection renames a collection. Renaming onto an existing target
// fails; a missing source reports false.
func (e *Engine) RenameCollection(ctx context.Context, oldName, newName string) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if err := engine.ValidateCollectionName(newName); err != nil {
		return false, err
	}

	c, ok := e.cols[oldName]
	if !ok {
		return false, nil
	}

	if _, taken := e.cols[newName]; taken {
		return false, fmt.Errorf("%w: %q", engine.ErrCollectionExists, newName)
	}

	e.cols[newName] = c
	delete(e.cols, oldName)
	e.dirty = true

	return true, nil
}

// DropIndex removes a named index and its postings. The implicit identity
// index cannot be dropped.
func (e *Engine) DropIndex(ctx context.Context, coll, name string) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if name == engine.IDField {
		return false, fmt.Errorf("%w: cannot drop the %s index", engine.ErrInvalidIndex, engine.IDField)
	}

	c, ok := e.cols[coll]
	if !ok {
		return false, nil
	}

	if _, ok := c.indexes[name]; !ok {
		return false, nil
	}

	delete(c.indexes, name)
	delete(c.inverted, name)
	e.dirty = true

	return true, nil
}

// EnsureIndex creates an index if it is missing, backfilling its postings
// and checking uniqueness over the existing documents. An identical index
// reports false; a clashing definition fails.
func (e *Engine) EnsureIndex(ctx context.Context, coll string, idx engine.Index) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if err := idx.Validate(); err != nil {
		return false, err
	}

	// The identity index exists implicitly on every collection.
	if idx.Name == engine.IDField {
		return false, nil
	}

	c, err := e.collection(coll, true)
	if err != nil {
		return false, err
	}

	if existing, ok := c.indexes[idx.Name]; ok {
		if existing.Equal(idx) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %q", engine.ErrIndexExists, idx.Name)
	}

	if idx.Unique {
		seen := make(map[string]string)
		for key, slot := range c.byID {
			v, ok := c.docs[slot].Lookup(idx.Field)
			if !ok {
				continue
			}
			vk := engine.ValueKey(v)
			if _, dup := seen[vk]; dup {
				return false, fmt.Errorf("%w: index %q value %v", engine.ErrDuplicateKey, idx.Name, v)
			}
			seen[vk] = key
		}
	}

	c.indexes[idx.Name] = idx

	postings := make(map[string]*roaring.Bitmap)
	it := c.live.Iterator()
	for it.HasNext() {
		slot := it.Next()
		v, ok := c.docs[slot].Lookup(idx.Field)
		if !ok {
			continue
		}
		vk := engine.ValueKey(v)
		bm, ok := postings[vk]
		if !ok {
			bm = roaring.New()
			postings[vk] = bm
		}
		bm.Add(slot)
	}
	c.inverted[idx.Name] = postings

	e.dirty = true

	return true, nil
}

// Collections lists the collection names in sorted order.
func (e *Engine) Collections(ctx context.Context) ([]string, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}

	names := slices.Collect(maps.Keys(e.cols))
	slices.Sort(names)

	return names, nil
}

// Close rolls back a running transaction and persists outstanding changes
// when the engine is path-backed. It is idempotent.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	if e.snap != nil {
		e.restore(e.snap)
		e.snap = nil
	}

	if e.path != "" && e.dirty && !e.readOnly {
		if _, err := e.persist(e.path); err != nil {
			return err
		}
	}

	return nil
}
