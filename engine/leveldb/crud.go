package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hupe1980/sharedb/engine"
)

// getDoc loads one document by its identity key. A missing document is nil
// without error.
func (e *Engine) getDoc(coll, idKey string) (engine.Document, error) {
	data, err := e.store().Get(docKey(coll, idKey), nil)
	if errors.Is(err, ldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: read %s/%s: %w", coll, idKey, err)
	}

	return decodeDoc(data)
}

// meta loads the collection record; exists reports whether the collection
// is known.
func (e *Engine) meta(coll string) (colMeta, bool, error) {
	data, err := e.store().Get(colKey(coll), nil)
	if errors.Is(err, ldb.ErrNotFound) {
		return colMeta{}, false, nil
	}
	if err != nil {
		return colMeta{}, false, fmt.Errorf("leveldb: read collection %s: %w", coll, err)
	}

	var m colMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return colMeta{}, false, fmt.Errorf("leveldb: decode collection %s: %w", coll, err)
	}

	return m, true, nil
}

func (e *Engine) putMeta(batch *ldb.Batch, coll string, m colMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("leveldb: encode collection %s: %w", coll, err)
	}
	batch.Put(colKey(coll), data)

	return nil
}

// indexes lists the index definitions of one collection.
func (e *Engine) indexes(coll string) ([]engine.Index, error) {
	it := e.store().NewIterator(util.BytesPrefix(idxPrefix(coll)), nil)
	defer it.Release()

	var defs []engine.Index
	for it.Next() {
		var idx engine.Index
		if err := json.Unmarshal(it.Value(), &idx); err != nil {
			return nil, fmt.Errorf("leveldb: decode index %s: %w", it.Key(), err)
		}
		defs = append(defs, idx)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: list indexes of %s: %w", coll, err)
	}

	return defs, nil
}

// indexDoc queues the index entries of doc. The entry payload is the exact
// value key, so scans can filter hash collisions.
func indexDoc(batch *ldb.Batch, coll string, defs []engine.Index, idKey string, doc engine.Document) {
	for _, idx := range defs {
		v, ok := doc.Lookup(idx.Field)
		if !ok {
			continue
		}
		vk := engine.ValueKey(v)
		batch.Put(entryKey(coll, idx.Name, valueHash(vk), idKey), []byte(vk))
	}
}

func unindexDoc(batch *ldb.Batch, coll string, defs []engine.Index, idKey string, doc engine.Document) {
	for _, idx := range defs {
		v, ok := doc.Lookup(idx.Field)
		if !ok {
			continue
		}
		vk := engine.ValueKey(v)
		batch.Delete(entryKey(coll, idx.Name, valueHash(vk), idKey))
	}
}

// entryOwner returns the identity key holding a value in one index, or ""
// when the value is unclaimed.
func (e *Engine) entryOwner(coll, name, vk string) (string, error) {
	p := entryPrefix(coll, name, valueHash(vk))
	it := e.store().NewIterator(util.BytesPrefix(p), nil)
	defer it.Release()

	for it.Next() {
		if string(it.Value()) == vk {
			return string(it.Key()[len(p):]), nil
		}
	}
	if err := it.Error(); err != nil {
		return "", fmt.Errorf("leveldb: scan index %s of %s: %w", name, coll, err)
	}

	return "", nil
}

// checkUnique validates doc against the unique indexes, treating documents
// without the indexed field as unconstrained. pending carries in-batch
// claims so one multi-document operation fails before its batch is
// written.
func (e *Engine) checkUnique(coll string, defs []engine.Index, idKey string, doc engine.Document, pending map[string]string) error {
	for _, idx := range defs {
		if !idx.Unique {
			continue
		}

		v, ok := doc.Lookup(idx.Field)
		if !ok {
			continue
		}

		vk := engine.ValueKey(v)
		claim := idx.Name + "\x00" + vk

		if owner, ok := pending[claim]; ok && owner != idKey {
			return fmt.Errorf("%w: index %q value %v", engine.ErrDuplicateKey, idx.Name, v)
		}

		owner, err := e.entryOwner(coll, idx.Name, vk)
		if err != nil {
			return err
		}
		if owner != "" && owner != idKey {
			return fmt.Errorf("%w: index %q value %v", engine.ErrDuplicateKey, idx.Name, v)
		}

		pending[claim] = idKey
	}

	return nil
}

// scan loads a whole collection in identity order.
func (e *Engine) scan(coll string) ([]engine.Document, error) {
	it := e.store().NewIterator(util.BytesPrefix(docPrefix(coll)), nil)
	defer it.Release()

	var docs []engine.Document
	for it.Next() {
		doc, err := decodeDoc(it.Value())
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: scan %s: %w", coll, err)
	}

	return docs, nil
}

// candidates narrows a scan through the index entries when the filter is a
// single equality on an indexed field. The result is a superset; the
// filter is still evaluated per document.
func (e *Engine) candidates(coll string, f engine.Filter) ([]engine.Document, error) {
	if f.Op == engine.OpEq && len(f.And) == 0 && len(f.Or) == 0 && f.Not == nil {
		if f.Field == engine.IDField {
			norm, err := engine.NormalizeID(f.Value)
			if err != nil {
				return nil, nil
			}
			doc, err := e.getDoc(coll, engine.IDKey(norm))
			if err != nil {
				return nil, err
			}
			if doc == nil {
				return nil, nil
			}
			return []engine.Document{doc}, nil
		}

		defs, err := e.indexes(coll)
		if err != nil {
			return nil, err
		}
		for _, idx := range defs {
			if idx.Field == f.Field {
				return e.docsByValue(coll, idx.Name, engine.ValueKey(f.Value))
			}
		}
	}

	return e.scan(coll)
}

// docsByValue resolves the documents holding one indexed value, in
// identity order.
func (e *Engine) docsByValue(coll, name, vk string) ([]engine.Document, error) {
	p := entryPrefix(coll, name, valueHash(vk))
	it := e.store().NewIterator(util.BytesPrefix(p), nil)

	var idKeys []string
	for it.Next() {
		if string(it.Value()) == vk {
			idKeys = append(idKeys, string(it.Key()[len(p):]))
		}
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return nil, fmt.Errorf("leveldb: scan index %s of %s: %w", name, coll, err)
	}

	docs := make([]engine.Document, 0, len(idKeys))
	for _, idKey := range idKeys {
		doc, err := e.getDoc(coll, idKey)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}

	return docs, nil
}

// Query evaluates q over one collection. A missing collection yields an
// empty cursor.
func (e *Engine) Query(ctx context.Context, coll string, q engine.Query) (engine.Cursor, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}

	if _, exists, err := e.meta(coll); err != nil {
		return nil, err
	} else if !exists {
		return engine.NewSliceCursor(nil), nil
	}

	docs, err := e.candidates(coll, q.Filter)
	if err != nil {
		return nil, err
	}

	return engine.NewSliceCursor(engine.RunQuery(docs, q)), nil
}

// Insert adds documents, assigning identities according to autoID. The
// whole batch validates first and lands in one atomic write.
func (e *Engine) Insert(ctx context.Context, coll string, docs []engine.Document, autoID engine.AutoID) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	meta, exists, err := e.meta(coll)
	if err != nil {
		return 0, err
	}
	if !exists {
		if err := engine.ValidateCollectionName(coll); err != nil {
			return 0, err
		}
	}

	defs, err := e.indexes(coll)
	if err != nil {
		return 0, err
	}

	clones := make([]engine.Document, len(docs))
	for i, doc := range docs {
		clones[i] = doc.Clone()
	}

	seq := meta.Seq
	if err := engine.AssignIDs(clones, autoID, func() int64 { seq++; return seq }); err != nil {
		return 0, err
	}

	batch := new(ldb.Batch)
	pending := make(map[string]string)
	seen := make(map[string]struct{}, len(clones))

	for _, doc := range clones {
		id, _ := doc.ID()
		idKey := engine.IDKey(id)

		if _, dup := seen[idKey]; dup {
			return 0, fmt.Errorf("%w: _id %v", engine.ErrDuplicateKey, id)
		}
		seen[idKey] = struct{}{}

		taken, err := e.store().Has(docKey(coll, idKey), nil)
		if err != nil {
			return 0, fmt.Errorf("leveldb: insert into %s: %w", coll, err)
		}
		if taken {
			return 0, fmt.Errorf("%w: _id %v", engine.ErrDuplicateKey, id)
		}

		if err := e.checkUnique(coll, defs, idKey, doc, pending); err != nil {
			return 0, err
		}

		data, err := encodeDoc(doc)
		if err != nil {
			return 0, err
		}
		batch.Put(docKey(coll, idKey), data)
		indexDoc(batch, coll, defs, idKey, doc)

		// Explicit int64 identities advance the sequence so later auto
		// assignment cannot collide.
		if n, ok := id.(int64); ok && n > seq {
			seq = n
		}
	}

	meta.Seq = seq
	if err := e.putMeta(batch, coll, meta); err != nil {
		return 0, err
	}

	if err := e.store().Write(batch, nil); err != nil {
		return 0, fmt.Errorf("leveldb: insert into %s: %w", coll, err)
	}
	e.logWrites(len(clones))

	return len(clones), nil
}

// Update replaces documents matched by identity, skipping unknown ones,
// and returns the number replaced.
func (e *Engine) Update(ctx context.Context, coll string, docs []engine.Document) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	if _, exists, err := e.meta(coll); err != nil {
		return 0, err
	} else if !exists {
		return 0, nil
	}

	defs, err := e.indexes(coll)
	if err != nil {
		return 0, err
	}

	batch := new(ldb.Batch)
	pending := make(map[string]string)
	updated := 0

	for _, doc := range docs {
		id, ok := doc.ID()
		if !ok || id == nil {
			return 0, fmt.Errorf("%w: update without %s", engine.ErrInvalidDocument, engine.IDField)
		}

		norm, err := engine.NormalizeID(id)
		if err != nil {
			return 0, err
		}
		idKey := engine.IDKey(norm)

		old, err := e.getDoc(coll, idKey)
		if err != nil {
			return 0, err
		}
		if old == nil {
			continue
		}

		clone := doc.Clone()
		clone.SetID(norm)

		if err := e.checkUnique(coll, defs, idKey, clone, pending); err != nil {
			return 0, err
		}

		data, err := encodeDoc(clone)
		if err != nil {
			return 0, err
		}
		unindexDoc(batch, coll, defs, idKey, old)
		batch.Put(docKey(coll, idKey), data)
		indexDoc(batch, coll, defs, idKey, clone)
		updated++
	}

	if updated > 0 {
		if err := e.store().Write(batch, nil); err != nil {
			return 0, fmt.Errorf("leveldb: update %s: %w", coll, err)
		}
		e.logWrites(updated)
	}

	return updated, nil
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

	if _, exists, err := e.meta(coll); err != nil {
		return 0, err
	} else if !exists {
		return 0, nil
	}

	defs, err := e.indexes(coll)
	if err != nil {
		return 0, err
	}

	docs, err := e.candidates(coll, f)
	if err != nil {
		return 0, err
	}

	batch := new(ldb.Batch)
	pending := make(map[string]string)
	changed := 0

	for _, doc := range docs {
		if !f.Match(doc) {
			continue
		}

		clone := doc.Clone()
		if !m.Apply(clone) {
			continue
		}

		id, _ := clone.ID()
		idKey := engine.IDKey(id)

		if err := e.checkUnique(coll, defs, idKey, clone, pending); err != nil {
			return 0, err
		}

		data, err := encodeDoc(clone)
		if err != nil {
			return 0, err
		}
		unindexDoc(batch, coll, defs, idKey, doc)
		batch.Put(docKey(coll, idKey), data)
		indexDoc(batch, coll, defs, idKey, clone)
		changed++
	}

	if changed > 0 {
		if err := e.store().Write(batch, nil); err != nil {
			return 0, fmt.Errorf("leveldb: update %s: %w", coll, err)
		}
		e.logWrites(changed)
	}

	return changed, nil
}

// Upsert inserts or replaces documents by identity and returns how many
// were newly inserted. A repeated identity within one batch keeps the last
// document, the way sequential upserts would.
func (e *Engine) Upsert(ctx context.Context, coll string, docs []engine.Document, autoID engine.AutoID) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	meta, exists, err := e.meta(coll)
	if err != nil {
		return 0, err
	}
	if !exists {
		if err := engine.ValidateCollectionName(coll); err != nil {
			return 0, err
		}
	}

	defs, err := e.indexes(coll)
	if err != nil {
		return 0, err
	}

	clones := make([]engine.Document, len(docs))
	for i, doc := range docs {
		clones[i] = doc.Clone()
	}

	seq := meta.Seq
	if err := engine.AssignIDs(clones, autoID, func() int64 { seq++; return seq }); err != nil {
		return 0, err
	}

	order := make(map[string]int, len(clones))
	unique := make([]engine.Document, 0, len(clones))
	for _, doc := range clones {
		id, _ := doc.ID()
		idKey := engine.IDKey(id)
		if i, ok := order[idKey]; ok {
			unique[i] = doc
			continue
		}
		order[idKey] = len(unique)
		unique = append(unique, doc)
	}

	batch := new(ldb.Batch)
	pending := make(map[string]string)
	inserted := 0

	for _, doc := range unique {
		id, _ := doc.ID()
		idKey := engine.IDKey(id)

		old, err := e.getDoc(coll, idKey)
		if err != nil {
			return 0, err
		}

		if err := e.checkUnique(coll, defs, idKey, doc, pending); err != nil {
			return 0, err
		}

		data, err := encodeDoc(doc)
		if err != nil {
			return 0, err
		}
		if old != nil {
			unindexDoc(batch, coll, defs, idKey, old)
		} else {
			inserted++
		}
		batch.Put(docKey(coll, idKey), data)
		indexDoc(batch, coll, defs, idKey, doc)

		if n, ok := id.(int64); ok && n > seq {
			seq = n
		}
	}

	meta.Seq = seq
	if err := e.putMeta(batch, coll, meta); err != nil {
		return 0, err
	}

	if err := e.store().Write(batch, nil); err != nil {
		return 0, fmt.Errorf("leveldb: upsert into %s: %w", coll, err)
	}
	e.logWrites(len(unique))

	return inserted, nil
}

// Delete removes documents by identity and returns the number removed.
func (e *Engine) Delete(ctx context.Context, coll string, ids []any) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	if _, exists, err := e.meta(coll); err != nil {
		return 0, err
	} else if !exists {
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

	defs, err := e.indexes(coll)
	if err != nil {
		return 0, err
	}

	batch := new(ldb.Batch)
	seen := make(map[string]struct{}, len(keys))
	removed := 0

	for _, idKey := range keys {
		if _, dup := seen[idKey]; dup {
			continue
		}
		seen[idKey] = struct{}{}

		doc, err := e.getDoc(coll, idKey)
		if err != nil {
			return 0, err
		}
		if doc == nil {
			continue
		}

		batch.Delete(docKey(coll, idKey))
		unindexDoc(batch, coll, defs, idKey, doc)
		removed++
	}

	if removed > 0 {
		if err := e.store().Write(batch, nil); err != nil {
			return 0, fmt.Errorf("leveldb: delete from %s: %w", coll, err)
		}
		e.logWrites(removed)
	}

	return removed, nil
}

// DeleteMany removes every document matching f and returns the number
// removed.
func (e *Engine) DeleteMany(ctx context.Context, coll string, f engine.Filter) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	if _, exists, err := e.meta(coll); err != nil {
		return 0, err
	} else if !exists {
		return 0, nil
	}

	defs, err := e.indexes(coll)
	if err != nil {
		return 0, err
	}

	docs, err := e.candidates(coll, f)
	if err != nil {
		return 0, err
	}

	batch := new(ldb.Batch)
	removed := 0

	for _, doc := range docs {
		if !f.Match(doc) {
			continue
		}

		id, _ := doc.ID()
		idKey := engine.IDKey(id)
		batch.Delete(docKey(coll, idKey))
		unindexDoc(batch, coll, defs, idKey, doc)
		removed++
	}

	if removed > 0 {
		if err := e.store().Write(batch, nil); err != nil {
			return 0, fmt.Errorf("leveldb: delete from %s: %w", coll, err)
		}
		e.logWrites(removed)
	}

	return removed, nil
}

// DropIndex removes a named index with its entries. The implicit identity
// index cannot be dropped.
func (e *Engine) DropIndex(ctx context.Context, coll, name string) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if name == engine.IDField {
		return false, fmt.Errorf("%w: cannot drop the %s index", engine.ErrInvalidIndex, engine.IDField)
	}

	ok, err := e.store().Has(idxKey(coll, name), nil)
	if err != nil {
		return false, fmt.Errorf("leveldb: drop index %s of %s: %w", name, coll, err)
	}
	if !ok {
		return false, nil
	}

	batch := new(ldb.Batch)
	batch.Delete(idxKey(coll, name))
	if err := e.deletePrefix(batch, indexEntries(coll, name)); err != nil {
		return false, fmt.Errorf("leveldb: drop index %s of %s: %w", name, coll, err)
	}

	if err := e.store().Write(batch, nil); err != nil {
		return false, fmt.Errorf("leveldb: drop index %s of %s: %w", name, coll, err)
	}
	e.logWrites(1)

	return true, nil
}

// EnsureIndex creates an index if it is missing, backfilling its entries
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

	meta, exists, err := e.meta(coll)
	if err != nil {
		return false, err
	}
	if !exists {
		if err := engine.ValidateCollectionName(coll); err != nil {
			return false, err
		}
	}

	defs, err := e.indexes(coll)
	if err != nil {
		return false, err
	}
	for _, def := range defs {
		if def.Name != idx.Name {
			continue
		}
		if def.Equal(idx) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %q", engine.ErrIndexExists, idx.Name)
	}

	docs, err := e.scan(coll)
	if err != nil {
		return false, err
	}

	batch := new(ldb.Batch)
	claimed := make(map[string]struct{})

	for _, doc := range docs {
		v, ok := doc.Lookup(idx.Field)
		if !ok {
			continue
		}
		vk := engine.ValueKey(v)

		if idx.Unique {
			if _, dup := claimed[vk]; dup {
				return false, fmt.Errorf("%w: index %q value %v", engine.ErrDuplicateKey, idx.Name, v)
			}
			claimed[vk] = struct{}{}
		}

		id, _ := doc.ID()
		batch.Put(entryKey(coll, idx.Name, valueHash(vk), engine.IDKey(id)), []byte(vk))
	}

	data, err := json.Marshal(idx)
	if err != nil {
		return false, fmt.Errorf("leveldb: encode index %s: %w", idx.Name, err)
	}
	batch.Put(idxKey(coll, idx.Name), data)

	if !exists {
		if err := e.putMeta(batch, coll, meta); err != nil {
			return false, err
		}
	}

	if err := e.store().Write(batch, nil); err != nil {
		return false, fmt.Errorf("leveldb: ensure index %s of %s: %w", idx.Name, coll, err)
	}
	e.logWrites(1)

	return true, nil
}
