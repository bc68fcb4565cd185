package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hupe1980/sharedb/engine"
)

// The helpers below take their querier explicitly. Inside run the
// transaction owns the pool's only connection, so going through e.conn
// there would deadlock.

// meta loads the collection's identity sequence; exists reports whether
// the collection is known.
func meta(ctx context.Context, q querier, coll string) (int64, bool, error) {
	var seq int64
	err := q.QueryRowContext(ctx, "SELECT seq FROM collections WHERE name = ?", coll).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: read collection %s: %w", coll, err)
	}

	return seq, true, nil
}

func putMeta(ctx context.Context, q querier, coll string, seq int64) error {
	if _, err := q.ExecContext(ctx,
		"INSERT INTO collections (name, seq) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET seq = excluded.seq",
		coll, seq,
	); err != nil {
		return fmt.Errorf("sqlite: write collection %s: %w", coll, err)
	}

	return nil
}

// getDoc loads one document by its identity key. A missing document is nil
// without error.
func getDoc(ctx context.Context, q querier, coll, idKey string) (engine.Document, error) {
	var body []byte
	err := q.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE collection = ? AND id_key = ?", coll, idKey,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read %s/%s: %w", coll, idKey, err)
	}

	return decodeDoc(body)
}

func hasDoc(ctx context.Context, q querier, coll, idKey string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		"SELECT 1 FROM documents WHERE collection = ? AND id_key = ?", coll, idKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: read %s/%s: %w", coll, idKey, err)
	}

	return true, nil
}

func putDoc(ctx context.Context, q querier, coll, idKey string, doc engine.Document) error {
	data, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		"INSERT INTO documents (collection, id_key, body) VALUES (?, ?, ?) ON CONFLICT(collection, id_key) DO UPDATE SET body = excluded.body",
		coll, idKey, string(data),
	); err != nil {
		return fmt.Errorf("sqlite: write %s/%s: %w", coll, idKey, err)
	}

	return nil
}

func delDoc(ctx context.Context, q querier, coll, idKey string) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND id_key = ?", coll, idKey,
	); err != nil {
		return fmt.Errorf("sqlite: delete %s/%s: %w", coll, idKey, err)
	}

	return nil
}

// indexes lists the index definitions of one collection.
func indexes(ctx context.Context, q querier, coll string) ([]engine.Index, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT name, field, is_unique FROM indexes WHERE collection = ? ORDER BY name", coll)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list indexes of %s: %w", coll, err)
	}
	defer rows.Close()

	var defs []engine.Index
	for rows.Next() {
		var idx engine.Index
		if err := rows.Scan(&idx.Name, &idx.Field, &idx.Unique); err != nil {
			return nil, fmt.Errorf("sqlite: list indexes of %s: %w", coll, err)
		}
		defs = append(defs, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list indexes of %s: %w", coll, err)
	}

	return defs, nil
}

// indexDoc writes the index rows of doc.
func indexDoc(ctx context.Context, q querier, coll string, defs []engine.Index, idKey string, doc engine.Document) error {
	for _, idx := range defs {
		v, ok := doc.Lookup(idx.Field)
		if !ok {
			continue
		}
		if _, err := q.ExecContext(ctx,
			"INSERT INTO index_entries (collection, idx_name, value_key, id_key) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING",
			coll, idx.Name, engine.ValueKey(v), idKey,
		); err != nil {
			return fmt.Errorf("sqlite: index %s of %s: %w", idx.Name, coll, err)
		}
	}

	return nil
}

func unindexDoc(ctx context.Context, q querier, coll string, defs []engine.Index, idKey string, doc engine.Document) error {
	for _, idx := range defs {
		v, ok := doc.Lookup(idx.Field)
		if !ok {
			continue
		}
		if _, err := q.ExecContext(ctx,
			"DELETE FROM index_entries WHERE collection = ? AND idx_name = ? AND value_key = ? AND id_key = ?",
			coll, idx.Name, engine.ValueKey(v), idKey,
		); err != nil {
			return fmt.Errorf("sqlite: unindex %s of %s: %w", idx.Name, coll, err)
		}
	}

	return nil
}

// entryOwner returns the identity key holding a value in one index, or ""
// when the value is unclaimed.
func entryOwner(ctx context.Context, q querier, coll, name, vk string) (string, error) {
	var idKey string
	err := q.QueryRowContext(ctx,
		"SELECT id_key FROM index_entries WHERE collection = ? AND idx_name = ? AND value_key = ? LIMIT 1",
		coll, name, vk,
	).Scan(&idKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: scan index %s of %s: %w", name, coll, err)
	}

	return idKey, nil
}

// checkUnique validates doc against the unique indexes, treating documents
// without the indexed field as unconstrained. pending carries claims made
// earlier in the same operation for documents whose rows are not written
// yet.
func checkUnique(ctx context.Context, q querier, coll string, defs []engine.Index, idKey string, doc engine.Document, pending map[string]string) error {
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

		owner, err := entryOwner(ctx, q, coll, idx.Name, vk)
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
func scan(ctx context.Context, q querier, coll string) ([]engine.Document, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT body FROM documents WHERE collection = ? ORDER BY id_key", coll)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan %s: %w", coll, err)
	}
	defer rows.Close()

	var docs []engine.Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", coll, err)
		}
		doc, err := decodeDoc(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scan %s: %w", coll, err)
	}

	return docs, nil
}

// candidates narrows a scan when the filter is a single equality: the
// identity maps to a direct row read, an indexed field to its index rows.
// The result is a superset; the filter is still evaluated per document.
func candidates(ctx context.Context, q querier, coll string, f engine.Filter) ([]engine.Document, error) {
	if f.Op == engine.OpEq && len(f.And) == 0 && len(f.Or) == 0 && f.Not == nil {
		if f.Field == engine.IDField {
			norm, err := engine.NormalizeID(f.Value)
			if err != nil {
				return nil, nil
			}
			doc, err := getDoc(ctx, q, coll, engine.IDKey(norm))
			if err != nil {
				return nil, err
			}
			if doc == nil {
				return nil, nil
			}
			return []engine.Document{doc}, nil
		}

		defs, err := indexes(ctx, q, coll)
		if err != nil {
			return nil, err
		}
		for _, idx := range defs {
			if idx.Field == f.Field {
				return docsByValue(ctx, q, coll, idx.Name, engine.ValueKey(f.Value))
			}
		}
	}

	return scan(ctx, q, coll)
}

// docsByValue resolves the documents holding one indexed value, in
// identity order.
func docsByValue(ctx context.Context, q querier, coll, name, vk string) ([]engine.Document, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT d.body FROM index_entries AS x
		 JOIN documents AS d ON d.collection = x.collection AND d.id_key = x.id_key
		 WHERE x.collection = ? AND x.idx_name = ? AND x.value_key = ?
		 ORDER BY x.id_key`,
		coll, name, vk)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan index %s of %s: %w", name, coll, err)
	}
	defer rows.Close()

	var docs []engine.Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan index %s of %s: %w", name, coll, err)
		}
		doc, err := decodeDoc(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scan index %s of %s: %w", name, coll, err)
	}

	return docs, nil
}

// Query evaluates q over one collection. A missing collection yields an
// empty cursor.
func (e *Engine) Query(ctx context.Context, coll string, q engine.Query) (engine.Cursor, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}

	if _, exists, err := meta(ctx, e.conn(), coll); err != nil {
		return nil, err
	} else if !exists {
		return engine.NewSliceCursor(nil), nil
	}

	docs, err := candidates(ctx, e.conn(), coll, q.Filter)
	if err != nil {
		return nil, err
	}

	return engine.NewSliceCursor(engine.RunQuery(docs, q)), nil
}

// Insert adds documents, assigning identities according to autoID. The
// whole batch runs in one transaction, so a failing document unwinds the
// documents before it.
func (e *Engine) Insert(ctx context.Context, coll string, docs []engine.Document, autoID engine.AutoID) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	clones := make([]engine.Document, len(docs))
	for i, doc := range docs {
		clones[i] = doc.Clone()
	}

	err := e.run(ctx, func(q querier) error {
		seq, exists, err := meta(ctx, q, coll)
		if err != nil {
			return err
		}
		if !exists {
			if err := engine.ValidateCollectionName(coll); err != nil {
				return err
			}
		}

		defs, err := indexes(ctx, q, coll)
		if err != nil {
			return err
		}

		if err := engine.AssignIDs(clones, autoID, func() int64 { seq++; return seq }); err != nil {
			return err
		}

		pending := make(map[string]string)

		for _, doc := range clones {
			id, _ := doc.ID()
			idKey := engine.IDKey(id)

			// A duplicate inside the batch shows up here too: the earlier
			// document's row is already visible in the transaction.
			taken, err := hasDoc(ctx, q, coll, idKey)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: _id %v", engine.ErrDuplicateKey, id)
			}

			if err := checkUnique(ctx, q, coll, defs, idKey, doc, pending); err != nil {
				return err
			}

			if err := putDoc(ctx, q, coll, idKey, doc); err != nil {
				return err
			}
			if err := indexDoc(ctx, q, coll, defs, idKey, doc); err != nil {
				return err
			}

			// Explicit int64 identities advance the sequence so later auto
			// assignment cannot collide.
			if n, ok := id.(int64); ok && n > seq {
				seq = n
			}
		}

		return putMeta(ctx, q, coll, seq)
	})
	if err != nil {
		return 0, err
	}

	return len(clones), nil
}

// Update replaces documents matched by identity, skipping unknown ones,
// and returns the number replaced.
func (e *Engine) Update(ctx context.Context, coll string, docs []engine.Document) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	updated := 0
	err := e.run(ctx, func(q querier) error {
		_, exists, err := meta(ctx, q, coll)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		defs, err := indexes(ctx, q, coll)
		if err != nil {
			return err
		}

		pending := make(map[string]string)

		for _, doc := range docs {
			id, ok := doc.ID()
			if !ok || id == nil {
				return fmt.Errorf("%w: update without %s", engine.ErrInvalidDocument, engine.IDField)
			}

			norm, err := engine.NormalizeID(id)
			if err != nil {
				return err
			}
			idKey := engine.IDKey(norm)

			old, err := getDoc(ctx, q, coll, idKey)
			if err != nil {
				return err
			}
			if old == nil {
				continue
			}

			clone := doc.Clone()
			clone.SetID(norm)

			if err := checkUnique(ctx, q, coll, defs, idKey, clone, pending); err != nil {
				return err
			}

			if err := unindexDoc(ctx, q, coll, defs, idKey, old); err != nil {
				return err
			}
			if err := putDoc(ctx, q, coll, idKey, clone); err != nil {
				return err
			}
			if err := indexDoc(ctx, q, coll, defs, idKey, clone); err != nil {
				return err
			}
			updated++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return updated, nil
}

// UpdateMany applies m to every document matching f and returns the number
// changed.
func (e *Engine) UpdateMany(ctx context.Context, coll string, m engine.Mutation, f engine.Filter) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}
	if m.IsZero() {
		return 0, nil
	}

	changed := 0
	err := e.run(ctx, func(q querier) error {
		_, exists, err := meta(ctx, q, coll)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		defs, err := indexes(ctx, q, coll)
		if err != nil {
			return err
		}

		docs, err := candidates(ctx, q, coll, f)
		if err != nil {
			return err
		}

		pending := make(map[string]string)

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

			if err := checkUnique(ctx, q, coll, defs, idKey, clone, pending); err != nil {
				return err
			}

			if err := unindexDoc(ctx, q, coll, defs, idKey, doc); err != nil {
				return err
			}
			if err := putDoc(ctx, q, coll, idKey, clone); err != nil {
				return err
			}
			if err := indexDoc(ctx, q, coll, defs, idKey, clone); err != nil {
				return err
			}
			changed++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return changed, nil
}

// Upsert inserts or replaces documents by identity and returns how many
// were newly inserted. Documents apply in order, so a repeated identity
// within one batch keeps the last document.
func (e *Engine) Upsert(ctx context.Context, coll string, docs []engine.Document, autoID engine.AutoID) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	clones := make([]engine.Document, len(docs))
	for i, doc := range docs {
		clones[i] = doc.Clone()
	}

	inserted := 0
	err := e.run(ctx, func(q querier) error {
		seq, exists, err := meta(ctx, q, coll)
		if err != nil {
			return err
		}
		if !exists {
			if err := engine.ValidateCollectionName(coll); err != nil {
				return err
			}
		}

		defs, err := indexes(ctx, q, coll)
		if err != nil {
			return err
		}

		if err := engine.AssignIDs(clones, autoID, func() int64 { seq++; return seq }); err != nil {
			return err
		}

		pending := make(map[string]string)

		for _, doc := range clones {
			id, _ := doc.ID()
			idKey := engine.IDKey(id)

			old, err := getDoc(ctx, q, coll, idKey)
			if err != nil {
				return err
			}

			if err := checkUnique(ctx, q, coll, defs, idKey, doc, pending); err != nil {
				return err
			}

			if old != nil {
				if err := unindexDoc(ctx, q, coll, defs, idKey, old); err != nil {
					return err
				}
			} else {
				inserted++
			}
			if err := putDoc(ctx, q, coll, idKey, doc); err != nil {
				return err
			}
			if err := indexDoc(ctx, q, coll, defs, idKey, doc); err != nil {
				return err
			}

			if n, ok := id.(int64); ok && n > seq {
				seq = n
			}
		}

		return putMeta(ctx, q, coll, seq)
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// Delete removes documents by identity and returns the number removed.
func (e *Engine) Delete(ctx context.Context, coll string, ids []any) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
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
	err := e.run(ctx, func(q querier) error {
		_, exists, err := meta(ctx, q, coll)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		defs, err := indexes(ctx, q, coll)
		if err != nil {
			return err
		}

		// A repeated identity reads as already gone on its second pass.
		for _, idKey := range keys {
			doc, err := getDoc(ctx, q, coll, idKey)
			if err != nil {
				return err
			}
			if doc == nil {
				continue
			}

			if err := delDoc(ctx, q, coll, idKey); err != nil {
				return err
			}
			if err := unindexDoc(ctx, q, coll, defs, idKey, doc); err != nil {
				return err
			}
			removed++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// DeleteMany removes every document matching f and returns the number
// removed.
func (e *Engine) DeleteMany(ctx context.Context, coll string, f engine.Filter) (int, error) {
	if err := e.writable(); err != nil {
		return 0, err
	}

	removed := 0
	err := e.run(ctx, func(q querier) error {
		_, exists, err := meta(ctx, q, coll)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		defs, err := indexes(ctx, q, coll)
		if err != nil {
			return err
		}

		docs, err := candidates(ctx, q, coll, f)
		if err != nil {
			return err
		}

		for _, doc := range docs {
			if !f.Match(doc) {
				continue
			}

			id, _ := doc.ID()
			idKey := engine.IDKey(id)

			if err := delDoc(ctx, q, coll, idKey); err != nil {
				return err
			}
			if err := unindexDoc(ctx, q, coll, defs, idKey, doc); err != nil {
				return err
			}
			removed++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// DropIndex removes a named index with its rows. The implicit identity
// index cannot be dropped.
func (e *Engine) DropIndex(ctx context.Context, coll, name string) (bool, error) {
	if err := e.writable(); err != nil {
		return false, err
	}

	if name == engine.IDField {
		return false, fmt.Errorf("%w: cannot drop the %s index", engine.ErrInvalidIndex, engine.IDField)
	}

	dropped := false
	err := e.run(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx,
			"DELETE FROM indexes WHERE collection = ? AND name = ?", coll, name)
		if err != nil {
			return fmt.Errorf("sqlite: drop index %s of %s: %w", name, coll, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: drop index %s of %s: %w", name, coll, err)
		}
		if n == 0 {
			return nil
		}

		if _, err := q.ExecContext(ctx,
			"DELETE FROM index_entries WHERE collection = ? AND idx_name = ?", coll, name); err != nil {
			return fmt.Errorf("sqlite: drop index %s of %s: %w", name, coll, err)
		}
		dropped = true

		return nil
	})
	if err != nil {
		return false, err
	}

	return dropped, nil
}

// EnsureIndex creates an index if it is missing, backfilling its rows and
// checking uniqueness over the existing documents. An identical index
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

	created := false
	err := e.run(ctx, func(q querier) error {
		seq, exists, err := meta(ctx, q, coll)
		if err != nil {
			return err
		}
		if !exists {
			if err := engine.ValidateCollectionName(coll); err != nil {
				return err
			}
		}

		defs, err := indexes(ctx, q, coll)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if def.Name != idx.Name {
				continue
			}
			if def.Equal(idx) {
				return nil
			}
			return fmt.Errorf("%w: %q", engine.ErrIndexExists, idx.Name)
		}

		docs, err := scan(ctx, q, coll)
		if err != nil {
			return err
		}

		claimed := make(map[string]struct{})
		for _, doc := range docs {
			v, ok := doc.Lookup(idx.Field)
			if !ok {
				continue
			}
			vk := engine.ValueKey(v)

			if idx.Unique {
				if _, dup := claimed[vk]; dup {
					return fmt.Errorf("%w: index %q value %v", engine.ErrDuplicateKey, idx.Name, v)
				}
				claimed[vk] = struct{}{}
			}

			id, _ := doc.ID()
			if _, err := q.ExecContext(ctx,
				"INSERT INTO index_entries (collection, idx_name, value_key, id_key) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING",
				coll, idx.Name, vk, engine.IDKey(id),
			); err != nil {
				return fmt.Errorf("sqlite: backfill index %s of %s: %w", idx.Name, coll, err)
			}
		}

		if _, err := q.ExecContext(ctx,
			"INSERT INTO indexes (collection, name, field, is_unique) VALUES (?, ?, ?, ?)",
			coll, idx.Name, idx.Field, idx.Unique,
		); err != nil {
			return fmt.Errorf("sqlite: ensure index %s of %s: %w", idx.Name, coll, err)
		}

		if !exists {
			if err := putMeta(ctx, q, coll, seq); err != nil {
				return err
			}
		}

		created = true

		return nil
	})
	if err != nil {
		return false, err
	}

	return created, nil
}

func encodeDoc(doc engine.Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode document: %w", err)
	}
	return data, nil
}

// decodeDoc unmarshals a stored document and canonicalizes its identity,
// which JSON turns into a float64 on the way through.
func decodeDoc(data []byte) (engine.Document, error) {
	var doc engine.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("sqlite: decode document: %w", err)
	}

	id, ok := doc.ID()
	if !ok || id == nil {
		return nil, fmt.Errorf("%w: stored document without %s", engine.ErrInvalidDocument, engine.IDField)
	}

	norm, err := engine.NormalizeID(id)
	if err != nil {
		return nil, err
	}
	doc.SetID(norm)

	return doc, nil
}
