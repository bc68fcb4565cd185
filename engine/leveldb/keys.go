package leveldb

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/sharedb/engine"
)

// Key spaces. Every key starts with a space byte; collection and index
// names follow the shared naming rule and cannot contain the separator, so
// prefix scans never cross spaces.
//
//	c!<collection>                     collection record
//	d!<collection>!<idKey>             document JSON
//	i!<collection>!<name>              index definition JSON
//	x!<collection>!<name>!<vh>!<idKey> index entry, value key as payload
//	p!<name>                           pragma value JSON
//	m!<name>                           engine bookkeeping JSON
const (
	sep = '!'

	colSpace    = 'c'
	docSpace    = 'd'
	idxSpace    = 'i'
	entrySpace  = 'x'
	pragmaSpace = 'p'
	metaSpace   = 'm'
)

func key(space byte, parts ...string) []byte {
	n := 1
	for _, p := range parts {
		n += 1 + len(p)
	}

	k := make([]byte, 0, n)
	k = append(k, space)
	for _, p := range parts {
		k = append(k, sep)
		k = append(k, p...)
	}

	return k
}

// prefix is key with a trailing separator, so that scans of "a" never pick
// up "ab".
func prefix(space byte, parts ...string) []byte {
	return append(key(space, parts...), sep)
}

func colKey(coll string) []byte          { return key(colSpace, coll) }
func colPrefix() []byte                  { return prefix(colSpace) }
func docKey(coll, idKey string) []byte   { return key(docSpace, coll, idKey) }
func docPrefix(coll string) []byte       { return prefix(docSpace, coll) }
func idxKey(coll, name string) []byte    { return key(idxSpace, coll, name) }
func idxPrefix(coll string) []byte       { return prefix(idxSpace, coll) }
func entriesPrefix(coll string) []byte   { return prefix(entrySpace, coll) }
func indexEntries(coll, n string) []byte { return prefix(entrySpace, coll, n) }
func pragmaKey(name string) []byte       { return key(pragmaSpace, name) }

// loggedKey holds the count of documents written since the last
// checkpoint. It lives in the store so the count survives the
// open-per-operation lifecycle the controller runs engines through.
func loggedKey() []byte { return key(metaSpace, "logged") }

func entryKey(coll, name, vh, idKey string) []byte {
	return key(entrySpace, coll, name, vh, idKey)
}

func entryPrefix(coll, name, vh string) []byte {
	return prefix(entrySpace, coll, name, vh)
}

// valueHash folds a value key into a fixed-width key segment, keeping
// entry keys parseable for arbitrary value content. A hash collision only
// widens a scan; the value key stored in the entry disambiguates.
func valueHash(vk string) string {
	sum := sha1.Sum([]byte(vk))
	return hex.EncodeToString(sum[:8])
}

// colMeta is the per-collection record. Its presence marks the collection
// as existing.
type colMeta struct {
	Seq int64 `json:"seq"`
}

func encodeDoc(doc engine.Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("leveldb: encode document: %w", err)
	}
	return data, nil
}

// decodeDoc unmarshals a stored document and canonicalizes its identity,
// which JSON turns into a float64 on the way through.
func decodeDoc(data []byte) (engine.Document, error) {
	var doc engine.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("leveldb: decode document: %w", err)
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

func decodePragma(name string, data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("leveldb: decode pragma %s: %w", name, err)
	}

	return engine.NormalizePragma(name, raw)
}
