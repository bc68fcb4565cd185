package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// IDField is the document identity field.
const IDField = "_id"

// Document is a schemaless record. Nested documents are nested maps; field
// paths in filters and mutations use dotted notation ("address.city").
type Document map[string]any

// ID returns the document identity, if set.
func (d Document) ID() (any, bool) {
	id, ok := d[IDField]
	return id, ok
}

// SetID sets the document identity.
func (d Document) SetID(id any) {
	d[IDField] = id
}

// Clone returns a deep copy. Nested maps and slices are copied; scalar
// values are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]any:
		return Document(t).Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Lookup resolves a dotted field path. It returns false when any path
// element is missing or a non-map value is traversed.
func (d Document) Lookup(path string) (any, bool) {
	cur := any(d)
	for path != "" {
		var key string
		if i := strings.IndexByte(path, '.'); i >= 0 {
			key, path = path[:i], path[i+1:]
		} else {
			key, path = path, ""
		}

		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set assigns a value at a dotted field path, creating intermediate maps.
func (d Document) Set(path string, value any) {
	m := map[string]any(d)
	for {
		i := strings.IndexByte(path, '.')
		if i < 0 {
			m[path] = value
			return
		}
		key := path[:i]
		path = path[i+1:]

		next, ok := asMap(m[key])
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
}

// Unset removes the value at a dotted field path. Missing paths are a no-op.
func (d Document) Unset(path string) {
	m := map[string]any(d)
	for {
		i := strings.IndexByte(path, '.')
		if i < 0 {
			delete(m, path)
			return
		}
		next, ok := asMap(m[path[:i]])
		if !ok {
			return
		}
		m = next
		path = path[i+1:]
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case Document:
		return t, true
	case map[string]any:
		return t, true
	default:
		return nil, false
	}
}

// AutoID selects how engines assign identities to documents inserted
// without one.
type AutoID int

const (
	// AutoIDNone rejects documents without an "_id" (ErrInvalidDocument).
	AutoIDNone AutoID = iota

	// AutoIDInt64 assigns from a per-collection monotonic sequence.
	AutoIDInt64

	// AutoIDUUID assigns a random UUID string.
	AutoIDUUID
)

func (a AutoID) String() string {
	switch a {
	case AutoIDNone:
		return "none"
	case AutoIDInt64:
		return "int64"
	case AutoIDUUID:
		return "uuid"
	default:
		return fmt.Sprintf("autoid(%d)", int(a))
	}
}

// NewUUID returns a fresh random identity for AutoIDUUID.
func NewUUID() string {
	return uuid.NewString()
}

// NormalizeID canonicalizes an identity value so that equal identities
// compare equal after serialization round trips (JSON decodes all numbers
// as float64). Integral floats become int64; strings pass through. An error
// means the value cannot serve as an identity.
func NormalizeID(id any) (any, error) {
	switch v := id.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("%w: empty string _id", ErrInvalidDocument)
		}
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("%w: _id out of int64 range", ErrInvalidDocument)
		}
		return int64(v), nil
	case float32:
		return NormalizeID(float64(v))
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int64(v), nil
		}
		return nil, fmt.Errorf("%w: non-integral numeric _id", ErrInvalidDocument)
	case uuid.UUID:
		return v.String(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported _id type %T", ErrInvalidDocument, id)
	}
}

// IDKey renders a normalized identity as a unique string, usable as a map
// key or an ordered storage key. Identities of different types never
// collide.
func IDKey(id any) string {
	switch v := id.(type) {
	case int64:
		// Offset binary keeps lexicographic order equal to numeric order.
		return fmt.Sprintf("i%016x", uint64(v)+math.MaxInt64+1)
	case string:
		return "s" + v
	default:
		return fmt.Sprintf("x%v", v)
	}
}

// ValidateCollectionName checks the shared naming rule for collections:
// a letter followed by letters, digits, '_' or '-'.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCollectionName)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '_' || r == '-'):
		default:
			return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
		}
	}
	return nil
}

// AssignIDs normalizes existing identities and fills missing ones according
// to autoID. nextSeq supplies values for AutoIDInt64 and is invoked once per
// assigned document. The documents are modified in place.
func AssignIDs(docs []Document, autoID AutoID, nextSeq func() int64) error {
	for _, doc := range docs {
		if doc == nil {
			return fmt.Errorf("%w: nil document", ErrInvalidDocument)
		}
		if id, ok := doc.ID(); ok && id != nil {
			norm, err := NormalizeID(id)
			if err != nil {
				return err
			}
			doc.SetID(norm)
			continue
		}
		switch autoID {
		case AutoIDInt64:
			doc.SetID(nextSeq())
		case AutoIDUUID:
			doc.SetID(NewUUID())
		default:
			return fmt.Errorf("%w: missing _id with autoid %s", ErrInvalidDocument, autoID)
		}
	}
	return nil
}

// FormatID renders an identity for logs and CLI output.
func FormatID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
