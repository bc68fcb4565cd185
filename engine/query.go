package engine

import (
	"slices"
)

// SortField orders query results by one dotted field path.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query describes a forward-only read over one collection.
type Query struct {
	// Filter selects documents; the zero filter selects all.
	Filter Filter `json:"filter,omitempty"`

	// Sort orders results. Without sort fields the engine's natural order
	// (ascending IDKey) applies.
	Sort []SortField `json:"sort,omitempty"`

	// Skip drops the first n results after sorting.
	Skip int `json:"skip,omitempty"`

	// Limit caps the result count after skipping. Zero means unlimited.
	Limit int `json:"limit,omitempty"`

	// Fields projects the result documents to the named dotted paths. The
	// identity field is always included. Empty means full documents.
	Fields []string `json:"fields,omitempty"`
}

// SortDocuments orders docs by the sort fields, using CompareValues per
// field. Missing fields sort first. The sort is stable so engines with a
// deterministic natural order stay deterministic under partial sorts.
func SortDocuments(docs []Document, sorts []SortField) {
	if len(sorts) == 0 {
		return
	}
	slices.SortStableFunc(docs, func(a, b Document) int {
		for _, s := range sorts {
			av, aok := a.Lookup(s.Field)
			bv, bok := b.Lookup(s.Field)

			var cmp int
			switch {
			case !aok && !bok:
				cmp = 0
			case !aok:
				cmp = -1
			case !bok:
				cmp = 1
			default:
				c, comparable := CompareValues(av, bv)
				if !comparable {
					c = 0
				}
				cmp = c
			}

			if s.Desc {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp
			}
		}
		return 0
	})
}

// Window applies skip and limit to an already sorted slice.
func Window(docs []Document, skip, limit int) []Document {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// Project reduces a document to the named field paths plus the identity.
// With no fields the document is returned unchanged.
func Project(doc Document, fields []string) Document {
	if len(fields) == 0 {
		return doc
	}
	out := make(Document, len(fields)+1)
	if id, ok := doc.ID(); ok {
		out.SetID(id)
	}
	for _, f := range fields {
		if v, ok := doc.Lookup(f); ok {
			out.Set(f, v)
		}
	}
	return out
}

// RunQuery evaluates q over the documents of one collection in natural
// order. It is the shared fallback for engines without native query
// execution; engines with storage-level ordering or indexes push parts of
// the query down instead.
func RunQuery(docs []Document, q Query) []Document {
	var out []Document
	for _, doc := range docs {
		if q.Filter.Match(doc) {
			out = append(out, doc)
		}
	}
	SortDocuments(out, q.Sort)
	out = Window(out, q.Skip, q.Limit)
	if len(q.Fields) > 0 {
		for i, doc := range out {
			out[i] = Project(doc, q.Fields)
		}
	}
	return out
}
