package engine

// Mutation is a structural document transform applied by UpdateMany. Steps
// run in the order Set, Inc, Unset; the identity field is never touched.
type Mutation struct {
	// Set assigns values at dotted field paths.
	Set map[string]any `json:"set,omitempty"`

	// Inc adds a delta to numeric fields, treating missing fields as zero.
	Inc map[string]float64 `json:"inc,omitempty"`

	// Unset removes fields at dotted paths.
	Unset []string `json:"unset,omitempty"`
}

// IsZero reports whether the mutation changes nothing.
func (m Mutation) IsZero() bool {
	return len(m.Set) == 0 && len(m.Inc) == 0 && len(m.Unset) == 0
}

// Apply transforms doc in place. It reports whether anything changed.
func (m Mutation) Apply(doc Document) bool {
	changed := false

	for path, value := range m.Set {
		if path == IDField {
			continue
		}
		if cur, ok := doc.Lookup(path); ok {
			if cmp, comparable := CompareValues(cur, value); comparable && cmp == 0 {
				continue
			}
		}
		doc.Set(path, value)
		changed = true
	}

	for path, delta := range m.Inc {
		if path == IDField || delta == 0 {
			continue
		}
		var base float64
		if cur, ok := doc.Lookup(path); ok {
			if f, ok := toFloat(cur); ok {
				base = f
			}
		}
		doc.Set(path, base+delta)
		changed = true
	}

	for _, path := range m.Unset {
		if path == IDField {
			continue
		}
		if _, ok := doc.Lookup(path); ok {
			doc.Unset(path)
			changed = true
		}
	}

	return changed
}
