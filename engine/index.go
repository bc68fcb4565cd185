package engine

import (
	"fmt"
	"strconv"
)

// Index describes a secondary index over a single dotted field path. The
// primary index on "_id" is implicit: it always exists, EnsureIndex on it
// reports false and DropIndex on it fails.
type Index struct {
	// Name identifies the index within its collection.
	Name string `json:"name"`

	// Field is the dotted path the index covers.
	Field string `json:"field"`

	// Unique rejects documents whose indexed value duplicates an existing
	// one (ErrDuplicateKey).
	Unique bool `json:"unique,omitempty"`
}

// Validate checks the definition. Index names follow the collection naming
// rule, except the reserved "_id" which engines treat as the implicit
// primary index.
func (ix Index) Validate() error {
	if ix.Name == IDField {
		if ix.Field != "" && ix.Field != IDField {
			return fmt.Errorf("%w: %q is reserved for the primary index", ErrInvalidIndex, IDField)
		}

		return nil
	}

	if err := ValidateCollectionName(ix.Name); err != nil {
		return fmt.Errorf("%w: name %q", ErrInvalidIndex, ix.Name)
	}

	if ix.Field == "" {
		return fmt.Errorf("%w: %q covers no field", ErrInvalidIndex, ix.Name)
	}

	return nil
}

// Equal reports whether two definitions describe the same index.
func (ix Index) Equal(other Index) bool {
	return ix.Name == other.Name && ix.Field == other.Field && ix.Unique == other.Unique
}

// ValueKey renders an indexed value as a canonical string, so that values
// equal under CompareValues share one index entry. All numeric types
// collapse onto one key; the leading tag byte keeps values of different
// kinds from colliding.
func ValueKey(v any) string {
	if f, ok := toFloat(v); ok {
		return "n" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	switch t := v.(type) {
	case string:
		return "s" + t
	case bool:
		if t {
			return "b1"
		}
		return "b0"
	default:
		return fmt.Sprintf("x%v", t)
	}
}
