package engine

import (
	"fmt"
	"slices"
)

// Shared pragma names. Engines store pragma values durably in the datafile;
// unknown names fail with ErrUnknownPragma on both read and write.
const (
	// PragmaUserVersion is a free int64 for application schema versioning.
	PragmaUserVersion = "user_version"

	// PragmaTimeout is the engine-level busy timeout in seconds.
	PragmaTimeout = "timeout"

	// PragmaLimitSize caps the datafile size in bytes. Zero means unlimited.
	PragmaLimitSize = "limit_size"

	// PragmaUTCDate stores date values in UTC when true.
	PragmaUTCDate = "utc_date"

	// PragmaCheckpoint is the log size threshold, in units of the backing
	// log (frames or documents), above which an implicit checkpoint runs.
	PragmaCheckpoint = "checkpoint"
)

// PragmaNames lists the shared pragma set in sorted order.
func PragmaNames() []string {
	names := []string{
		PragmaCheckpoint,
		PragmaLimitSize,
		PragmaTimeout,
		PragmaUserVersion,
		PragmaUTCDate,
	}
	slices.Sort(names)
	return names
}

// DefaultPragmas returns the initial pragma values of a fresh datafile.
func DefaultPragmas() map[string]any {
	return map[string]any{
		PragmaUserVersion: int64(0),
		PragmaTimeout:     int64(60),
		PragmaLimitSize:   int64(0),
		PragmaUTCDate:     false,
		PragmaCheckpoint:  int64(1000),
	}
}

// NormalizePragma validates a pragma write and returns the canonical value
// to store.
func NormalizePragma(name string, value any) (any, error) {
	switch name {
	case PragmaUserVersion, PragmaTimeout, PragmaLimitSize, PragmaCheckpoint:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants an integer, got %T", ErrInvalidPragmaValue, name, value)
		}
		n := int64(f)
		if float64(n) != f {
			return nil, fmt.Errorf("%w: %s wants an integer, got %v", ErrInvalidPragmaValue, name, value)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %s must not be negative", ErrInvalidPragmaValue, name)
		}
		return n, nil
	case PragmaUTCDate:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants a bool, got %T", ErrInvalidPragmaValue, name, value)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPragma, name)
	}
}
