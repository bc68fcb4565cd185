package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/hupe1980/sharedb/engine"
	"github.com/hupe1980/sharedb/internal/fs"
)

const snapshotVersion = 1

// snapshotFile is the on-disk layout. Map keys and document order are
// deterministic (collections by name, documents in identity order), so
// identical states serialize to identical bytes.
type snapshotFile struct {
	Version     int                        `json:"version"`
	Pragmas     map[string]any             `json:"pragmas"`
	Collections map[string]collectionState `json:"collections,omitempty"`
}

type collectionState struct {
	Seq     int64             `json:"seq"`
	Indexes []engine.Index    `json:"indexes,omitempty"`
	Docs    []engine.Document `json:"docs,omitempty"`
}

func (e *Engine) encode() ([]byte, int, error) {
	out := snapshotFile{
		Version:     snapshotVersion,
		Pragmas:     e.pragmas,
		Collections: make(map[string]collectionState, len(e.cols)),
	}

	docCount := 0
	for name, c := range e.cols {
		indexes := make([]engine.Index, 0, len(c.indexes))
		for _, idx := range c.indexes {
			indexes = append(indexes, idx)
		}
		sortIndexes(indexes)

		docs := c.inOrder()
		docCount += len(docs)

		out.Collections[name] = collectionState{
			Seq:     c.seq,
			Indexes: indexes,
			Docs:    docs,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, 0, fmt.Errorf("memory: encode snapshot: %w", err)
	}

	return data, docCount, nil
}

func sortIndexes(indexes []engine.Index) {
	slices.SortFunc(indexes, func(a, b engine.Index) int {
		return strings.Compare(a.Name, b.Name)
	})
}

// persist writes the snapshot atomically and returns the number of
// documents written.
func (e *Engine) persist(target string) (int, error) {
	data, docCount, err := e.encode()
	if err != nil {
		return 0, err
	}

	if err := fs.WriteAtomic(e.fsys, target, data, 0o644); err != nil {
		return 0, fmt.Errorf("memory: write snapshot %s: %w", target, err)
	}

	if target == e.path {
		e.dirty = false
	}

	return docCount, nil
}

// persistSize writes the snapshot atomically and returns its byte length.
func (e *Engine) persistSize(target string) (int64, error) {
	data, _, err := e.encode()
	if err != nil {
		return 0, err
	}

	if err := fs.WriteAtomic(e.fsys, target, data, 0o644); err != nil {
		return 0, fmt.Errorf("memory: write snapshot %s: %w", target, err)
	}

	if target == e.path {
		e.dirty = false
	}

	return int64(len(data)), nil
}

// load replaces the engine state with the snapshot at the datafile path. A
// missing file is a fresh datafile, not an error.
func (e *Engine) load() error {
	data, err := fs.ReadFile(e.fsys, e.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("memory: read snapshot %s: %w", e.path, err)
	}

	if len(data) == 0 {
		return nil
	}

	var in snapshotFile
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("memory: decode snapshot %s: %w", e.path, err)
	}

	if in.Version != snapshotVersion {
		return fmt.Errorf("memory: snapshot %s: unsupported version %d", e.path, in.Version)
	}

	for name, value := range in.Pragmas {
		norm, err := engine.NormalizePragma(name, value)
		if err != nil {
			// Names outside the shared set are dropped rather than
			// surfaced through Pragma.
			continue
		}
		e.pragmas[name] = norm
	}

	for name, cs := range in.Collections {
		c := newCollection()
		c.seq = cs.Seq

		for _, idx := range cs.Indexes {
			if err := idx.Validate(); err != nil {
				return fmt.Errorf("memory: snapshot %s: collection %q: %w", e.path, name, err)
			}
			c.indexes[idx.Name] = idx
		}

		for _, doc := range cs.Docs {
			id, ok := doc.ID()
			if !ok || id == nil {
				return fmt.Errorf("memory: snapshot %s: collection %q: %w", e.path, name, engine.ErrInvalidDocument)
			}

			norm, err := engine.NormalizeID(id)
			if err != nil {
				return fmt.Errorf("memory: snapshot %s: collection %q: %w", e.path, name, err)
			}

			doc.SetID(norm)
			c.put(engine.IDKey(norm), doc)
		}

		e.cols[name] = c
	}

	return nil
}
