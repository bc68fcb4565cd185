// Package backup exports datafiles as portable archives and replays them
// back. An archive is one JSON manifest plus one compressed NDJSON stream
// per collection, laid out under the archive ID:
//
//	<id>/manifest.json
//	<id>/<collection>.ndjson.zst
//
// Dump reads through the controller, so a backup takes the same
// cross-process lock as every other operation and never observes a
// half-written datafile. The manifest is written last: an archive is
// complete exactly when its manifest exists. Restore replays the streams
// through controller inserts, verifying stream checksums and document
// counts against the manifest.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/sharedb"
	"github.com/hupe1980/sharedb/engine"
)

const (
	// FormatVersion is the archive format this package writes.
	FormatVersion = 1

	// ManifestName is the manifest object name inside an archive.
	ManifestName = "manifest.json"

	// DefaultBatchSize bounds documents per restore insert.
	DefaultBatchSize = 500
)

// Manifest describes one archive.
type Manifest struct {
	Version     int              `json:"version"`
	ID          string           `json:"id"`
	CreatedAt   time.Time        `json:"created_at"`
	Codec       Codec            `json:"codec"`
	Collections []CollectionInfo `json:"collections"`
}

// CollectionInfo describes one collection stream inside an archive.
type CollectionInfo struct {
	Name  string `json:"name"`
	File  string `json:"file"`
	Count int64  `json:"count"`
	CRC   uint32 `json:"crc"`
}

// DumpOptions configures Dump.
type DumpOptions struct {
	// Codec selects the stream compression. Default CodecZSTD.
	Codec Codec

	// ID overrides the generated archive ID.
	ID string
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// DropExisting drops each target collection before replaying its
	// stream. Without it, identities already present fail the restore.
	DropExisting bool

	// BatchSize bounds documents per insert. Default DefaultBatchSize.
	BatchSize int
}

// Dump writes an archive of every collection in db to store and returns
// its manifest.
func Dump(ctx context.Context, db *sharedb.DB, store ArchiveStore, opts DumpOptions) (*Manifest, error) {
	codec := opts.Codec
	if codec == "" {
		codec = CodecZSTD
	}
	if err := codec.validate(); err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	names, err := db.Collections(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	m := &Manifest{
		Version:     FormatVersion,
		ID:          id,
		CreatedAt:   time.Now().UTC(),
		Codec:       codec,
		Collections: make([]CollectionInfo, 0, len(names)),
	}

	for _, name := range names {
		info, err := dumpCollection(ctx, db, store, id, name, codec)
		if err != nil {
			return nil, err
		}
		m.Collections = append(m.Collections, *info)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("backup: encode manifest: %w", err)
	}
	if err := store.Put(ctx, path.Join(id, ManifestName), data); err != nil {
		return nil, fmt.Errorf("backup: write manifest: %w", err)
	}

	return m, nil
}

// dumpCollection streams one collection into the store. The cursor holds
// the controller's lock window for the duration of the stream.
func dumpCollection(ctx context.Context, db *sharedb.DB, store ArchiveStore, id, name string, codec Codec) (*CollectionInfo, error) {
	cur, err := db.Query(ctx, name, engine.Query{})
	if err != nil {
		return nil, err
	}
	defer cur.Close() //nolint:errcheck

	file := name + ".ndjson" + codec.ext()
	w, err := store.Create(ctx, path.Join(id, file))
	if err != nil {
		return nil, fmt.Errorf("backup: create %s: %w", file, err)
	}

	cw := NewChecksumWriter(w)
	cc, err := codec.NewWriter(cw)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	enc := json.NewEncoder(cc)
	var count int64
	for cur.Next() {
		if err := enc.Encode(cur.Document()); err != nil {
			_ = cc.Close()
			_ = w.Close()
			return nil, fmt.Errorf("backup: encode %s: %w", name, err)
		}
		count++
	}
	if err := cur.Err(); err != nil {
		_ = cc.Close()
		_ = w.Close()
		return nil, err
	}
	if err := cur.Close(); err != nil {
		_ = cc.Close()
		_ = w.Close()
		return nil, err
	}

	if err := cc.Close(); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("backup: flush %s: %w", file, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("backup: finish %s: %w", file, err)
	}

	return &CollectionInfo{Name: name, File: file, Count: count, CRC: cw.Sum()}, nil
}

// LoadManifest reads and validates the manifest of one archive.
func LoadManifest(ctx context.Context, store ArchiveStore, id string) (*Manifest, error) {
	r, err := store.Open(ctx, path.Join(id, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("backup: open manifest of %s: %w", id, err)
	}
	defer r.Close() //nolint:errcheck

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("backup: read manifest of %s: %w", id, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("backup: decode manifest of %s: %w", id, err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("backup: unsupported archive version %d (expected %d)", m.Version, FormatVersion)
	}

	return &m, nil
}

// Restore replays the archive id from store into db and returns the
// manifest it applied. Identities survive the round trip unchanged.
func Restore(ctx context.Context, db *sharedb.DB, store ArchiveStore, id string, opts RestoreOptions) (*Manifest, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	m, err := LoadManifest(ctx, store, id)
	if err != nil {
		return nil, err
	}

	for _, info := range m.Collections {
		if opts.DropExisting {
			if _, err := db.DropCollection(ctx, info.Name); err != nil {
				return nil, err
			}
		}
		if err := restoreCollection(ctx, db, store, id, m.Codec, info, batch); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func restoreCollection(ctx context.Context, db *sharedb.DB, store ArchiveStore, id string, codec Codec, info CollectionInfo, batch int) error {
	r, err := store.Open(ctx, path.Join(id, info.File))
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", info.File, err)
	}
	defer r.Close() //nolint:errcheck

	cr := NewChecksumReader(r)
	cc, err := codec.NewReader(cr)
	if err != nil {
		return err
	}
	defer cc.Close() //nolint:errcheck

	dec := json.NewDecoder(cc)
	docs := make([]engine.Document, 0, batch)
	var count int64

	for {
		var doc engine.Document
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("backup: decode %s: %w", info.File, err)
		}
		docs = append(docs, doc)
		count++

		if len(docs) == batch {
			if _, err := db.Insert(ctx, info.Name, docs, engine.AutoIDNone); err != nil {
				return err
			}
			docs = docs[:0]
		}
	}
	if len(docs) > 0 {
		if _, err := db.Insert(ctx, info.Name, docs, engine.AutoIDNone); err != nil {
			return err
		}
	}

	// Drain to the end of the stored stream so the checksum covers it all.
	if _, err := io.Copy(io.Discard, cc); err != nil {
		return fmt.Errorf("backup: read %s: %w", info.File, err)
	}
	if sum := cr.Sum(); sum != info.CRC {
		return &ChecksumError{File: info.File, Expected: info.CRC, Actual: sum}
	}
	if count != info.Count {
		return fmt.Errorf("backup: %s holds %d documents, manifest records %d", info.File, count, info.Count)
	}

	return nil
}
