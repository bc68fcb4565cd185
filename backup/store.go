package backup

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/hupe1980/sharedb/internal/fs"
)

// ErrNotFound is returned when an archive object does not exist.
//
// Implementations should return an error satisfying
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// ArchiveStore abstracts where archives live. Object names are
// slash-separated and relative to the store root.
type ArchiveStore interface {
	// Open opens an object for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Create opens an object for streaming writes. The object becomes
	// visible under its name only once Close returns.
	Create(ctx context.Context, name string) (io.WriteCloser, error)

	// Put writes an object in one atomic step.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the object names under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Local stores archives in a directory tree on the local file system.
type Local struct {
	fs   fs.FileSystem
	root string
}

// NewLocal creates a local archive store rooted at dir.
func NewLocal(dir string) *Local {
	return NewLocalFS(fs.Default, dir)
}

// NewLocalFS pins the store to a specific file system, for tests.
func NewLocalFS(fsys fs.FileSystem, dir string) *Local {
	return &Local{fs: fsys, root: dir}
}

func (s *Local) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open opens an object for reading.
func (s *Local) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return s.fs.OpenFile(s.path(name), os.O_RDONLY, 0)
}

// Create opens an object for writing. The data lands in a temp file that
// moves into place on Close, so readers never see a partial object.
func (s *Local) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	target := s.path(name)
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}

	tmp := target + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	return &localWriter{fs: s.fs, f: f, tmp: tmp, target: target}, nil
}

// Put writes an object atomically.
func (s *Local) Put(ctx context.Context, name string, data []byte) error {
	target := s.path(name)
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return fs.WriteAtomic(s.fs, target, data, 0o644)
}

// Delete removes an object.
func (s *Local) Delete(ctx context.Context, name string) error {
	err := s.fs.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns the object names under prefix, sorted.
func (s *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	var walk func(rel string) error
	walk = func(rel string) error {
		entries, err := s.fs.ReadDir(s.path(rel))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			child := path.Join(rel, entry.Name())
			if entry.IsDir() {
				if err := walk(child); err != nil {
					return err
				}
				continue
			}
			if prefix == "" || child == prefix || hasPathPrefix(child, prefix) {
				names = append(names, child)
			}
		}
		return nil
	}

	if err := walk(""); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	sort.Strings(names)
	return names, nil
}

func hasPathPrefix(name, prefix string) bool {
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return false
	}
	return prefix[len(prefix)-1] == '/' || name[len(prefix)] == '/'
}

// localWriter streams into a temp file and renames it into place on Close.
type localWriter struct {
	fs     fs.FileSystem
	f      fs.File
	tmp    string
	target string
}

func (w *localWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = w.fs.Remove(w.tmp)
		return err
	}
	if err := w.f.Close(); err != nil {
		_ = w.fs.Remove(w.tmp)
		return err
	}
	if err := w.fs.Rename(w.tmp, w.target); err != nil {
		_ = w.fs.Remove(w.tmp)
		return err
	}
	return fs.SyncDir(w.fs, filepath.Dir(w.target))
}
