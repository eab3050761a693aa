// Package storage keeps plugin binaries and icon assets in a flat
// directory, replacing files atomically so readers never see a partial
// write.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// tempPrefix marks in-flight writes; the orphan cleaner removes stale ones.
const tempPrefix = ".tmp-"

// ErrInvalidName is returned for names that would escape the directory.
var ErrInvalidName = errors.New("invalid file name")

// Store is a directory of named blobs on an afero filesystem.
type Store struct {
	fs  afero.Fs
	dir string
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// NewOS returns a Store on the operating system filesystem.
func NewOS(dir string) (*Store, error) {
	return New(afero.NewOsFs(), dir)
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string { return s.dir }

// WriteAtomic writes data under name. The content goes to a temporary file
// in the same directory first and is renamed over name only once fully
// synced, so the previous file stays intact on any failure.
func (s *Store) WriteAtomic(name string, data []byte) error {
	if _, err := s.target(name); err != nil {
		return err
	}
	tmp, err := s.Stage(data)
	if err != nil {
		return err
	}
	if err := s.Commit(tmp, name); err != nil {
		_ = s.Remove(tmp)
		return err
	}
	return nil
}

// Stage writes data to a new temporary file and returns its name. The file
// becomes visible under a real name with Commit, or is dropped with Remove.
func (s *Store) Stage(data []byte) (string, error) {
	tmp := tempPrefix + uuid.NewString()
	p := filepath.Join(s.dir, tmp)
	f, err := s.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(p)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(p)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(p)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp, nil
}

// Commit renames the staged file tmp over name.
func (s *Store) Commit(tmp, name string) error {
	if !IsTemp(tmp) {
		return fmt.Errorf("%w: %q is not staged", ErrInvalidName, tmp)
	}
	from, err := s.path(tmp)
	if err != nil {
		return err
	}
	to, err := s.target(name)
	if err != nil {
		return err
	}
	if err := s.fs.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// target resolves a final, non-temporary name.
func (s *Store) target(name string) (string, error) {
	if IsTemp(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return s.path(name)
}

// Open opens the blob stored under name for reading.
func (s *Store) Open(name string) (afero.File, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return s.fs.Open(p)
}

// ReadFile returns the content stored under name.
func (s *Store) ReadFile(name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, p)
}

// Remove deletes name. A missing file is not an error.
func (s *Store) Remove(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// List returns the regular files in the store, temp files included.
func (s *Store) List() ([]os.FileInfo, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", s.dir, err)
	}
	files := infos[:0]
	for _, fi := range infos {
		if fi.Mode().IsRegular() {
			files = append(files, fi)
		}
	}
	return files, nil
}

// IsTemp reports whether name is an in-flight write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}
