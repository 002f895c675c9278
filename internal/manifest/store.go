package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"osfleet/internal/apperrors"
)

// Store reads and writes manifests under <root>/<tenant>/<subsystem>/.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore returns a store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root, logger: slog.With("component", "manifest")}
}

// Root returns the backup root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory for a tenant's subsystem.
func (s *Store) Dir(tenant string, sub Subsystem) string {
	return filepath.Join(s.root, tenant, string(sub))
}

// Ensure creates the subsystem directory.
func (s *Store) Ensure(tenant string, sub Subsystem) error {
	if err := os.MkdirAll(s.Dir(tenant, sub), 0o750); err != nil {
		return apperrors.Internal("manifest.mkdir", err)
	}
	return nil
}

// Write validates e and stores it atomically. It returns the file path.
func (s *Store) Write(tenant string, e Entry) (string, error) {
	if err := Validate(e); err != nil {
		return "", err
	}
	data, err := Marshal(e)
	if err != nil {
		return "", apperrors.Internal("manifest.marshal", err)
	}
	dir := s.Dir(tenant, e.EntryKind().Subsystem())
	path := filepath.Join(dir, e.FileName())
	if _, err := writeAtomic(dir, e.FileName(), bytes.NewReader(data)); err != nil {
		return "", err
	}
	s.logger.Debug("Wrote manifest", "kind", e.EntryKind(), "id", e.EntryID(), "path", path)
	return path, nil
}

// Load reads every manifest of type T in the subsystem directory of kind.
// Files that fail to decode are logged and skipped.
func Load[T Entry](s *Store, tenant string, kind Kind) ([]T, error) {
	dir := s.Dir(tenant, kind.Subsystem())
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, apperrors.Internal("manifest.glob", err)
	}
	if len(files) == 0 {
		if _, statErr := os.Stat(dir); errors.Is(statErr, fs.ErrNotExist) {
			return nil, apperrors.NotFound("backup directory", dir)
		}
	}
	slices.Sort(files)

	var out []T
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			s.logger.Warn("Failed to read manifest", "path", f, "error", err)
			continue
		}
		e, err := Unmarshal(data)
		if err != nil {
			s.logger.Warn("Skipping invalid manifest", "path", f, "error", err)
			continue
		}
		if e.EntryKind() != kind {
			continue
		}
		if t, ok := e.(T); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// ContentPath returns the path of a content file.
func (s *Store) ContentPath(tenant string, sub Subsystem, name string) string {
	return filepath.Join(s.Dir(tenant, sub), safeName(name))
}

// WriteContent streams r into a content file atomically and returns the
// number of bytes written.
func (s *Store) WriteContent(tenant string, sub Subsystem, name string, r io.Reader) (int64, error) {
	return writeAtomic(s.Dir(tenant, sub), safeName(name), r)
}

// OpenContent opens a content file for reading.
func (s *Store) OpenContent(tenant string, sub Subsystem, name string) (*os.File, error) {
	path := s.ContentPath(tenant, sub, name)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound("content file", path)
	}
	if err != nil {
		return nil, apperrors.Internal("manifest.open", err)
	}
	return f, nil
}

// writeAtomic writes to a temp file in dir and renames it into place, so a
// reader never sees a partial file.
func writeAtomic(dir, name string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, apperrors.Internal("manifest.mkdir", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return 0, apperrors.Internal("manifest.create", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, apperrors.Internal("manifest.write", fmt.Errorf("%s: %w", name, err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return n, apperrors.Internal("manifest.sync", err)
	}
	if err := tmp.Close(); err != nil {
		return n, apperrors.Internal("manifest.close", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return n, apperrors.Internal("manifest.rename", err)
	}
	return n, nil
}
