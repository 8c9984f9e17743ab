package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/notesync/internal/checksum"
)

// FS implements Provider backed by the local file system.
type FS struct {
	root string // absolute path to the knowledge base blob directory
}

var _ Provider = (*FS)(nil)

// NewFS creates a new FS provider rooted at the given directory, creating it
// when missing.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute blob directory.
func (f *FS) Root() string { return f.root }

// safePath joins parts under the root and rejects any result that escapes it
// or contains a separator inside a single part.
func (f *FS) safePath(parts ...string) (string, error) {
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
			return "", fmt.Errorf("storage: invalid path element %q", p)
		}
	}
	abs := filepath.Join(append([]string{f.root}, parts...)...)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: path escapes root: %s", filepath.Join(parts...))
	}
	return abs, nil
}

func (f *FS) bodyPath(guid string) (string, error) {
	dir, err := f.safePath(guid)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, BodyFile), nil
}

func (f *FS) resourcePath(guid, name string) (string, error) {
	dir, err := f.safePath(guid)
	if err != nil {
		return "", err
	}
	if _, err := f.safePath(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, ResourcesDir, name), nil
}

// NotePath returns the absolute path of the body file for guid.
func (f *FS) NotePath(guid string) (string, error) {
	return f.bodyPath(guid)
}

// GUIDFromPath maps an absolute body path back to its note guid.
func (f *FS) GUIDFromPath(abs string) (string, bool) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", false
	}
	dir, file := filepath.Split(rel)
	dir = strings.TrimSuffix(dir, string(os.PathSeparator))
	if file != BodyFile || dir == "" || strings.Contains(dir, string(os.PathSeparator)) {
		return "", false
	}
	return dir, true
}

// List walks the root and returns metadata for every note body.
func (f *FS) List() ([]BlobInfo, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	var out []BlobInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(f.root, e.Name(), BodyFile)
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storage: list: %w", err)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("storage: list: %w", err)
		}
		out = append(out, BlobInfo{
			GUID:      e.Name(),
			Checksum:  checksum.Sum(data),
			UpdatedAt: info.ModTime(),
		})
	}
	return out, nil
}

// ReadNote returns the Markdown body of a note. A missing body yields an
// error wrapping fs.ErrNotExist.
func (f *FS) ReadNote(guid string) ([]byte, error) {
	p, err := f.bodyPath(guid)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", guid, err)
	}
	return data, nil
}

// WriteNote atomically writes the note body.
func (f *FS) WriteNote(guid string, content []byte) error {
	p, err := f.bodyPath(guid)
	if err != nil {
		return err
	}
	return writeAtomic(p, content)
}

// NoteExists reports whether a body is stored for guid.
func (f *FS) NoteExists(guid string) bool {
	p, err := f.bodyPath(guid)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// RemoveBody removes index.md and leaves the resource directory in place.
// Removing an absent body is not an error.
func (f *FS) RemoveBody(guid string) error {
	p, err := f.bodyPath(guid)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: remove body %s: %w", guid, err)
	}
	return nil
}

// DeleteNote removes the note directory. Deleting an absent note is not an
// error.
func (f *FS) DeleteNote(guid string) error {
	dir, err := f.safePath(guid)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: delete %s: %w", guid, err)
	}
	return nil
}

// ReadResource returns a resource of a note.
func (f *FS) ReadResource(guid, name string) ([]byte, error) {
	p, err := f.resourcePath(guid, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("storage: read resource %s/%s: %w", guid, name, err)
	}
	return data, nil
}

// WriteResource atomically writes a resource of a note.
func (f *FS) WriteResource(guid, name string, data []byte) error {
	p, err := f.resourcePath(guid, name)
	if err != nil {
		return err
	}
	return writeAtomic(p, data)
}

// ResourceSize returns the size of a stored resource.
func (f *FS) ResourceSize(guid, name string) (int64, error) {
	p, err := f.resourcePath(guid, name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("storage: stat resource %s/%s: %w", guid, name, err)
	}
	return info.Size(), nil
}

// writeAtomic writes content: tmp file → fsync → rename.
func writeAtomic(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".notesync-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}
