package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at the given path.
// Nothing is created on disk until Init or the first Write.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Init creates the root directory and the given subdirectories.
// It is safe to call more than once.
func (fs *Filesystem) Init(_ context.Context, dirs ...string) error {
	if err := os.MkdirAll(fs.root, 0o755); err != nil {
		return fmt.Errorf("creating root directory: %w", err)
	}
	for _, dir := range dirs {
		path := fs.Path(dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", path, err)
		}
	}
	return nil
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(_ context.Context, key string, data []byte) error {
	path := fs.Path(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves the object at the given key.
func (fs *Filesystem) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(fs.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes the object at the given key.
func (fs *Filesystem) Delete(_ context.Context, key string) error {
	err := os.Remove(fs.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Stat returns the size and modification time of the object at the given key.
func (fs *Filesystem) Stat(_ context.Context, key string) (Info, error) {
	info, err := os.Stat(fs.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat file: %w", err)
	}
	return Info{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns all keys with the given prefix.
func (fs *Filesystem) List(_ context.Context, prefix string) ([]string, error) {
	dir := fs.Path(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	// If it's a file, return just that key
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// A file removed mid-walk is not an error for the listing.
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		key, err := fs.Key(path)
		if err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Path converts a key to an absolute filesystem path.
func (fs *Filesystem) Path(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// Key converts an absolute filesystem path back to a key.
// Returns ErrOutsideRoot if the path does not resolve inside the root.
func (fs *Filesystem) Key(path string) (string, error) {
	rel, err := filepath.Rel(fs.root, filepath.Clean(path))
	if err != nil {
		return "", ErrOutsideRoot
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return filepath.ToSlash(rel), nil
}

// Compile-time interface check
var _ Backend = (*Filesystem)(nil)
