package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStore is a filesystem-backed blob store rooted at a directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns an FSStore.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating blob root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

// Write atomically stores data under path. It writes to a .tmp file first
// and renames on success.
func (s *FSStore) Write(ctx context.Context, path string, data []byte) error {
	full := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing blob %s: %w", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing blob %s: %w", path, err)
	}
	return nil
}

// Read returns the blob contents, or os.ErrNotExist if absent.
func (s *FSStore) Read(ctx context.Context, path string) ([]byte, error) {
	full := filepath.Join(s.root, filepath.FromSlash(path))
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", path, err)
	}
	return data, nil
}

// List walks the store and returns entries whose path has the given prefix.
func (s *FSStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:    rel,
			Size:    info.Size(),
			Updated: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing blobs under %s: %w", prefix, err)
	}
	return entries, nil
}

// Delete removes a blob. Deleting an absent blob is a no-op.
func (s *FSStore) Delete(ctx context.Context, path string) error {
	full := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob %s: %w", path, err)
	}
	return nil
}
