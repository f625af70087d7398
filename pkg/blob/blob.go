// Package blob defines the blob-store abstraction used for index snapshot
// checkpoints, together with a filesystem implementation. Snapshots are the
// only consumer; nothing on the query hot path touches the blob store.
package blob

import (
	"context"
	"time"
)

// Entry describes a stored blob.
type Entry struct {
	Path    string
	Size    int64
	Updated time.Time
}

// Store is a minimal blob store: write, read, list by prefix, delete.
type Store interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Entry, error)
	Delete(ctx context.Context, path string) error
}
