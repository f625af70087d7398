package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkgdepot/pkgdepot/pkg/blob"
)

// Snapshot is a serialised copy of the full document set, checkpointed to
// the blob store so a restart can rebuild the index without a full catalog
// rescan. It is owned exclusively by the index process.
type Snapshot struct {
	Updated   time.Time                   `json:"updated"`
	Documents map[string]*PackageDocument `json:"documents"`
}

// ExportSnapshot captures the current document set.
func (idx *Index) ExportSnapshot() *Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	docs := make(map[string]*PackageDocument, len(idx.docs))
	for name, doc := range idx.docs {
		docs[name] = doc
	}
	return &Snapshot{
		Updated:   idx.LastUpdated(),
		Documents: docs,
	}
}

// RestoreSnapshot replays every document of the snapshot into the index and
// forces a like rescore.
func (idx *Index) RestoreSnapshot(ctx context.Context, snap *Snapshot) {
	for _, doc := range snap.Documents {
		idx.AddPackage(ctx, doc)
	}
	idx.ForceRescore()
}

// Checkpointer periodically flushes index snapshots to the blob store.
type Checkpointer struct {
	index  *Index
	store  blob.Store
	path   string
	logger *slog.Logger
}

// NewCheckpointer creates a Checkpointer writing to path in the blob store.
func NewCheckpointer(index *Index, store blob.Store, path string) *Checkpointer {
	return &Checkpointer{
		index:  index,
		store:  store,
		path:   path,
		logger: slog.Default().With("component", "snapshot-checkpointer"),
	}
}

// Save serialises the current snapshot and writes it to the blob store.
func (c *Checkpointer) Save(ctx context.Context) error {
	snap := c.index.ExportSnapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := c.store.Write(ctx, c.path, data); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	c.logger.Info("snapshot checkpointed",
		"documents", len(snap.Documents),
		"bytes", len(data),
	)
	return nil
}

// Load reads the snapshot from the blob store and restores it into the
// index. A missing snapshot is not an error; the index falls back to a
// catalog rescan.
func (c *Checkpointer) Load(ctx context.Context) (bool, error) {
	data, err := c.store.Read(ctx, c.path)
	if err != nil {
		c.logger.Info("no snapshot available, starting cold", "error", err)
		return false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("parsing snapshot: %w", err)
	}
	c.index.RestoreSnapshot(ctx, &snap)
	c.logger.Info("snapshot restored",
		"documents", len(snap.Documents),
		"updated", snap.Updated,
	)
	return true, nil
}
