// Package updater bridges the scheduler and the search index: a task run
// loads the package's catalog state and replaces its index document.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkgdepot/pkgdepot/internal/search"
	"github.com/pkgdepot/pkgdepot/internal/task"
	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
	"github.com/pkgdepot/pkgdepot/pkg/metrics"
)

// DocumentLoader reads the current search document for a package from the
// system of record.
type DocumentLoader interface {
	LoadDocument(ctx context.Context, name string) (*search.PackageDocument, error)
}

// ProcessedMarker records that a version's derived data was rebuilt.
type ProcessedMarker interface {
	MarkProcessed(ctx context.Context, pkg, version string, at time.Time) error
}

// Updater implements scheduler.Runner. Each run re-validates freshness
// against the index's own timestamp: the scheduler's dedup is advisory, and
// by the time a task runs a newer rebuild may already be in place.
type Updater struct {
	index   *search.Index
	loader  DocumentLoader
	marker  ProcessedMarker
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Updater. marker and metrics may be nil.
func New(index *search.Index, loader DocumentLoader, marker ProcessedMarker, m *metrics.Metrics) *Updater {
	return &Updater{
		index:   index,
		loader:  loader,
		marker:  marker,
		metrics: m,
		logger:  slog.Default().With("component", "updater"),
		now:     time.Now,
	}
}

// Run rebuilds the index document for the task's package. A package missing
// from the catalog is removed from the index, so deletions propagate through
// the same path as updates.
func (u *Updater) Run(ctx context.Context, t task.Task) error {
	if stamp := u.index.DocTimestamp(t.Package); !stamp.IsZero() && !t.Updated.After(stamp) {
		u.logger.Debug("skipping stale task",
			"package", t.Package,
			"task_updated", t.Updated,
			"indexed_at", stamp,
		)
		return nil
	}

	doc, err := u.loader.LoadDocument(ctx, t.Package)
	if errors.Is(err, pkgerrors.ErrPackageNotFound) {
		u.index.RemovePackage(t.Package)
		u.logger.Info("package removed from index", "package", t.Package)
		u.observeCount()
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading document for %s: %w", t.Package, err)
	}

	doc.Timestamp = u.now()
	u.index.AddPackage(ctx, doc)
	if u.metrics != nil {
		u.metrics.IndexedDocsTotal.Inc()
	}
	u.observeCount()

	if u.marker != nil {
		if err := u.marker.MarkProcessed(ctx, t.Package, doc.Version, doc.Timestamp); err != nil {
			// The index is already updated; the staleness scan will simply
			// revisit this version earlier than necessary.
			u.logger.Warn("marking processed failed",
				"package", t.Package,
				"version", doc.Version,
				"error", err,
			)
		}
	}
	u.logger.Debug("index document rebuilt", "package", t.Package, "version", doc.Version)
	return nil
}

func (u *Updater) observeCount() {
	if u.metrics != nil {
		u.metrics.IndexDocCount.Set(float64(u.index.DocCount()))
	}
}
