package updater

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pkgdepot/pkgdepot/internal/search"
	"github.com/pkgdepot/pkgdepot/internal/task"
	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLoader struct {
	doc   *search.PackageDocument
	err   error
	calls int
}

func (l *fakeLoader) LoadDocument(ctx context.Context, name string) (*search.PackageDocument, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	doc := *l.doc
	return &doc, nil
}

type fakeMarker struct {
	pkg     string
	version string
	at      time.Time
	err     error
}

func (m *fakeMarker) MarkProcessed(ctx context.Context, pkg, version string, at time.Time) error {
	m.pkg, m.version, m.at = pkg, version, at
	return m.err
}

func newTestUpdater(loader *fakeLoader, marker *fakeMarker) (*Updater, *search.Index) {
	idx := search.NewIndex(search.Options{})
	u := New(idx, loader, marker, nil)
	u.now = func() time.Time { return t0.Add(time.Hour) }
	return u, idx
}

func TestUpdaterRebuildsDocument(t *testing.T) {
	loader := &fakeLoader{doc: &search.PackageDocument{
		Package:     "http",
		Version:     "1.2.0",
		Description: "composable http client",
	}}
	marker := &fakeMarker{}
	u, idx := newTestUpdater(loader, marker)

	err := u.Run(context.Background(), task.Task{Package: "http", Version: "1.2.0", Updated: t0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if idx.DocCount() != 1 {
		t.Fatalf("DocCount = %d, want 1", idx.DocCount())
	}
	if got := idx.DocTimestamp("http"); !got.Equal(t0.Add(time.Hour)) {
		t.Errorf("DocTimestamp = %v, want the rebuild time", got)
	}
	if marker.pkg != "http" || marker.version != "1.2.0" {
		t.Errorf("marked %s@%s, want http@1.2.0", marker.pkg, marker.version)
	}
	if !marker.at.Equal(t0.Add(time.Hour)) {
		t.Errorf("marked at %v, want the rebuild time", marker.at)
	}
}

func TestUpdaterSkipsStaleTask(t *testing.T) {
	loader := &fakeLoader{doc: &search.PackageDocument{Package: "http", Version: "1.2.0"}}
	u, idx := newTestUpdater(loader, nil)

	idx.AddPackage(context.Background(), &search.PackageDocument{
		Package:   "http",
		Version:   "1.2.0",
		Timestamp: t0,
	})

	// The task observed the package no later than the index entry was built,
	// so there is nothing newer to load.
	err := u.Run(context.Background(), task.Task{Package: "http", Version: "1.2.0", Updated: t0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if loader.calls != 0 {
		t.Errorf("loader called %d times for a stale task, want 0", loader.calls)
	}
}

func TestUpdaterRemovesMissingPackage(t *testing.T) {
	loader := &fakeLoader{err: pkgerrors.ErrPackageNotFound}
	u, idx := newTestUpdater(loader, nil)

	idx.AddPackage(context.Background(), &search.PackageDocument{
		Package:   "retracted",
		Version:   "1.0.0",
		Timestamp: t0.Add(-time.Hour),
	})

	err := u.Run(context.Background(), task.Task{Package: "retracted", Version: "1.0.0", Updated: t0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if idx.DocCount() != 0 {
		t.Errorf("DocCount = %d after removal, want 0", idx.DocCount())
	}
}

func TestUpdaterPropagatesLoadErrors(t *testing.T) {
	loader := &fakeLoader{err: errors.New("catalog unavailable")}
	marker := &fakeMarker{}
	u, _ := newTestUpdater(loader, marker)

	err := u.Run(context.Background(), task.Task{Package: "http", Version: "1.0.0", Updated: t0})
	if err == nil {
		t.Fatal("Run must surface loader failures")
	}
	if marker.pkg != "" {
		t.Error("marker must not run after a load failure")
	}
}

func TestUpdaterToleratesMarkerFailure(t *testing.T) {
	loader := &fakeLoader{doc: &search.PackageDocument{Package: "http", Version: "1.2.0"}}
	marker := &fakeMarker{err: errors.New("connection reset")}
	u, idx := newTestUpdater(loader, marker)

	// The index update already happened; a failed bookkeeping write only
	// makes the staleness scan revisit sooner.
	err := u.Run(context.Background(), task.Task{Package: "http", Version: "1.2.0", Updated: t0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if idx.DocCount() != 1 {
		t.Errorf("DocCount = %d, want 1", idx.DocCount())
	}
}
