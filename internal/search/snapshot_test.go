package search

import (
	"context"
	"testing"

	"github.com/pkgdepot/pkgdepot/pkg/blob"
)

func TestSnapshotRoundtrip(t *testing.T) {
	ctx := context.Background()
	store, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}

	source := newTestIndex(t,
		testDoc("http", func(d *PackageDocument) {
			d.Description = "HTTP client"
			d.LikeCount = 42
			d.Tags = []string{"sdk:web"}
		}),
		testDoc("yamlkit", func(d *PackageDocument) { d.Description = "yaml parsing" }),
	)
	if err := NewCheckpointer(source, store, "search/snapshot.json").Save(ctx); err != nil {
		t.Fatalf("saving snapshot: %v", err)
	}

	restored := NewIndex(Options{})
	loaded, err := NewCheckpointer(restored, store, "search/snapshot.json").Load(ctx)
	if err != nil {
		t.Fatalf("loading snapshot: %v", err)
	}
	if !loaded {
		t.Fatal("expected snapshot to load")
	}
	if got, want := restored.DocCount(), source.DocCount(); got != want {
		t.Fatalf("restored DocCount = %d, want %d", got, want)
	}

	for _, query := range []string{"http", "yaml"} {
		want := mustSearch(t, source, Request{Query: query})
		got := mustSearch(t, restored, Request{Query: query})
		if got.TotalCount != want.TotalCount {
			t.Errorf("query %q: restored total %d, source total %d", query, got.TotalCount, want.TotalCount)
		}
	}

	if ts := restored.DocTimestamp("http"); ts.IsZero() {
		t.Error("document timestamps must survive the roundtrip")
	}
}

func TestSnapshotMissingIsColdStart(t *testing.T) {
	store, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}
	idx := NewIndex(Options{})
	loaded, err := NewCheckpointer(idx, store, "search/none.json").Load(context.Background())
	if err != nil {
		t.Fatalf("missing snapshot must not error, got %v", err)
	}
	if loaded {
		t.Error("expected cold start")
	}
}
