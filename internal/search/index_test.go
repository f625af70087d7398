package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDoc(name string, mut func(*PackageDocument)) *PackageDocument {
	doc := &PackageDocument{
		Package:   name,
		Version:   "1.0.0",
		Created:   baseTime.Add(-30 * 24 * time.Hour),
		Updated:   baseTime,
		MaxPoints: 100,
		Timestamp: baseTime,
	}
	if mut != nil {
		mut(doc)
	}
	return doc
}

func newTestIndex(t *testing.T, docs ...*PackageDocument) *Index {
	t.Helper()
	idx := NewIndex(Options{})
	for _, doc := range docs {
		idx.AddPackage(context.Background(), doc)
	}
	idx.ForceRescore()
	idx.MarkReady()
	return idx
}

func mustSearch(t *testing.T, idx *Index, req Request) *Result {
	t.Helper()
	result, err := idx.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	return result
}

func hitNames(hits []Hit) []string {
	names := make([]string, len(hits))
	for i, h := range hits {
		names[i] = h.Package
	}
	return names
}

func TestExactNameIsHighlighted(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("http", func(d *PackageDocument) { d.Description = "HTTP client" }),
		testDoc("httpclient", func(d *PackageDocument) { d.Description = "another HTTP client" }),
	)

	result := mustSearch(t, idx, Request{Query: "http"})
	if result.HighlightedHit == nil || result.HighlightedHit.Package != "http" {
		t.Fatalf("expected highlighted hit http, got %+v", result.HighlightedHit)
	}
	for _, h := range result.Hits {
		if h.Package == "http" {
			t.Error("highlighted hit must not repeat in the ranked list")
		}
	}
}

func TestNoHighlightWithScope(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("http", func(d *PackageDocument) { d.Tags = []string{"sdk:web"} }),
	)
	result := mustSearch(t, idx, Request{Query: "http", Tags: []string{"sdk:web"}})
	if result.HighlightedHit != nil {
		t.Errorf("scoped query must not promote an exact-name hit, got %+v", result.HighlightedHit)
	}
}

func TestLikeCountOrdering(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("http", func(d *PackageDocument) { d.LikeCount = 100 }),
		testDoc("tiny_pkg", func(d *PackageDocument) { d.LikeCount = 1 }),
	)

	result := mustSearch(t, idx, Request{Order: OrderLike})
	got := hitNames(result.Hits)
	if len(got) != 2 || got[0] != "http" || got[1] != "tiny_pkg" {
		t.Fatalf("like order = %v, want [http tiny_pkg]", got)
	}

	// The percentile-ranked like score feeds the default ordering too.
	result = mustSearch(t, idx, Request{})
	got = hitNames(result.Hits)
	if got[0] != "http" {
		t.Errorf("default order = %v, want http first", got)
	}
}

func TestPagination(t *testing.T) {
	names := []string{"pkga", "pkgb", "pkgc", "pkgd", "pkge"}
	docs := make([]*PackageDocument, len(names))
	for i, name := range names {
		offset := time.Duration(i) * time.Hour
		docs[i] = testDoc(name, func(d *PackageDocument) {
			d.Description = "yaml parsing helpers"
			d.Updated = baseTime.Add(-offset)
		})
	}
	idx := newTestIndex(t, docs...)

	seen := make(map[string]bool)
	for offset := 0; offset < len(names); offset += 2 {
		result := mustSearch(t, idx, Request{Query: "yaml", Offset: offset, Limit: 2})
		if result.TotalCount != len(names) {
			t.Fatalf("offset %d: TotalCount = %d, want %d", offset, result.TotalCount, len(names))
		}
		for _, h := range result.Hits {
			if seen[h.Package] {
				t.Fatalf("package %s appeared on two pages", h.Package)
			}
			seen[h.Package] = true
		}
	}
	if len(seen) != len(names) {
		t.Errorf("pages covered %d packages, want %d", len(seen), len(names))
	}

	// Offset beyond the result set yields an empty page, not an error.
	result := mustSearch(t, idx, Request{Query: "yaml", Offset: 100, Limit: 2})
	if len(result.Hits) != 0 || result.TotalCount != len(names) {
		t.Errorf("out-of-range page: hits=%d total=%d", len(result.Hits), result.TotalCount)
	}
}

func TestQuotedPhraseRequiresLiteralMatch(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("redbtn", func(d *PackageDocument) { d.Description = "a shiny red button widget" }),
		testDoc("bluebtn", func(d *PackageDocument) { d.Description = "the button looks red sometimes" }),
	)

	result := mustSearch(t, idx, Request{Query: `"red button"`})
	got := hitNames(result.Hits)
	if len(got) != 1 || got[0] != "redbtn" {
		t.Fatalf("phrase query hits = %v, want [redbtn]", got)
	}

	// Without quotes both documents match on tokens.
	result = mustSearch(t, idx, Request{Query: "red button"})
	if result.TotalCount != 2 {
		t.Errorf("unquoted query total = %d, want 2", result.TotalCount)
	}
}

func TestAPISymbolMatch(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("widgetkit", func(d *PackageDocument) {
			d.Description = "widget toolkit"
			d.APIDocPages = []APIDocPage{{RelativePath: "widgetkit.html", Symbols: []string{"FancyButton"}}}
		}),
	)

	result := mustSearch(t, idx, Request{Query: "fancy"})
	if result.TotalCount != 1 || result.Hits[0].Package != "widgetkit" {
		t.Fatalf("symbol query hits = %v, want widgetkit", hitNames(result.Hits))
	}
}

func TestAPIDocTextFallback(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("timeutils", func(d *PackageDocument) {
			d.Description = "time helpers"
			d.APIDocPages = []APIDocPage{{
				RelativePath: "timeutils.html",
				TextBlocks:   []string{"flux capacitor calibration"},
			}}
		}),
	)

	// Nothing matches in name, description, or symbols, so the doc-text pass
	// must find it.
	result := mustSearch(t, idx, Request{Query: "capacitor"})
	if result.TotalCount != 1 || result.Hits[0].Package != "timeutils" {
		t.Fatalf("doc-text query hits = %v, want timeutils", hitNames(result.Hits))
	}
}

func TestTagFilters(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("webthing", func(d *PackageDocument) { d.Tags = []string{"sdk:web"} }),
		testDoc("clithing", func(d *PackageDocument) { d.Tags = []string{"sdk:cli"} }),
	)

	result := mustSearch(t, idx, Request{Tags: []string{"sdk:web"}})
	if got := hitNames(result.Hits); len(got) != 1 || got[0] != "webthing" {
		t.Errorf("include tag hits = %v, want [webthing]", got)
	}

	result = mustSearch(t, idx, Request{Tags: []string{"-sdk:web"}})
	if got := hitNames(result.Hits); len(got) != 1 || got[0] != "clithing" {
		t.Errorf("exclude tag hits = %v, want [clithing]", got)
	}
}

func TestDependencyFilters(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("app1", func(d *PackageDocument) {
			d.Dependencies = map[string]DependencyKind{"libx": DependencyDirect, "liby": DependencyTransitive}
		}),
		testDoc("app2", func(d *PackageDocument) {
			d.Dependencies = map[string]DependencyKind{"libx": DependencyTransitive}
		}),
	)

	result := mustSearch(t, idx, Request{Query: "dependency:libx"})
	if got := hitNames(result.Hits); len(got) != 1 || got[0] != "app1" {
		t.Errorf("direct dependency hits = %v, want [app1]", got)
	}

	result = mustSearch(t, idx, Request{Query: "dependency*:libx"})
	if result.TotalCount != 2 {
		t.Errorf("transitive dependency total = %d, want 2", result.TotalCount)
	}
}

func TestInvalidRequests(t *testing.T) {
	idx := newTestIndex(t, testDoc("pkg", nil))

	tests := []struct {
		name string
		req  Request
	}{
		{"negative offset", Request{Offset: -1}},
		{"negative limit", Request{Limit: -5}},
		{"unknown order", Request{Order: "bogus"}},
		{"conflicting tags", Request{Tags: []string{"sdk:web", "-sdk:web"}}},
		{"oversized query", Request{Query: strings.Repeat("x", 10000)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := idx.Search(context.Background(), tt.req)
			if !errors.Is(err, pkgerrors.ErrInvalidQuery) {
				t.Errorf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestRemovePackageIdempotent(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("gone", func(d *PackageDocument) { d.Description = "soon removed" }),
	)

	idx.RemovePackage("gone")
	idx.RemovePackage("gone") // second removal is a no-op
	idx.RemovePackage("never-existed")

	if n := idx.DocCount(); n != 0 {
		t.Fatalf("DocCount = %d, want 0", n)
	}
	result := mustSearch(t, idx, Request{Query: "removed"})
	if result.TotalCount != 0 {
		t.Errorf("removed package still matches: %v", hitNames(result.Hits))
	}
	if !idx.DocTimestamp("gone").IsZero() {
		t.Error("DocTimestamp must be zero after removal")
	}
}

func TestSearchDeterministic(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("alpha", func(d *PackageDocument) { d.Description = "socket library" }),
		testDoc("beta", func(d *PackageDocument) { d.Description = "socket library" }),
		testDoc("gamma", func(d *PackageDocument) { d.Description = "socket library" }),
	)

	first := hitNames(mustSearch(t, idx, Request{Query: "socket"}).Hits)
	for i := 0; i < 5; i++ {
		got := hitNames(mustSearch(t, idx, Request{Query: "socket"}).Hits)
		if strings.Join(got, ",") != strings.Join(first, ",") {
			t.Fatalf("run %d returned %v, first run returned %v", i, got, first)
		}
	}
}

func TestReindexReplacesDocument(t *testing.T) {
	idx := newTestIndex(t,
		testDoc("morph", func(d *PackageDocument) { d.Description = "image decoding" }),
	)

	updated := testDoc("morph", func(d *PackageDocument) {
		d.Version = "2.0.0"
		d.Description = "vector graphics"
		d.Timestamp = baseTime.Add(time.Hour)
	})
	idx.AddPackage(context.Background(), updated)

	if result := mustSearch(t, idx, Request{Query: "decoding"}); result.TotalCount != 0 {
		t.Errorf("stale description still matches: %v", hitNames(result.Hits))
	}
	if result := mustSearch(t, idx, Request{Query: "vector"}); result.TotalCount != 1 {
		t.Errorf("new description does not match")
	}
	if got := idx.DocTimestamp("morph"); !got.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("DocTimestamp = %v, want %v", got, baseTime.Add(time.Hour))
	}
}
