package task

import (
	"context"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRecentScanner struct {
	mu      sync.Mutex
	sinces  []time.Time
	records []Record
}

func (s *fakeRecentScanner) ScanUpdatedSince(ctx context.Context, since time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinces = append(s.sinces, since)
	return s.records, nil
}

func (s *fakeRecentScanner) firstSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinces[0]
}

func TestHeadSourceScansBehindWindow(t *testing.T) {
	scanner := &fakeRecentScanner{
		records: []Record{
			{Package: "http", Version: "1.0.0", Updated: t0.Add(-time.Minute)},
			{Package: "yamlkit", Version: "2.0.0", Updated: t0.Add(-30 * time.Second)},
		},
	}
	src := NewHeadSource(HeadSourceConfig{
		Name:     "head",
		Interval: 5 * time.Millisecond,
		Window:   5 * time.Minute,
	}, scanner, nil)
	src.now = func() time.Time { return t0 }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Task, 16)
	done := make(chan struct{})
	go func() {
		src.Run(ctx, out)
		close(done)
	}()

	first := <-out
	second := <-out
	cancel()
	<-done

	if first.Package != "http" || second.Package != "yamlkit" {
		t.Errorf("tasks emitted out of scan order: %s, %s", first.Package, second.Package)
	}
	if !first.Updated.Equal(t0.Add(-time.Minute)) {
		t.Errorf("task freshness = %v, want record updated time", first.Updated)
	}

	// The low-water mark trails now by the tolerance window, so records
	// surfacing late are still observed.
	if got, want := scanner.firstSince(), t0.Add(-5*time.Minute); !got.Equal(want) {
		t.Errorf("first scan since = %v, want %v", got, want)
	}
}

func TestHeadSourceMapperFilters(t *testing.T) {
	scanner := &fakeRecentScanner{
		records: []Record{
			{Package: "keep", Version: "1.0.0", Updated: t0},
			{Package: "drop", Version: "1.0.0", Updated: t0},
		},
	}
	src := NewHeadSource(HeadSourceConfig{
		Name:     "head",
		Interval: 5 * time.Millisecond,
	}, scanner, func(r Record) (Task, bool) {
		if r.Package == "drop" {
			return Task{}, false
		}
		return Task{Package: r.Package, Version: r.Version, Updated: r.Updated}, true
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Task, 16)
	go src.Run(ctx, out)

	got := <-out
	if got.Package != "keep" {
		t.Errorf("mapper did not filter, got %s", got.Package)
	}
	// The next emitted task is the next pass's "keep", never "drop".
	got = <-out
	if got.Package != "keep" {
		t.Errorf("filtered record leaked through: %s", got.Package)
	}
}
