package task

import (
	"context"
	"log/slog"
	"time"
)

// Record is one row of a freshness-ordered catalog scan. The latest-channel
// flags mirror the catalog's markers at scan time.
type Record struct {
	Package          string
	Version          string
	Updated          time.Time
	LatestStable     bool
	LatestPrerelease bool
	LatestPreview    bool
}

// RecentScanner reads catalog records whose freshness field is at or after
// since, ordered ascending.
type RecentScanner interface {
	ScanUpdatedSince(ctx context.Context, since time.Time) ([]Record, error)
}

// MapRecord converts a catalog record into zero or one task (e.g. a package
// row maps to its current stable release, a scorecard row is filtered to the
// current runtime version).
type MapRecord func(Record) (Task, bool)

// HeadSourceConfig tunes a HeadSource.
type HeadSourceConfig struct {
	Name     string
	Interval time.Duration // sleep between poll passes, default 1 min
	Window   time.Duration // tolerance window, default 5 min
}

// HeadSource polls the catalog for records at or after a low-water mark,
// minus the tolerance window that absorbs eventual-consistency lag in the
// backing store. A record surfacing up to Window late is still observed,
// at the cost of re-emitting recent records each pass; the scheduler's dedup
// drops those repeats.
type HeadSource struct {
	cfg     HeadSourceConfig
	scanner RecentScanner
	mapper  MapRecord
	logger  *slog.Logger
	now     func() time.Time
}

// NewHeadSource creates a HeadSource.
func NewHeadSource(cfg HeadSourceConfig, scanner RecentScanner, mapper MapRecord) *HeadSource {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if mapper == nil {
		mapper = func(r Record) (Task, bool) {
			return Task{Package: r.Package, Version: r.Version, Updated: r.Updated}, true
		}
	}
	return &HeadSource{
		cfg:     cfg,
		scanner: scanner,
		mapper:  mapper,
		logger:  slog.Default().With("component", "head-source", "source", cfg.Name),
		now:     time.Now,
	}
}

func (s *HeadSource) Name() string { return s.cfg.Name }

// Run polls forever. Scan errors skip the pass and continue; they are never
// fatal to the loop.
func (s *HeadSource) Run(ctx context.Context, out chan<- Task) error {
	mark := s.now().Add(-s.cfg.Window)
	for {
		records, err := s.scanner.ScanUpdatedSince(ctx, mark)
		if err != nil {
			s.logger.Error("head scan failed", "error", err, "since", mark)
		} else {
			for _, record := range records {
				t, ok := s.mapper(record)
				if !ok {
					continue
				}
				if !send(ctx, out, t) {
					return ctx.Err()
				}
			}
			// Advance to now minus the window; records that surface late
			// are caught by the next pass.
			mark = s.now().Add(-s.cfg.Window)
		}
		if !sleep(ctx, s.cfg.Interval) {
			return ctx.Err()
		}
	}
}
