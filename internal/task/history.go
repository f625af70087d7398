package task

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// PackageVersions is a package's full version picture as the catalog sees it.
type PackageVersions struct {
	Package          string
	LatestStable     *Record
	LatestPrerelease *Record
	LatestPreview    *Record
	Versions         []Record
}

// CatalogScanner enumerates every tracked package with its versions.
type CatalogScanner interface {
	ScanPackages(ctx context.Context) ([]PackageVersions, error)
}

// RequiresUpdate decides whether a version is due for reprocessing. When
// retryFailed is true, previously failed versions count as due too.
type RequiresUpdate func(ctx context.Context, pkg, version string, retryFailed bool) (bool, error)

// HistorySourceConfig tunes a HistorySource.
type HistorySourceConfig struct {
	Name        string
	Interval    time.Duration // pause between full passes, default 24h
	RetryFailed bool
}

// HistorySource walks the entire catalog once per interval and emits tasks in
// waves of decreasing importance: latest stable of every package, then latest
// prerelease, then latest preview, then everything else. Each wave is
// shuffled so no lexicographic region of the catalog monopolizes capacity,
// and downstream consumers still see the high-value versions early.
type HistorySource struct {
	cfg      HistorySourceConfig
	scanner  CatalogScanner
	requires RequiresUpdate
	logger   *slog.Logger
	rand     *rand.Rand
}

// NewHistorySource creates a HistorySource. requires may be nil, in which
// case every scanned version is emitted.
func NewHistorySource(cfg HistorySourceConfig, scanner CatalogScanner, requires RequiresUpdate) *HistorySource {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &HistorySource{
		cfg:      cfg,
		scanner:  scanner,
		requires: requires,
		logger:   slog.Default().With("component", "history-source", "source", cfg.Name),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *HistorySource) Name() string { return s.cfg.Name }

// Run performs full catalog passes forever. A failed scan skips the pass.
func (s *HistorySource) Run(ctx context.Context, out chan<- Task) error {
	for {
		packages, err := s.scanner.ScanPackages(ctx)
		if err != nil {
			s.logger.Error("catalog scan failed", "error", err)
		} else {
			start := time.Now()
			emitted := s.emitPass(ctx, out, packages)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Info("history pass complete",
				"packages", len(packages),
				"tasks", emitted,
				"duration", time.Since(start),
			)
		}
		if !sleep(ctx, s.cfg.Interval) {
			return ctx.Err()
		}
	}
}

func (s *HistorySource) emitPass(ctx context.Context, out chan<- Task, packages []PackageVersions) int {
	waves := s.buildWaves(packages)
	emitted := 0
	for _, wave := range waves {
		s.rand.Shuffle(len(wave), func(i, j int) {
			wave[i], wave[j] = wave[j], wave[i]
		})
		for _, t := range wave {
			if !s.due(ctx, t) {
				continue
			}
			if !send(ctx, out, t) {
				return emitted
			}
			emitted++
		}
	}
	return emitted
}

// due consults the update predicate. A predicate failure emits the task
// anyway: an extra reprocess is cheaper than a version quietly going stale.
func (s *HistorySource) due(ctx context.Context, t Task) bool {
	if s.requires == nil {
		return true
	}
	due, err := s.requires(ctx, t.Package, t.Version, s.cfg.RetryFailed)
	if err != nil {
		s.logger.Warn("update predicate failed",
			"package", t.Package,
			"version", t.Version,
			"error", err,
		)
		return true
	}
	return due
}

// buildWaves splits the catalog into the four emission waves. A version
// appearing in an earlier wave is not repeated in a later one.
func (s *HistorySource) buildWaves(packages []PackageVersions) [4][]Task {
	var waves [4][]Task
	for _, pkg := range packages {
		seen := make(map[string]bool, 4)
		appendLatest := func(wave int, r *Record) {
			if r == nil || seen[r.Version] {
				return
			}
			seen[r.Version] = true
			waves[wave] = append(waves[wave], Task{
				Package: pkg.Package,
				Version: r.Version,
				Updated: r.Updated,
			})
		}
		appendLatest(0, pkg.LatestStable)
		appendLatest(1, pkg.LatestPrerelease)
		appendLatest(2, pkg.LatestPreview)
		for _, r := range pkg.Versions {
			if seen[r.Version] {
				continue
			}
			seen[r.Version] = true
			waves[3] = append(waves[3], Task{
				Package: pkg.Package,
				Version: r.Version,
				Updated: r.Updated,
			})
		}
	}
	return waves
}
