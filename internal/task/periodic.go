package task

import (
	"context"
	"log/slog"
	"time"
)

// ProcessedRecord is a catalog row annotated with when it was last
// successfully processed downstream.
type ProcessedRecord struct {
	Package   string
	Version   string
	Released  time.Time // when the version was published
	Updated   time.Time // catalog freshness marker
	Processed time.Time // zero when never processed
}

// ProcessedScanner enumerates processed catalog rows for staleness checks.
type ProcessedScanner interface {
	ScanProcessed(ctx context.Context) ([]ProcessedRecord, error)
}

// PeriodicSourceConfig tunes a PeriodicSource.
type PeriodicSourceConfig struct {
	Name     string
	Interval time.Duration // pause between staleness scans, default 2h
}

// PeriodicSource re-emits versions whose derived data has gone stale. The
// refresh threshold scales with the age of the version: a release from this
// week is refreshed daily, a seven-year-old one roughly weekly. Never-processed
// records are always due.
type PeriodicSource struct {
	cfg     PeriodicSourceConfig
	scanner ProcessedScanner
	logger  *slog.Logger
	now     func() time.Time
}

// NewPeriodicSource creates a PeriodicSource.
func NewPeriodicSource(cfg PeriodicSourceConfig, scanner ProcessedScanner) *PeriodicSource {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Hour
	}
	return &PeriodicSource{
		cfg:     cfg,
		scanner: scanner,
		logger:  slog.Default().With("component", "periodic-source", "source", cfg.Name),
		now:     time.Now,
	}
}

func (s *PeriodicSource) Name() string { return s.cfg.Name }

// RefreshThreshold returns how long derived data for a version released at
// the given time may age before a refresh is due, evaluated at now. The
// threshold grows one hour per month of age, floored at 24h and capped at
// 168h (one week).
func RefreshThreshold(released, now time.Time) time.Duration {
	months := int(now.Sub(released).Hours() / (30 * 24))
	if months < 0 {
		months = 0
	}
	if months > 168 {
		months = 168
	}
	threshold := time.Duration(months) * time.Hour
	if threshold < 24*time.Hour {
		threshold = 24 * time.Hour
	}
	return threshold
}

// Run scans for stale rows forever. A failed scan skips the pass.
func (s *PeriodicSource) Run(ctx context.Context, out chan<- Task) error {
	for {
		records, err := s.scanner.ScanProcessed(ctx)
		if err != nil {
			s.logger.Error("staleness scan failed", "error", err)
		} else {
			now := s.now()
			due := 0
			for _, record := range records {
				if !s.isDue(record, now) {
					continue
				}
				t := Task{Package: record.Package, Version: record.Version, Updated: now}
				if !send(ctx, out, t) {
					return ctx.Err()
				}
				due++
			}
			s.logger.Info("staleness pass complete", "scanned", len(records), "due", due)
		}
		if !sleep(ctx, s.cfg.Interval) {
			return ctx.Err()
		}
	}
}

func (s *PeriodicSource) isDue(record ProcessedRecord, now time.Time) bool {
	if record.Processed.IsZero() {
		return true
	}
	return now.Sub(record.Processed) > RefreshThreshold(record.Released, now)
}
