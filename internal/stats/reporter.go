// Package stats ships job completion events and scheduler activity snapshots
// to Kafka, batched and fire-and-forget: the pipeline never blocks on its
// own telemetry.
package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkgdepot/pkgdepot/internal/ledger"
	"github.com/pkgdepot/pkgdepot/internal/scheduler"
	"github.com/pkgdepot/pkgdepot/pkg/kafka"
	"github.com/pkgdepot/pkgdepot/pkg/resilience"
)

// SnapshotTaker produces a scheduler activity snapshot and resets the
// counters. Satisfied by a closure over scheduler.Tracker.Take.
type SnapshotTaker func() scheduler.Snapshot

// ReporterConfig tunes the Reporter.
type ReporterConfig struct {
	BatchSize     int           // completion events per Kafka batch, default 100
	FlushInterval time.Duration // max time a partial batch waits, default 10s
	StatsInterval time.Duration // scheduler snapshot cadence, default 1m
	BufferSize    int           // channel capacity before events are shed, default 1000
}

// Reporter implements ledger.EventSink. Completion events are buffered in a
// bounded channel and flushed in batches; when the buffer is full events are
// dropped rather than stalling job processing. Both publishers run behind a
// circuit breaker so a dead broker degrades to local logging.
type Reporter struct {
	cfg      ReporterConfig
	jobs     *kafka.Producer
	stats    *kafka.Producer
	take     SnapshotTaker
	breaker  *resilience.Breaker
	events   chan ledger.CompletionEvent
	logger   *slog.Logger
}

// NewReporter creates a Reporter. stats and take may be nil to disable
// scheduler snapshot publishing.
func NewReporter(cfg ReporterConfig, jobs, stats *kafka.Producer, take SnapshotTaker) *Reporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &Reporter{
		cfg:     cfg,
		jobs:    jobs,
		stats:   stats,
		take:    take,
		breaker: resilience.NewBreaker("stats-kafka", resilience.BreakerConfig{}),
		events:  make(chan ledger.CompletionEvent, cfg.BufferSize),
		logger:  slog.Default().With("component", "stats-reporter"),
	}
}

// Track buffers a completion event. Never blocks; a full buffer sheds the
// event with a warning.
func (r *Reporter) Track(event ledger.CompletionEvent) {
	select {
	case r.events <- event:
	default:
		r.logger.Warn("event buffer full, dropping completion event",
			"package", event.Package,
			"version", event.Version,
		)
	}
}

// Run flushes batches until ctx is cancelled, then drains what is buffered.
func (r *Reporter) Run(ctx context.Context) error {
	flush := time.NewTicker(r.cfg.FlushInterval)
	defer flush.Stop()
	statsTick := time.NewTicker(r.cfg.StatsInterval)
	defer statsTick.Stop()

	batch := make([]ledger.CompletionEvent, 0, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			r.drain(batch)
			return nil
		case event := <-r.events:
			batch = append(batch, event)
			if len(batch) >= r.cfg.BatchSize {
				r.publishBatch(ctx, batch)
				batch = batch[:0]
			}
		case <-flush.C:
			if len(batch) > 0 {
				r.publishBatch(ctx, batch)
				batch = batch[:0]
			}
		case <-statsTick.C:
			r.publishSnapshot(ctx)
		}
	}
}

func (r *Reporter) drain(batch []ledger.CompletionEvent) {
	for {
		select {
		case event := <-r.events:
			batch = append(batch, event)
		default:
			if len(batch) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				r.publishBatch(ctx, batch)
				cancel()
			}
			return
		}
	}
}

func (r *Reporter) publishBatch(ctx context.Context, batch []ledger.CompletionEvent) {
	events := make([]kafka.Event, 0, len(batch))
	for _, e := range batch {
		events = append(events, kafka.Event{
			Key:   e.Package + "@" + e.Version,
			Value: e,
		})
	}
	err := r.breaker.Do(func() error {
		return r.jobs.PublishBatch(ctx, events)
	})
	if err != nil {
		r.logger.Warn("completion batch not published", "count", len(batch), "error", err)
	}
}

func (r *Reporter) publishSnapshot(ctx context.Context) {
	if r.stats == nil || r.take == nil {
		return
	}
	snap := r.take()
	err := r.breaker.Do(func() error {
		return r.stats.Publish(ctx, kafka.Event{
			Key:   "scheduler",
			Value: snap,
		})
	})
	if err != nil {
		r.logger.Warn("scheduler snapshot not published", "error", err)
		return
	}
	r.logger.Debug("scheduler snapshot published",
		"sources", len(snap.Sources),
		"in_flight", snap.InFlight,
	)
}
