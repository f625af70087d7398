// Package scheduler merges the task sources into one bounded, deduplicated
// dispatch loop feeding the runner.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pkgdepot/pkgdepot/internal/task"
	"github.com/pkgdepot/pkgdepot/pkg/metrics"
)

// Runner executes one task. Implementations are expected to re-validate
// freshness themselves: the scheduler's dedup is advisory and a run may
// observe a world newer than the task that triggered it.
type Runner interface {
	Run(ctx context.Context, t task.Task) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, t task.Task) error

func (f RunnerFunc) Run(ctx context.Context, t task.Task) error { return f(ctx, t) }

// Config tunes the Scheduler.
type Config struct {
	MaxConcurrent int64 // bound on simultaneously running tasks, default 8
}

// entry is the per-key dispatch state. A key is present in entries exactly
// while a run for it is in flight or queued for a permit; started flips once
// the run holds a permit. next holds the freshest superseding task observed
// during a started run, if any; while still queued a fresher task replaces
// running in place instead.
type entry struct {
	running task.Task
	source  string
	started bool
	next    *task.Task
	nextSrc string
}

// Scheduler runs every source concurrently, deduplicates tasks by
// (package, version), and dispatches them to the runner under a concurrency
// bound. For any key at most one run is in flight; a fresher task arriving
// mid-run is parked and re-dispatched when the run finishes, so the newest
// observation is never lost. Source failures and runner panics are isolated:
// one misbehaving source or task never takes the loop down.
type Scheduler struct {
	cfg     Config
	sources []task.Source
	runner  Runner
	tracker *Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	entries map[task.Key]*entry
	wg      sync.WaitGroup
}

// New creates a Scheduler. metrics may be nil.
func New(cfg Config, runner Runner, tracker *Tracker, m *metrics.Metrics, sources ...task.Source) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Scheduler{
		cfg:     cfg,
		sources: sources,
		runner:  runner,
		tracker: tracker,
		metrics: m,
		logger:  slog.Default().With("component", "scheduler"),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		entries: make(map[task.Key]*entry),
	}
}

// Tracker exposes the stats tracker for the periodic reporter.
func (s *Scheduler) Tracker() *Tracker { return s.tracker }

// Load returns the current in-flight and parked task counts.
func (s *Scheduler) Load() (inFlight, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		inFlight++
		if e.next != nil {
			pending++
		}
	}
	return inFlight, pending
}

// Run drives all sources until ctx is cancelled, then waits for in-flight
// tasks to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"sources", len(s.sources),
		"max_concurrent", s.cfg.MaxConcurrent,
	)

	in := make(chan sourcedTask)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range s.sources {
		src := src
		g.Go(func() error {
			s.runSource(gctx, src, in)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	for {
		select {
		case st := <-in:
			s.dispatch(ctx, st)
		case <-ctx.Done():
			<-done
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		}
	}
}

type sourcedTask struct {
	task   task.Task
	source string
}

// runSource supervises one source, restarting it after errors with a short
// pause so a flapping source cannot spin the loop.
func (s *Scheduler) runSource(ctx context.Context, src task.Source, in chan<- sourcedTask) {
	out := make(chan task.Task)
	go func() {
		for {
			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("source panicked", "source", src.Name(), "panic", r)
					}
				}()
				return src.Run(ctx, out)
			}()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Error("source exited", "source", src.Name(), "error", err)
			}
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-out:
			select {
			case in <- sourcedTask{task: t, source: src.Name()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatch applies dedup and either starts a run or parks the task behind the
// one in flight for the same key.
func (s *Scheduler) dispatch(ctx context.Context, st sourcedTask) {
	s.tracker.Received(st.source)

	s.mu.Lock()
	e, running := s.entries[st.task.TaskKey()]
	if running {
		freshest := e.running.Updated
		if e.next != nil {
			freshest = e.next.Updated
		}
		if !st.task.Updated.After(freshest) {
			s.mu.Unlock()
			s.dropped(st.source, "duplicate")
			return
		}
		if !e.started {
			// Still waiting for a permit: the fresher task takes the slot
			// outright, the stale one never runs.
			displaced := e.source
			e.running = st.task
			e.source = st.source
			s.mu.Unlock()
			s.dropped(displaced, "superseded")
			return
		}
		t := st.task
		e.next = &t
		e.nextSrc = st.source
		s.mu.Unlock()
		return
	}
	s.entries[st.task.TaskKey()] = &entry{running: st.task, source: st.source}
	s.mu.Unlock()

	s.start(ctx, st)
}

func (s *Scheduler) start(ctx context.Context, st sourcedTask) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		key := st.task.TaskKey()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.mu.Lock()
			delete(s.entries, key)
			s.mu.Unlock()
			return
		}
		// A fresher task may have replaced the queued one while this
		// goroutine waited for a permit; run whatever the entry holds now.
		s.mu.Lock()
		if e := s.entries[key]; e != nil {
			e.started = true
			st = sourcedTask{task: e.running, source: e.source}
		}
		s.mu.Unlock()
		s.tracker.Scheduled(st.source)
		if s.metrics != nil {
			s.metrics.TasksScheduledTotal.WithLabelValues(st.source).Inc()
			s.metrics.TasksInFlight.Inc()
		}
		start := time.Now()
		failed := s.runOne(ctx, st)
		elapsed := time.Since(start)
		s.sem.Release(1)

		s.tracker.Finished(st.source, elapsed, failed)
		if s.metrics != nil {
			s.metrics.TasksInFlight.Dec()
			outcome := "ok"
			if failed {
				outcome = "error"
			}
			s.metrics.TaskDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
		}

		s.finish(ctx, st.task.TaskKey())
	}()
}

// runOne executes the runner, converting panics into failures.
func (s *Scheduler) runOne(ctx context.Context, st sourcedTask) (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				"package", st.task.Package,
				"version", st.task.Version,
				"panic", r,
			)
			failed = true
		}
	}()
	if err := s.runner.Run(ctx, st.task); err != nil {
		s.logger.Error("task failed",
			"package", st.task.Package,
			"version", st.task.Version,
			"source", st.source,
			"error", err,
		)
		return true
	}
	return false
}

// finish clears the key's entry and re-dispatches a parked successor, if one
// arrived while the run was in flight.
func (s *Scheduler) finish(ctx context.Context, key task.Key) {
	s.mu.Lock()
	e := s.entries[key]
	var next *sourcedTask
	if e != nil && e.next != nil && ctx.Err() == nil {
		next = &sourcedTask{task: *e.next, source: e.nextSrc}
		s.entries[key] = &entry{running: *e.next, source: e.nextSrc}
	} else {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if next != nil {
		s.start(ctx, *next)
	}
}

func (s *Scheduler) dropped(source, reason string) {
	s.tracker.Duplicate(source)
	if s.metrics != nil {
		s.metrics.TasksDroppedTotal.WithLabelValues(reason).Inc()
	}
}
