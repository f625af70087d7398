package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkgdepot/pkgdepot/pkg/resilience"
)

// ProcessFunc executes the domain work for one claimed job and reports the
// resulting status. Errors and panics are recorded, never propagated out of
// the worker loop.
type ProcessFunc func(ctx context.Context, job *Job) (Status, error)

// CompletionEvent is published after every processed job, for the
// fire-and-forget metrics sink.
type CompletionEvent struct {
	Service  string        `json:"service"`
	Package  string        `json:"package"`
	Version  string        `json:"version"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Instance string        `json:"instance"`
}

// EventSink receives completion events. Implementations must not block.
type EventSink interface {
	Track(event CompletionEvent)
}

// ProcessorConfig tunes one worker loop.
type ProcessorConfig struct {
	Service      string
	JobDeadline  time.Duration // hard per-job execution timeout
	MaxIdleSleep time.Duration
	IdleStep     time.Duration
}

// Processor is one worker loop: claim a job from the ledger, run the domain
// work under a hard deadline, record the outcome, repeat. When no work is
// available the loop sleeps an increasing interval, reset to zero by any
// productive cycle.
type Processor struct {
	backend *Backend
	cfg     ProcessorConfig
	process ProcessFunc
	sink    EventSink
	logger  *slog.Logger
}

// NewProcessor creates a Processor. sink may be nil.
func NewProcessor(backend *Backend, cfg ProcessorConfig, process ProcessFunc, sink EventSink) *Processor {
	if cfg.MaxIdleSleep <= 0 {
		cfg.MaxIdleSleep = time.Minute
	}
	if cfg.IdleStep <= 0 {
		cfg.IdleStep = 5 * time.Second
	}
	return &Processor{
		backend: backend,
		cfg:     cfg,
		process: process,
		sink:    sink,
		logger:  slog.Default().With("component", "job-processor", "service", cfg.Service),
	}
}

// Run blocks until ctx is cancelled. Every iteration's errors are recovered
// locally; nothing here crashes the hosting process.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("job processor started")
	var idle time.Duration
	for {
		if ctx.Err() != nil {
			p.logger.Info("job processor stopping", "reason", ctx.Err())
			return nil
		}
		worked, err := p.cycle(ctx)
		if err != nil {
			p.logger.Error("processing cycle failed", "error", err)
		}
		if worked {
			idle = 0
			continue
		}
		idle += p.cfg.IdleStep
		if idle > p.cfg.MaxIdleSleep {
			idle = p.cfg.MaxIdleSleep
		}
		select {
		case <-time.After(idle):
		case <-ctx.Done():
		}
	}
}

// cycle claims and processes at most one job. It reports whether any work
// was done.
func (p *Processor) cycle(ctx context.Context) (bool, error) {
	job, err := p.backend.LockAvailable(ctx, p.cfg.Service)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	status := p.runJob(ctx, job)
	duration := time.Since(start)

	if err := p.backend.Complete(ctx, job, status, duration); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.Key, err)
	}
	if p.sink != nil {
		p.sink.Track(CompletionEvent{
			Service:  job.Key.Service,
			Package:  job.Key.Package,
			Version:  job.Key.Version,
			Status:   status,
			Duration: duration,
			Instance: p.backend.InstanceID(),
		})
	}
	p.logger.Info("job processed",
		"job", job.Key,
		"status", status,
		"duration", duration,
	)
	return true, nil
}

// runJob executes the domain work under the hard deadline, converting
// panics and timeouts into statuses.
func (p *Processor) runJob(ctx context.Context, job *Job) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "job", job.Key, "panic", r)
			status = StatusAborted
		}
	}()

	var result Status
	err := resilience.WithTimeout(ctx, p.cfg.JobDeadline, "job-"+job.Key.String(), func(ctx context.Context) error {
		var procErr error
		result, procErr = p.process(ctx, job)
		return procErr
	})
	if err != nil {
		p.logger.Error("job failed", "job", job.Key, "error", err)
		if result == StatusNone {
			return StatusFailed
		}
		return result
	}
	if result == StatusNone {
		return StatusSuccess
	}
	return result
}
