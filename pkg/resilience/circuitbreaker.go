package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when a breaker rejects a call without attempting it.
var ErrOpen = errors.New("breaker open")

// BreakerState is the phase of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker. The defaults suit a flaky broker sitting
// behind a best-effort publish path: trip after five consecutive failures,
// probe again after thirty seconds, one probe at a time.
type BreakerConfig struct {
	Threshold int           // consecutive failures before tripping
	Cooldown  time.Duration // open duration before the first probe
	Probes    int           // concurrent probe budget while probing
}

// Breaker sheds calls to a dependency that keeps failing. Consecutive
// failures trip it open; after the cooldown it admits a bounded number of
// probes, and a single probe success closes it again. Callers are expected
// to treat ErrOpen as a soft failure (drop, log, retry later), not an
// outage of their own.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probes   int
}

// NewBreaker creates a Breaker, filling in defaults for zero config values.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("component", "breaker", "name", name),
		now:    time.Now,
	}
}

// Do runs fn unless the breaker is shedding, and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the breaker's current phase.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed, discarding failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
	b.logger.Info("breaker reset")
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return fmt.Errorf("%w: %s (cooldown %v left)", ErrOpen, b.name, remaining)
		}
		b.state = BreakerProbing
		b.probes = 0
		b.logger.Info("breaker probing", "after", b.cfg.Cooldown)
		fallthrough
	case BreakerProbing:
		if b.probes >= b.cfg.Probes {
			return fmt.Errorf("%w: %s (probe budget spent)", ErrOpen, b.name)
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state == BreakerProbing {
			b.logger.Info("breaker closed", "state", "recovered")
		}
		b.state = BreakerClosed
		b.failures = 0
		b.probes = 0
		return
	}
	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.Threshold {
			b.trip()
		}
	case BreakerProbing:
		b.trip()
	}
}

// trip must be called with mu held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probes = 0
	b.logger.Warn("breaker tripped",
		"consecutive_failures", b.failures,
		"cooldown", b.cfg.Cooldown,
	)
}
