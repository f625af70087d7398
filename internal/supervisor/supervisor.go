// Package supervisor keeps long-running loops alive: any registered routine
// that returns or panics is restarted with exponential backoff.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Routine is a long-running loop. It should only return when ctx is
// cancelled; any other return is treated as a failure and restarted.
type Routine func(ctx context.Context) error

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
	// A routine alive this long is considered recovered and its backoff
	// resets, so a crash next week starts the ladder from the bottom.
	healthyAfter = 5 * time.Minute
)

// Supervisor runs named routines and restarts the ones that exit early.
type Supervisor struct {
	logger   *slog.Logger
	mu       sync.Mutex
	routines map[string]Routine
	wg       sync.WaitGroup
}

// New creates an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{
		logger:   slog.Default().With("component", "supervisor"),
		routines: make(map[string]Routine),
	}
}

// Add registers a routine under a unique name. Must be called before Run.
func (s *Supervisor) Add(name string, r Routine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routines[name] = r
}

// Run starts every registered routine and blocks until ctx is cancelled and
// all routines have returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	for name, r := range s.routines {
		s.wg.Add(1)
		go func(name string, r Routine) {
			defer s.wg.Done()
			s.supervise(ctx, name, r)
		}(name, r)
	}
	s.mu.Unlock()

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("all routines stopped")
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, name string, r Routine) {
	backoff := initialBackoff
	for {
		start := time.Now()
		err := s.runOnce(ctx, name, r)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) >= healthyAfter {
			backoff = initialBackoff
		}
		s.logger.Error("routine exited, restarting",
			"routine", name,
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, name string, r Routine) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("routine panicked", "routine", name, "panic", rec)
		}
	}()
	return r(ctx)
}
