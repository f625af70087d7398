// Package task defines the unit of "(package, version) needs attention" and
// the pluggable sources producing infinite streams of them: head polling,
// history rescans, periodic refresh, and operator triggers.
package task

import (
	"context"
	"time"
)

// Task signals that a package version needs attention. Identity is
// (Package, Version); Updated is a logical freshness marker, not an id.
type Task struct {
	Package string    `json:"package"`
	Version string    `json:"version"`
	Updated time.Time `json:"updated"`
}

// Key identifies a task for deduplication.
type Key struct {
	Package string
	Version string
}

// TaskKey returns the dedup key of the task.
func (t Task) TaskKey() Key {
	return Key{Package: t.Package, Version: t.Version}
}

// Source produces a lazy, infinite stream of tasks. Run sends into out and
// blocks when the consumer is not keeping up; that send is the backpressure
// point, so sources never buffer unboundedly. Run returns only when ctx is
// cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Task) error
}

// send delivers a task respecting cancellation. It reports false when ctx
// ended before delivery.
func send(ctx context.Context, out chan<- Task, t Task) bool {
	select {
	case out <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleep waits d or until cancellation, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
