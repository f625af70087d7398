package scheduler

import (
	"sort"
	"sync"
	"time"
)

// durationRingSize bounds the recent-durations sample used for percentile
// estimation.
const durationRingSize = 256

// SourceCounters aggregates per-source scheduling activity since the last
// snapshot reset.
type SourceCounters struct {
	Received   int64         `json:"received"`
	Scheduled  int64         `json:"scheduled"`
	Duplicates int64         `json:"duplicates"`
	Completed  int64         `json:"completed"`
	Failed     int64         `json:"failed"`
	Busy       time.Duration `json:"busy"`
	MaxRun     time.Duration `json:"max_run"`
}

// Snapshot is a point-in-time view of scheduler activity, keyed by source.
// P50Run and P95Run are estimated from a bounded sample of recent run
// durations across all sources.
type Snapshot struct {
	Taken    time.Time                 `json:"taken"`
	Window   time.Duration             `json:"window"`
	InFlight int                       `json:"in_flight"`
	Pending  int                       `json:"pending"`
	P50Run   time.Duration             `json:"p50_run"`
	P95Run   time.Duration             `json:"p95_run"`
	Sources  map[string]SourceCounters `json:"sources"`
}

// Tracker accumulates scheduler counters for periodic reporting. All methods
// are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	since   time.Time
	sources map[string]*SourceCounters
	ring    [durationRingSize]time.Duration
	ringIdx int
	ringLen int
	now     func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		since:   time.Now(),
		sources: make(map[string]*SourceCounters),
		now:     time.Now,
	}
}

func (t *Tracker) counters(source string) *SourceCounters {
	c, ok := t.sources[source]
	if !ok {
		c = &SourceCounters{}
		t.sources[source] = c
	}
	return c
}

func (t *Tracker) Received(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters(source).Received++
}

func (t *Tracker) Scheduled(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters(source).Scheduled++
}

func (t *Tracker) Duplicate(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters(source).Duplicates++
}

// Finished records a task run's outcome and duration.
func (t *Tracker) Finished(source string, d time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counters(source)
	if failed {
		c.Failed++
	} else {
		c.Completed++
	}
	c.Busy += d
	if d > c.MaxRun {
		c.MaxRun = d
	}
	t.ring[t.ringIdx] = d
	t.ringIdx = (t.ringIdx + 1) % durationRingSize
	if t.ringLen < durationRingSize {
		t.ringLen++
	}
}

// Take returns the accumulated counters and resets the window, so successive
// snapshots cover disjoint intervals.
func (t *Tracker) Take(inFlight, pending int) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	snap := Snapshot{
		Taken:    now,
		Window:   now.Sub(t.since),
		InFlight: inFlight,
		Pending:  pending,
		Sources:  make(map[string]SourceCounters, len(t.sources)),
	}
	for name, c := range t.sources {
		snap.Sources[name] = *c
	}
	if t.ringLen > 0 {
		sample := make([]time.Duration, t.ringLen)
		copy(sample, t.ring[:t.ringLen])
		sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
		snap.P50Run = quantile(sample, 0.50)
		snap.P95Run = quantile(sample, 0.95)
	}
	t.since = now
	t.sources = make(map[string]*SourceCounters)
	return snap
}

// quantile reads the q-th quantile from an ascending sample by nearest rank.
func quantile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
