// Package health aggregates dependency probes (Postgres, Redis, the search
// index) into liveness and readiness endpoints. Probes run concurrently under
// a shared deadline; the aggregate is the worst individual status.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the health of one component or of the process overall.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// severity orders statuses for aggregation; higher is worse.
func severity(s Status) int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusDown:
		return 2
	default:
		return 0
	}
}

// Check probes one dependency. The ctx carries the shared probe deadline.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth is the outcome of one probe. Latency is filled in by the
// Checker.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the aggregate of all probes at one point in time.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Checked    time.Time                  `json:"checked"`
}

const probeTimeout = 5 * time.Second

// Checker holds the registered probes.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	started time.Time
	now     func() time.Time
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		started: time.Now(),
		now:     time.Now,
	}
}

// Register adds a named probe. Re-registering a name replaces the probe.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every probe concurrently and aggregates the results. A probe
// that panics counts as down rather than crashing the endpoint.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make([]Check, 0, len(c.checks))
	for name, check := range c.checks {
		names = append(names, name)
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	results := make([]ComponentHealth, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			start := c.now()
			results[i] = c.probe(gctx, check)
			results[i].Latency = time.Since(start).Round(time.Millisecond).String()
			return nil
		})
	}
	g.Wait()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(results)),
		Checked:    c.now().UTC(),
	}
	for i, result := range results {
		report.Components[names[i]] = result
		if severity(result.Status) > severity(report.Status) {
			report.Status = result.Status
		}
	}
	return report
}

func (c *Checker) probe(ctx context.Context, check Check) (result ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			result = ComponentHealth{Status: StatusDown, Message: "probe panicked"}
		}
	}()
	return check(ctx)
}

// LiveHandler answers liveness probes: the process is up and serving.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": c.now().Sub(c.started).Round(time.Second).String(),
		})
	}
}

// ReadyHandler answers readiness probes: 200 only when every dependency is
// up, 503 otherwise, with the full per-component report as the body.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		report := c.Run(ctx)
		status := http.StatusOK
		if report.Status != StatusUp {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
