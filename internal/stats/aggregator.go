package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkgdepot/pkgdepot/internal/ledger"
	"github.com/pkgdepot/pkgdepot/pkg/kafka"
)

// StatusCounts aggregates completion outcomes for one (service, status) pair.
type StatusCounts struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"totalDuration"`
	MaxDuration   time.Duration `json:"maxDuration"`
}

// Aggregator consumes the job-events topic and maintains per-service
// completion counts for the operational stats endpoint. It is a read-side
// projection: losing it loses nothing but counters.
type Aggregator struct {
	mu       sync.RWMutex
	services map[string]map[ledger.Status]*StatusCounts
	since    time.Time
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		services: make(map[string]map[ledger.Status]*StatusCounts),
		since:    time.Now(),
	}
}

// Handle is the kafka.MessageHandler consuming completion events.
func (a *Aggregator) Handle(ctx context.Context, key, value []byte) error {
	event, err := kafka.DecodeJSON[ledger.CompletionEvent](value)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	byStatus, ok := a.services[event.Service]
	if !ok {
		byStatus = make(map[ledger.Status]*StatusCounts)
		a.services[event.Service] = byStatus
	}
	counts, ok := byStatus[event.Status]
	if !ok {
		counts = &StatusCounts{}
		byStatus[event.Status] = counts
	}
	counts.Count++
	counts.TotalDuration += event.Duration
	if event.Duration > counts.MaxDuration {
		counts.MaxDuration = event.Duration
	}
	return nil
}

// Summary is the stats endpoint payload.
type Summary struct {
	Since    time.Time                            `json:"since"`
	Services map[string]map[string]*StatusCounts `json:"services"`
}

// Snapshot returns a copy of the current counters.
func (a *Aggregator) Snapshot() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	summary := Summary{
		Since:    a.since,
		Services: make(map[string]map[string]*StatusCounts, len(a.services)),
	}
	for service, byStatus := range a.services {
		out := make(map[string]*StatusCounts, len(byStatus))
		for status, counts := range byStatus {
			copied := *counts
			out[string(status)] = &copied
		}
		summary.Services[service] = out
	}
	return summary
}

// Handler serves the aggregated counters as JSON.
func (a *Aggregator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.Snapshot())
	}
}
