package task

import (
	"testing"
	"time"
)

func TestRefreshThreshold(t *testing.T) {
	now := t0
	tests := []struct {
		name     string
		released time.Time
		want     time.Duration
	}{
		{"brand new", now, 24 * time.Hour},
		{"released in the future", now.Add(time.Hour), 24 * time.Hour},
		{"three months old", now.Add(-3 * 30 * 24 * time.Hour), 24 * time.Hour},
		{"fifty months old", now.Add(-50 * 30 * 24 * time.Hour), 50 * time.Hour},
		{"ancient caps at a week", now.Add(-500 * 30 * 24 * time.Hour), 168 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RefreshThreshold(tt.released, now); got != tt.want {
				t.Errorf("RefreshThreshold = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPeriodicIsDue(t *testing.T) {
	src := NewPeriodicSource(PeriodicSourceConfig{Name: "periodic"}, nil)
	src.now = func() time.Time { return t0 }

	released := t0.Add(-50 * 30 * 24 * time.Hour) // threshold 50h

	never := ProcessedRecord{Package: "p", Version: "1", Released: released}
	if !src.isDue(never, t0) {
		t.Error("never-processed record must be due")
	}

	recent := never
	recent.Processed = t0.Add(-10 * time.Hour)
	if src.isDue(recent, t0) {
		t.Error("recently processed record must not be due")
	}

	stale := never
	stale.Processed = t0.Add(-51 * time.Hour)
	if !src.isDue(stale, t0) {
		t.Error("record processed beyond the threshold must be due")
	}
}
