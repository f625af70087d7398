package search

import (
	"testing"
	"time"
)

func newTestLikeTracker(at time.Time) *likeTracker {
	lt := newLikeTracker(12 * time.Hour)
	lt.now = func() time.Time { return at }
	return lt
}

func TestLikeTrackerThrottlesRescoreOnNewPackages(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lt := newTestLikeTracker(start)

	lt.set("http", 10)
	ranked := lt.lastRescore
	if ranked.IsZero() {
		t.Fatal("first insert must seed the ranking")
	}

	// Inserts inside the interval take a provisional floor score instead of
	// forcing a full re-sort each.
	for i, pkg := range []string{"yaml", "grpc", "redis"} {
		lt.set(pkg, 20+i)
		if got := lt.scoreOf(pkg); got != 0 {
			t.Errorf("provisional score for %s = %v, want 0", pkg, got)
		}
	}
	if !lt.lastRescore.Equal(ranked) {
		t.Fatal("insert inside the interval triggered a rescore")
	}

	// Past the interval the next insert folds everything into real ranks.
	lt.now = func() time.Time { return start.Add(13 * time.Hour) }
	lt.set("kafka", 5)
	if lt.lastRescore.Equal(ranked) {
		t.Fatal("insert past the interval did not rescore")
	}
	if got := lt.scoreOf("redis"); got != 1.0 {
		t.Errorf("top-ranked score = %v, want 1.0", got)
	}
	if got := lt.scoreOf("kafka"); got != 0.2 {
		t.Errorf("bottom-ranked score = %v, want 0.2", got)
	}
}

func TestLikeTrackerForcedRescoreIgnoresInterval(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lt := newTestLikeTracker(start)

	lt.set("a", 1)
	lt.set("b", 2)
	if got := lt.scoreOf("b"); got != 0 {
		t.Fatalf("score before forced rescore = %v, want provisional 0", got)
	}

	lt.rescoreIfNeeded(true)
	if got := lt.scoreOf("b"); got != 1.0 {
		t.Errorf("score after forced rescore = %v, want 1.0", got)
	}
	if got := lt.scoreOf("a"); got != 0.5 {
		t.Errorf("score after forced rescore = %v, want 0.5", got)
	}
}

func TestLikeTrackerRemoveDropsScore(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lt := newTestLikeTracker(start)

	lt.set("a", 1)
	lt.set("b", 2)
	lt.rescoreIfNeeded(true)

	lt.remove("b")
	if got := lt.scoreOf("b"); got != 0 {
		t.Errorf("removed package still scored %v", got)
	}
	lt.rescoreIfNeeded(true)
	if got := lt.scoreOf("a"); got != 1.0 {
		t.Errorf("sole remaining package score = %v, want 1.0", got)
	}
}
