package search

import (
	"sort"
	"sync"
	"time"
)

// likeTracker maintains per-package like counts and a percentile-rank like
// score in [0,1]. Rescoring requires a full sort over all packages, so it is
// throttled to the configured interval unless forced.
type likeTracker struct {
	mu          sync.RWMutex
	counts      map[string]int
	scores      Score
	lastRescore time.Time
	interval    time.Duration
	now         func() time.Time
}

func newLikeTracker(interval time.Duration) *likeTracker {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return &likeTracker{
		counts:   make(map[string]int),
		scores:   make(Score),
		interval: interval,
		now:      time.Now,
	}
}

func (lt *likeTracker) set(pkg string, count int) {
	lt.mu.Lock()
	lt.counts[pkg] = count
	// A package not yet ranked gets a provisional floor score; the next
	// interval (or forced) rescore folds it into the real ranking. Bulk
	// loads therefore stay linear instead of sorting once per insert.
	if _, ranked := lt.scores[pkg]; !ranked {
		lt.scores[pkg] = 0
	}
	lt.mu.Unlock()
	lt.rescoreIfNeeded(false)
}

func (lt *likeTracker) remove(pkg string) {
	lt.mu.Lock()
	delete(lt.counts, pkg)
	delete(lt.scores, pkg)
	lt.mu.Unlock()
}

func (lt *likeTracker) scoreOf(pkg string) float64 {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.scores[pkg]
}

// rescoreIfNeeded recomputes percentile ranks for every package. The score
// of a package is the fraction of packages with an equal or lower like
// count.
func (lt *likeTracker) rescoreIfNeeded(force bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if !force && lt.now().Sub(lt.lastRescore) < lt.interval {
		return
	}
	n := len(lt.counts)
	scores := make(Score, n)
	if n > 0 {
		type entry struct {
			pkg   string
			count int
		}
		entries := make([]entry, 0, n)
		for pkg, count := range lt.counts {
			entries = append(entries, entry{pkg, count})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].count < entries[j].count
		})
		for i := 0; i < n; {
			j := i
			for j < n && entries[j].count == entries[i].count {
				j++
			}
			// Equal counts share the rank of the last of them.
			rank := float64(j) / float64(n)
			for k := i; k < j; k++ {
				scores[entries[k].pkg] = rank
			}
			i = j
		}
	}
	lt.scores = scores
	lt.lastRescore = lt.now()
}
