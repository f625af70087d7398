package search

import (
	"strings"
	"sync"
)

// nameIndex scores free text against package names: exact, plural-tolerant,
// prefix, substring, and bigram-overlap matches, in decreasing order of
// confidence. It also answers prefix filters.
type nameIndex struct {
	mu    sync.RWMutex
	names map[string]string // lowercased -> canonical
}

func newNameIndex() *nameIndex {
	return &nameIndex{names: make(map[string]string)}
}

func (ni *nameIndex) add(pkg string) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	ni.names[strings.ToLower(pkg)] = pkg
}

func (ni *nameIndex) remove(pkg string) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	delete(ni.names, strings.ToLower(pkg))
}

// withPrefix returns the canonical names starting with the given prefix
// (case-insensitive).
func (ni *nameIndex) withPrefix(prefix string) map[string]struct{} {
	prefix = strings.ToLower(prefix)
	ni.mu.RLock()
	defer ni.mu.RUnlock()
	out := make(map[string]struct{})
	for lower, canonical := range ni.names {
		if strings.HasPrefix(lower, prefix) {
			out[canonical] = struct{}{}
		}
	}
	return out
}

// score matches the whole query text (joined tokens) against every package
// name. Returned values are in [0,1].
func (ni *nameIndex) score(text string) Score {
	query := strings.ToLower(strings.TrimSpace(text))
	if query == "" {
		return Score{}
	}
	collapsed := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '_' {
			return -1
		}
		return r
	}, query)

	ni.mu.RLock()
	defer ni.mu.RUnlock()
	s := make(Score)
	for lower, canonical := range ni.names {
		if v := matchName(lower, query, collapsed); v > 0 {
			s[canonical] = v
		}
	}
	return s
}

func matchName(name, query, collapsed string) float64 {
	if name == query || name == collapsed {
		return 1.0
	}
	if singular(name) == singular(collapsed) {
		return 0.95
	}
	ratio := float64(len(collapsed)) / float64(len(name))
	if strings.HasPrefix(name, collapsed) {
		return 0.90 * ratio
	}
	if strings.Contains(name, collapsed) {
		return 0.80 * ratio
	}
	if overlap := bigramOverlap(name, collapsed); overlap > 0.5 {
		return 0.70 * overlap
	}
	return 0
}

// bigramOverlap is the Dice coefficient over character bigrams.
func bigramOverlap(a, b string) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	bigrams := make(map[string]int)
	for i := 0; i+2 <= len(a); i++ {
		bigrams[a[i:i+2]]++
	}
	var shared int
	for i := 0; i+2 <= len(b); i++ {
		if bigrams[b[i:i+2]] > 0 {
			bigrams[b[i:i+2]]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b)-2)
}
