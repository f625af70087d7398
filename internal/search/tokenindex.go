package search

import (
	"math"
	"strings"
	"sync"
)

// tokenIndex is a weighted inverted index: token -> package -> weight.
// Per-document weights are term frequencies normalised by document length so
// short focused texts outrank long rambling ones.
type tokenIndex struct {
	mu     sync.RWMutex
	tokens map[string]map[string]float64
}

func newTokenIndex() *tokenIndex {
	return &tokenIndex{
		tokens: make(map[string]map[string]float64),
	}
}

// add indexes text for pkg, replacing any previous entry for the package.
func (ti *tokenIndex) add(pkg string, text string) {
	tokens := tokenize(text)
	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	norm := math.Sqrt(float64(len(tokens)))

	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.removeLocked(pkg)
	if norm == 0 {
		return
	}
	for token, count := range freq {
		docs, ok := ti.tokens[token]
		if !ok {
			docs = make(map[string]float64)
			ti.tokens[token] = docs
		}
		docs[pkg] = math.Sqrt(float64(count)) / norm
	}
}

// remove drops all postings for pkg.
func (ti *tokenIndex) remove(pkg string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.removeLocked(pkg)
}

func (ti *tokenIndex) removeLocked(pkg string) {
	for token, docs := range ti.tokens {
		if _, ok := docs[pkg]; ok {
			delete(docs, pkg)
			if len(docs) == 0 {
				delete(ti.tokens, token)
			}
		}
	}
}

// searchTokens scores the query tokens against the index. Per token, the
// best-matching weight per package is normalised so the top package scores
// 1.0; a document must match every query token (intersection via multiply),
// and the combined product is dampened back with a k-th root so multi-token
// queries stay comparable to single-token ones.
func (ti *tokenIndex) searchTokens(tokens []string) Score {
	if len(tokens) == 0 {
		return Score{}
	}
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	perToken := make([]Score, 0, len(tokens))
	for _, token := range tokens {
		s := ti.scoreToken(token)
		if len(s) == 0 {
			return Score{}
		}
		perToken = append(perToken, s)
	}

	shared := perToken[0].Keys()
	for _, s := range perToken[1:] {
		for k := range shared {
			if _, ok := s[k]; !ok {
				delete(shared, k)
			}
		}
	}
	combined := MultiplyScores(perToken...).Project(shared)
	if len(tokens) > 1 {
		exp := 1.0 / float64(len(tokens))
		for k, v := range combined {
			combined[k] = math.Pow(v, exp)
		}
	}
	return combined
}

// scoreToken matches a single token exactly, falling back to prefix matches
// at a discount. Values are normalised to [0,1].
func (ti *tokenIndex) scoreToken(token string) Score {
	s := make(Score)
	if docs, ok := ti.tokens[token]; ok {
		for pkg, w := range docs {
			s[pkg] = w
		}
	}
	if len(s) == 0 && len(token) >= 3 {
		for indexed, docs := range ti.tokens {
			if !strings.HasPrefix(indexed, token) {
				continue
			}
			discount := float64(len(token)) / float64(len(indexed))
			for pkg, w := range docs {
				if v := w * discount; v > s[pkg] {
					s[pkg] = v
				}
			}
		}
	}
	if max := s.MaxValue(); max > 0 {
		for k, v := range s {
			s[k] = v / max
		}
	}
	return s
}
