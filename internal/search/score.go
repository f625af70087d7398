package search

// Score is a sparse package -> value ranking-signal map. It is the
// intermediate currency of ranking: text indexes, quality signals, and
// specificity boosts all produce a Score, and the combinators below merge
// them into a final ordering.
type Score map[string]float64

// MaxScore combines scores elementwise over the union of keys, taking the
// maximum value per key. A key absent from a source contributes 0, the
// identity for max. MaxScore is commutative and associative.
func MaxScore(scores ...Score) Score {
	out := make(Score)
	for _, s := range scores {
		for k, v := range s {
			if v > out[k] {
				out[k] = v
			}
		}
	}
	return out
}

// MultiplyScores combines scores elementwise over the union of keys, taking
// the product per key. A key absent from a source contributes 1.0, the
// multiplicative identity; callers wanting intersection semantics project to
// the shared key set first.
func MultiplyScores(scores ...Score) Score {
	out := make(Score)
	for _, s := range scores {
		for k, v := range s {
			if existing, ok := out[k]; ok {
				out[k] = existing * v
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// Project restricts the score to the given key set.
func (s Score) Project(keys map[string]struct{}) Score {
	out := make(Score, len(keys))
	for k := range keys {
		if v, ok := s[k]; ok {
			out[k] = v
		}
	}
	return out
}

// RemoveLowValues drops entries below fraction*max and entries below the
// absolute floor.
func (s Score) RemoveLowValues(fraction, floor float64) Score {
	max := s.MaxValue()
	threshold := max * fraction
	out := make(Score, len(s))
	for k, v := range s {
		if v < threshold || v < floor {
			continue
		}
		out[k] = v
	}
	return out
}

// MaxValue returns the largest value in the score, or 0 when empty.
func (s Score) MaxValue() float64 {
	var max float64
	for _, v := range s {
		if v > max {
			max = v
		}
	}
	return max
}

// Keys returns the key set of the score.
func (s Score) Keys() map[string]struct{} {
	keys := make(map[string]struct{}, len(s))
	for k := range s {
		keys[k] = struct{}{}
	}
	return keys
}
