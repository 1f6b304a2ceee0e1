package algorithms

// SimilarityWeights holds the relative weights of the algorithms combined
// by Similarity. Zero-weight algorithms are skipped.
type SimilarityWeights struct {
	Levenshtein  float64
	TokenJaccard float64
}

// DefaultSimilarityWeights returns the weights used across the system.
// Edit distance dominates because receipt OCR noise is character-level;
// the stemmed token overlap catches word reordering and inflection.
func DefaultSimilarityWeights() SimilarityWeights {
	return SimilarityWeights{
		Levenshtein:  0.6,
		TokenJaccard: 0.4,
	}
}

// Similarity computes the weighted hybrid similarity of two strings in
// [0, 1]. Both CorrectionStore and CanonicalResolver must use this one
// function so fuzzy behavior stays consistent across call sites.
func Similarity(s1, s2 string, weights SimilarityWeights) float64 {
	if s1 == s2 {
		return 1.0
	}

	var sum, totalWeight float64

	if weights.Levenshtein > 0 {
		sum += LevenshteinRatio(s1, s2) * weights.Levenshtein
		totalWeight += weights.Levenshtein
	}
	if weights.TokenJaccard > 0 {
		sum += TokenJaccard(s1, s2) * weights.TokenJaccard
		totalWeight += weights.TokenJaccard
	}

	if totalWeight == 0 {
		return 0.0
	}
	return sum / totalWeight
}

// Candidate is an entry in a best-of-N similarity reduction.
type Candidate struct {
	ID   int64
	Name string
}

// BestMatch scores every candidate name against target and returns the
// single best one. Ties on score break deterministically toward the lowest
// candidate ID, so results are reproducible across runs. ok is false when
// the candidate list is empty.
func BestMatch(target string, candidates []Candidate, weights SimilarityWeights) (best Candidate, score float64, ok bool) {
	for _, cand := range candidates {
		s := Similarity(target, cand.Name, weights)
		if !ok || s > score || (s == score && cand.ID < best.ID) {
			best = cand
			score = s
			ok = true
		}
	}
	return best, score, ok
}
