package algorithms

// LevenshteinDistance computes the edit distance between two strings,
// counting runes rather than bytes.
func LevenshteinDistance(s1, s2 string) int {
	r1 := []rune(s1)
	r2 := []rune(s2)
	len1 := len(r1)
	len2 := len(r2)

	if len1 == 0 {
		return len2
	}
	if len2 == 0 {
		return len1
	}

	// Two-row rolling computation keeps allocation proportional to the
	// shorter string.
	if len2 > len1 {
		r1, r2 = r2, r1
		len1, len2 = len2, len1
	}

	prev := make([]int, len2+1)
	curr := make([]int, len2+1)
	for j := 0; j <= len2; j++ {
		prev[j] = j
	}

	for i := 1; i <= len1; i++ {
		curr[0] = i
		for j := 1; j <= len2; j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len2]
}

// LevenshteinRatio returns a similarity in [0, 1] derived from the edit
// distance, normalized by the longer string's rune length.
func LevenshteinRatio(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}

	maxLen := len([]rune(s1))
	if l2 := len([]rune(s2)); l2 > maxLen {
		maxLen = l2
	}
	if maxLen == 0 {
		return 1.0
	}

	return 1.0 - float64(LevenshteinDistance(s1, s2))/float64(maxLen)
}

func min3(a, b, c int) int {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}
