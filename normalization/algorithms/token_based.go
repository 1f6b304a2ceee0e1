package algorithms

import (
	"strings"
	"sync"
	"unicode"

	"github.com/kljensen/snowball"
)

// stemLanguage is the snowball language used for token stemming. Receipt
// names in this system are Spanish.
const stemLanguage = "spanish"

var (
	stemCache   = make(map[string]string)
	stemCacheMu sync.RWMutex
)

// stemWord returns the stemmed form of a word, caching results. Words the
// stemmer rejects (digits, too short) are returned unchanged.
func stemWord(word string) string {
	stemCacheMu.RLock()
	stemmed, ok := stemCache[word]
	stemCacheMu.RUnlock()
	if ok {
		return stemmed
	}

	stemmed, err := snowball.Stem(word, stemLanguage, false)
	if err != nil || stemmed == "" {
		stemmed = word
	}

	stemCacheMu.Lock()
	stemCache[word] = stemmed
	stemCacheMu.Unlock()

	return stemmed
}

// Tokenize splits text into lowercase word tokens on any non-alphanumeric
// boundary.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenSet builds the set of stemmed tokens for text.
func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range Tokenize(text) {
		set[stemWord(token)] = true
	}
	return set
}

// TokenJaccard computes the Jaccard index over stemmed word tokens, so
// "leche entera" and "lech entero" still overlap after stemming.
func TokenJaccard(s1, s2 string) float64 {
	set1 := tokenSet(s1)
	set2 := tokenSet(s2)

	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for token := range set1 {
		if set2[token] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}
