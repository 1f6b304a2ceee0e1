package normalization

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NameNormalizer canonicalizes noisy product-name text for comparison.
// It is pure; dictionaries are fixed at construction and never mutated.
type NameNormalizer struct {
	abbreviations map[string]string
	units         map[string]string
	diacritics    transform.Transformer
}

// defaultUnitTokens maps unit-of-measure spellings found on receipts to
// fixed tokens, so "500GR", "500 grs" and "500 g" compare equal.
func defaultUnitTokens() map[string]string {
	return map[string]string{
		"g":     "g",
		"gr":    "g",
		"grs":   "g",
		"gramo": "g",
		"ml":    "ml",
		"mlt":   "ml",
		"cc":    "ml",
		"kg":    "kg",
		"kgs":   "kg",
		"kilo":  "kg",
		"l":     "l",
		"lt":    "l",
		"lts":   "l",
		"litro": "l",
		"u":     "und",
		"un":    "und",
		"und":   "und",
		"unid":  "und",
	}
}

// NewNameNormalizer creates a normalizer with the given receipt-abbreviation
// dictionary. A nil map disables expansion.
//
// Expansion values are rewritten at construction until they are fixpoints
// of the word pipeline, so a value containing a unit spelling ("aceite lt")
// or another abbreviation key expands once and then stays put; without
// this, Normalize would not be idempotent. Entries whose values never
// settle (cyclic dictionaries) are dropped.
func NewNameNormalizer(abbreviations map[string]string) *NameNormalizer {
	n := &NameNormalizer{
		units:      defaultUnitTokens(),
		diacritics: transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
	}

	n.abbreviations = make(map[string]string, len(abbreviations))
	for abbr, full := range abbreviations {
		key := n.base(abbr)
		val := n.base(full)
		if key != "" && val != "" {
			n.abbreviations[key] = val
		}
	}

	for i := 0; i <= len(n.abbreviations); i++ {
		changed := false
		for key, val := range n.abbreviations {
			if next := n.expandWords(val); next != val {
				n.abbreviations[key] = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	for key, val := range n.abbreviations {
		if n.expandWords(val) != val {
			delete(n.abbreviations, key)
		}
	}

	return n
}

// Normalize canonicalizes a raw product name: lowercase, diacritics
// stripped, punctuation removed, whitespace collapsed, unit tokens fixed,
// known abbreviations expanded. Idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func (n *NameNormalizer) Normalize(raw string) string {
	text := n.base(raw)
	if text == "" {
		return ""
	}
	return n.expandWords(text)
}

// expandWords runs the per-word pipeline over already base-normalized
// text: unit tokens fixed, known abbreviations expanded.
func (n *NameNormalizer) expandWords(text string) string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for _, word := range words {
		word = n.normalizeUnitWord(word)
		if full, ok := n.abbreviations[word]; ok {
			word = full
		}
		out = append(out, word)
	}
	return strings.Join(out, " ")
}

// base runs the character-level pipeline: lowercase, strip diacritics,
// replace punctuation with spaces, collapse whitespace.
func (n *NameNormalizer) base(raw string) string {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return ""
	}

	if stripped, _, err := transform.String(n.diacritics, text); err == nil {
		text = stripped
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// Punctuation splits tokens rather than gluing them together:
			// "leche+entera" -> "leche entera".
			b.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// normalizeUnitWord maps unit spellings to their fixed token. Handles both
// bare units ("gr") and quantity-prefixed forms ("500gr" -> "500 g" is not
// split; only the unit suffix is rewritten: "500gr" -> "500g").
func (n *NameNormalizer) normalizeUnitWord(word string) string {
	if fixed, ok := n.units[word]; ok {
		return fixed
	}

	// Quantity-prefixed form: digits followed by a known unit spelling.
	i := 0
	for i < len(word) && word[i] >= '0' && word[i] <= '9' {
		i++
	}
	if i > 0 && i < len(word) {
		if fixed, ok := n.units[word[i:]]; ok {
			return word[:i] + fixed
		}
	}

	return word
}
