package classification

import (
	"strings"
)

// CodeType is the classification of a raw code string extracted from a receipt line.
type CodeType string

const (
	// TypeEAN is a universal barcode shared across retailers (8+ digits).
	TypeEAN CodeType = "EAN"
	// TypePLU is a store-local price look-up code (3-7 digits, or longer for
	// chains that encode local codes in barcode-length strings).
	TypePLU CodeType = "PLU"
	// TypeUnknown is a non-empty digit string that fits neither scheme.
	// It is kept as an opaque local identifier, eligible for local binding.
	TypeUnknown CodeType = "UNKNOWN"
	// TypeNone means no usable code was present on the line.
	TypeNone CodeType = "NONE"
)

// Classifier assigns a CodeType to raw code strings. It is pure and
// deterministic; the chain override list is fixed at construction.
type Classifier struct {
	// pluOverrideChains are chains known to encode store-local codes in
	// 8+ digit strings, so barcode-length codes from them are not EANs.
	pluOverrideChains map[string]bool
}

// NewClassifier creates a classifier with the given chain override list.
// Chain names are compared case-insensitively after trimming.
func NewClassifier(pluOverrideChains []string) *Classifier {
	overrides := make(map[string]bool, len(pluOverrideChains))
	for _, chain := range pluOverrideChains {
		chain = strings.ToLower(strings.TrimSpace(chain))
		if chain != "" {
			overrides[chain] = true
		}
	}
	return &Classifier{pluOverrideChains: overrides}
}

// Classify strips non-digits from rawCode and classifies the remainder.
// The establishment chain is only consulted for the 8+ digit override rule.
//
//	""            -> NONE
//	8+ digits     -> EAN (or PLU when the chain is on the override list)
//	3-7 digits    -> PLU
//	1-2 digits    -> UNKNOWN
func (c *Classifier) Classify(rawCode, chain string) (CodeType, string) {
	cleaned := CleanCode(rawCode)
	if cleaned == "" {
		return TypeNone, ""
	}

	switch {
	case len(cleaned) >= 8:
		if c.isPLUOverrideChain(chain) {
			return TypePLU, cleaned
		}
		return TypeEAN, cleaned
	case len(cleaned) >= 3:
		return TypePLU, cleaned
	default:
		return TypeUnknown, cleaned
	}
}

// isPLUOverrideChain reports whether barcode-length codes from this chain
// must be treated as store-local.
func (c *Classifier) isPLUOverrideChain(chain string) bool {
	if len(c.pluOverrideChains) == 0 {
		return false
	}
	return c.pluOverrideChains[strings.ToLower(strings.TrimSpace(chain))]
}

// CleanCode keeps only ASCII digits from s. The consolidator uses the
// same cleaning when it builds identity keys, so a line groups under the
// exact code the classifier will later see.
func CleanCode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
