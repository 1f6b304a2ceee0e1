package resolution

import (
	"fmt"
	"math"

	"canonizer/classification"
	"canonizer/normalization"
)

// Consolidator merges duplicate raw lines within one invoice. It is pure:
// same input, same output, no I/O.
type Consolidator struct {
	normalizer *normalization.NameNormalizer
}

// NewConsolidator creates a consolidator sharing the pipeline's name
// normalizer, so NAME: identity keys agree with later resolution.
func NewConsolidator(normalizer *normalization.NameNormalizer) *Consolidator {
	return &Consolidator{normalizer: normalizer}
}

// identityKey computes the grouping identity of a line: the cleaned code
// when one is present, the normalized name otherwise.
func (c *Consolidator) identityKey(line LineItem) string {
	if code := classification.CleanCode(line.RawCode); code != "" {
		return "CODE:" + code
	}
	return "NAME:" + c.normalizer.Normalize(line.RawName)
}

// Consolidate groups raw lines by (identity key, unit price), sums
// quantities within a group and keeps the first-seen code/name as the
// representative. Lines sharing an identity but priced differently are
// never merged; they may be a legitimate promotional tier. Output
// preserves first-seen order. The declared total feeds metrics only.
func (c *Consolidator) Consolidate(lines []LineItem, declaredTotal int64) ([]ConsolidatedLine, ConsolidationMetrics) {
	type groupKey struct {
		identity string
		price    int64
	}

	groups := make(map[groupKey]int) // key -> index into consolidated
	consolidated := make([]ConsolidatedLine, 0, len(lines))

	for _, line := range lines {
		identity := c.identityKey(line)
		key := groupKey{identity: identity, price: line.UnitPrice}

		if idx, seen := groups[key]; seen {
			consolidated[idx].Quantity += line.Quantity
			consolidated[idx].SourceCount++
			continue
		}

		groups[key] = len(consolidated)
		consolidated = append(consolidated, ConsolidatedLine{
			GroupKey:    fmt.Sprintf("%s|%d", identity, line.UnitPrice),
			RawCode:     line.RawCode,
			RawName:     line.RawName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			SourceCount: 1,
		})
	}

	metrics := ConsolidationMetrics{
		RawLineCount:          len(lines),
		ConsolidatedLineCount: len(consolidated),
		DuplicatesMerged:      len(lines) - len(consolidated),
		DeclaredTotal:         declaredTotal,
	}

	var sum float64
	for _, cl := range consolidated {
		if cl.SourceCount > 1 {
			metrics.MergedGroups++
		}
		sum += cl.Quantity * float64(cl.UnitPrice)
	}
	metrics.ConsolidatedSum = int64(math.Round(sum))

	if declaredTotal > 0 {
		diff := math.Abs(sum - float64(declaredTotal))
		metrics.PriceDiffPct = diff / float64(declaredTotal) * 100
	}

	return consolidated, metrics
}
