// Package resolution turns noisy OCR receipt lines into canonical product
// identities: intra-invoice consolidation, multi-strategy resolution and
// the price ledger, orchestrated per invoice by the Pipeline.
package resolution

import "strings"

// LineItem is the single internal shape for one raw invoice line. Every
// accepted wire shape is translated into it at the boundary; internal
// components never see wire aliases.
type LineItem struct {
	RawCode   string
	RawName   string
	Quantity  float64
	UnitPrice int64 // minor currency units
}

// WireLine accepts the key aliases different extraction collaborators
// produce for the same fields. Exactly one adapter (ToLineItem) maps it to
// the internal record.
type WireLine struct {
	Code    string `json:"code,omitempty"`
	RawCode string `json:"raw_code,omitempty"`
	SKU     string `json:"sku,omitempty"`

	Name        string `json:"name,omitempty"`
	RawName     string `json:"raw_name,omitempty"`
	Description string `json:"description,omitempty"`

	Quantity float64 `json:"quantity"`

	UnitPrice int64 `json:"unit_price,omitempty"`
	Price     int64 `json:"price,omitempty"`
	Value     int64 `json:"value,omitempty"`
}

// ToLineItem resolves the wire aliases into the internal record. Missing
// or negative quantities and prices are clamped to zero per the extraction
// contract.
func (w WireLine) ToLineItem() LineItem {
	item := LineItem{
		RawCode:  firstNonEmpty(w.RawCode, w.Code, w.SKU),
		RawName:  firstNonEmpty(w.RawName, w.Name, w.Description),
		Quantity: w.Quantity,
	}

	switch {
	case w.UnitPrice != 0:
		item.UnitPrice = w.UnitPrice
	case w.Price != 0:
		item.UnitPrice = w.Price
	default:
		item.UnitPrice = w.Value
	}

	if item.Quantity < 0 {
		item.Quantity = 0
	}
	if item.UnitPrice < 0 {
		item.UnitPrice = 0
	}
	return item
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ConsolidatedLine is one merged line after intra-invoice deduplication.
// Code and name come from the first-seen member of the group.
type ConsolidatedLine struct {
	GroupKey    string
	RawCode     string
	RawName     string
	Quantity    float64
	UnitPrice   int64
	SourceCount int // raw lines merged into this one
}

// ConsolidationMetrics reports what consolidation did. It never gates
// grouping; a total mismatch is surfaced, not acted on.
type ConsolidationMetrics struct {
	RawLineCount          int     `json:"raw_line_count"`
	ConsolidatedLineCount int     `json:"consolidated_line_count"`
	DuplicatesMerged      int     `json:"duplicates_merged"`
	MergedGroups          int     `json:"merged_groups"`
	ConsolidatedSum       int64   `json:"consolidated_sum"`
	DeclaredTotal         int64   `json:"declared_total"`
	PriceDiffPct          float64 `json:"price_diff_pct"`
}
