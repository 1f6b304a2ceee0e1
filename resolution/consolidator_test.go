package resolution

import (
	"testing"

	"canonizer/normalization"
)

func newTestConsolidator() *Consolidator {
	return NewConsolidator(normalization.NewNameNormalizer(nil))
}

// Two identical lines merge into one with the quantities summed.
func TestConsolidate_MergesIdenticalLines(t *testing.T) {
	c := newTestConsolidator()

	lines := []LineItem{
		{RawCode: "7702047041482", RawName: "SALSA TOMATE", Quantity: 1, UnitPrice: 3500},
		{RawCode: "7702047041482", RawName: "SALSA TOMATE", Quantity: 1, UnitPrice: 3500},
	}

	consolidated, metrics := c.Consolidate(lines, 7000)
	if len(consolidated) != 1 {
		t.Fatalf("len(consolidated) = %d, want 1", len(consolidated))
	}
	if consolidated[0].Quantity != 2 {
		t.Errorf("quantity = %f, want 2", consolidated[0].Quantity)
	}
	if consolidated[0].SourceCount != 2 {
		t.Errorf("source count = %d, want 2", consolidated[0].SourceCount)
	}
	if metrics.DuplicatesMerged != 1 {
		t.Errorf("duplicates merged = %d, want 1", metrics.DuplicatesMerged)
	}
	if metrics.MergedGroups != 1 {
		t.Errorf("merged groups = %d, want 1", metrics.MergedGroups)
	}
	if metrics.PriceDiffPct != 0 {
		t.Errorf("price diff pct = %f, want 0", metrics.PriceDiffPct)
	}
}

// Lines sharing an identity but priced differently are never merged:
// they may be a legitimate promotional tier.
func TestConsolidate_NeverMergesDifferentPrices(t *testing.T) {
	c := newTestConsolidator()

	lines := []LineItem{
		{RawCode: "7702047041482", RawName: "SALSA TOMATE", Quantity: 1, UnitPrice: 3500},
		{RawCode: "7702047041482", RawName: "SALSA TOMATE", Quantity: 1, UnitPrice: 3000},
	}

	consolidated, metrics := c.Consolidate(lines, 6500)
	if len(consolidated) != 2 {
		t.Fatalf("len(consolidated) = %d, want 2", len(consolidated))
	}
	for _, cl := range consolidated {
		if cl.Quantity != 1 {
			t.Errorf("quantity = %f, want 1", cl.Quantity)
		}
	}
	if metrics.DuplicatesMerged != 0 {
		t.Errorf("duplicates merged = %d, want 0", metrics.DuplicatesMerged)
	}
}

// Codeless lines group by normalized name, so extraction noise in casing,
// accents and spacing still merges.
func TestConsolidate_NameIdentity(t *testing.T) {
	c := newTestConsolidator()

	lines := []LineItem{
		{RawName: "Azúcar Morena", Quantity: 1, UnitPrice: 4200},
		{RawName: "AZUCAR  MORENA", Quantity: 2, UnitPrice: 4200},
	}

	consolidated, _ := c.Consolidate(lines, 0)
	if len(consolidated) != 1 {
		t.Fatalf("len(consolidated) = %d, want 1", len(consolidated))
	}
	if consolidated[0].Quantity != 3 {
		t.Errorf("quantity = %f, want 3", consolidated[0].Quantity)
	}
	// The representative keeps the first-seen raw name.
	if consolidated[0].RawName != "Azúcar Morena" {
		t.Errorf("representative name = %q, want first-seen", consolidated[0].RawName)
	}
}

// A code-bearing line and a codeless line never share an identity key,
// even with similar names.
func TestConsolidate_CodeAndNameKeysDisjoint(t *testing.T) {
	c := newTestConsolidator()

	lines := []LineItem{
		{RawCode: "1045", RawName: "BANANO", Quantity: 1, UnitPrice: 500},
		{RawName: "BANANO", Quantity: 1, UnitPrice: 500},
	}

	consolidated, _ := c.Consolidate(lines, 0)
	if len(consolidated) != 2 {
		t.Fatalf("len(consolidated) = %d, want 2", len(consolidated))
	}
}

// Total quantity is preserved across consolidation.
func TestConsolidate_PreservesTotalQuantity(t *testing.T) {
	c := newTestConsolidator()

	lines := []LineItem{
		{RawCode: "7702047041482", RawName: "SALSA TOMATE", Quantity: 1, UnitPrice: 3500},
		{RawCode: "7702047041482", RawName: "SALSA TOMATE", Quantity: 2, UnitPrice: 3500},
		{RawName: "PAN BLANCO", Quantity: 1.5, UnitPrice: 2000},
		{RawName: "pan blanco", Quantity: 0.5, UnitPrice: 2000},
		{RawCode: "1045", RawName: "BANANO", Quantity: 3, UnitPrice: 500},
	}

	var rawTotal float64
	for _, l := range lines {
		rawTotal += l.Quantity
	}

	consolidated, _ := c.Consolidate(lines, 0)
	var consolidatedTotal float64
	for _, cl := range consolidated {
		consolidatedTotal += cl.Quantity
	}

	if rawTotal != consolidatedTotal {
		t.Errorf("quantity not preserved: raw %f, consolidated %f", rawTotal, consolidatedTotal)
	}
}

// Output preserves first-seen order.
func TestConsolidate_PreservesOrder(t *testing.T) {
	c := newTestConsolidator()

	lines := []LineItem{
		{RawName: "PRIMERO", Quantity: 1, UnitPrice: 100},
		{RawName: "SEGUNDO", Quantity: 1, UnitPrice: 200},
		{RawName: "PRIMERO", Quantity: 1, UnitPrice: 100},
		{RawName: "TERCERO", Quantity: 1, UnitPrice: 300},
	}

	consolidated, _ := c.Consolidate(lines, 0)
	want := []string{"PRIMERO", "SEGUNDO", "TERCERO"}
	if len(consolidated) != len(want) {
		t.Fatalf("len(consolidated) = %d, want %d", len(consolidated), len(want))
	}
	for i, name := range want {
		if consolidated[i].RawName != name {
			t.Errorf("position %d = %q, want %q", i, consolidated[i].RawName, name)
		}
	}
}

// The declared total feeds metrics only; grouping never depends on it.
func TestConsolidate_TotalMismatchReportedOnly(t *testing.T) {
	c := newTestConsolidator()

	lines := []LineItem{
		{RawCode: "7702047041482", RawName: "SALSA TOMATE", Quantity: 2, UnitPrice: 3500},
	}

	// Declared total wildly off: 7000 actual vs 10000 declared.
	consolidated, metrics := c.Consolidate(lines, 10000)
	if len(consolidated) != 1 {
		t.Fatalf("mismatch altered grouping: %d lines", len(consolidated))
	}
	if metrics.ConsolidatedSum != 7000 {
		t.Errorf("consolidated sum = %d, want 7000", metrics.ConsolidatedSum)
	}
	if metrics.PriceDiffPct != 30 {
		t.Errorf("price diff pct = %f, want 30", metrics.PriceDiffPct)
	}

	// Same lines, matching total: identical grouping.
	sameLines, sameMetrics := c.Consolidate(lines, 7000)
	if len(sameLines) != len(consolidated) {
		t.Error("declared total changed consolidation output")
	}
	if sameMetrics.PriceDiffPct != 0 {
		t.Errorf("price diff pct = %f, want 0", sameMetrics.PriceDiffPct)
	}
}

func TestConsolidate_Empty(t *testing.T) {
	c := newTestConsolidator()

	consolidated, metrics := c.Consolidate(nil, 0)
	if len(consolidated) != 0 {
		t.Errorf("len(consolidated) = %d, want 0", len(consolidated))
	}
	if metrics.RawLineCount != 0 || metrics.DuplicatesMerged != 0 {
		t.Errorf("metrics = %+v, want zeros", metrics)
	}
}
