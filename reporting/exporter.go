// Package reporting renders audit reports over the resolution history:
// method counts, invoices flagged for review and cross-establishment
// price comparisons.
package reporting

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"canonizer/database"
)

// ExportFormat names a supported report format.
type ExportFormat string

const (
	FormatJSON  ExportFormat = "json"
	FormatCSV   ExportFormat = "csv"
	FormatExcel ExportFormat = "excel"
)

// AuditReport is everything one report run collects from the database.
type AuditReport struct {
	GeneratedAt      string                        `json:"generated_at"`
	Stats            *database.ResolutionStats     `json:"stats"`
	FlaggedInvoices  []database.Invoice            `json:"flagged_invoices"`
	PriceComparisons []database.PriceComparisonRow `json:"price_comparisons"`
}

// Exporter builds audit reports from the resolution database.
type Exporter struct {
	db           *database.ProductDB
	flaggedLimit int
	rollupLimit  int
}

func NewExporter(db *database.ProductDB) *Exporter {
	return &Exporter{db: db, flaggedLimit: 200, rollupLimit: 2000}
}

// Collect gathers the report data. The three snapshot queries run outside
// a transaction; the report is advisory, not a consistency point.
func (e *Exporter) Collect(ctx context.Context) (*AuditReport, error) {
	stats, err := e.db.GetResolutionStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	flagged, err := e.db.ListFlaggedInvoices(ctx, e.flaggedLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to collect flagged invoices: %w", err)
	}
	comparisons, err := e.db.ListPriceComparisons(ctx, e.rollupLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to collect price comparisons: %w", err)
	}

	return &AuditReport{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Stats:            stats,
		FlaggedInvoices:  flagged,
		PriceComparisons: comparisons,
	}, nil
}

// Export collects the report and writes it in the requested format.
func (e *Exporter) Export(ctx context.Context, w io.Writer, format ExportFormat) error {
	report, err := e.Collect(ctx)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		return writeJSON(w, report)
	case FormatCSV:
		return writeCSV(w, report)
	case FormatExcel:
		return writeExcel(w, report)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// ContentType returns the MIME type to serve for a format, or "" for an
// unknown one.
func ContentType(format ExportFormat) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return ""
	}
}

func writeJSON(w io.Writer, report *AuditReport) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to encode JSON report: %w", err)
	}
	return nil
}

// writeCSV flattens the report into one price-comparison table; the
// summary counts go into a leading comment-style block.
func writeCSV(w io.Writer, report *AuditReport) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	summary := [][]string{
		{"generated_at", report.GeneratedAt},
		{"products", fmt.Sprintf("%d", report.Stats.Products)},
		{"invoices", fmt.Sprintf("%d", report.Stats.Invoices)},
		{"observations", fmt.Sprintf("%d", report.Stats.Observations)},
		{"flagged_for_review", fmt.Sprintf("%d", report.Stats.FlaggedReview)},
		{},
	}
	for _, record := range summary {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write summary row: %w", err)
		}
	}

	headers := []string{
		"Product ID", "Universal Code", "Canonical Name", "Establishment",
		"Min Price", "Max Price", "Avg Price", "Samples", "Last Seen",
	}
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}

	for _, row := range report.PriceComparisons {
		record := []string{
			fmt.Sprintf("%d", row.ProductID),
			row.UniversalCode,
			row.CanonicalName,
			row.EstablishmentName,
			fmt.Sprintf("%d", row.MinPrice),
			fmt.Sprintf("%d", row.MaxPrice),
			fmt.Sprintf("%.2f", row.AvgPrice),
			fmt.Sprintf("%d", row.SampleCount),
			row.LastSeen,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write comparison row: %w", err)
		}
	}
	return nil
}

func writeExcel(w io.Writer, report *AuditReport) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeSummarySheet(f, report, headerStyle); err != nil {
		return err
	}
	if err := writeFlaggedSheet(f, report, headerStyle); err != nil {
		return err
	}
	if err := writeComparisonSheet(f, report, headerStyle); err != nil {
		return err
	}

	// The default sheet excelize creates is replaced by Summary.
	f.DeleteSheet("Sheet1")
	index, err := f.GetSheetIndex("Summary")
	if err != nil {
		return fmt.Errorf("failed to locate summary sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write Excel report: %w", err)
	}
	return nil
}

func writeSummarySheet(f *excelize.File, report *AuditReport, headerStyle int) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}

	setHeaders(f, sheet, headerStyle, []string{"Metric", "Value"})

	rows := [][2]interface{}{
		{"Generated At", report.GeneratedAt},
		{"Canonical Products", report.Stats.Products},
		{"Invoices", report.Stats.Invoices},
		{"Price Observations", report.Stats.Observations},
		{"Flagged For Review", report.Stats.FlaggedReview},
		{"Corrections", report.Stats.Corrections},
		{"Local Code Bindings", report.Stats.LocalBindings},
		{"Establishments", report.Stats.Establishments},
	}

	// Method counts in a stable order after the fixed metrics.
	methods := make([]string, 0, len(report.Stats.MethodCounts))
	for m := range report.Stats.MethodCounts {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	for _, m := range methods {
		rows = append(rows, [2]interface{}{"Lines " + m, report.Stats.MethodCounts[m]})
	}

	for i, row := range rows {
		f.SetCellValue(sheet, fmt.Sprintf("A%d", i+2), row[0])
		f.SetCellValue(sheet, fmt.Sprintf("B%d", i+2), row[1])
	}
	f.SetColWidth(sheet, "A", "A", 24)
	f.SetColWidth(sheet, "B", "B", 22)
	return nil
}

func writeFlaggedSheet(f *excelize.File, report *AuditReport, headerStyle int) error {
	const sheet = "Flagged Invoices"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create flagged sheet: %w", err)
	}

	setHeaders(f, sheet, headerStyle, []string{
		"Invoice ID", "Source ID", "Establishment ID", "Declared Total",
		"Raw Lines", "Consolidated Lines", "Duplicates Merged", "Total Diff %", "Created At",
	})

	for i, inv := range report.FlaggedInvoices {
		row := i + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), inv.ID)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), inv.SourceID)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), inv.EstablishmentID)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), inv.DeclaredTotal)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), inv.RawLineCount)
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), inv.ConsolidatedLineCount)
		f.SetCellValue(sheet, fmt.Sprintf("G%d", row), inv.DuplicatesMerged)
		f.SetCellValue(sheet, fmt.Sprintf("H%d", row), inv.PriceDiffPct)
		f.SetCellValue(sheet, fmt.Sprintf("I%d", row), inv.CreatedAt)
	}

	for col := 'A'; col <= 'I'; col++ {
		f.SetColWidth(sheet, string(col), string(col), 18)
	}
	return nil
}

func writeComparisonSheet(f *excelize.File, report *AuditReport, headerStyle int) error {
	const sheet = "Price Comparison"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create comparison sheet: %w", err)
	}

	setHeaders(f, sheet, headerStyle, []string{
		"Product ID", "Universal Code", "Canonical Name", "Establishment",
		"Min Price", "Max Price", "Avg Price", "Samples", "Last Seen",
	})

	for i, row := range report.PriceComparisons {
		r := i + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", r), row.ProductID)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", r), row.UniversalCode)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", r), row.CanonicalName)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", r), row.EstablishmentName)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", r), row.MinPrice)
		f.SetCellValue(sheet, fmt.Sprintf("F%d", r), row.MaxPrice)
		f.SetCellValue(sheet, fmt.Sprintf("G%d", r), row.AvgPrice)
		f.SetCellValue(sheet, fmt.Sprintf("H%d", r), row.SampleCount)
		f.SetCellValue(sheet, fmt.Sprintf("I%d", r), row.LastSeen)
	}

	for col := 'A'; col <= 'I'; col++ {
		f.SetColWidth(sheet, string(col), string(col), 18)
	}
	return nil
}

func setHeaders(f *excelize.File, sheet string, style int, headers []string) {
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, header)
		f.SetCellStyle(sheet, cell, cell, style)
	}
}
