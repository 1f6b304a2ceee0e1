package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"canonizer/database"
)

func seedReportData(t *testing.T) *database.ProductDB {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewProductDB(":memory:")
	if err != nil {
		t.Fatalf("NewProductDB error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	jumboID, err := db.UpsertEstablishment(ctx, "jumbo calle 80", "Jumbo")
	if err != nil {
		t.Fatalf("UpsertEstablishment error = %v", err)
	}
	olimpicaID, err := db.UpsertEstablishment(ctx, "olimpica centro", "Olimpica")
	if err != nil {
		t.Fatalf("UpsertEstablishment error = %v", err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin error = %v", err)
	}
	productID, err := tx.UpsertEANProduct(ctx, "7701234567890", "leche entera")
	if err != nil {
		t.Fatalf("UpsertEANProduct error = %v", err)
	}
	if err := tx.UpsertRollup(ctx, productID, jumboID, 4500, "2026-08-30T10:00:00Z"); err != nil {
		t.Fatalf("UpsertRollup error = %v", err)
	}
	if err := tx.UpsertRollup(ctx, productID, olimpicaID, 4200, "2026-08-30T11:00:00Z"); err != nil {
		t.Fatalf("UpsertRollup error = %v", err)
	}
	invoiceID, err := tx.InsertInvoice(ctx, database.Invoice{
		SourceID:              "inv-flagged-1",
		EstablishmentID:       jumboID,
		DeclaredTotal:         10000,
		RawLineCount:          2,
		ConsolidatedLineCount: 1,
		DuplicatesMerged:      1,
		PriceDiffPct:          55,
		NeedsReview:           true,
	})
	if err != nil {
		t.Fatalf("InsertInvoice error = %v", err)
	}
	if _, err := tx.InsertInvoiceLine(ctx, database.InvoiceLine{
		InvoiceID:          invoiceID,
		LineNo:             1,
		RawName:            "LECHE ENTERA",
		Quantity:           2,
		UnitPrice:          4500,
		CanonicalProductID: productID,
		ResolutionMethod:   "created_ean",
	}); err != nil {
		t.Fatalf("InsertInvoiceLine error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit error = %v", err)
	}
	return db
}

func TestExporter_JSON(t *testing.T) {
	db := seedReportData(t)
	exporter := NewExporter(db)

	var buf bytes.Buffer
	if err := exporter.Export(context.Background(), &buf, FormatJSON); err != nil {
		t.Fatalf("Export error = %v", err)
	}

	var report AuditReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if report.Stats.Products != 1 || report.Stats.Invoices != 1 {
		t.Errorf("stats = %d products / %d invoices, want 1/1",
			report.Stats.Products, report.Stats.Invoices)
	}
	if len(report.FlaggedInvoices) != 1 || report.FlaggedInvoices[0].SourceID != "inv-flagged-1" {
		t.Errorf("flagged invoices = %+v, want the flagged one", report.FlaggedInvoices)
	}
	if len(report.PriceComparisons) != 2 {
		t.Fatalf("price comparisons = %d, want 2", len(report.PriceComparisons))
	}
	// Cheapest establishment first within a product.
	if report.PriceComparisons[0].EstablishmentName != "olimpica centro" {
		t.Errorf("first comparison = %q, want the cheaper establishment",
			report.PriceComparisons[0].EstablishmentName)
	}
}

func TestExporter_CSV(t *testing.T) {
	db := seedReportData(t)
	exporter := NewExporter(db)

	var buf bytes.Buffer
	if err := exporter.Export(context.Background(), &buf, FormatCSV); err != nil {
		t.Fatalf("Export error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"leche entera", "olimpica centro", "4200", "flagged_for_review,1"} {
		if !strings.Contains(out, want) {
			t.Errorf("CSV output missing %q", want)
		}
	}
}

func TestExporter_Excel(t *testing.T) {
	db := seedReportData(t)
	exporter := NewExporter(db)

	var buf bytes.Buffer
	if err := exporter.Export(context.Background(), &buf, FormatExcel); err != nil {
		t.Fatalf("Export error = %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("report is not a readable workbook: %v", err)
	}
	defer f.Close()

	for _, sheet := range []string{"Summary", "Flagged Invoices", "Price Comparison"} {
		if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
			t.Errorf("missing sheet %q (idx=%d, err=%v)", sheet, idx, err)
		}
	}

	name, err := f.GetCellValue("Price Comparison", "C2")
	if err != nil {
		t.Fatalf("GetCellValue error = %v", err)
	}
	if name != "leche entera" {
		t.Errorf("first comparison product = %q, want %q", name, "leche entera")
	}
}

func TestExporter_UnknownFormat(t *testing.T) {
	db := seedReportData(t)
	exporter := NewExporter(db)

	var buf bytes.Buffer
	if err := exporter.Export(context.Background(), &buf, ExportFormat("xml")); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
