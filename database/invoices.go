package database

import (
	"context"
	"database/sql"
	"fmt"
)

// GetInvoiceBySourceID returns the persisted invoice for an external
// source id, or ErrNotFound. Used both for idempotent replay inside the
// resolution transaction and for API reads.
func (p *ProductDB) GetInvoiceBySourceID(ctx context.Context, sourceID string) (*Invoice, error) {
	return getInvoiceBySourceID(ctx, p.conn, sourceID)
}

// GetInvoiceBySourceID is the transactional variant.
func (t *Tx) GetInvoiceBySourceID(ctx context.Context, sourceID string) (*Invoice, error) {
	return getInvoiceBySourceID(ctx, t.tx, sourceID)
}

func getInvoiceBySourceID(ctx context.Context, q querier, sourceID string) (*Invoice, error) {
	var inv Invoice
	err := q.QueryRowContext(ctx, `
		SELECT id, source_id, establishment_id, declared_total, raw_line_count,
		       consolidated_line_count, duplicates_merged, price_diff_pct, needs_review, created_at
		FROM invoices
		WHERE source_id = ?`, sourceID).
		Scan(&inv.ID, &inv.SourceID, &inv.EstablishmentID, &inv.DeclaredTotal,
			&inv.RawLineCount, &inv.ConsolidatedLineCount, &inv.DuplicatesMerged,
			&inv.PriceDiffPct, &inv.NeedsReview, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %q: %w", sourceID, err)
	}
	return &inv, nil
}

// InsertInvoice persists a resolved invoice header.
func (t *Tx) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices
			(source_id, establishment_id, declared_total, raw_line_count,
			 consolidated_line_count, duplicates_merged, price_diff_pct, needs_review, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.SourceID, inv.EstablishmentID, inv.DeclaredTotal, inv.RawLineCount,
		inv.ConsolidatedLineCount, inv.DuplicatesMerged, inv.PriceDiffPct,
		inv.NeedsReview, nowUTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert invoice %q: %w", inv.SourceID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new invoice id: %w", err)
	}
	return id, nil
}

// InsertInvoiceLine persists one consolidated, resolved line.
func (t *Tx) InsertInvoiceLine(ctx context.Context, line InvoiceLine) (int64, error) {
	var productID interface{}
	if line.CanonicalProductID > 0 {
		productID = line.CanonicalProductID
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoice_lines
			(invoice_id, line_no, raw_code, raw_name, quantity, unit_price,
			 canonical_product_id, resolution_method, correction_applied, consolidation_group)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		line.InvoiceID, line.LineNo, line.RawCode, line.RawName, line.Quantity,
		line.UnitPrice, productID, line.ResolutionMethod, line.CorrectionApplied,
		line.ConsolidationGroup)
	if err != nil {
		return 0, fmt.Errorf("failed to insert invoice line %d: %w", line.LineNo, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new invoice line id: %w", err)
	}
	return id, nil
}

// GetInvoiceLines returns the persisted lines of an invoice in order.
func (p *ProductDB) GetInvoiceLines(ctx context.Context, invoiceID int64) ([]InvoiceLine, error) {
	return getInvoiceLines(ctx, p.conn, invoiceID)
}

// GetInvoiceLines is the transactional variant used for idempotent replay.
func (t *Tx) GetInvoiceLines(ctx context.Context, invoiceID int64) ([]InvoiceLine, error) {
	return getInvoiceLines(ctx, t.tx, invoiceID)
}

func getInvoiceLines(ctx context.Context, q querier, invoiceID int64) ([]InvoiceLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, line_no, raw_code, raw_name, quantity, unit_price,
		       COALESCE(canonical_product_id, 0), resolution_method, correction_applied,
		       consolidation_group
		FROM invoice_lines
		WHERE invoice_id = ?
		ORDER BY line_no`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice lines: %w", err)
	}
	defer rows.Close()

	var lines []InvoiceLine
	for rows.Next() {
		var l InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.LineNo, &l.RawCode, &l.RawName,
			&l.Quantity, &l.UnitPrice, &l.CanonicalProductID, &l.ResolutionMethod,
			&l.CorrectionApplied, &l.ConsolidationGroup); err != nil {
			return nil, fmt.Errorf("failed to scan invoice line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ResolutionStats summarizes the resolution history for the stats endpoint
// and the audit report.
type ResolutionStats struct {
	Products       int64            `json:"products"`
	Invoices       int64            `json:"invoices"`
	Observations   int64            `json:"observations"`
	FlaggedReview  int64            `json:"flagged_for_review"`
	MethodCounts   map[string]int64 `json:"method_counts"`
	Corrections    int64            `json:"corrections"`
	LocalBindings  int64            `json:"local_bindings"`
	Establishments int64            `json:"establishments"`
}

// GetResolutionStats aggregates counts across the resolution tables.
func (p *ProductDB) GetResolutionStats(ctx context.Context) (*ResolutionStats, error) {
	stats := &ResolutionStats{MethodCounts: make(map[string]int64)}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM canonical_products`, &stats.Products},
		{`SELECT COUNT(*) FROM invoices`, &stats.Invoices},
		{`SELECT COUNT(*) FROM price_observations`, &stats.Observations},
		{`SELECT COUNT(*) FROM invoices WHERE needs_review = 1`, &stats.FlaggedReview},
		{`SELECT COUNT(*) FROM corrections`, &stats.Corrections},
		{`SELECT COUNT(*) FROM local_code_bindings`, &stats.LocalBindings},
		{`SELECT COUNT(*) FROM establishments`, &stats.Establishments},
	}
	for _, c := range counts {
		if err := p.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to collect resolution stats: %w", err)
		}
	}

	rows, err := p.conn.QueryContext(ctx, `
		SELECT resolution_method, COUNT(*)
		FROM invoice_lines
		WHERE resolution_method != ''
		GROUP BY resolution_method`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect method counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var method string
		var count int64
		if err := rows.Scan(&method, &count); err != nil {
			return nil, fmt.Errorf("failed to scan method count: %w", err)
		}
		stats.MethodCounts[method] = count
	}
	return stats, rows.Err()
}

// ListFlaggedInvoices returns invoices flagged for manual review, newest
// first, for the audit report.
func (p *ProductDB) ListFlaggedInvoices(ctx context.Context, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.conn.QueryContext(ctx, `
		SELECT id, source_id, establishment_id, declared_total, raw_line_count,
		       consolidated_line_count, duplicates_merged, price_diff_pct, needs_review, created_at
		FROM invoices
		WHERE needs_review = 1
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query flagged invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.SourceID, &inv.EstablishmentID, &inv.DeclaredTotal,
			&inv.RawLineCount, &inv.ConsolidatedLineCount, &inv.DuplicatesMerged,
			&inv.PriceDiffPct, &inv.NeedsReview, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flagged invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}
