package database

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertObservation appends a price observation. Observations are
// append-only and deduplicated on (source_invoice_id, line_no) so a
// retried invoice never double-counts; inserted reports whether this call
// actually added a row, and only then may the caller touch the derived
// aggregates.
func (t *Tx) InsertObservation(ctx context.Context, obs PriceObservation) (inserted bool, err error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO price_observations
			(canonical_product_id, establishment_id, price, observed_at, source_invoice_id, line_no)
		VALUES (?, ?, ?, ?, ?, ?)`,
		obs.CanonicalProductID, obs.EstablishmentID, obs.Price, obs.ObservedAt,
		obs.SourceInvoiceID, obs.LineNo)
	if err != nil {
		return false, fmt.Errorf("failed to insert price observation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check observation insert: %w", err)
	}
	return affected > 0, nil
}

// ApplyPriceToProduct folds one price into the product's running mean:
// new_avg = old_avg + (price - old_avg) / new_count. The whole update is
// one SQL statement, so concurrent folds never interleave.
func (t *Tx) ApplyPriceToProduct(ctx context.Context, productID, price int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE canonical_products
		SET report_count = report_count + 1,
		    avg_price = avg_price + (CAST(? AS REAL) - avg_price) / (report_count + 1),
		    updated_at = ?
		WHERE id = ?`, price, nowUTC(), productID)
	if err != nil {
		return fmt.Errorf("failed to apply price to product %d: %w", productID, err)
	}
	return nil
}

// UpsertRollup folds one price into the per-(product, establishment)
// rollup used by best-price queries.
func (t *Tx) UpsertRollup(ctx context.Context, productID, establishmentID, price int64, observedAt string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO price_rollups
			(canonical_product_id, establishment_id, min_price, max_price, avg_price, sample_count, last_seen)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(canonical_product_id, establishment_id) DO UPDATE SET
			min_price = MIN(min_price, excluded.min_price),
			max_price = MAX(max_price, excluded.max_price),
			avg_price = avg_price + (excluded.avg_price - avg_price) / (sample_count + 1),
			sample_count = sample_count + 1,
			last_seen = excluded.last_seen`,
		productID, establishmentID, price, price, float64(price), observedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert price rollup: %w", err)
	}
	return nil
}

// GetRollups returns the per-establishment price rollups for a product,
// cheapest establishment first.
func (p *ProductDB) GetRollups(ctx context.Context, productID int64) ([]PriceRollup, error) {
	rows, err := p.conn.QueryContext(ctx, `
		SELECT canonical_product_id, establishment_id, min_price, max_price, avg_price, sample_count, last_seen
		FROM price_rollups
		WHERE canonical_product_id = ?
		ORDER BY min_price ASC, establishment_id ASC`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price rollups: %w", err)
	}
	defer rows.Close()

	var rollups []PriceRollup
	for rows.Next() {
		var r PriceRollup
		if err := rows.Scan(&r.CanonicalProductID, &r.EstablishmentID, &r.MinPrice,
			&r.MaxPrice, &r.AvgPrice, &r.SampleCount, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan price rollup: %w", err)
		}
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

// BestPrice returns the cheapest known rollup for a product.
func (p *ProductDB) BestPrice(ctx context.Context, productID int64) (*PriceRollup, error) {
	var r PriceRollup
	err := p.conn.QueryRowContext(ctx, `
		SELECT canonical_product_id, establishment_id, min_price, max_price, avg_price, sample_count, last_seen
		FROM price_rollups
		WHERE canonical_product_id = ?
		ORDER BY min_price ASC, establishment_id ASC
		LIMIT 1`, productID).
		Scan(&r.CanonicalProductID, &r.EstablishmentID, &r.MinPrice, &r.MaxPrice,
			&r.AvgPrice, &r.SampleCount, &r.LastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query best price: %w", err)
	}
	return &r, nil
}

// PriceComparisonRow is one rollup joined with its product and
// establishment names, as rendered in the audit report.
type PriceComparisonRow struct {
	ProductID         int64   `json:"product_id"`
	UniversalCode     string  `json:"universal_code,omitempty"`
	CanonicalName     string  `json:"canonical_name"`
	EstablishmentName string  `json:"establishment_name"`
	MinPrice          int64   `json:"min_price"`
	MaxPrice          int64   `json:"max_price"`
	AvgPrice          float64 `json:"avg_price"`
	SampleCount       int64   `json:"sample_count"`
	LastSeen          string  `json:"last_seen"`
}

// ListPriceComparisons returns rollups across all products with names
// resolved, ordered by product then cheapest establishment first.
func (p *ProductDB) ListPriceComparisons(ctx context.Context, limit int) ([]PriceComparisonRow, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := p.conn.QueryContext(ctx, `
		SELECT r.canonical_product_id, COALESCE(cp.universal_code, ''), cp.canonical_name,
		       e.normalized_name, r.min_price, r.max_price, r.avg_price, r.sample_count, r.last_seen
		FROM price_rollups r
		JOIN canonical_products cp ON cp.id = r.canonical_product_id
		JOIN establishments e ON e.id = r.establishment_id
		ORDER BY r.canonical_product_id ASC, r.min_price ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price comparisons: %w", err)
	}
	defer rows.Close()

	var out []PriceComparisonRow
	for rows.Next() {
		var row PriceComparisonRow
		if err := rows.Scan(&row.ProductID, &row.UniversalCode, &row.CanonicalName,
			&row.EstablishmentName, &row.MinPrice, &row.MaxPrice, &row.AvgPrice,
			&row.SampleCount, &row.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan price comparison: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountObservations returns the size of the observation log.
func (p *ProductDB) CountObservations(ctx context.Context) (int64, error) {
	var count int64
	err := p.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_observations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return count, nil
}
