package database

import (
	"context"
	"database/sql"
	"fmt"
)

// GetProductByEAN looks a canonical product up by universal code.
func (p *ProductDB) GetProductByEAN(ctx context.Context, code string) (*CanonicalProduct, error) {
	return getProductByEAN(ctx, p.conn, code)
}

// GetProductByEAN is the transactional variant used during resolution.
func (t *Tx) GetProductByEAN(ctx context.Context, code string) (*CanonicalProduct, error) {
	return getProductByEAN(ctx, t.tx, code)
}

func getProductByEAN(ctx context.Context, q querier, code string) (*CanonicalProduct, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, COALESCE(universal_code, ''), canonical_name, brand, category,
		       report_count, avg_price, created_at, updated_at
		FROM canonical_products
		WHERE universal_code = ?`, code)
	return scanProduct(row)
}

// GetProduct fetches a canonical product by id.
func (p *ProductDB) GetProduct(ctx context.Context, id int64) (*CanonicalProduct, error) {
	return getProduct(ctx, p.conn, id)
}

func getProduct(ctx context.Context, q querier, id int64) (*CanonicalProduct, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, COALESCE(universal_code, ''), canonical_name, brand, category,
		       report_count, avg_price, created_at, updated_at
		FROM canonical_products
		WHERE id = ?`, id)
	return scanProduct(row)
}

func scanProduct(row *sql.Row) (*CanonicalProduct, error) {
	var prod CanonicalProduct
	err := row.Scan(&prod.ID, &prod.UniversalCode, &prod.CanonicalName, &prod.Brand,
		&prod.Category, &prod.ReportCount, &prod.AvgPrice, &prod.CreatedAt, &prod.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan canonical product: %w", err)
	}
	return &prod, nil
}

// UpsertEANProduct creates a canonical product for a universal code, or
// returns the existing product's id when the code is already taken. The
// ON CONFLICT clause makes the search-then-insert race safe: a concurrent
// loser lands on the winner's row instead of erroring.
func (t *Tx) UpsertEANProduct(ctx context.Context, code, name string) (int64, error) {
	now := nowUTC()
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO canonical_products (universal_code, canonical_name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(universal_code) DO UPDATE SET updated_at = excluded.updated_at
		RETURNING id`, code, name, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert EAN product %s: %w", code, err)
	}
	return id, nil
}

// CreateProduct creates a canonical product without a universal code.
func (t *Tx) CreateProduct(ctx context.Context, name string) (int64, error) {
	now := nowUTC()
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO canonical_products (universal_code, canonical_name, created_at, updated_at)
		VALUES (NULL, ?, ?, ?)`, name, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create canonical product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new product id: %w", err)
	}
	return id, nil
}

// FuzzyCandidates returns the bounded candidate set for fuzzy name
// matching: products without a universal code, plus products previously
// seen at this establishment (via a code binding or a price observation).
// Restricting the rest keeps unrelated chains from cross-matching.
// Ordered by id so the best-of-N reduction is reproducible.
func (t *Tx) FuzzyCandidates(ctx context.Context, establishmentID int64, limit int) ([]CanonicalProduct, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, COALESCE(universal_code, ''), canonical_name
		FROM canonical_products
		WHERE universal_code IS NULL
		   OR id IN (SELECT canonical_product_id FROM local_code_bindings WHERE establishment_id = ?)
		   OR id IN (SELECT canonical_product_id FROM price_observations WHERE establishment_id = ?)
		ORDER BY id
		LIMIT ?`, establishmentID, establishmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fuzzy candidates: %w", err)
	}
	defer rows.Close()

	var candidates []CanonicalProduct
	for rows.Next() {
		var prod CanonicalProduct
		if err := rows.Scan(&prod.ID, &prod.UniversalCode, &prod.CanonicalName); err != nil {
			return nil, fmt.Errorf("failed to scan fuzzy candidate: %w", err)
		}
		candidates = append(candidates, prod)
	}
	return candidates, rows.Err()
}

// CountProducts returns the number of canonical products.
func (p *ProductDB) CountProducts(ctx context.Context) (int64, error) {
	var count int64
	err := p.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM canonical_products`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return count, nil
}
