package database

import (
	"context"
	"database/sql"
	"fmt"
)

// GetBinding looks up the local code binding for (establishment, code).
func (t *Tx) GetBinding(ctx context.Context, establishmentID int64, localCode string) (*LocalCodeBinding, error) {
	return getBinding(ctx, t.tx, establishmentID, localCode)
}

func getBinding(ctx context.Context, q querier, establishmentID int64, localCode string) (*LocalCodeBinding, error) {
	var b LocalCodeBinding
	err := q.QueryRowContext(ctx, `
		SELECT id, canonical_product_id, establishment_id, local_code, code_type, times_seen
		FROM local_code_bindings
		WHERE establishment_id = ? AND local_code = ?`, establishmentID, localCode).
		Scan(&b.ID, &b.CanonicalProductID, &b.EstablishmentID, &b.LocalCode, &b.CodeType, &b.TimesSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get local code binding: %w", err)
	}
	return &b, nil
}

// BindLocalCode binds a local code to a product at an establishment. If
// the (establishment, code) pair is already bound, including by a
// concurrent winner, the existing binding is kept, its times_seen counter
// incremented, and its product id returned. The caller must use the
// returned id, not the one it tried to bind.
func (t *Tx) BindLocalCode(ctx context.Context, productID, establishmentID int64, localCode, codeType string) (int64, error) {
	var boundProductID int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO local_code_bindings (canonical_product_id, establishment_id, local_code, code_type, times_seen)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(establishment_id, local_code) DO UPDATE SET times_seen = times_seen + 1
		RETURNING canonical_product_id`,
		productID, establishmentID, localCode, codeType).Scan(&boundProductID)
	if err != nil {
		return 0, fmt.Errorf("failed to bind local code %s: %w", localCode, err)
	}
	return boundProductID, nil
}
