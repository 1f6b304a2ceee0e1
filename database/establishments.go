package database

import (
	"context"
	"database/sql"
	"fmt"
)

// GetEstablishment fetches an establishment by its opaque id.
func (p *ProductDB) GetEstablishment(ctx context.Context, id int64) (*Establishment, error) {
	return getEstablishment(ctx, p.conn, id)
}

func getEstablishment(ctx context.Context, q querier, id int64) (*Establishment, error) {
	var e Establishment
	err := q.QueryRowContext(ctx, `
		SELECT id, normalized_name, chain FROM establishments WHERE id = ?`, id).
		Scan(&e.ID, &e.NormalizedName, &e.Chain)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get establishment %d: %w", id, err)
	}
	return &e, nil
}

// UpsertEstablishment registers an establishment row for an external
// registry key. Establishment identity is owned by the registry; this
// table only mirrors the key with the chain name the classifier needs.
func (p *ProductDB) UpsertEstablishment(ctx context.Context, normalizedName, chain string) (int64, error) {
	var id int64
	err := p.conn.QueryRowContext(ctx, `
		INSERT INTO establishments (normalized_name, chain)
		VALUES (?, ?)
		ON CONFLICT(normalized_name) DO UPDATE SET chain = excluded.chain
		RETURNING id`, normalizedName, chain).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert establishment %q: %w", normalizedName, err)
	}
	return id, nil
}
