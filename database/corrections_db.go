package database

import (
	"context"
	"database/sql"
	"fmt"
)

// GlobalCorrection is the establishment_id value of corrections that apply
// at any establishment, kept as 0 so the unique index on
// (normalized_name, establishment_id) stays well defined.
const GlobalCorrection int64 = 0

// FindCorrectionExact returns the highest-ranked correction for a
// normalized name at one establishment.
func (p *ProductDB) FindCorrectionExact(ctx context.Context, normalizedName string, establishmentID int64) (*Correction, error) {
	return findCorrectionExact(ctx, p.conn, normalizedName, establishmentID)
}

// FindCorrectionExact is the transactional variant used during resolution.
func (t *Tx) FindCorrectionExact(ctx context.Context, normalizedName string, establishmentID int64) (*Correction, error) {
	return findCorrectionExact(ctx, t.tx, normalizedName, establishmentID)
}

func findCorrectionExact(ctx context.Context, q querier, normalizedName string, establishmentID int64) (*Correction, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, normalized_name, establishment_id, corrected_code, corrected_name, times_applied
		FROM corrections
		WHERE normalized_name = ? AND establishment_id = ?
		ORDER BY times_applied DESC, id ASC
		LIMIT 1`, normalizedName, establishmentID)
	return scanCorrection(row)
}

// FindCorrectionAnyEstablishment returns the highest-ranked correction for
// a normalized name regardless of establishment.
func (p *ProductDB) FindCorrectionAnyEstablishment(ctx context.Context, normalizedName string) (*Correction, error) {
	return findCorrectionAnyEstablishment(ctx, p.conn, normalizedName)
}

// FindCorrectionAnyEstablishment is the transactional variant.
func (t *Tx) FindCorrectionAnyEstablishment(ctx context.Context, normalizedName string) (*Correction, error) {
	return findCorrectionAnyEstablishment(ctx, t.tx, normalizedName)
}

func findCorrectionAnyEstablishment(ctx context.Context, q querier, normalizedName string) (*Correction, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, normalized_name, establishment_id, corrected_code, corrected_name, times_applied
		FROM corrections
		WHERE normalized_name = ?
		ORDER BY times_applied DESC, id ASC
		LIMIT 1`, normalizedName)
	return scanCorrection(row)
}

func scanCorrection(row *sql.Row) (*Correction, error) {
	var c Correction
	err := row.Scan(&c.ID, &c.NormalizedName, &c.EstablishmentID, &c.CorrectedCode,
		&c.CorrectedName, &c.TimesApplied)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan correction: %w", err)
	}
	return &c, nil
}

// CorrectionCandidates returns a bounded candidate set for fuzzy
// correction matching, most-applied first so the cap keeps the corrections
// that earn their keep.
func (p *ProductDB) CorrectionCandidates(ctx context.Context, limit int) ([]Correction, error) {
	return correctionCandidates(ctx, p.conn, limit)
}

// CorrectionCandidates is the transactional variant.
func (t *Tx) CorrectionCandidates(ctx context.Context, limit int) ([]Correction, error) {
	return correctionCandidates(ctx, t.tx, limit)
}

func correctionCandidates(ctx context.Context, q querier, limit int) ([]Correction, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, normalized_name, establishment_id, corrected_code, corrected_name, times_applied
		FROM corrections
		ORDER BY times_applied DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query correction candidates: %w", err)
	}
	defer rows.Close()

	var candidates []Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.NormalizedName, &c.EstablishmentID, &c.CorrectedCode,
			&c.CorrectedName, &c.TimesApplied); err != nil {
			return nil, fmt.Errorf("failed to scan correction candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// UpsertCorrection records a manual correction. Re-recording an existing
// (normalized_name, establishment) pair refreshes the corrected identity
// and counts as one more application.
func (p *ProductDB) UpsertCorrection(ctx context.Context, normalizedName string, establishmentID int64, correctedCode, correctedName string) (int64, error) {
	var id int64
	err := p.conn.QueryRowContext(ctx, `
		INSERT INTO corrections (normalized_name, establishment_id, corrected_code, corrected_name, times_applied)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(normalized_name, establishment_id) DO UPDATE SET
			corrected_code = excluded.corrected_code,
			corrected_name = excluded.corrected_name,
			times_applied = times_applied + 1
		RETURNING id`,
		normalizedName, establishmentID, correctedCode, correctedName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert correction for %q: %w", normalizedName, err)
	}
	return id, nil
}

// MarkCorrectionApplied atomically increments a correction's applied
// counter. The increment runs in SQL so concurrent applications of the
// same correction never lose updates.
func (p *ProductDB) MarkCorrectionApplied(ctx context.Context, id int64) error {
	res, err := p.conn.ExecContext(ctx,
		`UPDATE corrections SET times_applied = times_applied + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark correction %d applied: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check correction update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
