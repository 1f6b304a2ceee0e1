package resolution

import (
	"context"
	"fmt"

	"canonizer/database"
)

// PriceLedger maintains the append-only price observation log and the
// aggregates derived from it. Observations are the source of truth; the
// running mean on the product and the per-establishment rollup are always
// derivable from them.
type PriceLedger struct{}

// NewPriceLedger creates the ledger.
func NewPriceLedger() *PriceLedger {
	return &PriceLedger{}
}

// Record appends one price observation and folds it into the derived
// aggregates. Zero prices are skipped. The observation log deduplicates on
// (invoice, line), so replaying a retried invoice touches neither the log
// nor the aggregates a second time.
func (l *PriceLedger) Record(ctx context.Context, tx *database.Tx, productID, establishmentID, price int64, observedAt, sourceInvoiceID string, lineNo int) error {
	if price <= 0 {
		return nil
	}

	inserted, err := tx.InsertObservation(ctx, database.PriceObservation{
		CanonicalProductID: productID,
		EstablishmentID:    establishmentID,
		Price:              price,
		ObservedAt:         observedAt,
		SourceInvoiceID:    sourceInvoiceID,
		LineNo:             lineNo,
	})
	if err != nil {
		return fmt.Errorf("ledger observation: %w", err)
	}
	if !inserted {
		return nil
	}

	if err := tx.ApplyPriceToProduct(ctx, productID, price); err != nil {
		return fmt.Errorf("ledger running mean: %w", err)
	}
	if err := tx.UpsertRollup(ctx, productID, establishmentID, price, observedAt); err != nil {
		return fmt.Errorf("ledger rollup: %w", err)
	}
	return nil
}
