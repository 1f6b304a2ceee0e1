package resolution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"canonizer/database"
)

// RetryableError marks a persistence failure where the whole invoice
// should be retried. Resolution state is transactional, so a retry starts
// clean and replays idempotently.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries invoice-level retry semantics.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Request is one invoice to resolve. SourceID identifies the invoice for
// idempotent replay; when empty a fresh one is generated (and the request
// is then effectively at-most-once).
type Request struct {
	SourceID        string     `json:"source_id,omitempty"`
	EstablishmentID int64      `json:"establishment_id" binding:"required"`
	Lines           []WireLine `json:"lines" binding:"required"`
	DeclaredTotal   int64      `json:"declared_total"`
}

// ResolvedLine is one consolidated line bound to its canonical product.
type ResolvedLine struct {
	CanonicalProductID int64   `json:"canonical_product_id"`
	Code               string  `json:"code,omitempty"`
	Name               string  `json:"name"`
	Quantity           float64 `json:"quantity"`
	UnitPrice          int64   `json:"unit_price"`
	ResolutionMethod   string  `json:"resolution_method"`
	CorrectionApplied  bool    `json:"correction_applied,omitempty"`
}

// Result is the outcome of resolving one invoice.
type Result struct {
	InvoiceID         int64                `json:"invoice_id"`
	SourceID          string               `json:"source_id"`
	Replayed          bool                 `json:"replayed,omitempty"`
	ConsolidatedLines []ResolvedLine       `json:"consolidated_lines"`
	Metrics           ConsolidationMetrics `json:"metrics"`
	NeedsReview       bool                 `json:"needs_review"`
}

// Pipeline orchestrates one resolution pass per invoice: consolidate,
// resolve each line, update the price ledger, persist, all inside one
// transaction, so partial resolution is never a persisted state.
type Pipeline struct {
	db           *database.ProductDB
	consolidator *Consolidator
	resolver     *Resolver
	ledger       *PriceLedger

	// mismatchTolerancePct flags invoices whose consolidated sum diverges
	// from the declared total beyond this percentage. Reporting only.
	mismatchTolerancePct float64
}

// NewPipeline wires the invoice pipeline.
func NewPipeline(db *database.ProductDB, consolidator *Consolidator, resolver *Resolver, ledger *PriceLedger, mismatchTolerancePct float64) *Pipeline {
	return &Pipeline{
		db:                   db,
		consolidator:         consolidator,
		resolver:             resolver,
		ledger:               ledger,
		mismatchTolerancePct: mismatchTolerancePct,
	}
}

// ResolveInvoice resolves one invoice end to end. Every raw line maps to
// exactly one consolidated line, and every consolidated line ends bound to
// a canonical product id, new or existing. Persistence failures roll the
// whole invoice back and surface as retryable; a successful retry replays
// the stored result instead of resolving again.
func (p *Pipeline) ResolveInvoice(ctx context.Context, req Request) (*Result, error) {
	est, err := p.db.GetEstablishment(ctx, req.EstablishmentID)
	if err != nil {
		return nil, fmt.Errorf("establishment %d: %w", req.EstablishmentID, err)
	}

	sourceID := req.SourceID
	if sourceID == "" {
		sourceID = uuid.New().String()
	}

	items := make([]LineItem, len(req.Lines))
	for i, wire := range req.Lines {
		items[i] = wire.ToLineItem()
	}

	consolidated, metrics := p.consolidator.Consolidate(items, req.DeclaredTotal)

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, &RetryableError{Err: err}
	}
	defer tx.Rollback()

	// Idempotent replay: a retried invoice that already committed returns
	// its stored result without resolving anything again.
	if existing, err := tx.GetInvoiceBySourceID(ctx, sourceID); err == nil {
		return p.replay(ctx, tx, existing)
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, &RetryableError{Err: err}
	}

	observedAt := time.Now().UTC().Format(time.RFC3339)
	needsReview := metrics.PriceDiffPct > p.mismatchTolerancePct

	resolved := make([]ResolvedLine, 0, len(consolidated))
	var appliedCorrections []int64
	for i, line := range consolidated {
		res, err := p.resolver.Resolve(ctx, tx, line.RawCode, line.RawName, est)
		if err != nil {
			return nil, &RetryableError{Err: fmt.Errorf("line %d: %w", i+1, err)}
		}

		if res.CorrectionApplied {
			appliedCorrections = append(appliedCorrections, res.CorrectionID)
		}

		if err := p.ledger.Record(ctx, tx, res.ProductID, est.ID, line.UnitPrice, observedAt, sourceID, i+1); err != nil {
			return nil, &RetryableError{Err: fmt.Errorf("line %d: %w", i+1, err)}
		}

		if res.Method == MethodCreatedNew {
			// Low-confidence resolutions flag the invoice for manual
			// review; they are never dropped.
			needsReview = true
		}

		resolved = append(resolved, ResolvedLine{
			CanonicalProductID: res.ProductID,
			Code:               line.RawCode,
			Name:               line.RawName,
			Quantity:           line.Quantity,
			UnitPrice:          line.UnitPrice,
			ResolutionMethod:   string(res.Method),
			CorrectionApplied:  res.CorrectionApplied,
		})
	}

	invoiceID, err := tx.InsertInvoice(ctx, database.Invoice{
		SourceID:              sourceID,
		EstablishmentID:       est.ID,
		DeclaredTotal:         req.DeclaredTotal,
		RawLineCount:          metrics.RawLineCount,
		ConsolidatedLineCount: metrics.ConsolidatedLineCount,
		DuplicatesMerged:      metrics.DuplicatesMerged,
		PriceDiffPct:          metrics.PriceDiffPct,
		NeedsReview:           needsReview,
	})
	if err != nil {
		return nil, &RetryableError{Err: err}
	}

	for i, line := range consolidated {
		_, err := tx.InsertInvoiceLine(ctx, database.InvoiceLine{
			InvoiceID:          invoiceID,
			LineNo:             i + 1,
			RawCode:            line.RawCode,
			RawName:            line.RawName,
			Quantity:           line.Quantity,
			UnitPrice:          line.UnitPrice,
			CanonicalProductID: resolved[i].CanonicalProductID,
			ResolutionMethod:   resolved[i].ResolutionMethod,
			CorrectionApplied:  resolved[i].CorrectionApplied,
			ConsolidationGroup: line.GroupKey,
		})
		if err != nil {
			return nil, &RetryableError{Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &RetryableError{Err: err}
	}

	// Applied counters go through the pool, so they can only run once the
	// transaction has released its connection. A replayed invoice never
	// reaches this point and never double-counts.
	p.resolver.markCorrectionsApplied(ctx, appliedCorrections)

	return &Result{
		InvoiceID:         invoiceID,
		SourceID:          sourceID,
		ConsolidatedLines: resolved,
		Metrics:           metrics,
		NeedsReview:       needsReview,
	}, nil
}

// replay reconstructs the result of an already-committed invoice.
func (p *Pipeline) replay(ctx context.Context, tx *database.Tx, inv *database.Invoice) (*Result, error) {
	lines, err := tx.GetInvoiceLines(ctx, inv.ID)
	if err != nil {
		return nil, &RetryableError{Err: err}
	}

	resolved := make([]ResolvedLine, len(lines))
	for i, l := range lines {
		resolved[i] = ResolvedLine{
			CanonicalProductID: l.CanonicalProductID,
			Code:               l.RawCode,
			Name:               l.RawName,
			Quantity:           l.Quantity,
			UnitPrice:          l.UnitPrice,
			ResolutionMethod:   l.ResolutionMethod,
			CorrectionApplied:  l.CorrectionApplied,
		}
	}

	return &Result{
		InvoiceID:         inv.ID,
		SourceID:          inv.SourceID,
		Replayed:          true,
		ConsolidatedLines: resolved,
		Metrics: ConsolidationMetrics{
			RawLineCount:          inv.RawLineCount,
			ConsolidatedLineCount: inv.ConsolidatedLineCount,
			DuplicatesMerged:      inv.DuplicatesMerged,
			DeclaredTotal:         inv.DeclaredTotal,
			PriceDiffPct:          inv.PriceDiffPct,
		},
		NeedsReview: inv.NeedsReview,
	}, nil
}
