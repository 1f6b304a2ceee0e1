package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"canonizer/classification"
	"canonizer/corrections"
	"canonizer/database"
	"canonizer/normalization"
	"canonizer/normalization/algorithms"
)

// Method labels how a line reached its canonical product, persisted for
// later audit.
type Method string

const (
	MethodFoundEAN          Method = "found_ean"
	MethodCreatedEAN        Method = "created_ean"
	MethodFoundLocalBinding Method = "found_local_binding"
	MethodFoundByName       Method = "found_by_name"
	MethodCreatedNew        Method = "created_new"
)

// Resolution is the outcome of resolving one consolidated line. Every
// resolution carries a product id; lines are never left unbound.
type Resolution struct {
	ProductID         int64
	Method            Method
	CorrectionApplied bool
	CorrectionID      int64   // set when a correction redirected the line
	Confidence        float64 // fuzzy score where one was computed
}

// Resolver finds or creates the canonical product for a
// (code, name, establishment, price) tuple. Strategies run in a fixed
// order; the first success wins.
type Resolver struct {
	classifier    *classification.Classifier
	normalizer    *normalization.NameNormalizer
	corrections   *corrections.Store
	weights       algorithms.SimilarityWeights
	threshold     float64
	maxCandidates int
}

// NewResolver wires the resolver. threshold is the same shared similarity
// threshold CorrectionStore uses.
func NewResolver(classifier *classification.Classifier, normalizer *normalization.NameNormalizer, store *corrections.Store, weights algorithms.SimilarityWeights, threshold float64, maxCandidates int) *Resolver {
	if maxCandidates <= 0 {
		maxCandidates = 1000
	}
	return &Resolver{
		classifier:    classifier,
		normalizer:    normalizer,
		corrections:   store,
		weights:       weights,
		threshold:     threshold,
		maxCandidates: maxCandidates,
	}
}

// Resolve runs the strategy chain for one consolidated line inside the
// invoice transaction:
//
//  1. correction override, which redirects the identity being resolved;
//  2. EAN exact match, creating the product on first sighting;
//  3. local code binding at this establishment;
//  4. fuzzy name search, binding the local code on success;
//  5. fuzzy name search without binding when no code is present.
//
// Concurrent creation races are absorbed by the database's unique
// constraints: the losing writer ends up on the winner's row.
func (r *Resolver) Resolve(ctx context.Context, tx *database.Tx, rawCode, rawName string, est *database.Establishment) (*Resolution, error) {
	code := rawCode
	name := rawName
	correctionApplied := false
	var correctionID int64

	// Corrections always outrank fuzzy matching. A match substitutes the
	// corrected identity for the remainder of resolution; it does not
	// itself carry a product id. The lookup runs through the invoice
	// transaction: a pool query here would block on the connection this
	// transaction holds.
	match, err := r.corrections.Lookup(ctx, tx, rawName, est.ID)
	if err != nil {
		return nil, fmt.Errorf("correction lookup: %w", err)
	}
	if match != nil && match.Confidence >= r.threshold {
		if match.Correction.CorrectedCode != "" {
			code = match.Correction.CorrectedCode
		}
		name = match.Correction.CorrectedName
		correctionApplied = true
		correctionID = match.Correction.ID
	}

	codeType, cleaned := r.classifier.Classify(code, est.Chain)
	normalized := r.normalizer.Normalize(name)

	var res *Resolution
	switch codeType {
	case classification.TypeEAN:
		res, err = r.resolveEAN(ctx, tx, cleaned, normalized)
	case classification.TypePLU, classification.TypeUnknown:
		res, err = r.resolveLocalCode(ctx, tx, cleaned, string(codeType), normalized, est)
	default:
		res, err = r.resolveByNameOnly(ctx, tx, normalized, est)
	}
	if err != nil {
		return nil, err
	}

	res.CorrectionApplied = correctionApplied
	res.CorrectionID = correctionID
	return res, nil
}

// markCorrectionsApplied bumps the applied counters of corrections used
// during an invoice. Runs after the invoice transaction commits, through
// the pool; the counters are audit signals, so failures are logged and
// swallowed.
func (r *Resolver) markCorrectionsApplied(ctx context.Context, ids []int64) {
	for _, id := range ids {
		if err := r.corrections.MarkApplied(ctx, id); err != nil {
			slog.Warn("failed to mark correction applied",
				"correction_id", id, "error", err)
		}
	}
}

// resolveEAN matches by universal code, creating the product on first
// sighting. The unique constraint on universal_code plus re-read makes
// the search-then-insert sequence race safe.
func (r *Resolver) resolveEAN(ctx context.Context, tx *database.Tx, code, normalizedName string) (*Resolution, error) {
	prod, err := tx.GetProductByEAN(ctx, code)
	if err == nil {
		return &Resolution{ProductID: prod.ID, Method: MethodFoundEAN}, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("EAN lookup: %w", err)
	}

	id, err := tx.UpsertEANProduct(ctx, code, normalizedName)
	if err != nil {
		if database.IsUniqueViolation(err) {
			// Lost the creation race: reuse the winner's row.
			winner, rerr := tx.GetProductByEAN(ctx, code)
			if rerr != nil {
				return nil, fmt.Errorf("EAN race recovery: %w", rerr)
			}
			return &Resolution{ProductID: winner.ID, Method: MethodFoundEAN}, nil
		}
		return nil, fmt.Errorf("EAN create: %w", err)
	}

	return &Resolution{ProductID: id, Method: MethodCreatedEAN}, nil
}

// resolveLocalCode matches a PLU/unknown code through the establishment's
// binding table, falling back to fuzzy name search and binding whatever
// product that lands on.
func (r *Resolver) resolveLocalCode(ctx context.Context, tx *database.Tx, code, codeType, normalizedName string, est *database.Establishment) (*Resolution, error) {
	binding, err := tx.GetBinding(ctx, est.ID, code)
	if err == nil {
		bound, berr := tx.BindLocalCode(ctx, binding.CanonicalProductID, est.ID, code, codeType)
		if berr != nil {
			return nil, fmt.Errorf("binding reuse: %w", berr)
		}
		return &Resolution{ProductID: bound, Method: MethodFoundLocalBinding}, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("binding lookup: %w", err)
	}

	best, score, found, err := r.fuzzySearch(ctx, tx, normalizedName, est.ID)
	if err != nil {
		return nil, err
	}

	var productID int64
	method := MethodFoundByName
	if found {
		productID = best
	} else {
		// Below threshold (or no candidates): create a code-less product.
		// Surfaced as created_new metadata for later audit, never an error.
		productID, err = tx.CreateProduct(ctx, normalizedName)
		if err != nil {
			return nil, fmt.Errorf("product create: %w", err)
		}
		method = MethodCreatedNew
	}

	bound, err := tx.BindLocalCode(ctx, productID, est.ID, code, codeType)
	if err != nil {
		return nil, fmt.Errorf("local code bind: %w", err)
	}
	if bound != productID {
		// A concurrent invoice bound this code first; its product wins.
		return &Resolution{ProductID: bound, Method: MethodFoundLocalBinding, Confidence: score}, nil
	}

	return &Resolution{ProductID: productID, Method: method, Confidence: score}, nil
}

// resolveByNameOnly handles lines without any code: same fuzzy search,
// no binding.
func (r *Resolver) resolveByNameOnly(ctx context.Context, tx *database.Tx, normalizedName string, est *database.Establishment) (*Resolution, error) {
	best, score, found, err := r.fuzzySearch(ctx, tx, normalizedName, est.ID)
	if err != nil {
		return nil, err
	}
	if found {
		return &Resolution{ProductID: best, Method: MethodFoundByName, Confidence: score}, nil
	}

	id, err := tx.CreateProduct(ctx, normalizedName)
	if err != nil {
		return nil, fmt.Errorf("product create: %w", err)
	}
	return &Resolution{ProductID: id, Method: MethodCreatedNew, Confidence: score}, nil
}

// fuzzySearch runs the shared best-of-N reduction over the bounded
// candidate set. found is true only when the best score reaches the
// threshold.
func (r *Resolver) fuzzySearch(ctx context.Context, tx *database.Tx, normalizedName string, establishmentID int64) (productID int64, score float64, found bool, err error) {
	if normalizedName == "" {
		return 0, 0, false, nil
	}

	products, err := tx.FuzzyCandidates(ctx, establishmentID, r.maxCandidates)
	if err != nil {
		return 0, 0, false, fmt.Errorf("fuzzy candidates: %w", err)
	}
	if len(products) == 0 {
		return 0, 0, false, nil
	}

	candidates := make([]algorithms.Candidate, len(products))
	for i, p := range products {
		candidates[i] = algorithms.Candidate{ID: p.ID, Name: p.CanonicalName}
	}

	best, bestScore, ok := algorithms.BestMatch(normalizedName, candidates, r.weights)
	if !ok || bestScore < r.threshold {
		return 0, bestScore, false, nil
	}
	return best.ID, bestScore, true, nil
}
