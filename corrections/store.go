// Package corrections reads the manually curated identity overrides that
// always outrank automatic resolution. Corrections are written by an
// external curation workflow; this core only looks them up and counts
// applications.
package corrections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"canonizer/database"
	"canonizer/normalization"
	"canonizer/normalization/algorithms"
)

// Reader is the query surface Lookup needs. Both *database.ProductDB and
// *database.Tx satisfy it, so lookups can run inside an open invoice
// transaction without touching the connection pool that transaction
// holds.
type Reader interface {
	FindCorrectionExact(ctx context.Context, normalizedName string, establishmentID int64) (*database.Correction, error)
	FindCorrectionAnyEstablishment(ctx context.Context, normalizedName string) (*database.Correction, error)
	CorrectionCandidates(ctx context.Context, limit int) ([]database.Correction, error)
}

// Match is a correction lookup result with the confidence it was found at.
// Exact matches carry confidence 1.0; fuzzy matches carry the similarity
// score of the shared hybrid algorithm.
type Match struct {
	Correction database.Correction
	Confidence float64
}

// Store consults persisted corrections before automatic resolution runs.
// Fuzzy lookups go through a bounded, briefly cached candidate set;
// corrections change rarely, so a few seconds of staleness is acceptable.
type Store struct {
	db         *database.ProductDB
	normalizer *normalization.NameNormalizer
	weights    algorithms.SimilarityWeights
	threshold  float64
	maxCands   int

	cacheTTL    time.Duration
	cacheMu     sync.RWMutex
	cached      []database.Correction
	cacheLoaded time.Time
}

// NewStore creates a correction store. threshold is the shared fuzzy
// similarity threshold; maxCandidates bounds the fuzzy candidate set.
func NewStore(db *database.ProductDB, normalizer *normalization.NameNormalizer, weights algorithms.SimilarityWeights, threshold float64, maxCandidates int) *Store {
	if maxCandidates <= 0 {
		maxCandidates = 500
	}
	return &Store{
		db:         db,
		normalizer: normalizer,
		weights:    weights,
		threshold:  threshold,
		maxCands:   maxCandidates,
		cacheTTL:   5 * time.Second,
	}
}

// Lookup finds the correction for a raw product name, in priority order:
// exact normalized-name + establishment, exact normalized-name anywhere,
// then fuzzy over the bounded candidate set. Returns nil when nothing
// reaches the threshold. All queries run through r, so a caller holding
// an open transaction passes it here rather than blocking on the pool.
func (s *Store) Lookup(ctx context.Context, r Reader, rawName string, establishmentID int64) (*Match, error) {
	normalized := s.normalizer.Normalize(rawName)
	if normalized == "" {
		return nil, nil
	}

	// (a) exact name at this establishment, ranked by times_applied.
	corr, err := r.FindCorrectionExact(ctx, normalized, establishmentID)
	if err == nil {
		return &Match{Correction: *corr, Confidence: 1.0}, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("correction exact lookup: %w", err)
	}

	// (b) exact name ignoring establishment.
	corr, err = r.FindCorrectionAnyEstablishment(ctx, normalized)
	if err == nil {
		return &Match{Correction: *corr, Confidence: 1.0}, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("correction global lookup: %w", err)
	}

	// (c) fuzzy over the bounded candidate set.
	candidates, err := s.candidates(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	fuzzyCands := make([]algorithms.Candidate, len(candidates))
	for i, c := range candidates {
		fuzzyCands[i] = algorithms.Candidate{ID: c.ID, Name: c.NormalizedName}
	}

	best, score, ok := algorithms.BestMatch(normalized, fuzzyCands, s.weights)
	if !ok || score < s.threshold {
		return nil, nil
	}

	for _, c := range candidates {
		if c.ID == best.ID {
			return &Match{Correction: c, Confidence: score}, nil
		}
	}
	return nil, nil
}

// Record upserts a correction; re-recording an existing
// (normalized_name, establishment) pair increments its applied counter.
// Names are normalized before storage so lookups stay consistent.
func (s *Store) Record(ctx context.Context, rawName string, establishmentID int64, correctedCode, correctedName string) (int64, error) {
	normalized := s.normalizer.Normalize(rawName)
	if normalized == "" {
		return 0, fmt.Errorf("correction name normalizes to empty")
	}

	id, err := s.db.UpsertCorrection(ctx, normalized, establishmentID, correctedCode, correctedName)
	if err != nil {
		return 0, err
	}
	s.invalidate()
	return id, nil
}

// MarkApplied atomically increments a correction's applied counter, used
// for auditing and as the ranking tie-break. It writes through the pool,
// so it must not be called while the caller holds an open transaction;
// the pipeline defers it until after commit.
func (s *Store) MarkApplied(ctx context.Context, id int64) error {
	return s.db.MarkCorrectionApplied(ctx, id)
}

// candidates returns the cached fuzzy candidate set, reloading it through
// r after the TTL expires.
func (s *Store) candidates(ctx context.Context, r Reader) ([]database.Correction, error) {
	s.cacheMu.RLock()
	if time.Since(s.cacheLoaded) < s.cacheTTL {
		cached := s.cached
		s.cacheMu.RUnlock()
		return cached, nil
	}
	s.cacheMu.RUnlock()

	loaded, err := r.CorrectionCandidates(ctx, s.maxCands)
	if err != nil {
		return nil, fmt.Errorf("correction candidates: %w", err)
	}

	s.cacheMu.Lock()
	s.cached = loaded
	s.cacheLoaded = time.Now()
	s.cacheMu.Unlock()

	return loaded, nil
}

// invalidate drops the candidate cache after a write.
func (s *Store) invalidate() {
	s.cacheMu.Lock()
	s.cacheLoaded = time.Time{}
	s.cacheMu.Unlock()
}
