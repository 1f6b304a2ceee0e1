package database

// CanonicalProduct is the deduplicated product entity that every code and
// name variant across establishments ultimately resolves to. A non-empty
// UniversalCode is globally unique.
type CanonicalProduct struct {
	ID            int64   `json:"id"`
	UniversalCode string  `json:"universal_code,omitempty"`
	CanonicalName string  `json:"canonical_name"`
	Brand         string  `json:"brand,omitempty"`
	Category      string  `json:"category,omitempty"`
	ReportCount   int64   `json:"report_count"`
	AvgPrice      float64 `json:"avg_price"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// Establishment is the store a receipt came from. Its identity is owned by
// an external registry; this core only stores the opaque key plus the
// chain name the code classifier needs.
type Establishment struct {
	ID             int64  `json:"id"`
	NormalizedName string `json:"normalized_name"`
	Chain          string `json:"chain,omitempty"`
}

// LocalCodeBinding records that a local code at one establishment
// currently identifies a canonical product. Unique per
// (establishment_id, local_code); the same code at another establishment
// may bind to a different product.
type LocalCodeBinding struct {
	ID                 int64  `json:"id"`
	CanonicalProductID int64  `json:"canonical_product_id"`
	EstablishmentID    int64  `json:"establishment_id"`
	LocalCode          string `json:"local_code"`
	CodeType           string `json:"code_type"`
	TimesSeen          int64  `json:"times_seen"`
}

// Correction is a manually curated identity override. EstablishmentID 0
// means the correction applies at any establishment. Corrections always
// outrank fuzzy matching.
type Correction struct {
	ID              int64  `json:"id"`
	NormalizedName  string `json:"normalized_name"`
	EstablishmentID int64  `json:"establishment_id,omitempty"`
	CorrectedCode   string `json:"corrected_code,omitempty"`
	CorrectedName   string `json:"corrected_name"`
	TimesApplied    int64  `json:"times_applied"`
}

// PriceObservation is one append-only price sighting. Aggregates on
// CanonicalProduct are derived from these rows, never the other way
// around. The (SourceInvoiceID, LineNo) pair deduplicates retried
// invoices.
type PriceObservation struct {
	ID                 int64  `json:"id"`
	CanonicalProductID int64  `json:"canonical_product_id"`
	EstablishmentID    int64  `json:"establishment_id"`
	Price              int64  `json:"price"`
	ObservedAt         string `json:"observed_at"`
	SourceInvoiceID    string `json:"source_invoice_id"`
	LineNo             int    `json:"line_no"`
}

// PriceRollup is the per-(product, establishment) aggregate serving
// best-price queries. Always derivable from price_observations.
type PriceRollup struct {
	CanonicalProductID int64   `json:"canonical_product_id"`
	EstablishmentID    int64   `json:"establishment_id"`
	MinPrice           int64   `json:"min_price"`
	MaxPrice           int64   `json:"max_price"`
	AvgPrice           float64 `json:"avg_price"`
	SampleCount        int64   `json:"sample_count"`
	LastSeen           string  `json:"last_seen"`
}

// Invoice is the persisted header of one resolved invoice.
type Invoice struct {
	ID                    int64   `json:"id"`
	SourceID              string  `json:"source_id"`
	EstablishmentID       int64   `json:"establishment_id"`
	DeclaredTotal         int64   `json:"declared_total"`
	RawLineCount          int     `json:"raw_line_count"`
	ConsolidatedLineCount int     `json:"consolidated_line_count"`
	DuplicatesMerged      int     `json:"duplicates_merged"`
	PriceDiffPct          float64 `json:"price_diff_pct"`
	NeedsReview           bool    `json:"needs_review"`
	CreatedAt             string  `json:"created_at"`
}

// InvoiceLine is one consolidated, resolved line of an invoice.
// CanonicalProductID is nullable in the schema but always set once the
// invoice transaction commits.
type InvoiceLine struct {
	ID                 int64   `json:"id"`
	InvoiceID          int64   `json:"invoice_id"`
	LineNo             int     `json:"line_no"`
	RawCode            string  `json:"raw_code,omitempty"`
	RawName            string  `json:"raw_name"`
	Quantity           float64 `json:"quantity"`
	UnitPrice          int64   `json:"unit_price"`
	CanonicalProductID int64   `json:"canonical_product_id,omitempty"`
	ResolutionMethod   string  `json:"resolution_method"`
	CorrectionApplied  bool    `json:"correction_applied"`
	ConsolidationGroup string  `json:"consolidation_group"`
}
