// Command seed-invoices fills a database with synthetic receipt data for
// local development: a handful of establishments and a stream of noisy
// invoices run through the real resolution pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/brianvoe/gofakeit/v6"

	"canonizer/classification"
	"canonizer/corrections"
	"canonizer/database"
	"canonizer/internal/config"
	"canonizer/normalization"
	"canonizer/normalization/algorithms"
	"canonizer/resolution"
)

type seedProduct struct {
	code      string
	name      string
	basePrice int64
}

func main() {
	dbPath := flag.String("db", "canonizer.db", "database path")
	invoices := flag.Int("invoices", 50, "number of invoices to generate")
	maxLines := flag.Int("lines", 8, "maximum raw lines per invoice")
	seed := flag.Int64("seed", 0, "random seed (0 = random)")
	flag.Parse()

	if err := run(*dbPath, *invoices, *maxLines, *seed); err != nil {
		slog.Error("seeding failed", "error", err)
		os.Exit(1)
	}
}

func run(dbPath string, invoices, maxLines int, seed int64) error {
	if seed != 0 {
		gofakeit.Seed(seed)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := database.NewProductDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	pipeline := buildPipeline(cfg, db)
	ctx := context.Background()

	chains := []string{"Jumbo", "Olimpica", "Exito", "d1", "Ara"}
	estIDs := make([]int64, 0, len(chains))
	for _, chain := range chains {
		name := fmt.Sprintf("%s %s", strings.ToLower(chain), strings.ToLower(gofakeit.City()))
		id, err := db.UpsertEstablishment(ctx, name, chain)
		if err != nil {
			return fmt.Errorf("failed to seed establishment %q: %w", name, err)
		}
		estIDs = append(estIDs, id)
	}

	products := buildProductPool(40)

	var flagged int
	for i := 0; i < invoices; i++ {
		req := buildInvoice(estIDs, products, maxLines)
		result, err := pipeline.ResolveInvoice(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to resolve seeded invoice %d: %w", i, err)
		}
		if result.NeedsReview {
			flagged++
		}
	}

	productCount, err := db.CountProducts(ctx)
	if err != nil {
		return err
	}
	observationCount, err := db.CountObservations(ctx)
	if err != nil {
		return err
	}

	slog.Info("seeding complete",
		"establishments", len(estIDs),
		"invoices", invoices,
		"flagged_for_review", flagged,
		"canonical_products", productCount,
		"price_observations", observationCount,
	)
	return nil
}

func buildPipeline(cfg *config.Config, db *database.ProductDB) *resolution.Pipeline {
	normalizer := normalization.NewNameNormalizer(cfg.Abbreviations)
	classifier := classification.NewClassifier(cfg.PLUOverrideChains)
	weights := algorithms.DefaultSimilarityWeights()
	store := corrections.NewStore(db, normalizer, weights, cfg.SimilarityThreshold, cfg.FuzzyCandidateLimit)
	resolver := resolution.NewResolver(classifier, normalizer, store, weights,
		cfg.SimilarityThreshold, cfg.FuzzyCandidateLimit)
	return resolution.NewPipeline(db, resolution.NewConsolidator(normalizer), resolver,
		resolution.NewPriceLedger(), cfg.MismatchTolerancePct)
}

// buildProductPool generates a mix of EAN, PLU and codeless products so
// every resolution path gets exercised.
func buildProductPool(n int) []seedProduct {
	products := make([]seedProduct, 0, n)
	for i := 0; i < n; i++ {
		name := strings.ToUpper(gofakeit.ProductName())

		var code string
		switch gofakeit.Number(0, 2) {
		case 0:
			code = "770" + gofakeit.DigitN(10)
		case 1:
			code = gofakeit.DigitN(4)
		}

		products = append(products, seedProduct{
			code:      code,
			name:      name,
			basePrice: int64(gofakeit.Number(500, 50000)),
		})
	}
	return products
}

func buildInvoice(estIDs []int64, products []seedProduct, maxLines int) resolution.Request {
	est := estIDs[gofakeit.Number(0, len(estIDs)-1)]
	lineCount := gofakeit.Number(1, maxLines)

	var lines []resolution.WireLine
	var total int64
	for i := 0; i < lineCount; i++ {
		p := products[gofakeit.Number(0, len(products)-1)]

		// Price jitter simulates per-store variation.
		price := p.basePrice + int64(gofakeit.Number(-5, 5))*p.basePrice/100
		qty := float64(gofakeit.Number(1, 3))

		line := resolution.WireLine{
			Code:      p.code,
			Name:      p.name,
			Quantity:  qty,
			UnitPrice: price,
		}
		lines = append(lines, line)
		total += int64(qty) * price

		// Occasionally repeat a line verbatim to exercise consolidation.
		if gofakeit.Number(0, 9) == 0 {
			lines = append(lines, line)
			total += int64(qty) * price
		}
	}

	return resolution.Request{
		EstablishmentID: est,
		DeclaredTotal:   total,
		Lines:           lines,
	}
}
