// Package server exposes the resolution pipeline over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"canonizer/classification"
	"canonizer/corrections"
	"canonizer/database"
	"canonizer/internal/config"
	"canonizer/normalization"
	"canonizer/normalization/algorithms"
	"canonizer/reporting"
	"canonizer/resolution"
	"canonizer/server/middleware"
)

// Server wires the database, the resolution pipeline and the HTTP layer.
type Server struct {
	config     *config.Config
	db         *database.ProductDB
	normalizer *normalization.NameNormalizer
	store      *corrections.Store
	pipeline   *resolution.Pipeline
	exporter   *reporting.Exporter

	httpServer  *http.Server
	httpHandler http.Handler
	handlerOnce sync.Once
}

// New builds a fully wired server from the configuration.
func New(cfg *config.Config) (*Server, error) {
	db, err := database.NewProductDBWithConfig(cfg.DatabasePath, database.DBConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return NewWithDB(cfg, db), nil
}

// NewWithDB builds a server around an existing database handle. Tests use
// it with an in-memory database.
func NewWithDB(cfg *config.Config, db *database.ProductDB) *Server {
	normalizer := normalization.NewNameNormalizer(cfg.Abbreviations)
	classifier := classification.NewClassifier(cfg.PLUOverrideChains)
	weights := algorithms.DefaultSimilarityWeights()

	store := corrections.NewStore(db, normalizer, weights, cfg.SimilarityThreshold, cfg.FuzzyCandidateLimit)
	resolver := resolution.NewResolver(classifier, normalizer, store, weights,
		cfg.SimilarityThreshold, cfg.FuzzyCandidateLimit)
	consolidator := resolution.NewConsolidator(normalizer)
	pipeline := resolution.NewPipeline(db, consolidator, resolver,
		resolution.NewPriceLedger(), cfg.MismatchTolerancePct)

	return &Server{
		config:     cfg,
		db:         db,
		normalizer: normalizer,
		store:      store,
		pipeline:   pipeline,
		exporter:   reporting.NewExporter(db),
	}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	handler := s.ensureHTTPHandler()

	addr := fmt.Sprintf(":%s", s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // report downloads can be slow
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully and closes the database.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	slog.Info("graceful shutdown completed")
	return nil
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.ensureHTTPHandler().ServeHTTP(w, r)
}

func (s *Server) ensureHTTPHandler() http.Handler {
	s.handlerOnce.Do(func() {
		s.httpHandler = s.buildHTTPHandler()
	})
	return s.httpHandler
}

func (s *Server) buildHTTPHandler() http.Handler {
	if ginMode := os.Getenv("GIN_MODE"); ginMode == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	router.Use(middleware.Gzip())
	router.Use(middleware.Logger())
	router.Use(middleware.RateLimit(s.config.RateLimitPerSec))
	router.Use(middleware.Recovery())

	s.registerRoutes(router)
	return router
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "canonizer",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/invoices/resolve", s.handleResolveInvoice)
		api.GET("/invoices/:source_id", s.handleGetInvoice)

		api.POST("/establishments", s.handleUpsertEstablishment)

		api.GET("/products/:id", s.handleGetProduct)
		api.GET("/products/:id/prices", s.handleGetProductPrices)
		api.GET("/products/:id/best-price", s.handleBestPrice)

		api.POST("/corrections", s.handleRecordCorrection)

		api.GET("/stats", s.handleStats)
		api.GET("/reports/audit", s.handleAuditReport)
	}
}
