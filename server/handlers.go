package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"canonizer/database"
	"canonizer/reporting"
	"canonizer/resolution"
	apperrors "canonizer/server/errors"
	"canonizer/server/middleware"
)

// handleResolveInvoice runs the resolution pipeline on one invoice.
// Retryable failures come back as 503 so the client can resubmit with
// the same source id.
func (s *Server) handleResolveInvoice(c *gin.Context) {
	var req resolution.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleError(c, apperrors.NewValidationError("invalid invoice payload", err))
		return
	}
	if len(req.Lines) == 0 {
		middleware.HandleError(c, apperrors.NewValidationError("invoice has no lines", nil))
		return
	}

	result, err := s.pipeline.ResolveInvoice(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			middleware.HandleError(c, apperrors.NewNotFoundError(
				fmt.Sprintf("establishment %d not found", req.EstablishmentID), err))
		case resolution.IsRetryable(err):
			middleware.HandleError(c, apperrors.NewRetryableError(
				"invoice resolution failed, retry with the same source_id", err))
		default:
			middleware.HandleError(c, apperrors.NewInternalError("invoice resolution failed", err))
		}
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (s *Server) handleGetInvoice(c *gin.Context) {
	sourceID := c.Param("source_id")

	inv, err := s.db.GetInvoiceBySourceID(c.Request.Context(), sourceID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			middleware.HandleError(c, apperrors.NewNotFoundError("invoice not found", err))
		} else {
			middleware.HandleError(c, apperrors.NewInternalError("failed to load invoice", err))
		}
		return
	}

	lines, err := s.db.GetInvoiceLines(c.Request.Context(), inv.ID)
	if err != nil {
		middleware.HandleError(c, apperrors.NewInternalError("failed to load invoice lines", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoice": inv,
		"lines":   lines,
	})
}

type establishmentRequest struct {
	Name  string `json:"name" binding:"required"`
	Chain string `json:"chain"`
}

// handleUpsertEstablishment registers an establishment, normalizing its
// name the same way receipt lines are normalized so repeat submissions
// converge.
func (s *Server) handleUpsertEstablishment(c *gin.Context) {
	var req establishmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleError(c, apperrors.NewValidationError("invalid establishment payload", err))
		return
	}

	normalized := s.normalizer.Normalize(req.Name)
	if normalized == "" {
		middleware.HandleError(c, apperrors.NewValidationError("establishment name is empty after normalization", nil))
		return
	}

	id, err := s.db.UpsertEstablishment(c.Request.Context(), normalized, req.Chain)
	if err != nil {
		middleware.HandleError(c, apperrors.NewInternalError("failed to upsert establishment", err))
		return
	}

	est, err := s.db.GetEstablishment(c.Request.Context(), id)
	if err != nil {
		middleware.HandleError(c, apperrors.NewInternalError("failed to load establishment", err))
		return
	}
	c.JSON(http.StatusOK, est)
}

func (s *Server) handleGetProduct(c *gin.Context) {
	id, ok := s.productIDParam(c)
	if !ok {
		return
	}

	product, err := s.db.GetProduct(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			middleware.HandleError(c, apperrors.NewNotFoundError("product not found", err))
		} else {
			middleware.HandleError(c, apperrors.NewInternalError("failed to load product", err))
		}
		return
	}
	c.JSON(http.StatusOK, product)
}

func (s *Server) handleGetProductPrices(c *gin.Context) {
	id, ok := s.productIDParam(c)
	if !ok {
		return
	}

	rollups, err := s.db.GetRollups(c.Request.Context(), id)
	if err != nil {
		middleware.HandleError(c, apperrors.NewInternalError("failed to load price rollups", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id": id,
		"prices":     rollups,
	})
}

func (s *Server) handleBestPrice(c *gin.Context) {
	id, ok := s.productIDParam(c)
	if !ok {
		return
	}

	best, err := s.db.BestPrice(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			middleware.HandleError(c, apperrors.NewNotFoundError("no price observations for product", err))
		} else {
			middleware.HandleError(c, apperrors.NewInternalError("failed to load best price", err))
		}
		return
	}
	c.JSON(http.StatusOK, best)
}

type correctionRequest struct {
	RawName         string `json:"raw_name" binding:"required"`
	EstablishmentID int64  `json:"establishment_id"` // 0 means global
	CorrectedCode   string `json:"corrected_code"`
	CorrectedName   string `json:"corrected_name" binding:"required"`
}

// handleRecordCorrection stores a curated correction. Scope defaults to
// global; pass establishment_id to pin it to one store.
func (s *Server) handleRecordCorrection(c *gin.Context) {
	var req correctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleError(c, apperrors.NewValidationError("invalid correction payload", err))
		return
	}

	id, err := s.store.Record(c.Request.Context(), req.RawName, req.EstablishmentID,
		req.CorrectedCode, req.CorrectedName)
	if err != nil {
		middleware.HandleError(c, apperrors.NewInternalError("failed to record correction", err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.db.GetResolutionStats(c.Request.Context())
	if err != nil {
		middleware.HandleError(c, apperrors.NewInternalError("failed to collect stats", err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleAuditReport streams the audit report in the requested format
// (json, csv or excel; default json).
func (s *Server) handleAuditReport(c *gin.Context) {
	format := reporting.ExportFormat(c.DefaultQuery("format", string(reporting.FormatJSON)))

	contentType := reporting.ContentType(format)
	if contentType == "" {
		middleware.HandleError(c, apperrors.NewValidationError(
			fmt.Sprintf("unsupported report format %q", format), nil))
		return
	}

	c.Header("Content-Type", contentType)
	if format != reporting.FormatJSON {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=audit-report.%s", fileExt(format)))
	}
	c.Status(http.StatusOK)

	if err := s.exporter.Export(c.Request.Context(), c.Writer, format); err != nil {
		// Headers are already out; all we can do is log through the
		// middleware error path without rewriting the status.
		_ = c.Error(err)
	}
}

func fileExt(format reporting.ExportFormat) string {
	if format == reporting.FormatExcel {
		return "xlsx"
	}
	return string(format)
}

func (s *Server) productIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		middleware.HandleError(c, apperrors.NewValidationError("invalid product id", err))
		return 0, false
	}
	return id, true
}
