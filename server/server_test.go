package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"canonizer/database"
	"canonizer/internal/config"
	"canonizer/resolution"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.NewProductDB(":memory:")
	if err != nil {
		t.Fatalf("NewProductDB error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Port:                 "0",
		DatabasePath:         ":memory:",
		MaxOpenConns:         1,
		MaxIdleConns:         1,
		ConnMaxLifetime:      time.Minute,
		SimilarityThreshold:  0.85,
		MismatchTolerancePct: 10.0,
		PLUOverrideChains:    []string{"d1"},
		FuzzyCandidateLimit:  1000,
		RateLimitPerSec:      1000,
		LogLevel:             "ERROR",
	}
	return NewWithDB(cfg, db)
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func createEstablishment(t *testing.T, srv *Server, name, chain string) int64 {
	t.Helper()

	w := doJSON(t, srv, http.MethodPost, "/api/v1/establishments",
		map[string]string{"name": name, "chain": chain})
	if w.Code != http.StatusOK {
		t.Fatalf("establishment upsert status = %d: %s", w.Code, w.Body.String())
	}

	var est database.Establishment
	decodeBody(t, w, &est)
	return est.ID
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestResolveInvoice_EndToEnd(t *testing.T) {
	srv := newTestServer(t)
	estID := createEstablishment(t, srv, "Jumbo Calle 80", "Jumbo")

	payload := map[string]interface{}{
		"source_id":        "api-inv-1",
		"establishment_id": estID,
		"declared_total":   9000,
		"lines": []map[string]interface{}{
			{"code": "7701234567890", "name": "LECHE ENTERA 1100ML", "quantity": 1, "unit_price": 4500},
			{"code": "7701234567890", "name": "LECHE ENTERA 1100ML", "quantity": 1, "unit_price": 4500},
		},
	}

	w := doJSON(t, srv, http.MethodPost, "/api/v1/invoices/resolve", payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("resolve status = %d: %s", w.Code, w.Body.String())
	}

	var result resolution.Result
	decodeBody(t, w, &result)
	if len(result.ConsolidatedLines) != 1 {
		t.Fatalf("consolidated lines = %d, want 1", len(result.ConsolidatedLines))
	}
	if result.ConsolidatedLines[0].Quantity != 2 {
		t.Errorf("quantity = %v, want 2", result.ConsolidatedLines[0].Quantity)
	}

	// A resubmission replays with 200 instead of 201.
	retry := doJSON(t, srv, http.MethodPost, "/api/v1/invoices/resolve", payload)
	if retry.Code != http.StatusOK {
		t.Fatalf("replay status = %d: %s", retry.Code, retry.Body.String())
	}
	var replayed resolution.Result
	decodeBody(t, retry, &replayed)
	if !replayed.Replayed {
		t.Error("replay response not marked as replayed")
	}

	// The resolved product is readable with its price history.
	productID := result.ConsolidatedLines[0].CanonicalProductID
	pw := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/products/%d", productID), nil)
	if pw.Code != http.StatusOK {
		t.Fatalf("product status = %d", pw.Code)
	}
	var product database.CanonicalProduct
	decodeBody(t, pw, &product)
	if product.UniversalCode != "7701234567890" {
		t.Errorf("product code = %q, want the EAN", product.UniversalCode)
	}

	bw := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/products/%d/best-price", productID), nil)
	if bw.Code != http.StatusOK {
		t.Fatalf("best price status = %d", bw.Code)
	}

	// The stored invoice is readable by source id.
	iw := doJSON(t, srv, http.MethodGet, "/api/v1/invoices/api-inv-1", nil)
	if iw.Code != http.StatusOK {
		t.Fatalf("invoice status = %d", iw.Code)
	}
}

func TestResolveInvoice_Validation(t *testing.T) {
	srv := newTestServer(t)
	estID := createEstablishment(t, srv, "Jumbo Calle 80", "Jumbo")

	cases := []struct {
		name    string
		payload interface{}
		status  int
	}{
		{"no lines", map[string]interface{}{"establishment_id": estID, "lines": []map[string]interface{}{}}, http.StatusBadRequest},
		{"bad json", "not an object", http.StatusBadRequest},
		{"unknown establishment", map[string]interface{}{
			"establishment_id": 99999,
			"lines":            []map[string]interface{}{{"name": "PAN", "quantity": 1, "unit_price": 100}},
		}, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodPost, "/api/v1/invoices/resolve", tc.payload)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d: %s", w.Code, tc.status, w.Body.String())
			}
		})
	}
}

func TestCorrectionsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	estID := createEstablishment(t, srv, "Jumbo Calle 80", "Jumbo")

	cw := doJSON(t, srv, http.MethodPost, "/api/v1/corrections", map[string]interface{}{
		"raw_name":       "LECA KLER L",
		"corrected_code": "501",
		"corrected_name": "Laca Kleer",
	})
	if cw.Code != http.StatusCreated {
		t.Fatalf("correction status = %d: %s", cw.Code, cw.Body.String())
	}

	// A line matching the correction resolves through it.
	w := doJSON(t, srv, http.MethodPost, "/api/v1/invoices/resolve", map[string]interface{}{
		"source_id":        "api-inv-corr",
		"establishment_id": estID,
		"lines": []map[string]interface{}{
			{"name": "LECA KLER L", "quantity": 1, "unit_price": 9000},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("resolve status = %d: %s", w.Code, w.Body.String())
	}
	var result resolution.Result
	decodeBody(t, w, &result)
	if !result.ConsolidatedLines[0].CorrectionApplied {
		t.Error("correction was not applied to the matching line")
	}
}

func TestStatsAndReport(t *testing.T) {
	srv := newTestServer(t)
	estID := createEstablishment(t, srv, "Jumbo Calle 80", "Jumbo")

	w := doJSON(t, srv, http.MethodPost, "/api/v1/invoices/resolve", map[string]interface{}{
		"source_id":        "api-inv-stats",
		"establishment_id": estID,
		"lines": []map[string]interface{}{
			{"code": "7701234567890", "name": "LECHE ENTERA", "quantity": 1, "unit_price": 4500},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("resolve status = %d: %s", w.Code, w.Body.String())
	}

	sw := doJSON(t, srv, http.MethodGet, "/api/v1/stats", nil)
	if sw.Code != http.StatusOK {
		t.Fatalf("stats status = %d", sw.Code)
	}
	var stats database.ResolutionStats
	decodeBody(t, sw, &stats)
	if stats.Invoices != 1 || stats.Products != 1 {
		t.Errorf("stats = %d invoices / %d products, want 1/1", stats.Invoices, stats.Products)
	}

	rw := doJSON(t, srv, http.MethodGet, "/api/v1/reports/audit?format=json", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("report status = %d", rw.Code)
	}

	bad := doJSON(t, srv, http.MethodGet, "/api/v1/reports/audit?format=pdf", nil)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("unsupported format status = %d, want 400", bad.Code)
	}
}

func TestProductNotFound(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/products/12345", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	bad := doJSON(t, srv, http.MethodGet, "/api/v1/products/abc", nil)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", bad.Code)
	}
}
