package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kotonoha/danmaku-archiver/db"
	"github.com/kotonoha/danmaku-archiver/testutil"
)

func TestHealthz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("healthz body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestCorrelationIDPropagated(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation id = %q, want corr-123", got)
	}
}

func TestReadyz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("readyz body not JSON: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("status = %q, want ready", body["status"])
	}
}

func TestStatus(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if err := db.SetKV(context.Background(), database, "job_scan_last", "2026-03-01T20:00:00Z"); err != nil {
		t.Fatalf("seed kv: %v", err)
	}
	t.Cleanup(func() {
		_, _ = database.Exec(`DELETE FROM kv WHERE key='job_scan_last'`)
	})
	mux := NewMux(database, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body not JSON: %v", err)
	}
	if _, ok := body["sessions"]; !ok {
		t.Error("status missing sessions count")
	}
	if body["last_scan"] != "2026-03-01T20:00:00Z" {
		t.Errorf("last_scan = %v", body["last_scan"])
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database, nil)

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status code = %d, want 405", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mux := NewMux(database, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
}
