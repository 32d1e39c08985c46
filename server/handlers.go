package server

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/kotonoha/danmaku-archiver/db"
	"github.com/kotonoha/danmaku-archiver/recorder"
)

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	db  *sql.DB
	mgr *recorder.Manager
}

// NewHandlers creates a new Handlers instance. mgr may be nil when the
// process runs without capture (ingest-only deployments).
func NewHandlers(database *sql.DB, mgr *recorder.Manager) *Handlers {
	return &Handlers{db: database, mgr: mgr}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"schema", func() error {
			var one int
			return h.db.QueryRowContext(r.Context(),
				"SELECT 1 FROM sessions LIMIT 1").Scan(&one)
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil && err != sql.ErrNoRows {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports active captures, catalog counts, and the last ingest scan.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	if h.mgr != nil {
		resp["captures"] = h.mgr.Status()
	}

	var sessions, songRequests int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&sessions)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM song_requests`).Scan(&songRequests)
	resp["sessions"] = sessions
	resp["song_requests"] = songRequests

	if last, err := db.GetKV(ctx, h.db, "job_scan_last"); err == nil && last != "" {
		resp["last_scan"] = last
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
