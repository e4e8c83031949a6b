package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gridsync/internal/domain"
)

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ledger", s.handleLedger)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.health.Serving(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, map[string]string{"status": "serving"})
}

// ledgerEntryJSON is the wire shape of a ledger entry.
type ledgerEntryJSON struct {
	Dataset      string `json:"dataset"`
	WindowStart  string `json:"window_start"`
	WindowEnd    string `json:"window_end"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`
	CommittedAt  string `json:"committed_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// handleLedger lists ledger entries. Query params: dataset, status (comma
// separated).
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.led == nil {
		http.Error(w, "ledger not configured", http.StatusServiceUnavailable)
		return
	}

	var statuses []domain.WindowStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st := domain.WindowStatus(strings.TrimSpace(part))
			if !st.Valid() {
				http.Error(w, "unknown status "+part, http.StatusBadRequest)
				return
			}
			statuses = append(statuses, st)
		}
	}

	entries, err := s.led.List(r.Context(), r.URL.Query().Get("dataset"), statuses...)
	if err != nil {
		s.log.Error("listing ledger", "error", err)
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}

	out := make([]ledgerEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryJSON{
			Dataset:      e.DatasetID,
			WindowStart:  formatTime(e.Window.Start),
			WindowEnd:    formatTime(e.Window.End),
			Status:       string(e.Status),
			AttemptCount: e.AttemptCount,
			LastError:    e.LastError,
			CommittedAt:  formatTime(e.CommittedAt),
			UpdatedAt:    formatTime(e.UpdatedAt),
		})
	}
	writeJSON(w, out)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}
