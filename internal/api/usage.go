package api

import (
	"net/http"
	"time"
)

// handleUsage reports aggregate token usage and cost for a time range.
// Defaults to the last 30 days.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC3339", s.logger)
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC3339", s.logger)
			return
		}
		end = t
	}

	summary, err := s.auditStore.UsageSummary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary", "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute usage", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":         start.Format(time.RFC3339),
		"end":           end.Format(time.RFC3339),
		"turns":         summary.Turns,
		"input_tokens":  summary.InputTokens,
		"output_tokens": summary.OutputTokens,
		"cost_usd":      summary.CostUSD,
	}, s.logger)
}

// handleRun reports one run's accounting rollup and its audit trail.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	acc, err := s.auditStore.Accounting(r.Context(), runID)
	if err != nil {
		s.logger.Error("run accounting", "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute run accounting", s.logger)
		return
	}
	records, err := s.auditStore.RecordsForRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("run records", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load run records", s.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"accounting": acc,
		"records":    records,
	}, s.logger)
}
