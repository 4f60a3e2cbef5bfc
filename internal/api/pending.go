package api

import (
	"fmt"
	"net/http"

	"github.com/skip2/go-qrcode"

	"github.com/crewline/crewline/internal/tools"
)

func (s *Server) handlePendingList(w http.ResponseWriter, r *http.Request) {
	actions, err := s.gate.Pending(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("list pending actions", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list pending actions", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"pending": actions}, s.logger)
}

func (s *Server) handlePendingGet(w http.ResponseWriter, r *http.Request) {
	pa, err := s.gate.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		status, msg := conflictStatus(err)
		writeError(w, status, msg, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, pa, s.logger)
}

func (s *Server) handlePendingApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// The approver context: the stored call runs under a fresh run id
	// grouped to the approval, not the original conversation run.
	pa, err := s.gate.Get(r.Context(), id)
	if err != nil {
		status, msg := conflictStatus(err)
		writeError(w, status, msg, s.logger)
		return
	}

	ec := tools.ExecContext{
		RunID:     "approval-" + id,
		AgentID:   "chat",
		SessionID: pa.SessionID,
		UserID:    r.URL.Query().Get("user_id"),
	}
	approved, err := s.gate.Approve(r.Context(), id, ec)
	if err != nil {
		status, msg := conflictStatus(err)
		writeError(w, status, msg, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, approved, s.logger)
}

func (s *Server) handlePendingReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rejected, err := s.gate.Reject(r.Context(), id, "approval-"+id)
	if err != nil {
		status, msg := conflictStatus(err)
		writeError(w, status, msg, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rejected, s.logger)
}

// handlePendingQR renders the pending action's approval page URL as a
// QR code PNG, for shift-floor tablets and printed notices.
func (s *Server) handlePendingQR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.gate.Get(r.Context(), id); err != nil {
		status, msg := conflictStatus(err)
		writeError(w, status, msg, s.logger)
		return
	}

	base := r.URL.Query().Get("base")
	if base == "" {
		base = fmt.Sprintf("http://%s/api/pending", r.Host)
	}
	png, err := qrcode.Encode(fmt.Sprintf("%s/%s", base, id), qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("encode QR", "error", err)
		writeError(w, http.StatusInternalServerError, "could not render QR code", s.logger)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
