package api

import (
	"encoding/json"
	"net/http"

	"github.com/crewline/crewline/internal/agent"
)

// chatRequest is the POST /api/chat body.
type chatRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
	// ForceTool pins the first turn to one named tool. Set by upstream
	// trigger detection, not by end users.
	ForceTool string `json:"force_tool,omitempty"`
}

// handleChat runs one conversation invocation, streaming caller events
// as server-sent events. Each event is one `data:` line of JSON. The
// stream always ends with a done or error event unless the client
// disconnects first.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required", s.logger)
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}

	sess, err := s.sessions.GetSession(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found", s.logger)
		return
	}
	if req.UserID == "" {
		req.UserID = sess.UserID
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", s.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emit := func(ev agent.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("marshal caller event", "error", err)
			return
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		w.Write(payload)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	err = s.loop.Run(r.Context(), agent.RunRequest{
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		AgentID:     "chat",
		Model:       req.Model,
		System:      s.systemPrompt,
		UserMessage: req.Message,
		ForceTool:   req.ForceTool,
	}, emit)
	if err != nil {
		// The loop already emitted a terminal error event when one was
		// owed; client disconnects land here too.
		s.logger.Warn("chat run ended with error", "session_id", req.SessionID, "error", err)
	}
}
