// Package api implements the HTTP surface: session management, the
// streaming chat endpoint, the approval workflow, usage reporting, and
// the WebSocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/crewline/crewline/internal/agent"
	"github.com/crewline/crewline/internal/audit"
	"github.com/crewline/crewline/internal/buildinfo"
	"github.com/crewline/crewline/internal/confirm"
	"github.com/crewline/crewline/internal/events"
	"github.com/crewline/crewline/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	loop         *agent.Loop
	gate         *confirm.Gate
	sessions     *session.Store
	auditStore   *audit.Store
	bus          *events.Bus
	defaultModel string
	systemPrompt string
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, gate *confirm.Gate, sessions *session.Store, auditStore *audit.Store, bus *events.Bus, defaultModel, systemPrompt string, logger *slog.Logger) *Server {
	return &Server{
		address:      address,
		port:         port,
		loop:         loop,
		gate:         gate,
		sessions:     sessions,
		auditStore:   auditStore,
		bus:          bus,
		defaultModel: defaultModel,
		systemPrompt: systemPrompt,
		logger:       logger.With("component", "api"),
	}
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /api/chat", s.handleChat)

	// Sessions
	mux.HandleFunc("POST /api/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /api/sessions/{id}/pending", s.handlePendingList)

	// Approval workflow
	mux.HandleFunc("GET /api/pending/{id}", s.handlePendingGet)
	mux.HandleFunc("POST /api/pending/{id}/approve", s.handlePendingApprove)
	mux.HandleFunc("POST /api/pending/{id}/reject", s.handlePendingReject)
	mux.HandleFunc("GET /api/pending/{id}/qr", s.handlePendingQR)

	// Usage and audit
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)

	// Live event feed
	mux.HandleFunc("GET /ws", s.handleWS)

	// Health
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.withLogging(mux),
		ReadTimeout: 30 * time.Second,
		// No write timeout: chat streams and the WebSocket feed manage
		// their own lifetimes.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Crewline",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":         "healthy",
		"uptime":         buildinfo.Uptime().String(),
		"ws_subscribers": s.bus.SubscriberCount(),
	}, s.logger)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Title  string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", s.logger)
		return
	}

	sess, err := s.sessions.CreateSession(r.Context(), req.UserID, req.Title)
	if err != nil {
		s.logger.Error("create session", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create session", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.logger.Error("delete session", "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete session", s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// conflictStatus maps confirmation-gate errors onto HTTP status codes.
func conflictStatus(err error) (int, string) {
	var conflict *confirm.ConflictError
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		return http.StatusNotFound, "pending action not found"
	case errors.As(err, &conflict):
		return http.StatusConflict, conflict.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
