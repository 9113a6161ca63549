package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicerelay/internal/session"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	if s.calls == nil {
		respondJSON(w, http.StatusOK, map[string]any{"calls": []session.Summary{}, "active": 0})
		return
	}
	calls := s.calls.List()
	if calls == nil {
		calls = []session.Summary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"active": s.calls.ActiveCount(),
	})
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	if s.callLog == nil {
		respondError(w, http.StatusServiceUnavailable, "call_log_disabled", "call log not configured")
		return
	}
	limit := defaultRecentLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	calls, err := s.callLog.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "call_log_error", err.Error())
		return
	}
	if calls == nil {
		calls = []session.CallMetrics{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	m, err := s.relay.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleTeardownCall(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	callID := chi.URLParam(r, "id")
	m, err := s.relay.Teardown(callID)
	if err != nil {
		respondCallError(w, err)
		return
	}
	s.log.Info("call torn down via api", "call_id", callID)
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleInterruptCall(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	callID := chi.URLParam(r, "id")
	if err := s.relay.SignalInterruption(callID); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"call_id": callID, "status": "signalled"})
}

func respondCallError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "call_error", err.Error())
}
