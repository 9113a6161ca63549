package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/breaker"
	"github.com/ent0n29/voicerelay/internal/calllog"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/leg"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
)

// Relay is the call control surface the API drives.
type Relay interface {
	Provider() string
	DefaultCallConfig() relay.CallConfig
	CreateSession(ctx context.Context, callID string, pstn leg.Conn, cfg relay.CallConfig) error
	Teardown(callID string) (session.CallMetrics, error)
	SignalInterruption(callID string) error
	Done(callID string) (<-chan struct{}, error)
	Snapshot(callID string) (session.CallMetrics, error)
	Breakers() []breaker.Snapshot
	ResetBreaker(provider string) (breaker.Snapshot, error)
}

// Calls lists live sessions.
type Calls interface {
	List() []session.Summary
	ActiveCount() int
}

type Deps struct {
	Relay   Relay
	Calls   Calls
	CallLog calllog.Logger
	Hub     *ObserverHub
	Metrics *observability.Metrics
	Logger  *slog.Logger
	// Ready reports whether external dependencies are reachable.
	Ready func(ctx context.Context) error
	// ClusterCalls counts live calls across every relay instance, when shared state exists.
	ClusterCalls func(ctx context.Context) (int64, error)
}

type Server struct {
	cfg      config.Config
	relay    Relay
	calls    Calls
	callLog  calllog.Logger
	hub      *ObserverHub
	metrics  *observability.Metrics
	log      *slog.Logger
	ready    func(ctx context.Context) error
	cluster  func(ctx context.Context) (int64, error)
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = NewObserverHub(0)
	}
	return &Server{
		cfg:     cfg,
		relay:   deps.Relay,
		calls:   deps.Calls,
		callLog: deps.CallLog,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		log:     deps.Logger,
		ready:   deps.Ready,
		cluster: deps.ClusterCalls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser observers must come from the same origin; carrier and
				// server-side clients omit Origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/media-stream", s.handleMediaStream)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/recent", s.handleRecentCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Post("/v1/calls/{id}/teardown", s.handleTeardownCall)
	r.Post("/v1/calls/{id}/interrupt", s.handleInterruptCall)
	r.Get("/v1/calls/{id}/observe", s.handleObserveCall)
	r.Get("/v1/observe", s.handleObserveAll)
	r.Get("/v1/breakers", s.handleBreakers)
	r.Post("/v1/breakers/{provider}/reset", s.handleResetBreaker)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.calls != nil {
		active = s.calls.ActiveCount()
	}
	provider := ""
	if s.relay != nil {
		provider = s.relay.Provider()
	}
	body := map[string]any{
		"status":        "ok",
		"active_calls":  active,
		"ai_provider":   provider,
		"call_log_mode": s.callLogMode(),
		"observers":     s.hub.Count(),
	}
	if s.cluster != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if n, err := s.cluster(ctx); err != nil {
			s.log.Warn("cluster call count failed", "error", err)
		} else {
			body["cluster_active_calls"] = n
		}
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "dependency_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"call_log_mode": s.callLogMode(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.relay == nil {
		respondJSON(w, http.StatusOK, map[string]any{"breakers": []breaker.Snapshot{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"breakers": s.relay.Breakers()})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	provider := chi.URLParam(r, "provider")
	snap, err := s.relay.ResetBreaker(provider)
	if err != nil {
		if errors.Is(err, relay.ErrUnknownProvider) {
			respondError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.log.Warn("circuit breaker reset by operator", "provider", provider)
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) callLogMode() string {
	if s.callLog == nil {
		return "disabled"
	}
	return calllog.Mode(s.callLog)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
