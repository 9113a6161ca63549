package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/ent0n29/voicerelay/internal/aileg"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/twilio"
)

// handleMediaStream terminates a Twilio Media Streams connection and bridges it
// to the configured AI provider for the life of the call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	pstn := twilio.NewConn(ws, s.cfg.WriteTimeout)
	defer pstn.Close()

	startTimeout := s.cfg.ConnectionTimeout
	if startTimeout <= 0 {
		startTimeout = 10 * time.Second
	}
	start, err := pstn.AwaitStart(startTimeout)
	if err != nil {
		s.log.Warn("media stream closed before start", "error", err)
		s.countEvent("start_failed")
		return
	}

	callID := start.CallSID
	if callID == "" {
		callID = start.StreamSID
	}
	log := s.log.With("call_id", callID, "stream_sid", start.StreamSID)

	cfg := s.relay.DefaultCallConfig()
	if start.Format.Encoding != "" {
		cfg.Format = start.Format
	}
	target, err := aileg.TargetFromParams(start.Params, s.cfg.AIDefaultAgentID)
	if err != nil {
		log.Warn("no usable ai target for call", "error", err)
	} else {
		cfg.Target = target
	}

	if err := s.relay.CreateSession(r.Context(), callID, pstn, cfg); err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			log.Warn("duplicate media stream for call")
		} else {
			log.Error("create relay session failed", "error", err)
		}
		return
	}
	log.Info("media stream bridged", "target", cfg.Target.String(), "format", cfg.Format.String())

	done, err := s.relay.Done(callID)
	if err != nil {
		return
	}
	select {
	case <-done:
	case <-r.Context().Done():
		_, _ = s.relay.Teardown(callID)
	}
	if n := pstn.Invalid(); n > 0 {
		log.Warn("discarded malformed media stream messages", "count", n)
		s.countEvent("pstn_invalid_messages")
	}
}

func (s *Server) countEvent(event string) {
	if s.metrics != nil {
		s.metrics.CountCallEvent(event)
	}
}
