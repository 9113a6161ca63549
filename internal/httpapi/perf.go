package httpapi

import (
	"net/http"
	"slices"
	"strings"

	"github.com/ent0n29/voicerelay/internal/observability"
)

// handlePerfLatency serves the latency window. ?stage=ai_rtt,pstn_rtt narrows the
// response to the named stages.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	stages, ok := parseStages(r.URL.Query().Get("stage"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_stage", "unknown latency stage")
		return
	}
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	snap := s.metrics.SnapshotLatency()
	if len(stages) > 0 {
		snap.Stages = slices.DeleteFunc(snap.Stages, func(st observability.LatencyStats) bool {
			return !slices.Contains(stages, st.Stage)
		})
	}
	respondJSON(w, http.StatusOK, snap)
}

func parseStages(raw string) ([]string, bool) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !observability.IsLatencyStage(part) {
			return nil, false
		}
		out = append(out, part)
	}
	return out, true
}
