package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Latency stages tracked in the sliding window.
const (
	StagePSTNRTT      = "pstn_rtt"
	StageAIRTT        = "ai_rtt"
	StageAIConnect    = "ai_connect"
	StageDrainLag     = "drain_lag"
	StageAIFirstAudio = "ai_first_audio"
)

// IsLatencyStage reports whether stage names one of the tracked latency stages.
func IsLatencyStage(stage string) bool {
	switch stage {
	case StagePSTNRTT, StageAIRTT, StageAIConnect, StageDrainLag, StageAIFirstAudio:
		return true
	}
	return false
}

type LatencyStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

type RelayEventCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	WindowSize  int               `json:"window_size"`
	Stages      []LatencyStats    `json:"stages"`
	Events      []RelayEventCount `json:"events,omitempty"`
}

// latencyWindow keeps the most recent samples per stage in fixed rings.
type latencyWindow struct {
	mu     sync.RWMutex
	size   int
	rings  map[string]*ring
	events map[string]int
}

type ring struct {
	values []float64
	next   int
	full   bool
	last   float64
}

func (r *ring) add(v float64) {
	r.values[r.next] = v
	r.last = v
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) samples() []float64 {
	n := r.next
	if r.full {
		n = len(r.values)
	}
	return slices.Clone(r.values[:n])
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:   size,
		rings:  make(map[string]*ring),
		events: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *latencyWindow) Count(event string) {
	event = strings.TrimSpace(event)
	if w == nil || event == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[event]++
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stages := make([]LatencyStats, 0, len(w.rings))
	for _, stage := range sortedKeys(w.rings) {
		samples := w.rings[stage].samples()
		if len(samples) == 0 {
			continue
		}
		slices.Sort(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		st := LatencyStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      round2(w.rings[stage].last),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			MaxMS:       round2(samples[len(samples)-1]),
			TargetP95MS: stageTargetP95MS(stage),
		}
		st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
		stages = append(stages, st)
	}

	events := make([]RelayEventCount, 0, len(w.events))
	for _, name := range sortedKeys(w.events) {
		if n := w.events[name]; n > 0 {
			events = append(events, RelayEventCount{Name: name, Count: n})
		}
	}

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Events:      events,
	}
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*ring)
	w.events = make(map[string]int)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StagePSTNRTT:
		return 150
	case StageAIRTT:
		return 250
	case StageAIConnect:
		return 1500
	case StageDrainLag:
		return 60
	case StageAIFirstAudio:
		return 1200
	default:
		return 0
	}
}
