package session

import (
	"sync/atomic"
	"time"

	"github.com/ent0n29/voicerelay/internal/breaker"
	"github.com/ent0n29/voicerelay/internal/health"
	"github.com/ent0n29/voicerelay/internal/jitter"
	"github.com/ent0n29/voicerelay/internal/leg"
	"github.com/ent0n29/voicerelay/internal/outbound"
)

// CallMetrics accumulates per-call counters. It is append-only while the call runs and
// handed to the call logger once at teardown.
type CallMetrics struct {
	CallID   string `json:"call_id"`
	Provider string `json:"provider,omitempty"`
	Target   string `json:"target,omitempty"`

	// Caller audio received from the PSTN leg and forwarded to the AI leg.
	ChunksReceived  uint64 `json:"chunks_received"`
	BytesReceived   uint64 `json:"bytes_received"`
	ChunksSent      uint64 `json:"chunks_sent"`
	BytesSent       uint64 `json:"bytes_sent"`
	ChunksDiscarded uint64 `json:"chunks_discarded"`

	// Agent audio received from the AI leg and written to the PSTN leg.
	AIChunksReceived uint64 `json:"ai_chunks_received"`
	AIBytesReceived  uint64 `json:"ai_bytes_received"`

	BufferUnderruns uint64 `json:"buffer_underruns"`
	BufferOverruns  uint64 `json:"buffer_overruns"`
	LateDrops       uint64 `json:"late_drops"`

	ConversationTurns int `json:"conversation_turns"`
	Interruptions     int `json:"interruptions"`
	DTMFDigits        int `json:"dtmf_digits"`

	Quality    health.Quality `json:"quality"`
	PSTNRTT    time.Duration  `json:"pstn_rtt_ns"`
	AIRTT      time.Duration  `json:"ai_rtt_ns"`
	LastPingAt time.Time      `json:"last_ping_at,omitempty"`
	Reconnects int            `json:"reconnects"`

	FallbackTriggered bool   `json:"fallback_triggered"`
	FallbackReason    string `json:"fallback_reason,omitempty"`

	Queue outbound.Stats `json:"queue"`

	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	FinalState string    `json:"final_state,omitempty"`
	EndReason  string    `json:"end_reason,omitempty"`
}

func (m CallMetrics) Duration() time.Duration {
	if m.EndedAt.IsZero() || m.StartedAt.IsZero() {
		return 0
	}
	return m.EndedAt.Sub(m.StartedAt)
}

// Handle is implemented by the relay task that owns a session's resources.
type Handle interface {
	// Close tears the session down synchronously and returns its final metrics.
	// Calls after the first return the same metrics.
	Close(reason string) CallMetrics
	Snapshot() CallMetrics
}

// CallSession is the per-call state owned by the registry. The leg, buffer, monitor and
// metrics fields are mutated only by the session's relay task.
type CallSession struct {
	ID        string
	Provider  string
	CreatedAt time.Time

	PSTN       leg.Conn
	AI         leg.Conn
	Buffer     *jitter.Buffer
	PSTNHealth *health.Monitor
	AIHealth   *health.Monitor
	Breaker    *breaker.Breaker
	Queue      *outbound.Queue
	Metrics    CallMetrics

	handle       Handle
	state        atomic.Value
	lastActivity atomic.Int64
}

func (s *CallSession) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *CallSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *CallSession) SetState(state string) {
	s.state.Store(state)
}

func (s *CallSession) State() string {
	v, _ := s.state.Load().(string)
	return v
}

// Summary is a read-only view used by listings and the active-call mirror.
type Summary struct {
	CallID       string    `json:"call_id"`
	Provider     string    `json:"provider,omitempty"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *CallSession) Summary() Summary {
	return Summary{
		CallID:       s.ID,
		Provider:     s.Provider,
		State:        s.State(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}
