package relay

import (
	"fmt"
	"time"

	"github.com/ent0n29/voicerelay/internal/aileg"
	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/health"
	"github.com/ent0n29/voicerelay/internal/jitter"
	"github.com/ent0n29/voicerelay/internal/leg"
	"github.com/ent0n29/voicerelay/internal/outbound"
	"github.com/ent0n29/voicerelay/internal/session"
)

// State is the relay-level lifecycle of a call.
type State string

const (
	StateInitializing  State = "initializing"
	StatePSTNConnected State = "pstn_connected"
	StateBridging      State = "bridging"
	StateDegraded      State = "degraded"
	StateAIFallback    State = "ai_fallback"
	StateClosed        State = "closed"
)

// Teardown reasons recorded in CallMetrics.EndReason.
const (
	ReasonTeardown   = "teardown"
	ReasonShutdown   = "shutdown"
	ReasonPSTNStop   = "pstn_stop"
	ReasonPSTNClosed = "pstn_closed"
	ReasonPSTNFailed = "pstn_failed"
	ReasonAIFailed   = "ai_failed"
	ReasonAIConnect  = "ai_connect_failed"
)

// Fallback reasons recorded in CallMetrics.FallbackReason.
const (
	FallbackCircuitOpen = "circuit_open"
	FallbackNoTarget    = "no_target"
	FallbackConnect     = "connect_failed"
	FallbackAIFailed    = "ai_failed"
)

type EventType string

const (
	EventConnectionStateChanged EventType = "connectionStateChanged"
	EventFallbackTriggered      EventType = "fallbackTriggered"
	EventInterruptionDetected   EventType = "interruptionDetected"
	EventMetricsUpdated         EventType = "metricsUpdated"
)

// Event is published to session subscribers and to the outbound queue. Leg is empty
// for session-level state changes.
type Event struct {
	Type    EventType            `json:"type"`
	CallID  string               `json:"call_id"`
	At      time.Time            `json:"at"`
	Leg     leg.Kind             `json:"leg,omitempty"`
	From    string               `json:"from,omitempty"`
	To      string               `json:"to,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	Metrics *session.CallMetrics `json:"metrics,omitempty"`
}

// LegIOError is a read or write failure on an established leg.
type LegIOError struct {
	Leg leg.Kind
	Op  string
	Err error
}

func (e *LegIOError) Error() string {
	return fmt.Sprintf("%s leg %s: %v", e.Leg, e.Op, e.Err)
}

func (e *LegIOError) Unwrap() error { return e.Err }

// CallConfig is the per-call relay configuration. Service.DefaultCallConfig returns the
// process defaults; callers adjust Target and Format before CreateSession.
type CallConfig struct {
	Target aileg.Target
	Format audio.Format

	Jitter jitter.Config
	Health health.Config
	Queue  outbound.Config
	DSP    audio.Flags

	AutoFallback bool
	MaxAIRetries int
	RetryDelay   time.Duration
	WriteTimeout time.Duration

	// MetricsInterval is the cadence of metricsUpdated events.
	MetricsInterval time.Duration
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		Format:          audio.MuLaw8k,
		Jitter:          jitter.DefaultConfig(),
		Health:          health.DefaultConfig(),
		Queue:           outbound.DefaultConfig(),
		AutoFallback:    true,
		MaxAIRetries:    2,
		RetryDelay:      250 * time.Millisecond,
		WriteTimeout:    2 * time.Second,
		MetricsInterval: 5 * time.Second,
	}
}

func (c CallConfig) withDefaults() CallConfig {
	def := DefaultCallConfig()
	if c.Format.Encoding == "" {
		c.Format = def.Format
	}
	if c.Jitter.ChunkDuration <= 0 {
		c.Jitter.ChunkDuration = def.Jitter.ChunkDuration
	}
	if c.MaxAIRetries < 0 {
		c.MaxAIRetries = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	return c
}

// healthTick is how often leg timers are evaluated. It is a fraction of the shortest
// health timeout so reconnect delays and activity timeouts are honoured closely.
func healthTick(h health.Config) time.Duration {
	shortest := h.PingInterval
	for _, d := range []time.Duration{h.ConnectionTimeout, h.ActivityTimeout} {
		if d > 0 && (shortest <= 0 || d < shortest) {
			shortest = d
		}
	}
	tick := shortest / 4
	switch {
	case tick < 5*time.Millisecond:
		return 5 * time.Millisecond
	case tick > 250*time.Millisecond:
		return 250 * time.Millisecond
	}
	return tick
}
