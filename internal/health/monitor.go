package health

import (
	"time"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

func (q Quality) rank() int {
	switch q {
	case QualityExcellent:
		return 4
	case QualityGood:
		return 3
	case QualityFair:
		return 2
	case QualityPoor:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether q meets floor. Unknown quality is treated as acceptable
// until a round trip has been measured.
func (q Quality) AtLeast(floor Quality) bool {
	if q == QualityUnknown || q == "" {
		return true
	}
	return q.rank() >= floor.rank()
}

func ParseQuality(s string) (Quality, bool) {
	switch q := Quality(s); q {
	case QualityExcellent, QualityGood, QualityFair, QualityPoor:
		return q, true
	default:
		return "", false
	}
}

type Config struct {
	PingInterval         time.Duration
	ConnectionTimeout    time.Duration
	ActivityTimeout      time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     []time.Duration
	MaxLatency           time.Duration
	MinQuality           Quality
}

func DefaultConfig() Config {
	return Config{
		PingInterval:         5 * time.Second,
		ConnectionTimeout:    10 * time.Second,
		ActivityTimeout:      30 * time.Second,
		MaxReconnectAttempts: 4,
		ReconnectBackoff:     reliability.BackoffSchedule(4, time.Second, 8*time.Second),
		MaxLatency:           500 * time.Millisecond,
		MinQuality:           QualityPoor,
	}
}

// Record is a point-in-time view of one leg's health.
type Record struct {
	Connected         bool          `json:"connected"`
	State             State         `json:"state"`
	Quality           Quality       `json:"quality"`
	LastActivity      time.Time     `json:"last_activity"`
	PingSentAt        time.Time     `json:"ping_sent_at,omitempty"`
	LastPong          time.Time     `json:"last_pong,omitempty"`
	RTT               time.Duration `json:"rtt_ns"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	Reconnects        int           `json:"reconnects"`
}

type Action int

const (
	ActionNone Action = iota
	ActionPing
	ActionReconnect
)

// Transition describes a state change produced by the monitor.
type Transition struct {
	From State
	To   State
}

// Monitor tracks liveness of one leg. It is a pure state machine: the owning relay
// loop feeds it observations and timer ticks and acts on what it returns. It is not
// safe for concurrent use.
type Monitor struct {
	cfg Config
	rec Record

	pingOutstanding bool
	transitions     []Transition
}

func NewMonitor(cfg Config, now time.Time) *Monitor {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = def.ActivityTimeout
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if len(cfg.ReconnectBackoff) == 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = def.MaxLatency
	}
	if cfg.MinQuality == "" {
		cfg.MinQuality = def.MinQuality
	}
	return &Monitor{
		cfg: cfg,
		rec: Record{
			State:        StateConnecting,
			Quality:      QualityUnknown,
			LastActivity: now,
		},
	}
}

func (m *Monitor) Config() Config { return m.cfg }

func (m *Monitor) Record() Record { return m.rec }

func (m *Monitor) State() State { return m.rec.State }

// Transitions returns and clears the state changes since the previous call.
func (m *Monitor) Transitions() []Transition {
	out := m.transitions
	m.transitions = nil
	return out
}

func (m *Monitor) setState(to State) {
	if m.rec.State == to {
		return
	}
	m.transitions = append(m.transitions, Transition{From: m.rec.State, To: to})
	m.rec.State = to
	m.rec.Connected = to == StateConnected || to == StateDegraded
}

func (m *Monitor) MarkConnected(now time.Time) {
	if m.rec.State == StateFailed {
		return
	}
	m.rec.LastActivity = now
	m.pingOutstanding = false
	m.rec.PingSentAt = time.Time{}
	m.setState(StateConnected)
}

// Activity records inbound traffic. A degraded leg recovers on activity.
func (m *Monitor) Activity(now time.Time) {
	if now.After(m.rec.LastActivity) {
		m.rec.LastActivity = now
	}
	if m.rec.State == StateDegraded {
		m.setState(StateConnected)
	}
}

func (m *Monitor) PingSent(now time.Time) {
	m.rec.PingSentAt = now
	m.pingOutstanding = true
}

// Pong records a ping response and updates the round-trip time and quality.
func (m *Monitor) Pong(now time.Time) {
	m.Activity(now)
	m.rec.LastPong = now
	if !m.pingOutstanding || m.rec.PingSentAt.IsZero() {
		return
	}
	m.pingOutstanding = false
	rtt := now.Sub(m.rec.PingSentAt)
	if rtt < 0 {
		rtt = 0
	}
	m.rec.RTT = rtt
	m.rec.Quality = m.classify(rtt)
}

func (m *Monitor) classify(rtt time.Duration) Quality {
	limit := m.cfg.MaxLatency
	switch {
	case rtt < limit/4:
		return QualityExcellent
	case rtt < limit/2:
		return QualityGood
	case rtt < limit:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Usable reports whether the leg meets the configured minimum quality.
func (m *Monitor) Usable() bool {
	switch m.rec.State {
	case StateFailed, StateReconnecting:
		return false
	}
	return m.rec.Quality.AtLeast(m.cfg.MinQuality)
}

// Tick evaluates timeouts and returns what the owner should do next.
func (m *Monitor) Tick(now time.Time) Action {
	switch m.rec.State {
	case StateFailed, StateReconnecting:
		return ActionNone
	}

	idle := now.Sub(m.rec.LastActivity)
	if idle >= m.cfg.ActivityTimeout {
		return ActionReconnect
	}

	pingOverdue := m.pingOutstanding && now.Sub(m.rec.PingSentAt) >= m.cfg.ConnectionTimeout
	if m.rec.State == StateConnected && (idle >= m.cfg.ConnectionTimeout || pingOverdue) {
		m.setState(StateDegraded)
		m.rec.Quality = QualityPoor
	}

	if m.rec.State == StateConnecting {
		return ActionNone
	}
	if m.pingOutstanding && !pingOverdue {
		return ActionNone
	}
	if m.rec.PingSentAt.IsZero() || now.Sub(m.rec.PingSentAt) >= m.cfg.PingInterval {
		return ActionPing
	}
	return ActionNone
}

// Fail reports an I/O failure on the leg; the owner should start reconnecting.
func (m *Monitor) Fail() Action {
	if m.rec.State == StateFailed || m.rec.State == StateReconnecting {
		return ActionNone
	}
	return ActionReconnect
}

// NextReconnect consumes the next entry of the backoff schedule. It returns false once
// the attempts are exhausted, leaving the leg terminally failed.
func (m *Monitor) NextReconnect() (time.Duration, bool) {
	if m.rec.State == StateFailed {
		return 0, false
	}
	if m.rec.ReconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.setState(StateFailed)
		return 0, false
	}
	delay := reliability.ScheduleDelay(m.cfg.ReconnectBackoff, m.rec.ReconnectAttempts)
	m.rec.ReconnectAttempts++
	m.setState(StateReconnecting)
	return delay, true
}

func (m *Monitor) Reconnected(now time.Time) {
	if m.rec.State == StateFailed {
		return
	}
	m.rec.ReconnectAttempts = 0
	m.rec.Reconnects++
	m.rec.Quality = QualityUnknown
	m.MarkConnected(now)
}

// MarkFailed moves the leg to the terminal failed state.
func (m *Monitor) MarkFailed() {
	m.setState(StateFailed)
}

// Worse returns the lower of two qualities. A measured quality wins over unknown.
func Worse(a, b Quality) Quality {
	switch {
	case a.rank() == 0:
		return b
	case b.rank() == 0:
		return a
	case a.rank() <= b.rank():
		return a
	default:
		return b
	}
}
