package breaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned to callers that asked for an attempt while the breaker rejects them.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	Threshold   int
	OpenTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Threshold: 5, OpenTimeout: 30 * time.Second}
}

type Snapshot struct {
	Provider       string         `json:"provider"`
	State          State          `json:"state"`
	FailureCount   int            `json:"failure_count"`
	FailuresByKind map[string]int `json:"failures_by_kind,omitempty"`
	LastFailureAt  *time.Time     `json:"last_failure_at,omitempty"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	TrialInFlight  bool           `json:"trial_in_flight"`
}

// Breaker guards one AI provider. It is shared by every call session using that
// provider, so all methods are safe for concurrent use.
type Breaker struct {
	mu           sync.Mutex
	provider     string
	cfg          Config
	now          func() time.Time
	onTransition func(provider string, from, to State)

	state         State
	failures      int
	byKind        map[string]int
	lastFailure   time.Time
	nextAttempt   time.Time
	trialInFlight bool
}

func New(provider string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &Breaker{
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		state:    StateClosed,
		byKind:   make(map[string]int),
	}
}

// SetClock replaces the time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
}

func (b *Breaker) SetTransitionHook(hook func(provider string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = hook
}

func (b *Breaker) Provider() string { return b.provider }

func (b *Breaker) RecordFailure(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	b.mu.Lock()
	now := b.now()
	b.failures++
	b.byKind[kind]++
	b.lastFailure = now

	var from State
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			from = b.transition(StateOpen)
			b.nextAttempt = now.Add(b.cfg.OpenTimeout)
		}
	case StateHalfOpen:
		from = b.transition(StateOpen)
		b.nextAttempt = now.Add(b.cfg.OpenTimeout)
		b.trialInFlight = false
	}
	to, hook := b.state, b.onTransition
	b.mu.Unlock()

	if from != "" && hook != nil {
		hook(b.provider, from, to)
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var from State
	switch b.state {
	case StateHalfOpen:
		from = b.transition(StateClosed)
		b.reset()
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	}
	hook := b.onTransition
	b.mu.Unlock()

	if from != "" && hook != nil {
		hook(b.provider, from, StateClosed)
	}
}

// Allow reports whether a connection attempt may proceed. An open breaker whose
// timeout has elapsed moves to half-open and admits exactly one trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var (
		from    State
		allowed bool
	)
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !b.now().Before(b.nextAttempt) {
			from = b.transition(StateHalfOpen)
			b.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}
	hook := b.onTransition
	b.mu.Unlock()

	if from != "" && hook != nil {
		hook(b.provider, from, StateHalfOpen)
	}
	return allowed
}

// ReleaseTrial returns an unused half-open trial slot, e.g. when the caller gave up
// before dialing.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Provider:      b.provider,
		State:         b.state,
		FailureCount:  b.failures,
		TrialInFlight: b.trialInFlight,
	}
	if len(b.byKind) > 0 {
		s.FailuresByKind = make(map[string]int, len(b.byKind))
		for k, v := range b.byKind {
			s.FailuresByKind[k] = v
		}
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureAt = &t
	}
	if b.state != StateClosed && !b.nextAttempt.IsZero() {
		t := b.nextAttempt
		s.NextAttemptAt = &t
	}
	return s
}

// Reset forces the breaker closed, e.g. from an operator action.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.transition(StateClosed)
	b.reset()
	hook := b.onTransition
	b.mu.Unlock()

	if from != StateClosed && hook != nil {
		hook(b.provider, from, StateClosed)
	}
}

// transition must be called with mu held. It returns the previous state.
func (b *Breaker) transition(to State) State {
	from := b.state
	b.state = to
	return from
}

func (b *Breaker) reset() {
	b.failures = 0
	b.byKind = make(map[string]int)
	b.nextAttempt = time.Time{}
	b.trialInFlight = false
}

// Registry hands out one breaker per provider key.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
	hook     func(provider string, from, to State)
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (r *Registry) SetTransitionHook(hook func(provider string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
	for _, b := range r.breakers {
		b.SetTransitionHook(hook)
	}
}

func (r *Registry) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = New(provider, r.cfg)
		b.SetTransitionHook(r.hook)
		r.breakers[provider] = b
	}
	return b
}

// Lookup returns the breaker for provider without creating one.
func (r *Registry) Lookup(provider string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	return b, ok
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
