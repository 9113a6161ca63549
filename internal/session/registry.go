package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateSession = errors.New("session already exists")
	ErrSessionNotFound  = errors.New("session not found")
)

// MetricsLogger persists finalized call metrics. Delivery is not retried.
type MetricsLogger interface {
	LogCall(ctx context.Context, m CallMetrics) error
}

// Mirror publishes the set of active calls to an external store.
type Mirror interface {
	SetActiveCall(ctx context.Context, s Summary) error
	RemoveActiveCall(ctx context.Context, callID string) error
}

const (
	ReasonInactive    = "inactive"
	ReasonMaxDuration = "max_duration"
)

type RegistryConfig struct {
	ActivityTimeout time.Duration
	MaxCallDuration time.Duration
	LogTimeout      time.Duration
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession

	cfg      RegistryConfig
	logger   MetricsLogger
	mirror   Mirror
	log      *slog.Logger
	now      func() time.Time
	onExpire func(callID, reason string, m CallMetrics)

	errs chan error
}

func NewRegistry(cfg RegistryConfig, logger MetricsLogger, log *slog.Logger) *Registry {
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = 30 * time.Second
	}
	if cfg.LogTimeout <= 0 {
		cfg.LogTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*CallSession),
		cfg:      cfg,
		logger:   logger,
		log:      log,
		now:      time.Now,
		errs:     make(chan error, 64),
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now != nil {
		r.now = now
	}
}

func (r *Registry) SetMirror(m Mirror) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirror = m
}

func (r *Registry) SetExpireHook(hook func(callID, reason string, m CallMetrics)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Errors reports call logger failures. The channel is never closed; errors are dropped
// when nobody drains it.
func (r *Registry) Errors() <-chan error { return r.errs }

// Create reserves callID. The session is not swept until Activate attaches its handle.
func (r *Registry) Create(callID, provider string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, callID)
	}
	now := r.now()
	s := &CallSession{
		ID:        callID,
		Provider:  provider,
		CreatedAt: now,
		Metrics:   CallMetrics{CallID: callID, Provider: provider, StartedAt: now},
	}
	s.Touch(now)
	s.SetState("initializing")
	r.sessions[callID] = s
	return s, nil
}

// Activate attaches the relay handle. It fails if the session was removed meanwhile.
func (r *Registry) Activate(callID string, h Handle) error {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if ok {
		s.handle = h
	}
	mirror := r.mirror
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, callID)
	}
	if mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LogTimeout)
		defer cancel()
		if err := mirror.SetActiveCall(ctx, s.Summary()); err != nil {
			r.log.Debug("active call mirror update failed", "call_id", callID, "error", err)
		}
	}
	return nil
}

func (r *Registry) Get(callID string) (*CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, callID)
	}
	return s, nil
}

// Snapshot returns live metrics for callID.
func (r *Registry) Snapshot(callID string) (CallMetrics, error) {
	r.mu.RLock()
	s, ok := r.sessions[callID]
	var h Handle
	if ok {
		h = s.handle
	}
	r.mu.RUnlock()
	if !ok {
		return CallMetrics{}, fmt.Errorf("%w: %s", ErrSessionNotFound, callID)
	}
	if h == nil {
		return CallMetrics{CallID: s.ID, Provider: s.Provider, StartedAt: s.CreatedAt}, nil
	}
	return h.Snapshot(), nil
}

func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Summary())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove tears the session down, flushes its final metrics to the call logger and
// forgets it. Removing an unknown call returns ErrSessionNotFound and has no effect.
func (r *Registry) Remove(callID, reason string) (CallMetrics, error) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	mirror := r.mirror
	r.mu.Unlock()
	if !ok {
		return CallMetrics{}, fmt.Errorf("%w: %s", ErrSessionNotFound, callID)
	}

	var m CallMetrics
	if s.handle != nil {
		m = s.handle.Close(reason)
	} else {
		// Still being set up by its relay task; Activate will fail and it cleans up.
		m = CallMetrics{CallID: s.ID, Provider: s.Provider, StartedAt: s.CreatedAt}
		m.EndedAt = r.now()
		m.FinalState = "closed"
		m.EndReason = reason
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LogTimeout)
	defer cancel()
	if r.logger != nil {
		if err := r.logger.LogCall(ctx, m); err != nil {
			r.reportError(fmt.Errorf("log call %s: %w", callID, err))
		}
	}
	if mirror != nil {
		if err := mirror.RemoveActiveCall(ctx, callID); err != nil {
			r.log.Debug("active call mirror removal failed", "call_id", callID, "error", err)
		}
	}
	r.log.Info("call session removed", "call_id", callID, "reason", reason, "duration", m.Duration())
	return m, nil
}

func (r *Registry) reportError(err error) {
	r.log.Warn("call logger failed", "error", err)
	select {
	case r.errs <- err:
	default:
	}
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Sweep force-removes activated sessions that have been idle past the activity timeout
// or alive past the maximum call duration. It returns the number removed.
func (r *Registry) Sweep() int {
	type victim struct{ id, reason string }

	r.mu.RLock()
	now := r.now()
	var victims []victim
	for id, s := range r.sessions {
		if s.handle == nil {
			continue
		}
		switch {
		case r.cfg.MaxCallDuration > 0 && now.Sub(s.CreatedAt) >= r.cfg.MaxCallDuration:
			victims = append(victims, victim{id, ReasonMaxDuration})
		case now.Sub(s.LastActivity()) >= r.cfg.ActivityTimeout:
			victims = append(victims, victim{id, ReasonInactive})
		}
	}
	hook := r.onExpire
	r.mu.RUnlock()

	removed := 0
	for _, v := range victims {
		m, err := r.Remove(v.id, v.reason)
		if err != nil {
			continue
		}
		removed++
		if hook != nil {
			hook(v.id, v.reason, m)
		}
	}
	return removed
}

// CloseAll removes every session, used at shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_, _ = r.Remove(id, reason)
	}
}
