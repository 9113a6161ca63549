package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/aileg"
	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/breaker"
	"github.com/ent0n29/voicerelay/internal/health"
	"github.com/ent0n29/voicerelay/internal/jitter"
	"github.com/ent0n29/voicerelay/internal/leg"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/outbound"
	"github.com/ent0n29/voicerelay/internal/session"
)

// ErrUnknownProvider is returned for a provider no breaker has been created for.
var ErrUnknownProvider = errors.New("relay: unknown provider")

type Options struct {
	Registry  *session.Registry
	Breakers  *breaker.Registry
	Connector aileg.Connector
	Metrics   *observability.Metrics
	Sink      outbound.Sink
	Processor audio.Processor
	Logger    *slog.Logger
	Defaults  CallConfig
}

// Service owns the relay tasks of all live calls.
type Service struct {
	registry  *session.Registry
	breakers  *breaker.Registry
	connector aileg.Connector
	metrics   *observability.Metrics
	sink      outbound.Sink
	processor audio.Processor
	log       *slog.Logger
	defaults  CallConfig
	now       func() time.Time

	mu      sync.RWMutex
	engines map[string]*engine
}

func NewService(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("relay: session registry is required")
	}
	if opts.Connector == nil {
		return nil, errors.New("relay: ai connector is required")
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Defaults.Format.Encoding == "" {
		opts.Defaults = DefaultCallConfig()
	}
	return &Service{
		registry:  opts.Registry,
		breakers:  opts.Breakers,
		connector: opts.Connector,
		metrics:   opts.Metrics,
		sink:      opts.Sink,
		processor: opts.Processor,
		log:       opts.Logger,
		defaults:  opts.Defaults,
		now:       time.Now,
		engines:   make(map[string]*engine),
	}, nil
}

// SetClock replaces the time source used for timestamps. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) DefaultCallConfig() CallConfig { return s.defaults }

func (s *Service) Provider() string { return s.connector.Provider() }

// CreateSession registers callID, dials the AI leg and starts relaying. It returns once
// the session is bridging or in fallback; the PSTN leg is owned by the session from
// then on and closed at teardown.
func (s *Service) CreateSession(ctx context.Context, callID string, pstn leg.Conn, cfg CallConfig) error {
	if callID == "" {
		return errors.New("relay: call id is required")
	}
	if pstn == nil {
		return errors.New("relay: pstn leg is required")
	}
	cfg = cfg.withDefaults()
	provider := s.connector.Provider()

	cs, err := s.registry.Create(callID, provider)
	if err != nil {
		return err
	}
	now := s.now()
	cs.PSTN = pstn
	cs.Buffer = jitter.New(cfg.Jitter)
	cs.PSTNHealth = health.NewMonitor(cfg.Health, now)
	cs.PSTNHealth.MarkConnected(now)
	cs.Breaker = s.breakers.Get(provider)
	cs.Queue = outbound.New(callID, cfg.Queue, s.sink, s.log)
	cs.Metrics.Target = cfg.Target.String()

	e := newEngine(s, cs, cfg)
	e.setState(StatePSTNConnected, "pstn stream started")

	if err := e.connectAI(ctx); err != nil {
		e.dropAI()
		if _, rmErr := s.registry.Remove(callID, ReasonAIConnect); rmErr != nil {
			e.log.Debug("remove failed session", "error", rmErr)
		}
		return fmt.Errorf("create session %s: %w", callID, err)
	}

	s.mu.Lock()
	s.engines[callID] = e
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveCalls.Inc()
	}

	if err := s.registry.Activate(callID, e); err != nil {
		s.forget(callID, e)
		e.dropAI()
		return err
	}

	queueCtx, cancel := context.WithCancel(context.Background())
	e.queueCancel = cancel
	e.queueDone = make(chan struct{})
	go func() {
		defer close(e.queueDone)
		cs.Queue.Run(queueCtx)
	}()

	e.startReader(leg.KindPSTN, pstn, 0, e.pstnIn, nil)
	go e.run()

	if s.metrics != nil {
		s.metrics.CountCallEvent("created")
	}
	e.log.Info("call session created", "state", e.state, "target", cfg.Target.String())
	return nil
}

func (s *Service) lookup(callID string) (*engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engines[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, callID)
	}
	return e, nil
}

// forget drops the engine for callID if it is still the registered one.
func (s *Service) forget(callID string, e *engine) {
	s.mu.Lock()
	cur, ok := s.engines[callID]
	if ok && cur == e {
		delete(s.engines, callID)
	}
	s.mu.Unlock()
	if ok && cur == e && s.metrics != nil {
		s.metrics.ActiveCalls.Dec()
	}
}

// Teardown closes the session and returns its final metrics. A second call for the
// same id returns session.ErrSessionNotFound.
func (s *Service) Teardown(callID string) (session.CallMetrics, error) {
	return s.registry.Remove(callID, ReasonTeardown)
}

// Events subscribes to the session's event stream. The channel is closed at teardown.
func (s *Service) Events(callID string) (<-chan Event, error) {
	e, err := s.lookup(callID)
	if err != nil {
		return nil, err
	}
	return e.subscribe(), nil
}

// SignalInterruption reports that the caller started speaking over the agent.
func (s *Service) SignalInterruption(callID string) error {
	e, err := s.lookup(callID)
	if err != nil {
		return err
	}
	e.signalInterruption()
	return nil
}

// Done returns a channel closed once the session has been torn down.
func (s *Service) Done(callID string) (<-chan struct{}, error) {
	e, err := s.lookup(callID)
	if err != nil {
		return nil, err
	}
	return e.done, nil
}

// State reports the relay state of a live session.
func (s *Service) State(callID string) (State, error) {
	cs, err := s.registry.Get(callID)
	if err != nil {
		return "", err
	}
	return State(cs.State()), nil
}

func (s *Service) Snapshot(callID string) (session.CallMetrics, error) {
	return s.registry.Snapshot(callID)
}

func (s *Service) Breakers() []breaker.Snapshot {
	return s.breakers.Snapshots()
}

// ResetBreaker forces provider's circuit breaker closed. Only breakers that have
// already been used can be reset.
func (s *Service) ResetBreaker(provider string) (breaker.Snapshot, error) {
	b, ok := s.breakers.Lookup(provider)
	if !ok {
		return breaker.Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	b.Reset()
	return b.Snapshot(), nil
}

// Shutdown tears down every live session.
func (s *Service) Shutdown() {
	s.registry.CloseAll(ReasonShutdown)
}
