package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicerelay/internal/aileg"
	"github.com/ent0n29/voicerelay/internal/breaker"
	"github.com/ent0n29/voicerelay/internal/leg"
	"github.com/ent0n29/voicerelay/internal/reliability"
	"github.com/ent0n29/voicerelay/internal/session"
)

type fakeConn struct {
	in     chan leg.Frame
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []leg.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan leg.Frame, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (leg.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case err := <-c.errs:
		return leg.Frame{}, err
	case <-c.closed:
		return leg.Frame{}, leg.ErrClosed
	}
}

func (c *fakeConn) WriteFrame(_ context.Context, f leg.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written(t leg.FrameType) []leg.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []leg.Frame
	for _, f := range c.writes {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeConnector struct {
	mu    sync.Mutex
	err   error
	dials int
	conns []*fakeConn
	// hangAfter makes every dial after the first hangAfter ones block until ctx ends.
	hangAfter int
}

func (c *fakeConnector) Provider() string { return "fake" }

func (c *fakeConnector) Dial(ctx context.Context, _ aileg.Target) (leg.Conn, error) {
	c.mu.Lock()
	c.dials++
	if c.hangAfter > 0 && c.dials > c.hangAfter {
		c.mu.Unlock()
		<-ctx.Done()
		return nil, &aileg.ConnectError{Provider: "fake", Kind: reliability.KindTimeout, Err: ctx.Err()}
	}
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	conn := newFakeConn()
	c.conns = append(c.conns, conn)
	return conn, nil
}

func (c *fakeConnector) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *fakeConnector) conn(i int) *fakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[i]
}

type recordingLogger struct {
	mu    sync.Mutex
	calls []session.CallMetrics
}

func (l *recordingLogger) LogCall(_ context.Context, m session.CallMetrics) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, m)
	return nil
}

func (l *recordingLogger) logged() []session.CallMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.CallMetrics(nil), l.calls...)
}

func timeoutErr() error {
	return &aileg.ConnectError{Provider: "fake", Kind: reliability.KindTimeout, Err: context.DeadlineExceeded}
}

func testCallConfig() CallConfig {
	cfg := DefaultCallConfig()
	cfg.Target = aileg.AgentID("agent_1")
	cfg.MaxAIRetries = 0
	cfg.RetryDelay = 0
	cfg.Health.PingInterval = time.Hour
	cfg.Health.ConnectionTimeout = time.Hour
	cfg.Health.ActivityTimeout = time.Hour
	cfg.MetricsInterval = time.Hour
	return cfg
}

func newTestService(t *testing.T, connector *fakeConnector, threshold int) (*Service, *recordingLogger) {
	t.Helper()
	return newTestServiceWithBreaker(t, connector, breaker.Config{Threshold: threshold, OpenTimeout: time.Minute})
}

func newTestServiceWithBreaker(t *testing.T, connector *fakeConnector, bcfg breaker.Config) (*Service, *recordingLogger) {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := &recordingLogger{}
	reg := session.NewRegistry(session.RegistryConfig{ActivityTimeout: time.Minute}, calls, discard)
	svc, err := NewService(Options{
		Registry:  reg,
		Breakers:  breaker.NewRegistry(bcfg),
		Connector: connector,
		Logger:    discard,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(svc.Shutdown)
	return svc, calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateIs(svc *Service, callID string, want State) func() bool {
	return func() bool {
		got, err := svc.State(callID)
		return err == nil && got == want
	}
}

func TestBreakerOpensAfterRepeatedConnectTimeouts(t *testing.T) {
	connector := &fakeConnector{err: timeoutErr()}
	svc, _ := newTestService(t, connector, 5)
	cfg := testCallConfig()

	for i, id := range []string{"CA1", "CA2", "CA3", "CA4", "CA5"} {
		if err := svc.CreateSession(context.Background(), id, newFakeConn(), cfg); err != nil {
			t.Fatalf("CreateSession(%s) error = %v", id, err)
		}
		if got := connector.dialCount(); got != i+1 {
			t.Fatalf("dials after %s = %d, want %d", id, got, i+1)
		}
		m, _ := svc.Snapshot(id)
		if m.FallbackReason != FallbackConnect+":"+reliability.KindTimeout {
			t.Fatalf("FallbackReason = %q, want connect timeout", m.FallbackReason)
		}
	}
	if got := svc.breakers.Get("fake").State(); got != breaker.StateOpen {
		t.Fatalf("breaker state = %q, want open", got)
	}

	if err := svc.CreateSession(context.Background(), "CA6", newFakeConn(), cfg); err != nil {
		t.Fatalf("CreateSession(CA6) error = %v", err)
	}
	if got := connector.dialCount(); got != 5 {
		t.Fatalf("dials = %d, want 5 (no dial while open)", got)
	}
	state, _ := svc.State("CA6")
	if state != StateAIFallback {
		t.Fatalf("State(CA6) = %q, want %q", state, StateAIFallback)
	}
	m, _ := svc.Snapshot("CA6")
	if !m.FallbackTriggered || m.FallbackReason != FallbackCircuitOpen {
		t.Fatalf("fallback = %v/%q, want true/%q", m.FallbackTriggered, m.FallbackReason, FallbackCircuitOpen)
	}
}

func TestConnectFailureWithoutAutoFallbackFails(t *testing.T) {
	connector := &fakeConnector{err: timeoutErr()}
	svc, _ := newTestService(t, connector, 5)
	cfg := testCallConfig()
	cfg.AutoFallback = false
	cfg.MaxAIRetries = 2

	pstn := newFakeConn()
	err := svc.CreateSession(context.Background(), "CA1", pstn, cfg)
	var ce *aileg.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("CreateSession() error = %v, want ConnectError", err)
	}
	if got := connector.dialCount(); got != 3 {
		t.Fatalf("dials = %d, want 3", got)
	}
	if got := svc.registry.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}
	if pstn.isClosed() {
		t.Fatalf("pstn leg closed on failed create; caller owns it")
	}
}

func TestConnectAuthFailureIsNotRetried(t *testing.T) {
	connector := &fakeConnector{err: &aileg.ConnectError{Provider: "fake", Kind: reliability.KindAuth, Status: 401, Err: errors.New("bad key")}}
	svc, _ := newTestService(t, connector, 5)
	cfg := testCallConfig()
	cfg.MaxAIRetries = 2

	if err := svc.CreateSession(context.Background(), "CA1", newFakeConn(), cfg); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got := connector.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	m, _ := svc.Snapshot("CA1")
	if m.FallbackReason != FallbackConnect+":"+reliability.KindAuth {
		t.Fatalf("FallbackReason = %q, want connect auth", m.FallbackReason)
	}
}

func TestCreateSessionRejectsDuplicate(t *testing.T) {
	svc, _ := newTestService(t, &fakeConnector{}, 5)
	if err := svc.CreateSession(context.Background(), "CA1", newFakeConn(), testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	err := svc.CreateSession(context.Background(), "CA1", newFakeConn(), testCallConfig())
	if !errors.Is(err, session.ErrDuplicateSession) {
		t.Fatalf("second CreateSession() error = %v, want ErrDuplicateSession", err)
	}
}

func TestTeardownTwiceReturnsNotFound(t *testing.T) {
	connector := &fakeConnector{}
	svc, calls := newTestService(t, connector, 5)
	pstn := newFakeConn()
	if err := svc.CreateSession(context.Background(), "CA1", pstn, testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	events, err := svc.Events("CA1")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	m, err := svc.Teardown("CA1")
	if err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if m.EndReason != ReasonTeardown || m.FinalState != string(StateBridging) {
		t.Fatalf("final metrics = %q/%q, want teardown/bridging", m.EndReason, m.FinalState)
	}
	if _, err := svc.Teardown("CA1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("second Teardown() error = %v, want ErrSessionNotFound", err)
	}
	if !pstn.isClosed() || !connector.conn(0).isClosed() {
		t.Fatalf("legs not closed at teardown")
	}
	if got := len(calls.logged()); got != 1 {
		t.Fatalf("logged calls = %d, want 1", got)
	}

	var last Event
	for ev := range events {
		last = ev
	}
	if last.Type != EventMetricsUpdated || last.Metrics == nil || last.Metrics.EndReason != ReasonTeardown {
		t.Fatalf("last event = %+v, want final metricsUpdated", last)
	}
}

func TestCallerAudioIsReorderedBeforeAI(t *testing.T) {
	connector := &fakeConnector{}
	svc, _ := newTestService(t, connector, 5)
	pstn := newFakeConn()
	if err := svc.CreateSession(context.Background(), "CA1", pstn, testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for _, seq := range []uint64{2, 1, 3} {
		pstn.in <- leg.Frame{Type: leg.FrameAudio, Seq: seq, Payload: []byte{byte(seq)}}
	}

	ai := connector.conn(0)
	waitFor(t, "three chunks on the ai leg", func() bool { return len(ai.written(leg.FrameAudio)) == 3 })
	for i, f := range ai.written(leg.FrameAudio) {
		if f.Seq != uint64(i+1) || f.Payload[0] != byte(i+1) {
			t.Fatalf("chunk %d = seq %d, want %d", i, f.Seq, i+1)
		}
	}
	m, _ := svc.Snapshot("CA1")
	if m.ChunksReceived != 3 || m.ChunksSent != 3 || m.BytesSent != 3 {
		t.Fatalf("metrics = %+v, want 3 received and sent", m)
	}
}

func TestAgentAudioIsForwardedToPSTN(t *testing.T) {
	connector := &fakeConnector{}
	svc, _ := newTestService(t, connector, 5)
	pstn := newFakeConn()
	if err := svc.CreateSession(context.Background(), "CA1", pstn, testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	ai := connector.conn(0)
	ai.in <- leg.Frame{Type: leg.FrameAudio, Seq: 1, Payload: make([]byte, 160)}
	ai.in <- leg.Frame{Type: leg.FrameAgentResponse}

	waitFor(t, "agent audio on the pstn leg", func() bool { return len(pstn.written(leg.FrameAudio)) == 1 })
	waitFor(t, "conversation turn", func() bool {
		m, _ := svc.Snapshot("CA1")
		return m.ConversationTurns == 1 && m.AIChunksReceived == 1 && m.AIBytesReceived == 160
	})
}

func TestInterruptionClearsAgentPlayout(t *testing.T) {
	connector := &fakeConnector{}
	svc, _ := newTestService(t, connector, 5)
	pstn := newFakeConn()
	if err := svc.CreateSession(context.Background(), "CA1", pstn, testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	events, _ := svc.Events("CA1")

	// Two seconds of agent audio keeps playout active for the rest of the test.
	connector.conn(0).in <- leg.Frame{Type: leg.FrameAudio, Seq: 1, Payload: make([]byte, 16000)}
	waitFor(t, "agent audio on the pstn leg", func() bool { return len(pstn.written(leg.FrameAudio)) == 1 })

	if err := svc.SignalInterruption("CA1"); err != nil {
		t.Fatalf("SignalInterruption() error = %v", err)
	}
	waitFor(t, "clear on the pstn leg", func() bool { return len(pstn.written(leg.FrameClear)) == 1 })

	deadline := time.After(2 * time.Second)
	for found := false; !found; {
		select {
		case ev := <-events:
			found = ev.Type == EventInterruptionDetected
		case <-deadline:
			t.Fatalf("no interruptionDetected event")
		}
	}

	// Playout was cancelled, so a second signal is not an interruption.
	_ = svc.SignalInterruption("CA1")
	time.Sleep(50 * time.Millisecond)
	m, _ := svc.Snapshot("CA1")
	if m.Interruptions != 1 {
		t.Fatalf("Interruptions = %d, want 1", m.Interruptions)
	}
	if got := len(pstn.written(leg.FrameClear)); got != 1 {
		t.Fatalf("clear frames = %d, want 1", got)
	}
}

func TestInterruptionWithoutAgentAudioIsIgnored(t *testing.T) {
	svc, _ := newTestService(t, &fakeConnector{}, 5)
	pstn := newFakeConn()
	if err := svc.CreateSession(context.Background(), "CA1", pstn, testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	_ = svc.SignalInterruption("CA1")
	time.Sleep(50 * time.Millisecond)
	if m, _ := svc.Snapshot("CA1"); m.Interruptions != 0 {
		t.Fatalf("Interruptions = %d, want 0", m.Interruptions)
	}
	if err := svc.SignalInterruption("missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("SignalInterruption(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestPSTNStopEndsSession(t *testing.T) {
	svc, calls := newTestService(t, &fakeConnector{}, 5)
	pstn := newFakeConn()
	if err := svc.CreateSession(context.Background(), "CA1", pstn, testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	done, err := svc.Done("CA1")
	if err != nil {
		t.Fatalf("Done() error = %v", err)
	}
	pstn.in <- leg.Frame{Type: leg.FrameDTMF, Name: "5"}
	pstn.in <- leg.Frame{Type: leg.FrameStop}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("session not closed after stop")
	}
	waitFor(t, "call logged", func() bool { return len(calls.logged()) == 1 })
	m := calls.logged()[0]
	if m.EndReason != ReasonPSTNStop || m.DTMFDigits != 1 {
		t.Fatalf("logged metrics = %q/%d, want pstn_stop with one digit", m.EndReason, m.DTMFDigits)
	}
	if _, err := svc.Teardown("CA1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("Teardown() after stop error = %v, want ErrSessionNotFound", err)
	}
}

func TestAIFailureFallsBackWhenReconnectsExhausted(t *testing.T) {
	connector := &fakeConnector{}
	svc, _ := newTestService(t, connector, 5)
	cfg := testCallConfig()
	cfg.Health.MaxReconnectAttempts = 0
	if err := svc.CreateSession(context.Background(), "CA1", newFakeConn(), cfg); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	events, _ := svc.Events("CA1")
	connector.conn(0).errs <- errors.New("connection reset")

	waitFor(t, "ai fallback", stateIs(svc, "CA1", StateAIFallback))
	m, _ := svc.Snapshot("CA1")
	if !m.FallbackTriggered || m.FallbackReason != FallbackAIFailed {
		t.Fatalf("fallback = %v/%q, want true/%q", m.FallbackTriggered, m.FallbackReason, FallbackAIFailed)
	}
	sawFallback := false
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventFallbackTriggered {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Fatalf("no fallbackTriggered event")
	}
}

func TestAIFailureWithoutAutoFallbackTearsDown(t *testing.T) {
	connector := &fakeConnector{}
	svc, calls := newTestService(t, connector, 5)
	cfg := testCallConfig()
	cfg.AutoFallback = false
	cfg.Health.MaxReconnectAttempts = 0
	pstn := newFakeConn()
	if err := svc.CreateSession(context.Background(), "CA1", pstn, cfg); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	connector.conn(0).errs <- errors.New("connection reset")

	waitFor(t, "call logged", func() bool { return len(calls.logged()) == 1 })
	if got := calls.logged()[0].EndReason; got != ReasonAIFailed {
		t.Fatalf("EndReason = %q, want %q", got, ReasonAIFailed)
	}
	if !pstn.isClosed() {
		t.Fatalf("pstn leg still open")
	}
}

func TestAIReconnectsAfterFailure(t *testing.T) {
	connector := &fakeConnector{}
	svc, _ := newTestService(t, connector, 5)
	cfg := testCallConfig()
	cfg.Health.MaxReconnectAttempts = 2
	cfg.Health.ReconnectBackoff = []time.Duration{10 * time.Millisecond}
	if err := svc.CreateSession(context.Background(), "CA1", newFakeConn(), cfg); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	connector.conn(0).errs <- errors.New("connection reset")

	waitFor(t, "second dial", func() bool { return connector.dialCount() == 2 })
	waitFor(t, "bridging again", stateIs(svc, "CA1", StateBridging))
	m, _ := svc.Snapshot("CA1")
	if m.Reconnects != 1 || m.FallbackTriggered {
		t.Fatalf("metrics = reconnects %d fallback %v, want 1/false", m.Reconnects, m.FallbackTriggered)
	}
	if !connector.conn(0).isClosed() {
		t.Fatalf("failed ai leg not closed")
	}
}

func TestBreakerOpeningMidCallFallsBack(t *testing.T) {
	connector := &fakeConnector{}
	svc, _ := newTestService(t, connector, 2)
	if err := svc.CreateSession(context.Background(), "CA1", newFakeConn(), testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	b := svc.breakers.Get("fake")
	b.RecordFailure(reliability.KindRefused)
	b.RecordFailure(reliability.KindRefused)

	waitFor(t, "ai fallback", stateIs(svc, "CA1", StateAIFallback))
	if !connector.conn(0).isClosed() {
		t.Fatalf("ai leg still open in fallback")
	}
	m, _ := svc.Snapshot("CA1")
	if m.FallbackReason != FallbackCircuitOpen {
		t.Fatalf("FallbackReason = %q, want %q", m.FallbackReason, FallbackCircuitOpen)
	}
}

func TestTeardownDuringRedialReleasesHalfOpenTrial(t *testing.T) {
	for i := 0; i < 20; i++ {
		connector := &fakeConnector{hangAfter: 1}
		svc, _ := newTestServiceWithBreaker(t, connector, breaker.Config{Threshold: 2, OpenTimeout: 5 * time.Millisecond})
		cfg := testCallConfig()
		cfg.Health.MaxReconnectAttempts = 2
		cfg.Health.ReconnectBackoff = []time.Duration{20 * time.Millisecond}
		if err := svc.CreateSession(context.Background(), "CA1", newFakeConn(), cfg); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		connector.conn(0).errs <- errors.New("connection reset")
		waitFor(t, "ai leg dropped", connector.conn(0).isClosed)

		b := svc.breakers.Get("fake")
		b.RecordFailure(reliability.KindRefused)
		b.RecordFailure(reliability.KindRefused)
		waitFor(t, "redial", func() bool { return connector.dialCount() == 2 })

		if _, err := svc.Teardown("CA1"); err != nil {
			t.Fatalf("Teardown() error = %v", err)
		}
		if snap := b.Snapshot(); snap.TrialInFlight {
			t.Fatalf("run %d: Snapshot() = %+v, want no trial in flight after teardown", i, snap)
		}
		if !b.Allow() {
			t.Fatalf("run %d: Allow() = false after teardown, want a fresh half-open trial", i)
		}
	}
}

func TestPSTNInactivityTearsDownAfterBackoff(t *testing.T) {
	svc, calls := newTestService(t, &fakeConnector{}, 5)
	cfg := testCallConfig()
	cfg.Target = aileg.Target{}
	cfg.Health.ActivityTimeout = 40 * time.Millisecond
	cfg.Health.MaxReconnectAttempts = 2
	cfg.Health.ReconnectBackoff = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	pstn := newFakeConn()
	if err := svc.CreateSession(context.Background(), "CA1", pstn, cfg); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if state, _ := svc.State("CA1"); state != StateAIFallback {
		t.Fatalf("State() = %q, want fallback without a target", state)
	}

	waitFor(t, "call logged", func() bool { return len(calls.logged()) == 1 })
	m := calls.logged()[0]
	if m.EndReason != ReasonPSTNFailed || m.FallbackReason != FallbackNoTarget {
		t.Fatalf("logged = %q/%q, want %q/%q", m.EndReason, m.FallbackReason, ReasonPSTNFailed, FallbackNoTarget)
	}
	if !pstn.isClosed() {
		t.Fatalf("pstn leg still open")
	}
}

func TestCallerAudioDiscardedInFallback(t *testing.T) {
	svc, _ := newTestService(t, &fakeConnector{err: timeoutErr()}, 5)
	pstn := newFakeConn()
	if err := svc.CreateSession(context.Background(), "CA1", pstn, testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for seq := uint64(1); seq <= 4; seq++ {
		pstn.in <- leg.Frame{Type: leg.FrameAudio, Seq: seq, Payload: []byte{1, 2}}
	}
	waitFor(t, "discarded chunks", func() bool {
		m, _ := svc.Snapshot("CA1")
		return m.ChunksDiscarded == 4 && m.ChunksSent == 0
	})
}

func TestResetBreakerClosesOpenCircuit(t *testing.T) {
	svc, _ := newTestService(t, &fakeConnector{}, 2)
	b := svc.breakers.Get("fake")
	b.RecordFailure(reliability.KindTimeout)
	b.RecordFailure(reliability.KindTimeout)
	if b.State() != breaker.StateOpen {
		t.Fatalf("State() = %q, want open", b.State())
	}

	snap, err := svc.ResetBreaker("fake")
	if err != nil {
		t.Fatalf("ResetBreaker() error = %v", err)
	}
	if snap.State != breaker.StateClosed || snap.FailureCount != 0 {
		t.Fatalf("ResetBreaker() = %+v, want closed with no failures", snap)
	}
	if !b.Allow() {
		t.Fatalf("Allow() = false after reset")
	}

	if _, err := svc.ResetBreaker("other"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("ResetBreaker(other) error = %v, want ErrUnknownProvider", err)
	}
	if got := len(svc.Breakers()); got != 1 {
		t.Fatalf("Breakers() = %d entries, want 1", got)
	}
}

type pongConn struct {
	*fakeConn
	mu     sync.Mutex
	onPong func(at time.Time)
}

func (c *pongConn) OnPong(fn func(at time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPong = fn
}

func (c *pongConn) hook() func(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onPong
}

func TestPongNotifierRegisteredOnLegs(t *testing.T) {
	svc, _ := newTestService(t, &fakeConnector{}, 5)
	pstn := &pongConn{fakeConn: newFakeConn()}
	if err := svc.CreateSession(context.Background(), "CA1", pstn, testCallConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	fn := pstn.hook()
	if fn == nil {
		t.Fatalf("OnPong hook not registered for pstn leg")
	}
	fn(time.Now())
	if state, err := svc.State("CA1"); err != nil || state != StateBridging {
		t.Fatalf("State() = %q, %v after pong, want bridging", state, err)
	}
}
