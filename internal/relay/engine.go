package relay

import (
	"context"
	"errors"
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
	"github.com/ent0n29/voicerelay/internal/session"
)

const (
	inboundBuffer = 256
	eventBuffer   = 64
)

type inbound struct {
	gen   uint64
	frame leg.Frame
	err   error
}

type dialResult struct {
	gen  uint64
	conn leg.Conn
	err  error
	took time.Duration
}

type closeRequest struct {
	reason string
	reply  chan session.CallMetrics
}

// engine is the relay task of one call. Everything reachable from s (legs, buffer,
// monitors, metrics) is touched only by the loop goroutine; other goroutines talk to it
// through channels.
type engine struct {
	svc  *Service
	s    *session.CallSession
	cfg  CallConfig
	log  *slog.Logger
	now  func() time.Time
	proc audio.Processor

	state State

	pstnIn    chan inbound
	aiIn      chan inbound
	dialed    chan dialResult
	interrupt chan struct{}
	snapshots chan chan session.CallMetrics
	closeReq  chan closeRequest
	stop      chan struct{}
	done      chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	readers sync.WaitGroup
	aiGen   uint64
	aiQuit  chan struct{}
	dialing bool

	aiReconnectAt     time.Time
	pstnReconnectAt   time.Time
	pstnReconnectFrom time.Time
	playoutUntil      time.Time
	sawAIAudio        bool
	lastJitter        jitter.Stats
	selfClosed        string

	queueCancel context.CancelFunc
	queueDone   chan struct{}
	final       session.CallMetrics

	subMu      sync.Mutex
	subs       []chan Event
	subsClosed bool
}

func newEngine(svc *Service, s *session.CallSession, cfg CallConfig) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &engine{
		ctx:       ctx,
		cancel:    cancel,
		svc:       svc,
		s:         s,
		cfg:       cfg,
		log:       svc.log.With("call_id", s.ID, "provider", s.Provider),
		now:       svc.now,
		proc:      audio.Select(cfg.DSP, svc.processor),
		state:     StateInitializing,
		pstnIn:    make(chan inbound, inboundBuffer),
		aiIn:      make(chan inbound, inboundBuffer),
		dialed:    make(chan dialResult, 1),
		interrupt: make(chan struct{}, 1),
		snapshots: make(chan chan session.CallMetrics),
		closeReq:  make(chan closeRequest),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (e *engine) metric(fn func(m *observability.Metrics)) {
	if e.svc.metrics != nil {
		fn(e.svc.metrics)
	}
}

// Close implements session.Handle. It blocks until teardown has completed.
func (e *engine) Close(reason string) session.CallMetrics {
	req := closeRequest{reason: reason, reply: make(chan session.CallMetrics, 1)}
	select {
	case e.closeReq <- req:
		select {
		case m := <-req.reply:
			return m
		case <-e.done:
			return e.final
		}
	case <-e.done:
		return e.final
	}
}

// Snapshot implements session.Handle.
func (e *engine) Snapshot() session.CallMetrics {
	reply := make(chan session.CallMetrics, 1)
	select {
	case e.snapshots <- reply:
		select {
		case m := <-reply:
			return m
		case <-e.done:
			return e.final
		}
	case <-e.done:
		return e.final
	}
}

func (e *engine) signalInterruption() {
	select {
	case e.interrupt <- struct{}{}:
	default:
	}
}

func (e *engine) subscribe() <-chan Event {
	ch := make(chan Event, eventBuffer)
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.subsClosed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// emit publishes ev to subscribers without blocking and mirrors it onto the outbound
// queue. A slow subscriber loses events.
func (e *engine) emit(ev Event) {
	ev.CallID = e.s.ID
	ev.At = e.now()
	e.subMu.Lock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	e.subMu.Unlock()
	e.s.Queue.Enqueue(string(ev.Type), ev)
}

func (e *engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.subsClosed = true
}

func (e *engine) setState(to State, reason string) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	e.s.SetState(string(to))
	e.log.Info("relay state changed", "from", from, "to", to, "reason", reason)
	e.metric(func(m *observability.Metrics) { m.CountCallEvent("state_" + string(to)) })
	e.emit(Event{Type: EventConnectionStateChanged, From: string(from), To: string(to), Reason: reason})
}

// connectAI performs the initial AI dial with bounded retries. It returns an error only
// when the call cannot proceed; breaker rejections end in fallback instead.
func (e *engine) connectAI(ctx context.Context) error {
	if err := e.cfg.Target.Validate(); err != nil {
		e.log.Warn("no usable ai target", "error", err)
		if !e.cfg.AutoFallback {
			return err
		}
		e.enterFallback(FallbackNoTarget)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxAIRetries; attempt++ {
		if attempt > 0 && e.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.RetryDelay):
			}
		}
		if !e.s.Breaker.Allow() {
			e.log.Warn("ai provider circuit open, starting in fallback")
			e.enterFallback(FallbackCircuitOpen)
			return nil
		}
		conn, took, err := e.dial(ctx)
		if err == nil {
			e.attachAI(conn, took)
			return nil
		}
		if ctx.Err() != nil {
			e.s.Breaker.ReleaseTrial()
			return ctx.Err()
		}
		e.recordDialFailure(err)
		lastErr = err
		if !aileg.Retryable(err) {
			break
		}
	}

	if !e.cfg.AutoFallback {
		return lastErr
	}
	e.enterFallback(FallbackConnect + ":" + aileg.KindOf(lastErr))
	return nil
}

func (e *engine) dial(ctx context.Context) (leg.Conn, time.Duration, error) {
	started := time.Now()
	conn, err := e.svc.connector.Dial(ctx, e.cfg.Target)
	return conn, time.Since(started), err
}

func (e *engine) recordDialFailure(err error) {
	kind := aileg.KindOf(err)
	if kind == "" {
		kind = "refused"
	}
	e.s.Breaker.RecordFailure(kind)
	e.metric(func(m *observability.Metrics) {
		m.AIConnectFailures.WithLabelValues(e.s.Provider, kind).Inc()
	})
	e.log.Warn("ai leg connect failed", "kind", kind, "error", err)
}

// attachAI installs a freshly dialed AI leg and starts its reader.
func (e *engine) attachAI(conn leg.Conn, took time.Duration) {
	now := e.now()
	e.s.Breaker.RecordSuccess()
	e.metric(func(m *observability.Metrics) { m.ObserveAIConnect(took) })

	e.aiGen++
	e.aiQuit = make(chan struct{})
	e.s.AI = conn
	if e.s.AIHealth == nil {
		e.s.AIHealth = health.NewMonitor(e.cfg.Health, now)
		e.s.AIHealth.MarkConnected(now)
	} else {
		e.s.AIHealth.Reconnected(now)
		e.s.Metrics.Reconnects++
	}
	e.aiReconnectAt = time.Time{}
	e.startReader(leg.KindAI, conn, e.aiGen, e.aiIn, e.aiQuit)
	e.setState(StateBridging, "ai leg connected")
	e.log.Info("ai leg connected", "target", e.cfg.Target.String(), "took", took)
}

func (e *engine) dropAI() {
	if e.s.AI == nil {
		return
	}
	if e.aiQuit != nil {
		close(e.aiQuit)
		e.aiQuit = nil
	}
	_ = e.s.AI.Close()
	e.s.AI = nil
	e.playoutUntil = time.Time{}
}

func (e *engine) startReader(kind leg.Kind, conn leg.Conn, gen uint64, out chan<- inbound, quit <-chan struct{}) {
	if pn, ok := conn.(leg.PongNotifier); ok {
		pn.OnPong(func(at time.Time) {
			select {
			case out <- inbound{gen: gen, frame: leg.Frame{Type: leg.FramePong, Timestamp: at}}:
			case <-quit:
			case <-e.stop:
			}
		})
	}
	e.readers.Add(1)
	go func() {
		defer e.readers.Done()
		for {
			f, err := conn.ReadFrame()
			select {
			case out <- inbound{gen: gen, frame: f, err: err}:
			case <-quit:
				return
			case <-e.stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (e *engine) enterFallback(reason string) {
	if e.state == StateAIFallback || e.state == StateClosed {
		return
	}
	e.dropAI()
	if e.s.AIHealth != nil {
		e.s.AIHealth.MarkFailed()
	}
	e.aiReconnectAt = time.Time{}
	e.s.Metrics.FallbackTriggered = true
	e.s.Metrics.FallbackReason = reason
	e.setState(StateAIFallback, reason)
	e.metric(func(m *observability.Metrics) { m.CountCallEvent("fallback") })
	e.emit(Event{Type: EventFallbackTriggered, Leg: leg.KindAI, Reason: reason})
}

// run drives the session until teardown. A self-initiated teardown is reported to the
// registry after the loop exits so the final metrics reach the call logger.
func (e *engine) run() {
	e.loop()
	if e.selfClosed != "" {
		_, _ = e.svc.registry.Remove(e.s.ID, e.selfClosed)
	}
}

func (e *engine) loop() {
	drain := time.NewTicker(e.cfg.Jitter.ChunkDuration)
	defer drain.Stop()
	checks := time.NewTicker(healthTick(e.s.PSTNHealth.Config()))
	defer checks.Stop()
	report := time.NewTicker(e.cfg.MetricsInterval)
	defer report.Stop()

	for {
		select {
		case in := <-e.pstnIn:
			e.onPSTN(in)
		case in := <-e.aiIn:
			e.onAI(in)
		case res := <-e.dialed:
			e.onDialed(res)
		case <-drain.C:
			e.drain(e.now())
		case <-checks.C:
			e.checkHealth(e.now())
		case <-report.C:
			m := e.snapshot()
			e.emit(Event{Type: EventMetricsUpdated, Metrics: &m})
		case <-e.interrupt:
			e.onInterruption("signal")
		case reply := <-e.snapshots:
			reply <- e.snapshot()
		case req := <-e.closeReq:
			e.teardown(req.reason)
			req.reply <- e.final
			return
		}
		if e.state == StateClosed {
			return
		}
		e.flushTransitions()
		e.refreshState()
	}
}

func (e *engine) onPSTN(in inbound) {
	if in.err != nil {
		if errors.Is(in.err, leg.ErrClosed) {
			e.shutdown(ReasonPSTNClosed)
			return
		}
		e.pstnFailure(&LegIOError{Leg: leg.KindPSTN, Op: "read", Err: in.err})
		return
	}

	now := e.now()
	f := in.frame
	e.s.Touch(now)
	e.s.PSTNHealth.Activity(now)
	e.metric(func(m *observability.Metrics) {
		m.LegFrames.WithLabelValues(string(leg.KindPSTN), "in", string(f.Type)).Inc()
	})

	switch f.Type {
	case leg.FrameAudio:
		e.s.Metrics.ChunksReceived++
		e.s.Metrics.BytesReceived += uint64(len(f.Payload))
		ts := f.Timestamp
		if ts.IsZero() {
			ts = now
		}
		payload := e.proc.Process(audio.StagePre, e.cfg.Format, f.Payload)
		e.s.Buffer.Insert(jitter.Chunk{Payload: payload, Timestamp: ts, Seq: f.Seq})
	case leg.FramePong:
		at := f.Timestamp
		if at.IsZero() {
			at = now
		}
		e.s.PSTNHealth.Pong(at)
		rtt := e.s.PSTNHealth.Record().RTT
		e.s.Metrics.PSTNRTT = rtt
		e.metric(func(m *observability.Metrics) { m.ObserveRTT(string(leg.KindPSTN), rtt) })
	case leg.FrameStop:
		e.shutdown(ReasonPSTNStop)
	case leg.FrameDTMF:
		e.s.Metrics.DTMFDigits++
		e.s.Queue.Enqueue("dtmf", map[string]string{"digit": f.Name})
	case leg.FrameMark:
		e.s.Queue.Enqueue("mark", map[string]string{"name": f.Name})
	}
}

func (e *engine) onAI(in inbound) {
	if in.gen != e.aiGen || e.s.AI == nil {
		return
	}
	if in.err != nil {
		e.aiFailure(&LegIOError{Leg: leg.KindAI, Op: "read", Err: in.err})
		return
	}

	now := e.now()
	f := in.frame
	e.s.Touch(now)
	e.s.AIHealth.Activity(now)
	e.metric(func(m *observability.Metrics) {
		m.LegFrames.WithLabelValues(string(leg.KindAI), "in", string(f.Type)).Inc()
	})

	switch f.Type {
	case leg.FrameAudio:
		e.s.Metrics.AIChunksReceived++
		e.s.Metrics.AIBytesReceived += uint64(len(f.Payload))
		if !e.sawAIAudio {
			e.sawAIAudio = true
			e.metric(func(m *observability.Metrics) {
				m.ObserveStage(observability.StageAIFirstAudio, now.Sub(e.s.CreatedAt))
			})
		}
		if e.playoutUntil.Before(now) {
			e.playoutUntil = now
		}
		e.playoutUntil = e.playoutUntil.Add(e.cfg.Format.Duration(len(f.Payload)))
		if err := e.writePSTN(leg.Frame{Type: leg.FrameAudio, Payload: f.Payload}); err != nil {
			e.pstnFailure(&LegIOError{Leg: leg.KindPSTN, Op: "write", Err: err})
		}
	case leg.FramePong:
		at := f.Timestamp
		if at.IsZero() {
			at = now
		}
		e.s.AIHealth.Pong(at)
		rtt := e.s.AIHealth.Record().RTT
		e.s.Metrics.AIRTT = rtt
		e.metric(func(m *observability.Metrics) { m.ObserveRTT(string(leg.KindAI), rtt) })
	case leg.FrameInterruption:
		e.onInterruption("ai")
	case leg.FrameAgentResponse:
		e.s.Metrics.ConversationTurns++
	case leg.FrameControl:
		if out := f.Params["output_format"]; out != "" {
			if format, err := audio.ParseProviderFormat(out); err == nil && format != e.cfg.Format {
				e.log.Warn("ai output format differs from pstn format", "ai", format.String(), "pstn", e.cfg.Format.String())
			}
		}
	}
}

func (e *engine) onDialed(res dialResult) {
	e.dialing = false
	if res.gen != e.aiGen || e.state == StateAIFallback || e.state == StateClosed {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		e.s.Breaker.ReleaseTrial()
		return
	}
	if res.err != nil {
		e.recordDialFailure(res.err)
		e.scheduleAIReconnect()
		return
	}
	e.attachAI(res.conn, res.took)
}

// onInterruption cancels agent playout on the PSTN leg. It only counts while agent
// audio is still playing out.
func (e *engine) onInterruption(source string) {
	now := e.now()
	if e.s.AI == nil || !now.Before(e.playoutUntil) {
		e.log.Debug("interruption ignored, no agent audio in flight", "source", source)
		return
	}
	e.playoutUntil = time.Time{}
	e.s.Metrics.Interruptions++
	if err := e.writePSTN(leg.Frame{Type: leg.FrameClear}); err != nil {
		e.pstnFailure(&LegIOError{Leg: leg.KindPSTN, Op: "write", Err: err})
	}
	e.metric(func(m *observability.Metrics) { m.CountCallEvent("interruption") })
	e.emit(Event{Type: EventInterruptionDetected, Reason: source})
}

func (e *engine) writePSTN(f leg.Frame) error {
	return e.write(leg.KindPSTN, e.s.PSTN, f)
}

func (e *engine) writeAI(f leg.Frame) error {
	return e.write(leg.KindAI, e.s.AI, f)
}

func (e *engine) write(kind leg.Kind, conn leg.Conn, f leg.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
	defer cancel()
	if err := conn.WriteFrame(ctx, f); err != nil {
		return err
	}
	e.metric(func(m *observability.Metrics) {
		m.LegFrames.WithLabelValues(string(kind), "out", string(f.Type)).Inc()
	})
	return nil
}

// drain releases due caller audio. Without a usable AI leg the audio is discarded so
// the PSTN side keeps flowing.
func (e *engine) drain(now time.Time) {
	for c := range e.s.Buffer.Drain(now) {
		if e.s.AI == nil {
			e.s.Metrics.ChunksDiscarded++
			continue
		}
		payload := e.proc.Process(audio.StagePost, e.cfg.Format, c.Payload)
		if err := e.writeAI(leg.Frame{Type: leg.FrameAudio, Seq: c.Seq, Payload: payload}); err != nil {
			e.s.Metrics.ChunksDiscarded++
			e.aiFailure(&LegIOError{Leg: leg.KindAI, Op: "write", Err: err})
			continue
		}
		e.s.Metrics.ChunksSent++
		e.s.Metrics.BytesSent += uint64(len(payload))
		e.metric(func(m *observability.Metrics) {
			m.ObserveStage(observability.StageDrainLag, now.Sub(c.Timestamp))
		})
	}
	e.syncJitterStats()
}

func (e *engine) syncJitterStats() {
	st := e.s.Buffer.Stats()
	prev := e.lastJitter
	e.lastJitter = st
	e.s.Metrics.BufferUnderruns = st.Underruns
	e.s.Metrics.BufferOverruns = st.Overruns
	e.s.Metrics.LateDrops = st.LateDrops
	e.metric(func(m *observability.Metrics) {
		add := func(event string, cur, old uint64) {
			if cur > old {
				m.JitterEvents.WithLabelValues(event).Add(float64(cur - old))
			}
		}
		add("underrun", st.Underruns, prev.Underruns)
		add("overrun", st.Overruns, prev.Overruns)
		add("late_drop", st.LateDrops, prev.LateDrops)
		add("duplicate", st.Duplicates, prev.Duplicates)
	})
}

func (e *engine) checkHealth(now time.Time) {
	switch e.s.PSTNHealth.Tick(now) {
	case health.ActionPing:
		if err := e.writePSTN(leg.Frame{Type: leg.FramePing}); err != nil {
			e.pstnFailure(&LegIOError{Leg: leg.KindPSTN, Op: "ping", Err: err})
		} else {
			e.s.PSTNHealth.PingSent(now)
			e.s.Metrics.LastPingAt = now
		}
	case health.ActionReconnect:
		e.log.Warn("pstn leg inactive", "idle", now.Sub(e.s.PSTNHealth.Record().LastActivity))
		e.beginPSTNReconnect(now)
	}
	if e.state == StateClosed {
		return
	}
	if !e.pstnReconnectAt.IsZero() && !now.Before(e.pstnReconnectAt) {
		e.attemptPSTNReconnect(now)
		if e.state == StateClosed {
			return
		}
	}

	if e.state == StateAIFallback {
		return
	}
	if e.s.AI != nil && e.s.Breaker.State() == breaker.StateOpen {
		e.log.Warn("ai provider circuit opened during call")
		e.enterFallback(FallbackCircuitOpen)
		return
	}
	if e.s.AI != nil {
		switch e.s.AIHealth.Tick(now) {
		case health.ActionPing:
			if err := e.writeAI(leg.Frame{Type: leg.FramePing}); err != nil {
				e.aiFailure(&LegIOError{Leg: leg.KindAI, Op: "ping", Err: err})
			} else {
				e.s.AIHealth.PingSent(now)
				e.s.Metrics.LastPingAt = now
			}
		case health.ActionReconnect:
			e.log.Warn("ai leg inactive", "idle", now.Sub(e.s.AIHealth.Record().LastActivity))
			e.aiFailure(nil)
		}
	}
	if !e.aiReconnectAt.IsZero() && !now.Before(e.aiReconnectAt) && !e.dialing {
		e.attemptAIReconnect()
	}
}

func (e *engine) pstnFailure(err error) {
	if e.state == StateClosed {
		return
	}
	e.log.Warn("pstn leg failure", "error", err)
	if e.s.PSTNHealth.Fail() == health.ActionReconnect {
		e.beginPSTNReconnect(e.now())
	}
}

// beginPSTNReconnect waits for the carrier to resume the stream. The PSTN leg cannot be
// redialed from this side, so an attempt succeeds when inbound activity has resumed.
func (e *engine) beginPSTNReconnect(now time.Time) {
	e.pstnReconnectFrom = now
	e.schedulePSTNReconnect(now)
}

func (e *engine) schedulePSTNReconnect(now time.Time) {
	d, ok := e.s.PSTNHealth.NextReconnect()
	if !ok {
		e.pstnReconnectAt = time.Time{}
		e.log.Warn("pstn leg failed, reconnect attempts exhausted")
		e.shutdown(ReasonPSTNFailed)
		return
	}
	e.pstnReconnectAt = now.Add(d)
}

func (e *engine) attemptPSTNReconnect(now time.Time) {
	if e.s.PSTNHealth.Record().LastActivity.After(e.pstnReconnectFrom) {
		e.pstnReconnectAt = time.Time{}
		e.s.PSTNHealth.Reconnected(now)
		e.s.Metrics.Reconnects++
		e.log.Info("pstn leg recovered")
		return
	}
	e.schedulePSTNReconnect(now)
}

// aiFailure drops the AI leg and schedules a redial. A nil err means the leg timed out.
func (e *engine) aiFailure(err error) {
	if e.s.AI == nil || e.state == StateAIFallback || e.state == StateClosed {
		return
	}
	if err != nil {
		e.log.Warn("ai leg failure", "error", err)
		if e.s.AIHealth.Fail() != health.ActionReconnect {
			return
		}
	}
	e.dropAI()
	e.scheduleAIReconnect()
}

func (e *engine) scheduleAIReconnect() {
	d, ok := e.s.AIHealth.NextReconnect()
	if !ok {
		e.aiReconnectAt = time.Time{}
		e.aiTerminal()
		return
	}
	e.aiReconnectAt = e.now().Add(d)
}

func (e *engine) aiTerminal() {
	e.log.Warn("ai leg failed, reconnect attempts exhausted")
	if e.cfg.AutoFallback {
		e.enterFallback(FallbackAIFailed)
		return
	}
	e.shutdown(ReasonAIFailed)
}

func (e *engine) attemptAIReconnect() {
	e.aiReconnectAt = time.Time{}
	if !e.s.Breaker.Allow() {
		e.enterFallback(FallbackCircuitOpen)
		return
	}
	e.dialing = true
	gen := e.aiGen
	// Tracked with the readers: teardown waits for it before draining e.dialed.
	e.readers.Add(1)
	go func() {
		defer e.readers.Done()
		started := time.Now()
		conn, err := e.svc.connector.Dial(e.ctx, e.cfg.Target)
		select {
		case <-e.stop:
			if conn != nil {
				_ = conn.Close()
			}
			e.s.Breaker.ReleaseTrial()
			return
		default:
		}
		select {
		case e.dialed <- dialResult{gen: gen, conn: conn, err: err, took: time.Since(started)}:
		case <-e.stop:
			if conn != nil {
				_ = conn.Close()
			}
			e.s.Breaker.ReleaseTrial()
		}
	}()
}

func (e *engine) flushTransitions() {
	emit := func(kind leg.Kind, m *health.Monitor) {
		if m == nil {
			return
		}
		for _, tr := range m.Transitions() {
			e.metric(func(mm *observability.Metrics) {
				mm.LegStates.WithLabelValues(string(kind), string(tr.To)).Inc()
			})
			e.emit(Event{Type: EventConnectionStateChanged, Leg: kind, From: string(tr.From), To: string(tr.To)})
		}
	}
	emit(leg.KindPSTN, e.s.PSTNHealth)
	emit(leg.KindAI, e.s.AIHealth)
}

// refreshState moves between bridging and degraded from the legs' health.
func (e *engine) refreshState() {
	if e.state != StateBridging && e.state != StateDegraded {
		return
	}
	healthy := e.s.AI != nil &&
		e.s.PSTNHealth.State() == health.StateConnected && e.s.PSTNHealth.Usable() &&
		e.s.AIHealth.State() == health.StateConnected && e.s.AIHealth.Usable()
	if healthy {
		e.setState(StateBridging, "legs healthy")
	} else {
		e.setState(StateDegraded, "leg degraded")
	}
}

func (e *engine) snapshot() session.CallMetrics {
	m := e.s.Metrics
	m.Quality = e.s.PSTNHealth.Record().Quality
	if e.s.AIHealth != nil && e.s.AI != nil {
		m.Quality = health.Worse(m.Quality, e.s.AIHealth.Record().Quality)
	}
	m.Queue = e.s.Queue.Stats()
	m.FinalState = string(e.state)
	return m
}

// shutdown is a teardown initiated by the loop itself.
func (e *engine) shutdown(reason string) {
	if e.state == StateClosed {
		return
	}
	e.selfClosed = reason
	e.teardown(reason)
}

// teardown releases every per-call resource. Readers and the queue flusher have exited
// when it returns.
func (e *engine) teardown(reason string) {
	if e.state == StateClosed {
		return
	}
	last := e.state
	close(e.stop)
	e.cancel()
	e.dropAI()
	if e.s.PSTN != nil {
		_ = e.s.PSTN.Close()
	}
	e.readers.Wait()
	select {
	case res := <-e.dialed:
		if res.conn != nil {
			_ = res.conn.Close()
		}
		e.s.Breaker.ReleaseTrial()
	default:
	}
	e.syncJitterStats()
	e.s.Buffer.Reset()

	e.final = e.snapshot()
	e.final.FinalState = string(last)
	e.final.EndedAt = e.now()
	e.final.EndReason = reason
	e.s.Metrics = e.final

	e.setState(StateClosed, reason)
	final := e.final
	e.emit(Event{Type: EventMetricsUpdated, Metrics: &final})
	e.closeSubscribers()

	if e.queueCancel != nil {
		e.queueCancel()
		<-e.queueDone
	}
	e.final.Queue = e.s.Queue.Stats()
	e.s.Metrics.Queue = e.final.Queue

	e.svc.forget(e.s.ID, e)
	e.metric(func(m *observability.Metrics) { m.CountCallEvent("teardown_" + reason) })
	e.log.Info("relay torn down", "reason", reason, "final_state", last, "duration", e.final.Duration())
	close(e.done)
}
