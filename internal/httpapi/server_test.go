package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/aileg"
	"github.com/ent0n29/voicerelay/internal/breaker"
	"github.com/ent0n29/voicerelay/internal/calllog"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/leg"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/outbound"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
)

type createCall struct {
	callID string
	cfg    relay.CallConfig
}

type fakeRelay struct {
	mu          sync.Mutex
	calls       map[string]session.CallMetrics
	done        map[string]chan struct{}
	created     chan createCall
	interrupted []string
	resets      int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		calls:   make(map[string]session.CallMetrics),
		done:    make(map[string]chan struct{}),
		created: make(chan createCall, 4),
	}
}

func (f *fakeRelay) add(callID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	done := make(chan struct{})
	f.calls[callID] = session.CallMetrics{CallID: callID, Provider: "elevenlabs"}
	f.done[callID] = done
	return done
}

func (f *fakeRelay) interruptedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.interrupted...)
}

func (f *fakeRelay) Provider() string                     { return "elevenlabs" }
func (f *fakeRelay) DefaultCallConfig() relay.CallConfig { return relay.DefaultCallConfig() }

func (f *fakeRelay) CreateSession(_ context.Context, callID string, pstn leg.Conn, cfg relay.CallConfig) error {
	f.mu.Lock()
	if _, ok := f.calls[callID]; ok {
		f.mu.Unlock()
		return session.ErrDuplicateSession
	}
	f.mu.Unlock()
	done := f.add(callID)
	go func() {
		for {
			if _, err := pstn.ReadFrame(); err != nil {
				close(done)
				return
			}
		}
	}()
	f.created <- createCall{callID: callID, cfg: cfg}
	return nil
}

func (f *fakeRelay) Teardown(callID string) (session.CallMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.calls[callID]
	if !ok {
		return session.CallMetrics{}, session.ErrSessionNotFound
	}
	delete(f.calls, callID)
	m.EndReason = "teardown"
	return m, nil
}

func (f *fakeRelay) SignalInterruption(callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calls[callID]; !ok {
		return session.ErrSessionNotFound
	}
	f.interrupted = append(f.interrupted, callID)
	return nil
}

func (f *fakeRelay) Done(callID string) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.done[callID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return ch, nil
}

func (f *fakeRelay) Snapshot(callID string) (session.CallMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.calls[callID]
	if !ok {
		return session.CallMetrics{}, session.ErrSessionNotFound
	}
	return m, nil
}

func (f *fakeRelay) Breakers() []breaker.Snapshot {
	return []breaker.Snapshot{{Provider: "elevenlabs", State: breaker.StateClosed}}
}

func (f *fakeRelay) ResetBreaker(provider string) (breaker.Snapshot, error) {
	if provider != "elevenlabs" {
		return breaker.Snapshot{}, relay.ErrUnknownProvider
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return breaker.Snapshot{Provider: provider, State: breaker.StateClosed}, nil
}

func (f *fakeRelay) List() []session.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Summary, 0, len(f.calls))
	for id := range f.calls {
		out = append(out, session.Summary{CallID: id, State: "bridging"})
	}
	return out
}

func (f *fakeRelay) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestServer(t *testing.T, rel *fakeRelay, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		ConnectionTimeout: time.Second,
		WriteTimeout:      time.Second,
		AIDefaultAgentID:  "agent_default",
	}
	deps.Relay = rel
	deps.Calls = rel
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(fmt.Sprintf("test_httpapi_%s_%d", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano()))
	}
	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func decodeBody(t *testing.T, res *http.Response, v any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCallRoutes(t *testing.T) {
	rel := newFakeRelay()
	rel.add("CA1")
	_, ts := newTestServer(t, rel, Deps{})

	res, err := http.Get(ts.URL + "/v1/calls")
	if err != nil {
		t.Fatalf("GET /v1/calls error = %v", err)
	}
	var list struct {
		Calls  []session.Summary `json:"calls"`
		Active int               `json:"active"`
	}
	decodeBody(t, res, &list)
	if list.Active != 1 || len(list.Calls) != 1 || list.Calls[0].CallID != "CA1" {
		t.Fatalf("list = %+v, want CA1", list)
	}

	res, err = http.Get(ts.URL + "/v1/calls/missing")
	if err != nil {
		t.Fatalf("GET missing call error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing call status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	res, err = http.Post(ts.URL+"/v1/calls/CA1/interrupt", "application/json", nil)
	if err != nil {
		t.Fatalf("POST interrupt error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("interrupt status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	if got := rel.interruptedCalls(); len(got) != 1 || got[0] != "CA1" {
		t.Fatalf("interrupted = %v, want [CA1]", got)
	}

	res, err = http.Post(ts.URL+"/v1/calls/CA1/teardown", "application/json", nil)
	if err != nil {
		t.Fatalf("POST teardown error = %v", err)
	}
	var final session.CallMetrics
	if res.StatusCode != http.StatusOK {
		t.Fatalf("teardown status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	decodeBody(t, res, &final)
	if final.CallID != "CA1" || final.EndReason != "teardown" {
		t.Fatalf("teardown metrics = %+v", final)
	}

	res, err = http.Post(ts.URL+"/v1/calls/CA1/teardown", "application/json", nil)
	if err != nil {
		t.Fatalf("POST second teardown error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second teardown status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestRecentCallsReadsCallLog(t *testing.T) {
	log := calllog.NewInMemory(10)
	for _, id := range []string{"CA1", "CA2", "CA3"} {
		if err := log.LogCall(context.Background(), session.CallMetrics{CallID: id}); err != nil {
			t.Fatalf("LogCall() error = %v", err)
		}
	}
	_, ts := newTestServer(t, newFakeRelay(), Deps{CallLog: log})

	res, err := http.Get(ts.URL + "/v1/calls/recent?limit=2")
	if err != nil {
		t.Fatalf("GET recent error = %v", err)
	}
	var body struct {
		Calls []session.CallMetrics `json:"calls"`
	}
	decodeBody(t, res, &body)
	if len(body.Calls) != 2 {
		t.Fatalf("recent calls = %d, want 2", len(body.Calls))
	}

	res, err = http.Get(ts.URL + "/v1/calls/recent?limit=abc")
	if err != nil {
		t.Fatalf("GET recent invalid error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	_, ts := newTestServer(t, newFakeRelay(), Deps{
		Ready: func(context.Context) error { return errors.New("valkey unreachable") },
	})

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	var health map[string]any
	decodeBody(t, res, &health)
	if health["status"] != "ok" || health["ai_provider"] != "elevenlabs" || health["call_log_mode"] != "disabled" {
		t.Fatalf("health = %+v", health)
	}

	res, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}

	res, err = http.Get(ts.URL + "/v1/breakers")
	if err != nil {
		t.Fatalf("GET /v1/breakers error = %v", err)
	}
	var breakers struct {
		Breakers []breaker.Snapshot `json:"breakers"`
	}
	decodeBody(t, res, &breakers)
	if len(breakers.Breakers) != 1 || breakers.Breakers[0].State != breaker.StateClosed {
		t.Fatalf("breakers = %+v", breakers)
	}
}

func TestMediaStreamCreatesSession(t *testing.T) {
	rel := newFakeRelay()
	_, ts := newTestServer(t, rel, Deps{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer conn.Close()

	start := `{"event":"start","sequenceNumber":"1","start":{"accountSid":"AC1","streamSid":"MZ1","callSid":"CA42","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"agent_id":"agent_7"}},"streamSid":"MZ1"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	select {
	case got := <-rel.created:
		if got.callID != "CA42" {
			t.Fatalf("CreateSession callID = %q, want CA42", got.callID)
		}
		if got.cfg.Target != aileg.AgentID("agent_7") {
			t.Fatalf("CreateSession target = %+v, want agent_7", got.cfg.Target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CreateSession was not called")
	}
}

func TestMediaStreamUsesDefaultAgent(t *testing.T) {
	rel := newFakeRelay()
	_, ts := newTestServer(t, rel, Deps{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer conn.Close()

	start := `{"event":"start","start":{"streamSid":"MZ9","callSid":"","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ9"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	select {
	case got := <-rel.created:
		if got.callID != "MZ9" {
			t.Fatalf("CreateSession callID = %q, want stream sid fallback", got.callID)
		}
		if got.cfg.Target != aileg.AgentID("agent_default") {
			t.Fatalf("CreateSession target = %+v, want default agent", got.cfg.Target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CreateSession was not called")
	}
}

func TestObserverReceivesBatches(t *testing.T) {
	hub := NewObserverHub(4)
	_, ts := newTestServer(t, newFakeRelay(), Deps{Hub: hub})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/observe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial observer: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body := []byte(`[{"type":"metricsUpdated","call_id":"CA1"}]`)
	if err := hub.Deliver(context.Background(), outbound.Batch{CallID: "CA1", Encoding: outbound.EncodingJSON, Count: 1, Body: body}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read observer message: %v", err)
	}
	if mt != websocket.TextMessage || string(data) != string(body) {
		t.Fatalf("observer got (%d, %s), want text batch", mt, data)
	}
}

func TestObserverHubFiltersByCall(t *testing.T) {
	hub := NewObserverHub(1)
	one, cancelOne := hub.Subscribe("CA1")
	defer cancelOne()
	all, cancelAll := hub.Subscribe("")
	defer cancelAll()

	_ = hub.Deliver(context.Background(), outbound.Batch{CallID: "CA2", Count: 1})
	select {
	case b := <-one:
		t.Fatalf("CA1 observer got batch for %q", b.CallID)
	default:
	}
	if b := <-all; b.CallID != "CA2" {
		t.Fatalf("all observer got %q, want CA2", b.CallID)
	}

	_ = hub.Deliver(context.Background(), outbound.Batch{CallID: "CA1", Count: 1})
	_ = hub.Deliver(context.Background(), outbound.Batch{CallID: "CA1", Count: 1})
	if hub.Dropped() != 2 {
		t.Fatalf("Dropped() = %d, want 2", hub.Dropped())
	}
}

func TestResetBreakerRoute(t *testing.T) {
	rel := newFakeRelay()
	_, ts := newTestServer(t, rel, Deps{})

	res, err := http.Post(ts.URL+"/v1/breakers/elevenlabs/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reset error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap breaker.Snapshot
	decodeBody(t, res, &snap)
	if snap.Provider != "elevenlabs" || snap.State != breaker.StateClosed {
		t.Fatalf("reset snapshot = %+v", snap)
	}
	rel.mu.Lock()
	resets := rel.resets
	rel.mu.Unlock()
	if resets != 1 {
		t.Fatalf("resets = %d, want 1", resets)
	}

	res, err = http.Post(ts.URL+"/v1/breakers/unknown/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST unknown reset error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown reset status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestHealthReportsClusterCalls(t *testing.T) {
	_, ts := newTestServer(t, newFakeRelay(), Deps{
		ClusterCalls: func(context.Context) (int64, error) { return 7, nil },
	})
	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	var health map[string]any
	decodeBody(t, res, &health)
	if got, _ := health["cluster_active_calls"].(float64); got != 7 {
		t.Fatalf("cluster_active_calls = %v, want 7", health["cluster_active_calls"])
	}

	_, ts = newTestServer(t, newFakeRelay(), Deps{
		ClusterCalls: func(context.Context) (int64, error) { return 0, errors.New("valkey down") },
	})
	res, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	health = nil
	decodeBody(t, res, &health)
	if _, ok := health["cluster_active_calls"]; ok || health["status"] != "ok" {
		t.Fatalf("health with failing cluster count = %+v", health)
	}
}

func TestPerfLatencyFiltersStages(t *testing.T) {
	srv, ts := newTestServer(t, newFakeRelay(), Deps{})
	srv.metrics.ObserveStage(observability.StageAIRTT, 40*time.Millisecond)
	srv.metrics.ObserveStage(observability.StagePSTNRTT, 90*time.Millisecond)
	srv.metrics.ObserveStage(observability.StageAIConnect, 300*time.Millisecond)

	res, err := http.Get(ts.URL + "/v1/perf/latency?stage=ai_rtt,pstn_rtt")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	var snap observability.LatencySnapshot
	decodeBody(t, res, &snap)
	if len(snap.Stages) != 2 {
		t.Fatalf("stages = %+v, want ai_rtt and pstn_rtt", snap.Stages)
	}
	for _, st := range snap.Stages {
		if st.Stage != observability.StageAIRTT && st.Stage != observability.StagePSTNRTT {
			t.Fatalf("unexpected stage %q in filtered response", st.Stage)
		}
	}

	res, err = http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	snap = observability.LatencySnapshot{}
	decodeBody(t, res, &snap)
	if len(snap.Stages) != 3 {
		t.Fatalf("unfiltered stages = %d, want 3", len(snap.Stages))
	}

	res, err = http.Get(ts.URL + "/v1/perf/latency?stage=bogus")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus stage status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMediaStreamReportsMalformedMessages(t *testing.T) {
	rel := newFakeRelay()
	logs := &lockedBuffer{}
	_, ts := newTestServer(t, rel, Deps{Logger: slog.New(slog.NewTextHandler(logs, nil))})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer conn.Close()

	for _, msg := range []string{
		`not json`,
		`{"event":"start","start":{"streamSid":"MZ3","callSid":"CA3","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ3"}`,
		`{"event":"media","media":{"track":"inbound","chunk":"1","payload":"%%%"}}`,
		`{"event":"stop","streamSid":"MZ3"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write %s: %v", msg, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "discarded malformed media stream messages") {
		if time.Now().After(deadline) {
			t.Fatalf("no malformed message report in logs: %s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if out := logs.String(); !strings.Contains(out, "count=2") || !strings.Contains(out, "call_id=CA3") {
		t.Fatalf("malformed message report = %s, want count=2 for CA3", out)
	}
}
