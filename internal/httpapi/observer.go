package httpapi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/outbound"
)

const defaultObserverBuffer = 64

type observer struct {
	callID string
	ch     chan outbound.Batch
}

// ObserverHub fans outbound telemetry batches out to WebSocket observers.
// Slow observers lose batches rather than stalling the call's queue.
type ObserverHub struct {
	buffer int

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*observer

	dropped atomic.Uint64
}

func NewObserverHub(buffer int) *ObserverHub {
	if buffer <= 0 {
		buffer = defaultObserverBuffer
	}
	return &ObserverHub{buffer: buffer, subs: make(map[uint64]*observer)}
}

// Subscribe registers an observer for one call, or for every call when callID
// is empty. The returned func unsubscribes and closes the channel.
func (h *ObserverHub) Subscribe(callID string) (<-chan outbound.Batch, func()) {
	o := &observer{callID: callID, ch: make(chan outbound.Batch, h.buffer)}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = o
	h.mu.Unlock()

	var once sync.Once
	return o.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(o.ch)
		})
	}
}

func (h *ObserverHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *ObserverHub) Dropped() uint64 { return h.dropped.Load() }

func (h *ObserverHub) Deliver(_ context.Context, b outbound.Batch) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, o := range h.subs {
		if o.callID != "" && o.callID != b.CallID {
			continue
		}
		select {
		case o.ch <- b:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (s *Server) handleObserveCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if s.relay != nil {
		if _, err := s.relay.Snapshot(callID); err != nil {
			respondCallError(w, err)
			return
		}
	}
	s.observe(w, r, callID)
}

func (s *Server) handleObserveAll(w http.ResponseWriter, r *http.Request) {
	s.observe(w, r, "")
}

func (s *Server) observe(w http.ResponseWriter, r *http.Request, callID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.countEvent("observer_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	batches, unsubscribe := s.hub.Subscribe(callID)
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					cancel()
					return
				}
			case b, ok := <-batches:
				if !ok {
					return
				}
				mt := websocket.TextMessage
				if b.Encoding == outbound.EncodingGzip {
					mt = websocket.BinaryMessage
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(mt, b.Body); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Observers only listen; the read loop handles control frames and detects close.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-writerDone
}
