package aileg

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/leg"
)

type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type serverEvent struct {
	Type       string `json:"type"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`
	PingEvent *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
	InterruptionEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event,omitempty"`
	InitiationMetadata *struct {
		ConversationID       string `json:"conversation_id"`
		AgentOutputFormat    string `json:"agent_output_audio_format"`
		UserInputAudioFormat string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`
}

// Conn frames the provider's conversation socket. Provider pings are answered here so
// the relay never sees them as anything but activity.
type Conn struct {
	ws           wsConn
	writeTimeout time.Duration
	now          func() time.Time

	writeMu sync.Mutex

	// Owned by the reader goroutine.
	seq         uint64
	pendingPong bool
	pongAt      time.Time
	onPong      func(at time.Time)

	closeOnce sync.Once
	closeErr  error
}

func newConn(ws wsConn, writeTimeout time.Duration) *Conn {
	c := &Conn{ws: ws, writeTimeout: writeTimeout, now: time.Now}
	ws.SetReadLimit(4 << 20)
	ws.SetPongHandler(func(string) error {
		at := c.now()
		if c.onPong != nil {
			c.onPong(at)
			return nil
		}
		c.pendingPong = true
		c.pongAt = at
		return nil
	})
	return c
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(leg.Deadline(ctx, c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// OnPong implements leg.PongNotifier.
func (c *Conn) OnPong(fn func(at time.Time)) { c.onPong = fn }

func (c *Conn) ReadFrame() (leg.Frame, error) {
	for {
		if c.pendingPong {
			c.pendingPong = false
			return leg.Frame{Type: leg.FramePong, Timestamp: c.pongAt}, nil
		}
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return leg.Frame{}, leg.ErrClosed
			}
			return leg.Frame{}, fmt.Errorf("read ai leg: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		now := c.now()
		switch ev.Type {
		case "audio":
			if ev.AudioEvent == nil || ev.AudioEvent.AudioBase64 == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(ev.AudioEvent.AudioBase64)
			if err != nil {
				continue
			}
			c.seq++
			return leg.Frame{Type: leg.FrameAudio, Seq: c.seq, Timestamp: now, Payload: payload, EventID: ev.AudioEvent.EventID}, nil
		case "ping":
			if ev.PingEvent == nil {
				continue
			}
			pong := map[string]any{"type": "pong", "event_id": ev.PingEvent.EventID}
			if err := c.writeJSON(context.Background(), pong); err != nil {
				return leg.Frame{}, fmt.Errorf("answer ai ping: %w", err)
			}
			return leg.Frame{Type: leg.FramePing, Timestamp: now, EventID: ev.PingEvent.EventID}, nil
		case "interruption":
			f := leg.Frame{Type: leg.FrameInterruption, Timestamp: now}
			if ev.InterruptionEvent != nil {
				f.EventID = ev.InterruptionEvent.EventID
			}
			return f, nil
		case "agent_response":
			return leg.Frame{Type: leg.FrameAgentResponse, Timestamp: now}, nil
		case "conversation_initiation_metadata":
			f := leg.Frame{Type: leg.FrameControl, Timestamp: now, Name: ev.Type}
			if md := ev.InitiationMetadata; md != nil {
				f.Params = map[string]string{
					"conversation_id": md.ConversationID,
					"output_format":   md.AgentOutputFormat,
					"input_format":    md.UserInputAudioFormat,
				}
			}
			return f, nil
		case "":
			continue
		default:
			return leg.Frame{Type: leg.FrameControl, Timestamp: now, Name: ev.Type}, nil
		}
	}
}

func (c *Conn) WriteFrame(ctx context.Context, f leg.Frame) error {
	switch f.Type {
	case leg.FrameAudio:
		msg := map[string]string{"user_audio_chunk": base64.StdEncoding.EncodeToString(f.Payload)}
		if err := c.writeJSON(ctx, msg); err != nil {
			return fmt.Errorf("write ai audio: %w", err)
		}
		return nil
	case leg.FramePing:
		return c.ws.WriteControl(websocket.PingMessage, nil, leg.Deadline(ctx, c.writeTimeout))
	default:
		return nil
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
		if errors.Is(c.closeErr, websocket.ErrCloseSent) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}
