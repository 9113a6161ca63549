package twilio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/leg"
)

// wsConn is the subset of *websocket.Conn used by Conn.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Start is the stream metadata carried by the start event.
type Start struct {
	AccountSID string
	StreamSID  string
	CallSID    string
	Format     audio.Format
	Params     map[string]string
}

// Conn adapts a Media Streams WebSocket to leg.Conn.
type Conn struct {
	ws           wsConn
	writeTimeout time.Duration
	now          func() time.Time

	writeMu   sync.Mutex
	streamSID atomic.Value

	// Owned by the reader goroutine.
	pendingPong bool
	stopped     bool
	pongAt      time.Time
	onPong      func(at time.Time)

	invalid   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

const maxMessageBytes = 1 << 20

func NewConn(ws wsConn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	c := &Conn{ws: ws, writeTimeout: writeTimeout, now: time.Now}
	c.streamSID.Store("")
	ws.SetReadLimit(maxMessageBytes)
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

func (c *Conn) StreamSID() string {
	return c.streamSID.Load().(string)
}

// Invalid returns how many inbound messages were discarded as malformed.
func (c *Conn) Invalid() uint64 { return c.invalid.Load() }

// AwaitStart reads until the start event arrives or timeout elapses.
func (c *Conn) AwaitStart(timeout time.Duration) (Start, error) {
	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	}
	for {
		msg, err := c.readMessage()
		if err != nil {
			return Start{}, err
		}
		switch msg.Event {
		case EventStart:
			return c.applyStart(msg)
		case EventStop:
			return Start{}, leg.ErrClosed
		}
	}
}

func (c *Conn) applyStart(msg Message) (Start, error) {
	mf := msg.Start.MediaFormat
	format, err := audio.ParseMIME(mf.Encoding, mf.SampleRate, mf.Channels)
	if err != nil {
		if mf.Encoding != "" {
			return Start{}, err
		}
		format = audio.MuLaw8k
	}
	c.streamSID.Store(msg.Start.StreamSID)
	return Start{
		AccountSID: msg.Start.AccountSID,
		StreamSID:  msg.Start.StreamSID,
		CallSID:    msg.Start.CallSID,
		Format:     format,
		Params:     msg.Start.CustomParameters,
	}, nil
}

func (c *Conn) readMessage() (Message, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Message{}, leg.ErrClosed
			}
			return Message{}, fmt.Errorf("read media stream: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.invalid.Add(1)
			continue
		}
		return msg, nil
	}
}

// OnPong implements leg.PongNotifier.
func (c *Conn) OnPong(fn func(at time.Time)) { c.onPong = fn }

func (c *Conn) ReadFrame() (leg.Frame, error) {
	for {
		if c.pendingPong {
			c.pendingPong = false
			return leg.Frame{Type: leg.FramePong, Timestamp: c.pongAt}, nil
		}
		if c.stopped {
			return leg.Frame{}, leg.ErrClosed
		}
		msg, err := c.readMessage()
		if err != nil {
			return leg.Frame{}, err
		}
		now := c.now()
		switch msg.Event {
		case EventMedia:
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			payload, err := msg.Media.Audio()
			if err != nil {
				c.invalid.Add(1)
				continue
			}
			seq, err := msg.Media.ChunkNumber()
			if err != nil {
				c.invalid.Add(1)
				continue
			}
			return leg.Frame{Type: leg.FrameAudio, Seq: seq, Timestamp: now, Payload: payload}, nil
		case EventMark:
			return leg.Frame{Type: leg.FrameMark, Timestamp: now, Name: msg.Mark.Name}, nil
		case EventDTMF:
			return leg.Frame{Type: leg.FrameDTMF, Timestamp: now, Name: msg.DTMF.Digit}, nil
		case EventStart:
			start, err := c.applyStart(msg)
			if err != nil {
				c.invalid.Add(1)
				continue
			}
			return leg.Frame{Type: leg.FrameStart, Timestamp: now, Name: start.StreamSID, Params: start.Params}, nil
		case EventStop:
			c.stopped = true
			return leg.Frame{Type: leg.FrameStop, Timestamp: now}, nil
		}
	}
}

func (c *Conn) WriteFrame(ctx context.Context, f leg.Frame) error {
	deadline := leg.Deadline(ctx, c.writeTimeout)
	sid := c.StreamSID()

	var (
		data []byte
		err  error
	)
	switch f.Type {
	case leg.FrameAudio:
		data, err = EncodeMedia(sid, f.Payload)
	case leg.FrameMark:
		data, err = EncodeMark(sid, f.Name)
	case leg.FrameClear:
		data, err = EncodeClear(sid)
	case leg.FramePing:
		return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	return nil
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
