// Package leg defines the transport-neutral frame model shared by the PSTN and AI legs.
package leg

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindPSTN Kind = "pstn"
	KindAI   Kind = "ai"
)

type FrameType string

const (
	FrameAudio         FrameType = "audio"
	FrameStart         FrameType = "start"
	FrameStop          FrameType = "stop"
	FrameMark          FrameType = "mark"
	FrameClear         FrameType = "clear"
	FrameDTMF          FrameType = "dtmf"
	FramePing          FrameType = "ping"
	FramePong          FrameType = "pong"
	FrameInterruption  FrameType = "interruption"
	FrameAgentResponse FrameType = "agent_response"
	FrameControl       FrameType = "control"
)

// Frame is one decoded message from either leg. Payload carries raw audio bytes for
// audio frames; Name carries a mark name, DTMF digit, or control event type.
type Frame struct {
	Type      FrameType
	Seq       uint64
	Timestamp time.Time
	Payload   []byte
	Name      string
	EventID   int64
	Params    map[string]string
}

// ErrClosed is returned by ReadFrame when the remote side ended the leg normally.
var ErrClosed = errors.New("leg closed")

// Conn is a framed, bidirectional leg connection. ReadFrame is called from a single
// reader goroutine; WriteFrame from a single writer. Close unblocks a pending ReadFrame.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// PongNotifier is implemented by legs that can report transport pongs the moment they
// arrive. OnPong must be called before the first ReadFrame; fn runs on the reader
// goroutine. Legs without a registered fn surface pongs as FramePong from ReadFrame.
type PongNotifier interface {
	OnPong(fn func(at time.Time))
}

// Deadline returns the write deadline carried by ctx, or now+fallback.
func Deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}
