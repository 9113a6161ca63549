// Package twilio implements the Twilio Media Streams WebSocket framing for the PSTN leg.
package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
	EventDTMF      EventType = "dtmf"
	EventClear     EventType = "clear"
)

var ErrUnsupportedEvent = errors.New("unsupported media stream event")

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartPayload struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

type DTMFPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// Message is the union of inbound Media Streams events.
type Message struct {
	Event          EventType     `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// ParseMessage decodes and validates one inbound event.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid media stream message: %w", err)
	}
	switch msg.Event {
	case EventConnected:
	case EventStart:
		if msg.Start == nil || strings.TrimSpace(msg.Start.StreamSID) == "" || strings.TrimSpace(msg.Start.CallSID) == "" {
			return Message{}, errors.New("invalid start event")
		}
		if msg.StreamSID == "" {
			msg.StreamSID = msg.Start.StreamSID
		}
	case EventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			return Message{}, errors.New("invalid media event")
		}
	case EventMark:
		if msg.Mark == nil {
			return Message{}, errors.New("invalid mark event")
		}
	case EventDTMF:
		if msg.DTMF == nil || msg.DTMF.Digit == "" {
			return Message{}, errors.New("invalid dtmf event")
		}
	case EventStop:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, msg.Event)
	}
	return msg, nil
}

// Audio decodes the base64 media payload.
func (m MediaPayload) Audio() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return b, nil
}

// ChunkNumber returns the per-track chunk counter; Twilio starts it at 1.
func (m MediaPayload) ChunkNumber() (uint64, error) {
	if m.Chunk == "" {
		return 0, errors.New("media chunk number missing")
	}
	n, err := strconv.ParseUint(m.Chunk, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid media chunk %q: %w", m.Chunk, err)
	}
	return n, nil
}

// TimestampMS returns the media timestamp in milliseconds from stream start.
func (m MediaPayload) TimestampMS() int64 {
	n, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type outboundMedia struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMark struct {
	Event     EventType   `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

type outboundClear struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
}

func EncodeMedia(streamSID string, audio []byte) ([]byte, error) {
	msg := outboundMedia{Event: EventMedia, StreamSID: streamSID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(msg)
}

func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(outboundMark{Event: EventMark, StreamSID: streamSID, Mark: MarkPayload{Name: name}})
}

// EncodeClear builds the event that flushes audio Twilio has buffered for playback.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: EventClear, StreamSID: streamSID})
}
