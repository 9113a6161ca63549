package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Encoding string

const (
	EncodingMuLaw Encoding = "mulaw"
	EncodingALaw  Encoding = "alaw"
	EncodingPCM16 Encoding = "pcm16"
)

// Format describes raw telephony or provider audio.
type Format struct {
	Encoding   Encoding `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
}

// MuLaw8k is the Twilio Media Streams wire format.
var MuLaw8k = Format{Encoding: EncodingMuLaw, SampleRate: 8000, Channels: 1}

func (f Format) bytesPerSample() int {
	if f.Encoding == EncodingPCM16 {
		return 2
	}
	return 1
}

func (f Format) channels() int {
	if f.Channels <= 0 {
		return 1
	}
	return f.Channels
}

// BytesPerSecond returns the byte rate of the format, or 0 when the sample rate is unknown.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 {
		return 0
	}
	return f.SampleRate * f.bytesPerSample() * f.channels()
}

// Duration returns how much audio n bytes hold.
func (f Format) Duration(n int) time.Duration {
	rate := f.BytesPerSecond()
	if rate == 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// ChunkBytes returns the payload size of one chunk of duration d.
func (f Format) ChunkBytes(d time.Duration) int {
	rate := f.BytesPerSecond()
	if rate == 0 || d <= 0 {
		return 0
	}
	return int(int64(rate) * int64(d) / int64(time.Second))
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%d/%d", f.Encoding, f.SampleRate, f.channels())
}

// ParseMIME parses Twilio style media formats such as "audio/x-mulaw".
func ParseMIME(mime string, sampleRate, channels int) (Format, error) {
	var enc Encoding
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "audio/x-mulaw", "audio/basic", "audio/pcmu":
		enc = EncodingMuLaw
	case "audio/x-alaw", "audio/pcma":
		enc = EncodingALaw
	case "audio/l16", "audio/x-l16", "audio/pcm":
		enc = EncodingPCM16
	default:
		return Format{}, fmt.Errorf("unsupported media format %q", mime)
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	if channels <= 0 {
		channels = 1
	}
	return Format{Encoding: enc, SampleRate: sampleRate, Channels: channels}, nil
}

// ParseProviderFormat parses provider output format names like "ulaw_8000" or "pcm_16000".
func ParseProviderFormat(name string) (Format, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	prefix, rateText, ok := strings.Cut(name, "_")
	if !ok {
		return Format{}, fmt.Errorf("invalid provider audio format %q", name)
	}
	rate, err := strconv.Atoi(rateText)
	if err != nil || rate <= 0 {
		return Format{}, fmt.Errorf("invalid sample rate in %q", name)
	}
	switch prefix {
	case "ulaw", "mulaw":
		return Format{Encoding: EncodingMuLaw, SampleRate: rate, Channels: 1}, nil
	case "alaw":
		return Format{Encoding: EncodingALaw, SampleRate: rate, Channels: 1}, nil
	case "pcm":
		return Format{Encoding: EncodingPCM16, SampleRate: rate, Channels: 1}, nil
	default:
		return Format{}, fmt.Errorf("unsupported provider audio encoding %q", prefix)
	}
}
