package audio

// Stage identifies where in the relay path a processor runs.
type Stage int

const (
	// StagePre runs on inbound caller audio before the jitter buffer.
	StagePre Stage = iota
	// StagePost runs on released audio after the jitter buffer.
	StagePost
)

// Flags are capability switches for an external processing stage. The relay does not
// interpret them beyond deciding whether a stage runs.
type Flags struct {
	Gain             bool `json:"gain"`
	NoiseReduction   bool `json:"noise_reduction"`
	EchoCancellation bool `json:"echo_cancellation"`
	VAD              bool `json:"vad"`
}

func (f Flags) Any() bool {
	return f.Gain || f.NoiseReduction || f.EchoCancellation || f.VAD
}

// Processor transforms an audio payload. Implementations must not retain the input.
type Processor interface {
	Process(stage Stage, format Format, payload []byte) []byte
}

type ProcessorFunc func(stage Stage, format Format, payload []byte) []byte

func (f ProcessorFunc) Process(stage Stage, format Format, payload []byte) []byte {
	return f(stage, format, payload)
}

// Passthrough returns audio unchanged.
var Passthrough Processor = ProcessorFunc(func(_ Stage, _ Format, payload []byte) []byte {
	return payload
})

// Select returns p when any flag is set and p is non-nil, otherwise Passthrough.
func Select(flags Flags, p Processor) Processor {
	if !flags.Any() || p == nil {
		return Passthrough
	}
	return p
}
