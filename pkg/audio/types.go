package audio

import "time"

// Capture format required by the transcription services: 16 kHz mono.
const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 4096
)

// AudioFrame represents a single fixed-size frame of microphone audio flowing
// through the dictation pipeline. Frames are the atomic unit handed from
// capture to the encoder.
//
// A frame is immutable once emitted. Ownership passes to whoever receives it
// from [Capture.Frames]; the producer never touches Samples again.
type AudioFrame struct {
	// Samples holds mono amplitude values in the range -1.0…1.0.
	Samples []float32

	// SampleRate in Hz. Always [DefaultSampleRate] for frames produced by
	// [FrameSource] unless configured otherwise.
	SampleRate int

	// Timestamp marks when this frame starts, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the wall-clock span covered by the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
