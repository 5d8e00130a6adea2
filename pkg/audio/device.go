// Package audio defines the microphone acquisition contracts and the frame
// source that turns a raw device stream into fixed-size dictation frames.
//
// The two primary abstractions are:
//
//   - [Device]: grants exclusive access to an input device and returns a
//     [Stream] of raw sample blocks at the device's native format.
//   - [FrameSource]: opens a Device and produces a [Capture]: a sequence of
//     fixed-size, 16 kHz mono [AudioFrame] values delivered at real-time
//     cadence.
//
// Device implementations live in adapter packages (audio/wavfile,
// audio/push). This package lives under pkg/ because platform adapters
// outside this module are expected to implement [Device].
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [Device.Open] when the user or the
	// operating system refuses microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable is returned by [Device.Open] when no usable input
	// device exists, and reported by [Capture.Err] when the device disappears
	// mid-capture.
	ErrDeviceUnavailable = errors.New("audio: input device unavailable")
)

// Stream is an open input device. Blocks of interleaved float32 samples at
// [Stream.Format] are delivered on the channel returned by Samples, paced by
// the device's own clock.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Format reports the native sample rate and channel count of the blocks.
	Format() Format

	// Samples returns the channel of sample blocks. The channel is closed when
	// the stream ends, either because Close was called or because the device
	// failed. Block lengths are arbitrary but always a multiple of the channel
	// count.
	Samples() <-chan []float32

	// Err returns the error that ended the stream early, or nil if it ended
	// because Close was called or the source was exhausted.
	Err() error

	// Close releases the device. It is safe to call Close more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// Device is the entry point for a microphone provider.
//
// Implementations must be safe for concurrent use, but a device only grants
// one open Stream at a time; a second Open while a stream is live returns
// [ErrDeviceUnavailable].
type Device interface {
	// Open requests exclusive access to the input device. The supplied ctx
	// governs the acquisition attempt only.
	//
	// Returns an error wrapping [ErrPermissionDenied] or
	// [ErrDeviceUnavailable] when acquisition fails.
	Open(ctx context.Context) (Stream, error)
}
