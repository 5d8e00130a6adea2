// Package push implements [audio.Device] for microphones that live on the
// other side of a network connection.
//
// The transport layer feeds captured blocks in with [Device.Write] or
// [Device.WritePCM16]; the dictation pipeline reads them through the usual
// [audio.Stream]. When the remote side reports that the microphone could not
// be acquired, [Device.Fail] records the reason and the next Open (or the
// currently open stream) fails with it.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/clinicrx/dictation/pkg/audio"
)

const defaultBuffer = 64

var _ audio.Device = (*Device)(nil)

// Device is a push-fed microphone. The zero value is not usable; create one
// with [New].
type Device struct {
	mu      sync.Mutex
	format  audio.Format
	buffer  int
	stream  *stream
	failure error

	dropped atomic.Int64
}

// New returns a Device whose blocks arrive in format.
func New(format audio.Format) *Device {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	if format.SampleRate <= 0 {
		format.SampleRate = audio.DefaultSampleRate
	}
	return &Device{format: format, buffer: defaultBuffer}
}

// SetFormat changes the format announced by streams opened after the call.
func (d *Device) SetFormat(format audio.Format) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if format.Channels <= 0 {
		format.Channels = 1
	}
	if format.SampleRate > 0 {
		d.format = format
	}
}

// Open implements [audio.Device]. It fails with the error recorded by the most
// recent [Device.Fail], if any, consuming it.
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failure; err != nil {
		d.failure = nil
		return nil, fmt.Errorf("push: open: %w", err)
	}
	if d.stream != nil && !d.stream.isClosed() {
		return nil, fmt.Errorf("push: open: stream already active: %w", audio.ErrDeviceUnavailable)
	}
	d.stream = &stream{
		format:  d.format,
		samples: make(chan []float32, d.buffer),
	}
	return d.stream, nil
}

// Write hands one block of interleaved float32 samples to the open stream.
// Blocks written while no stream is open are discarded. Write never blocks;
// when the consumer falls behind the block is dropped.
func (d *Device) Write(block []float32) {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return
	}
	if !s.push(block) {
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("push device: dropping audio block", "dropped", n)
		}
	}
}

// WritePCM16 is like Write for little-endian signed 16-bit samples.
func (d *Device) WritePCM16(pcm []byte) {
	d.Write(audio.PCM16ToFloat(pcm))
}

// Fail reports that the remote microphone is gone. err should wrap
// [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable]. An open stream
// ends with err; otherwise err is returned by the next Open.
func (d *Device) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil && d.stream.fail(err) {
		return
	}
	d.failure = err
}

// Dropped returns the number of blocks discarded because the consumer was
// not keeping up.
func (d *Device) Dropped() int64 { return d.dropped.Load() }

type stream struct {
	format  audio.Format
	samples chan []float32

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Samples() <-chan []float32 { return s.samples }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push reports false when the block was dropped.
func (s *stream) push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.samples <- block:
		return true
	default:
		return false
	}
}

// fail reports false when the stream had already ended.
func (s *stream) fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.err = err
	s.closeLocked()
	return true
}

func (s *stream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.samples)
}
