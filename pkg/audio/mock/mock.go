// Package mock provides in-memory mock implementations of the [audio.Device]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{
//	    Blocks: [][]float32{make([]float32, 4096)},
//	    Hold:   true,
//	}
//	src := audio.NewFrameSource(dev)
//	capture, err := src.Open(ctx)
//	...
//	dev.LastStream().Fail(audio.ErrDeviceUnavailable)
package mock

import (
	"context"
	"sync"

	"github.com/clinicrx/dictation/pkg/audio"
)

const defaultStreamBuffer = 256

// ─── Stream ───────────────────────────────────────────────────────────────────

var _ audio.Stream = (*Stream)(nil)

// Stream is a mock implementation of [audio.Stream]. Blocks are fed with
// [Stream.Push]; the samples channel is buffered, so blocks pushed before
// Close are still delivered after it.
type Stream struct {
	mu sync.Mutex

	format audio.Format
	ch     chan []float32
	closed bool
	err    error

	onClose        func()
	callCountClose int
}

// NewStream returns an open Stream at format with room for buffer blocks.
func NewStream(format audio.Format, buffer int) *Stream {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &Stream{
		format: format,
		ch:     make(chan []float32, buffer),
	}
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Samples implements [audio.Stream].
func (s *Stream) Samples() <-chan []float32 { return s.ch }

// Err implements [audio.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Stream]. Records the call.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.callCountClose++
	s.closeLocked()
	hook := s.onClose
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// Push delivers a block to the consumer. It reports false when the stream is
// closed or its buffer is full.
func (s *Stream) Push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- block:
		return true
	default:
		return false
	}
}

// Fail ends the stream with err, simulating a device that disappeared.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closeLocked()
}

// End closes the samples channel without an error, simulating an exhausted
// source. It is not recorded as a Close call.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CallCountClose returns how many times Close was called.
func (s *Stream) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountClose
}

func (s *Stream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// ─── Device ───────────────────────────────────────────────────────────────────

var _ audio.Device = (*Device)(nil)

// Device is a mock implementation of [audio.Device].
// Set the exported fields before use; inspect the call counters after.
type Device struct {
	mu sync.Mutex

	// Format is the native format of opened streams. Defaults to 16 kHz mono.
	Format audio.Format

	// Blocks are pushed into every opened stream immediately.
	Blocks [][]float32

	// Hold keeps the stream open after Blocks are delivered. When false the
	// stream ends on its own once Blocks are consumed.
	Hold bool

	// OpenError is returned by Open without creating a stream.
	OpenError error

	// OpenGate, when non-nil, makes Open wait until the channel is closed or
	// the context is done.
	OpenGate chan struct{}

	// OnClose, when non-nil, is called by every opened stream's Close.
	OnClose func()

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Streams holds every stream returned by Open, in order.
	Streams []*Stream
}

// Open implements [audio.Device]. Records the call and returns a new [Stream]
// or OpenError.
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	d.mu.Lock()
	d.CallCountOpen++
	gate := d.OpenGate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	format := d.Format
	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: audio.DefaultSampleRate, Channels: 1}
	}
	s := NewStream(format, len(d.Blocks)+defaultStreamBuffer)
	s.onClose = d.OnClose
	for _, b := range d.Blocks {
		s.Push(b)
	}
	if !d.Hold {
		s.End()
	}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// OpenStreams returns how many opened streams have not yet ended.
func (d *Device) OpenStreams() int {
	d.mu.Lock()
	streams := make([]*Stream, len(d.Streams))
	copy(streams, d.Streams)
	d.mu.Unlock()

	n := 0
	for _, s := range streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}
