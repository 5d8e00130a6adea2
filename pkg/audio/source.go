package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultFrameBuffer = 8

// SourceOption configures a [FrameSource].
type SourceOption func(*FrameSource)

// WithFrameSize sets the number of samples per emitted frame. Defaults to
// [DefaultFrameSize].
func WithFrameSize(n int) SourceOption {
	return func(s *FrameSource) {
		if n > 0 {
			s.frameSize = n
		}
	}
}

// WithSampleRate sets the output sample rate in Hz. Defaults to
// [DefaultSampleRate].
func WithSampleRate(rate int) SourceOption {
	return func(s *FrameSource) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// WithFrameBuffer sets the capacity of the frames channel. Defaults to 8.
func WithFrameBuffer(n int) SourceOption {
	return func(s *FrameSource) {
		if n >= 0 {
			s.buffer = n
		}
	}
}

// FrameSource slices a [Device] stream into fixed-size mono frames at a fixed
// sample rate. A FrameSource is reusable: every [FrameSource.Open] acquires the
// device afresh and returns an independent [Capture].
type FrameSource struct {
	device     Device
	frameSize  int
	sampleRate int
	buffer     int
}

// NewFrameSource creates a FrameSource reading from dev.
func NewFrameSource(dev Device, opts ...SourceOption) *FrameSource {
	s := &FrameSource{
		device:     dev,
		frameSize:  DefaultFrameSize,
		sampleRate: DefaultSampleRate,
		buffer:     defaultFrameBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FrameSize reports the configured samples per frame.
func (s *FrameSource) FrameSize() int { return s.frameSize }

// SampleRate reports the configured output sample rate.
func (s *FrameSource) SampleRate() int { return s.sampleRate }

// Open acquires the device and starts producing frames. The returned Capture
// owns the device until [Capture.Close] is called.
func (s *FrameSource) Open(ctx context.Context) (*Capture, error) {
	if s.device == nil {
		return nil, fmt.Errorf("audio: open: %w", ErrDeviceUnavailable)
	}
	stream, err := s.device.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("audio: open device: %w", err)
	}

	c := &Capture{
		stream:     stream,
		frameSize:  s.frameSize,
		sampleRate: s.sampleRate,
		frames:     make(chan AudioFrame, s.buffer),
		finished:   make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Capture is one acquisition of a device. Frames arrive on [Capture.Frames]
// at real-time cadence until the capture is closed or the device fails.
// A closed Capture cannot be resumed; open a new one from the FrameSource.
//
// Consumers must keep reading Frames until the channel is closed; use [Drain]
// when the remaining frames are not needed.
type Capture struct {
	stream     Stream
	frameSize  int
	sampleRate int

	frames   chan AudioFrame
	finished chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

// Frames returns the channel of fixed-size frames. It is closed after the
// device stream ends, once any buffered remainder has been flushed as a
// final zero-padded frame.
func (c *Capture) Frames() <-chan AudioFrame { return c.frames }

// Done is closed once the capture goroutine has exited and Frames is closed.
func (c *Capture) Done() <-chan struct{} { return c.finished }

// Err returns the device failure that ended the capture, or nil if the
// capture ended because Close was called or the source was exhausted. A
// non-nil error always wraps [ErrPermissionDenied] or [ErrDeviceUnavailable].
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close releases the device. Frames already captured are still delivered
// before the Frames channel closes. Safe to call more than once.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}

func (c *Capture) run() {
	defer close(c.finished)
	defer close(c.frames)

	conv := FormatConverter{TargetRate: c.sampleRate}
	format := c.stream.Format()
	pending := make([]float32, 0, c.frameSize*2)
	var emitted int64

	emit := func(samples []float32) {
		ts := time.Duration(emitted) * time.Second / time.Duration(c.sampleRate)
		emitted += int64(len(samples))
		c.frames <- AudioFrame{
			Samples:    samples,
			SampleRate: c.sampleRate,
			Timestamp:  ts,
		}
	}

	for block := range c.stream.Samples() {
		pending = append(pending, conv.Convert(block, format)...)
		for len(pending) >= c.frameSize {
			frame := make([]float32, c.frameSize)
			copy(frame, pending)
			pending = append(pending[:0], pending[c.frameSize:]...)
			emit(frame)
		}
	}

	if err := c.stream.Err(); err != nil {
		c.setErr(err)
	}

	if len(pending) > 0 {
		frame := make([]float32, c.frameSize)
		copy(frame, pending)
		emit(frame)
	}
}

func (c *Capture) setErr(err error) {
	if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
