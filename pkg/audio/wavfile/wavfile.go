// Package wavfile implements [audio.Device] on top of a WAV recording.
//
// It stands in for a microphone in the command-line tool and in tests: the
// file is decoded with beep, resampled to 16 kHz, downmixed to mono and
// delivered in fixed blocks, optionally paced at real-time speed so that the
// downstream pipeline sees the same cadence a live microphone would produce.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/clinicrx/dictation/pkg/audio"
)

const (
	defaultBlockSize = 1600 // 100 ms at 16 kHz
	resampleQuality  = 4
)

var _ audio.Device = (*Device)(nil)

// Option configures a [Device].
type Option func(*Device)

// WithBlockSize sets the number of 16 kHz samples delivered per block.
func WithBlockSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.blockSize = n
		}
	}
}

// WithRealtime paces delivery at one block per block duration.
func WithRealtime(enabled bool) Option {
	return func(d *Device) { d.realtime = enabled }
}

// Device reads microphone audio from a WAV file. Only one stream may be open
// at a time.
type Device struct {
	path      string
	blockSize int
	realtime  bool

	mu   sync.Mutex
	busy bool
}

// New returns a Device that plays the WAV file at path.
func New(path string, opts ...Option) *Device {
	d := &Device{path: path, blockSize: defaultBlockSize}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return nil, fmt.Errorf("wavfile: %s already open: %w", d.path, audio.ErrDeviceUnavailable)
	}
	d.busy = true
	d.mu.Unlock()

	s, err := d.open()
	if err != nil {
		d.release()
		return nil, err
	}
	return s, nil
}

func (d *Device) open() (*stream, error) {
	f, err := os.Open(d.path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("wavfile: open %s: %w", d.path, audio.ErrPermissionDenied)
	case err != nil:
		return nil, fmt.Errorf("wavfile: open %s: %w: %w", d.path, audio.ErrDeviceUnavailable, err)
	}

	dec, format, err := wav.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: decode %s: %w: %w", d.path, audio.ErrDeviceUnavailable, err)
	}

	var src beep.Streamer = dec
	target := beep.SampleRate(audio.DefaultSampleRate)
	if format.SampleRate != target {
		src = beep.Resample(resampleQuality, format.SampleRate, target, dec)
	}

	s := &stream{
		src:     src,
		closer:  dec,
		block:   d.blockSize,
		samples: make(chan []float32, 4),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		release: d.release,
	}
	if d.realtime {
		s.interval = target.D(d.blockSize)
	}
	go s.run()
	return s, nil
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = false
}

// stream is one pass over the file.
type stream struct {
	src      beep.Streamer
	closer   interface{ Close() error }
	block    int
	interval time.Duration
	release  func()

	samples chan []float32
	done    chan struct{}
	exited  chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *stream) Format() audio.Format {
	return audio.Format{SampleRate: audio.DefaultSampleRate, Channels: 1}
}

func (s *stream) Samples() <-chan []float32 { return s.samples }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops playback and returns once the file is closed and the device
// can be opened again.
func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.exited
	return nil
}

func (s *stream) run() {
	defer close(s.exited)
	defer s.release()
	defer close(s.samples)
	defer func() { _ = s.closer.Close() }()

	var tick <-chan time.Time
	if s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}

	buf := make([][2]float64, s.block)
	for {
		n, ok := s.src.Stream(buf)
		if n > 0 {
			mono := make([]float32, n)
			for i := range n {
				mono[i] = float32((buf[i][0] + buf[i][1]) / 2)
			}
			select {
			case s.samples <- mono:
			case <-s.done:
				return
			}
		}
		if !ok {
			if err := s.src.Err(); err != nil {
				s.mu.Lock()
				s.err = fmt.Errorf("wavfile: read: %w: %w", audio.ErrDeviceUnavailable, err)
				s.mu.Unlock()
			}
			return
		}
		if tick != nil {
			select {
			case <-tick:
			case <-s.done:
				return
			}
		} else {
			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}
