// Package codec turns captured audio frames into the wire chunks expected by
// streaming transcription services: signed 16-bit little-endian PCM, either
// raw (binary websocket and gRPC services) or base64-encoded (JSON services).
//
// Every chunk carries a sequence number. Sequence numbers are per encoder,
// start at 0, and strictly increase; a number is never reused, even when the
// chunk it was assigned to is later dropped.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/clinicrx/dictation/pkg/audio"
)

// ErrMalformedFrame is returned by [Encoder.Encode] for frames that cannot be
// encoded: empty frames or frames at an unexpected sample rate.
var ErrMalformedFrame = errors.New("codec: malformed frame")

// Transport selects how PCM bytes are carried on the wire.
type Transport int

const (
	// Base64 carries PCM as standard base64 text, for JSON envelopes.
	Base64 Transport = iota
	// Raw carries PCM bytes unchanged, for binary frames and gRPC.
	Raw
)

// String returns the transport name.
func (t Transport) String() string {
	switch t {
	case Base64:
		return "base64"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("Transport(%d)", int(t))
	}
}

// MIMEType returns the MIME tag for 16-bit PCM at rate, e.g.
// "audio/pcm;rate=16000".
func MIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// EncodedChunk is one frame ready for transmission.
type EncodedChunk struct {
	// Seq is the chunk's position in the session, starting at 0.
	Seq uint64

	// MIMEType tags the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Transport tells how Data is encoded.
	Transport Transport

	// Data is the payload: base64 text or raw PCM bytes depending on Transport.
	Data []byte

	// Samples is the number of PCM samples carried.
	Samples int

	// Timestamp is the source frame's offset from capture start.
	Timestamp time.Duration
}

// PCM returns the raw PCM bytes of the chunk, decoding base64 if needed.
func (c EncodedChunk) PCM() ([]byte, error) {
	if c.Transport == Raw {
		return c.Data, nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(c.Data)))
	n, err := base64.StdEncoding.Decode(out, c.Data)
	if err != nil {
		return nil, fmt.Errorf("codec: decode chunk %d: %w", c.Seq, err)
	}
	return out[:n], nil
}

// Option configures an [Encoder].
type Option func(*Encoder)

// WithSampleRate sets the sample rate frames must have. Defaults to
// [audio.DefaultSampleRate].
func WithSampleRate(rate int) Option {
	return func(e *Encoder) {
		if rate > 0 {
			e.sampleRate = rate
		}
	}
}

// Encoder converts frames to chunks for one session. It is not safe for
// concurrent use; the capture pump is its only caller.
type Encoder struct {
	transport  Transport
	sampleRate int
	mime       string
	next       uint64
}

// NewEncoder returns an Encoder for the given transport.
func NewEncoder(transport Transport, opts ...Option) *Encoder {
	e := &Encoder{
		transport:  transport,
		sampleRate: audio.DefaultSampleRate,
	}
	for _, o := range opts {
		o(e)
	}
	e.mime = MIMEType(e.sampleRate)
	return e
}

// NextSeq returns the sequence number the next successful Encode will assign.
func (e *Encoder) NextSeq() uint64 { return e.next }

// Encode converts f to a chunk and assigns it the next sequence number. A
// malformed frame returns [ErrMalformedFrame] and consumes no number.
func (e *Encoder) Encode(f audio.AudioFrame) (EncodedChunk, error) {
	if len(f.Samples) == 0 {
		return EncodedChunk{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if f.SampleRate != e.sampleRate {
		return EncodedChunk{}, fmt.Errorf("%w: sample rate %d, want %d", ErrMalformedFrame, f.SampleRate, e.sampleRate)
	}

	pcm := make([]byte, len(f.Samples)*2)
	PutPCM16LE(pcm, f.Samples)

	data := pcm
	if e.transport == Base64 {
		data = make([]byte, base64.StdEncoding.EncodedLen(len(pcm)))
		base64.StdEncoding.Encode(data, pcm)
	}

	seq := e.next
	e.next++
	return EncodedChunk{
		Seq:       seq,
		MIMEType:  e.mime,
		Transport: e.transport,
		Data:      data,
		Samples:   len(f.Samples),
		Timestamp: f.Timestamp,
	}, nil
}

// FloatToPCM16 converts a sample in -1.0…1.0 to a signed 16-bit value by
// multiplying by 32768 and clamping. NaN maps to 0.
func FloatToPCM16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := float64(s) * 32768
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// PutPCM16LE writes samples into dst as little-endian 16-bit PCM and returns
// the number of bytes written. dst must hold at least 2*len(samples) bytes.
func PutPCM16LE(dst []byte, samples []float32) int {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(FloatToPCM16(s)))
	}
	return len(samples) * 2
}
