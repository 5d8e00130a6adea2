// Package transcribe defines the Provider interface for streaming
// transcription backends.
//
// A transcription provider wraps a remote real-time recognition service (e.g.,
// the Gemini Live API, Deepgram, or Google Cloud Speech) and exposes a uniform
// streaming interface. The central abstraction is [Conn]: once connected, it
// accepts encoded audio chunks and emits a single ordered stream of [Event]
// values, low-latency partials interleaved with authoritative finals.
//
// Implementations must be safe for concurrent use.
package transcribe

import (
	"context"
	"errors"
	"time"

	"github.com/clinicrx/dictation/pkg/codec"
)

var (
	// ErrConnect is wrapped by errors returned from [Provider.Connect] when the
	// service cannot be reached or refuses the session.
	ErrConnect = errors.New("transcribe: connect failed")

	// ErrTransport is wrapped by errors that end an established connection
	// abnormally: send failures, server error messages, unexpected closes.
	ErrTransport = errors.New("transcribe: transport failure")

	// ErrClosed is returned by [Conn.Send] after the connection has been closed.
	ErrClosed = errors.New("transcribe: connection closed")
)

// Modality is the kind of response requested from the service.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// Config describes the session requested from the service.
type Config struct {
	// ResponseModality is the modality the service answers in. Services that
	// only transcribe ignore it.
	ResponseModality Modality

	// OutputTranscription asks the service to also transcribe its own spoken
	// responses, where supported.
	OutputTranscription bool

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// SampleRate is the PCM sample rate of the chunks that will be sent.
	SampleRate int

	// Instructions is an optional system prompt for services that take one.
	Instructions string
}

// Event is one recognition result.
type Event struct {
	// Seq numbers the utterance within the connection, starting at 0. Partials
	// carry the number of the final they preview; a final with a given Seq is
	// delivered at most once by a well-behaved service.
	Seq uint64

	// Text is the recognised speech.
	Text string

	// IsFinal marks committed, immutable results. Partials may be revised.
	IsFinal bool

	// Received is when the event arrived from the service.
	Received time.Time
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Name identifies the provider in logs and metrics.
	Name string

	// Transport is the chunk encoding the provider expects.
	Transport codec.Transport

	// Partials reports whether the service emits interim results.
	Partials bool
}

// Conn is an open streaming session with the service.
//
// Callers must call Close when the connection is no longer needed.
type Conn interface {
	// Send transmits one chunk. Chunks must be sent in increasing Seq order.
	// Returns an error wrapping [ErrTransport] on failure, or [ErrClosed]
	// after Close.
	Send(ctx context.Context, chunk codec.EncodedChunk) error

	// Events returns the stream of recognition results. The channel is closed
	// when the connection ends, normally or on error.
	Events() <-chan Event

	// Err returns the error that ended the connection abnormally, or nil.
	Err() error

	// Close ends the session and releases its resources. After Close the
	// Events channel is closed. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any streaming transcription backend.
type Provider interface {
	// Connect opens a session. When it returns successfully the service has
	// accepted the configuration and is ready for audio. Errors wrap
	// [ErrConnect].
	Connect(ctx context.Context, cfg Config) (Conn, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
