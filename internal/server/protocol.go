package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Client → server message types.
const (
	msgStart    = "start"
	msgStop     = "stop"
	msgMicError = "mic_error"
)

// Server → client message types.
const (
	msgStatus     = "status"
	msgTranscript = "transcript"
	msgPreview    = "preview"
	msgError      = "error"
)

// Error codes carried by msgError.
const (
	codeInvalidState = "invalid_state"
	codeBadMessage   = "bad_message"
	codeUnsupported  = "unsupported"
)

// Sample encodings accepted in binary frames.
const (
	encodingF32LE = "f32le"
	encodingS16LE = "s16le"
)

// Reasons a browser reports when it cannot open the microphone.
const (
	reasonPermissionDenied = "permission_denied"
	reasonUnavailable      = "unavailable"
)

var errBadMessage = errors.New("server: bad message")

// clientMessage is any text frame sent by the browser.
type clientMessage struct {
	Type string `json:"type"`

	// start
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	NoteLength int    `json:"noteLength,omitempty"`

	// mic_error
	Reason string `json:"reason,omitempty"`
}

// validateStart fills defaults into a start message and rejects unusable
// formats.
func validateStart(m *clientMessage) error {
	if m.Encoding == "" {
		m.Encoding = encodingF32LE
	}
	if m.Encoding != encodingF32LE && m.Encoding != encodingS16LE {
		return fmt.Errorf("%w: encoding %q", errBadMessage, m.Encoding)
	}
	if m.SampleRate < 0 || m.SampleRate > 384000 {
		return fmt.Errorf("%w: sampleRate %d", errBadMessage, m.SampleRate)
	}
	if m.Channels < 0 || m.Channels > 8 {
		return fmt.Errorf("%w: channels %d", errBadMessage, m.Channels)
	}
	if m.Channels == 0 {
		m.Channels = 1
	}
	if m.NoteLength < 0 {
		m.NoteLength = 0
	}
	return nil
}

// serverMessage is any text frame sent to the browser.
type serverMessage struct {
	Type string `json:"type"`

	// status
	State     string `json:"state,omitempty"`
	Cause     string `json:"cause,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// transcript, preview
	Text *string `json:"text,omitempty"`

	// error
	Code string `json:"code,omitempty"`

	// status, error
	Message string `json:"message,omitempty"`
}

func textMessage(typ, text string) serverMessage {
	return serverMessage{Type: typ, Text: &text}
}

// decodeF32LE converts little-endian float32 samples. A trailing partial
// sample is ignored.
func decodeF32LE(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
