package dictation

import (
	"errors"

	"github.com/clinicrx/dictation/internal/resilience"
	"github.com/clinicrx/dictation/pkg/audio"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

// State is the lifecycle state of a [Controller].
type State int

const (
	// Idle means no device is held and no connection is open.
	Idle State = iota

	// Starting means device acquisition and the service handshake are in
	// flight.
	Starting

	// Listening means frames are being captured, encoded and sent, and
	// results are being reconciled into the note.
	Listening

	// Stopping means the device has been released and the outbox is draining.
	Stopping

	// Error means the last session ended on a failure. The cause is
	// available from [Controller.Status].
	Error
)

// String returns the lower-case state name used on the wire and in logs.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Stable cause codes reported to clients and recorded in metrics.
const (
	CausePermissionDenied  = "permission_denied"
	CauseDeviceUnavailable = "device_unavailable"
	CauseConnectError      = "connect_error"
	CauseTransportError    = "transport_error"
	CauseInternal          = "internal"
)

// CauseCode maps the error that put a session into [Error] to a stable code.
// It returns the empty string for a nil error.
func CauseCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrPermissionDenied):
		return CausePermissionDenied
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return CauseDeviceUnavailable
	case errors.Is(err, transcribe.ErrConnect), errors.Is(err, resilience.ErrCircuitOpen):
		return CauseConnectError
	case errors.Is(err, transcribe.ErrTransport):
		return CauseTransportError
	default:
		return CauseInternal
	}
}
