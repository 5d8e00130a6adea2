// Package dictation orchestrates a live dictation session: it acquires the
// microphone and the transcription connection, pumps encoded frames out,
// reconciles results into the note, and owns the lifecycle state machine
// exposed to the form.
//
//	Idle → Starting → Listening → Stopping → Idle
//	Starting | Listening → Error → Idle
//
// Misuse (Start while busy, Stop while Idle) returns [ErrInvalidState] and
// never changes state. Failures tear every resource down before the single
// transition into [Error]; nothing is retried automatically.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/clinicrx/dictation/internal/observe"
	"github.com/clinicrx/dictation/internal/reconcile"
	"github.com/clinicrx/dictation/internal/transcription"
	"github.com/clinicrx/dictation/pkg/audio"
	"github.com/clinicrx/dictation/pkg/codec"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

// ErrInvalidState is returned when Start or Stop is called in a state that
// does not allow it.
var ErrInvalidState = errors.New("dictation: invalid state")

const defaultConnectTimeout = 10 * time.Second

// Status is a point-in-time snapshot of a [Controller].
type Status struct {
	// SessionID identifies the current or failed session. Empty when Idle.
	SessionID string

	// State is the controller state.
	State State

	// Cause is the error that moved the session to [Error], or nil.
	Cause error

	// Transcript holds the finals committed during the session.
	Transcript string

	// Preview is the latest uncommitted partial.
	Preview string

	// StartedAt is when Start was called for the session.
	StartedAt time.Time

	// Dropped counts chunks lost to a full outbox.
	Dropped uint64
}

// CauseCode returns the stable code of Cause.
func (s Status) CauseCode() string { return CauseCode(s.Cause) }

// Option configures a [Controller].
type Option func(*Controller)

// WithTranscribeConfig sets the configuration requested from the service.
// SampleRate is always overridden with the capture rate.
func WithTranscribeConfig(cfg transcribe.Config) Option {
	return func(c *Controller) { c.tcfg = cfg }
}

// WithSourceOptions configures the frame source built around the device.
func WithSourceOptions(opts ...audio.SourceOption) Option {
	return func(c *Controller) { c.sourceOpts = append(c.sourceOpts, opts...) }
}

// WithSessionOptions configures each transcription session.
func WithSessionOptions(opts ...transcription.Option) Option {
	return func(c *Controller) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithConnectTimeout bounds the Starting phase. Default: 10s.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// OnTranscript registers the append callback. It receives exactly the text
// appended to the note, separator included.
func OnTranscript(fn func(text string)) Option {
	return func(c *Controller) { c.onTranscript = fn }
}

// OnPreview registers the live-preview callback. An empty string clears the
// preview after a final has been committed.
func OnPreview(fn func(text string)) Option {
	return func(c *Controller) { c.onPreview = fn }
}

// OnStatusChange registers the state callback. cause is non-nil only for
// [Error].
func OnStatusChange(fn func(state State, cause error)) Option {
	return func(c *Controller) { c.onStatus = fn }
}

// OnCaptureEnd registers a callback for a device stream that ran out on its
// own, such as a file reaching its end. The session stays Listening so that
// late results still land; the usual reaction is to call Stop.
func OnCaptureEnd(fn func()) Option {
	return func(c *Controller) { c.onCaptureEnd = fn }
}

// Controller runs at most one dictation session at a time against one
// device, one provider and one note. All methods are safe for concurrent use.
type Controller struct {
	source   *audio.FrameSource
	provider transcribe.Provider
	note     reconcile.NoteBuffer

	tcfg           transcribe.Config
	sourceOpts     []audio.SourceOption
	sessionOpts    []transcription.Option
	connectTimeout time.Duration
	metrics        *observe.Metrics

	onTranscript func(string)
	onPreview    func(string)
	onStatus     func(State, error)
	onCaptureEnd func()

	mu    sync.Mutex
	state State
	cur   *session
}

// session is the aggregate for one dictation attempt, owned by the
// Controller from Start until it returns to Idle.
type session struct {
	id        string
	startedAt time.Time
	log       *slog.Logger

	capture *audio.Capture
	tx      *transcription.Session
	rec     *reconcile.Reconciler
	cause   error

	// Guarded by Controller.mu.
	cancelStart   context.CancelFunc
	stopRequested bool
	ending        bool

	startDone chan struct{} // closed when Start returns
	pumpDone  chan struct{}
	recvDone  chan struct{}
	ended     chan struct{} // closed after the session left Listening
}

// New returns an idle Controller capturing from dev, transcribing with p and
// appending finals to note.
func New(dev audio.Device, p transcribe.Provider, note reconcile.NoteBuffer, opts ...Option) *Controller {
	c := &Controller{
		provider:       p,
		note:           note,
		connectTimeout: defaultConnectTimeout,
		tcfg: transcribe.Config{
			ResponseModality:    transcribe.ModalityAudio,
			OutputTranscription: true,
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.source = audio.NewFrameSource(dev, c.sourceOpts...)
	c.tcfg.SampleRate = c.source.SampleRate()
	return c
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{State: c.state}
	if s := c.cur; s != nil {
		st.SessionID = s.id
		st.StartedAt = s.startedAt
		st.Cause = s.cause
		if s.rec != nil {
			st.Transcript = s.rec.Transcript()
			st.Preview = s.rec.Preview()
		}
		if s.tx != nil {
			st.Dropped = s.tx.Dropped()
		}
	}
	return st
}

// Start begins a new session from [Idle] or [Error]. The device and the
// service connection are acquired concurrently; if either fails, whatever was
// acquired is released before the controller enters [Error] and the cause is
// returned. Start returns once the controller is Listening or has failed.
// If ctx ends during the handshake the start is abandoned like a Stop from
// [Starting]: the controller returns to [Idle] and no session error is
// recorded.
func (c *Controller) Start(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.state != Idle && c.state != Error {
		st := c.statusLocked()
		c.mu.Unlock()
		return st, fmt.Errorf("%w: start while %s", ErrInvalidState, st.State)
	}

	ctx, span := observe.StartSpan(ctx, "dictation.start")
	defer span.End()

	s := &session{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		startDone: make(chan struct{}),
		pumpDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
		ended:     make(chan struct{}),
	}
	s.log = observe.Logger(ctx).With("session_id", s.id)
	span.SetAttributes(observe.Attr("session_id", s.id))

	startCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	s.cancelStart = cancel
	defer close(s.startDone)

	c.cur = s
	c.state = Starting
	c.mu.Unlock()
	c.notify(Starting, nil)
	s.log.Info("dictation: starting", "provider", c.provider.Capabilities().Name)

	capture, tx, err := c.acquire(startCtx)

	c.mu.Lock()
	if err == nil && !s.stopRequested {
		s.capture = capture
		s.tx = tx
		s.rec = reconcile.New(c.note)
		c.state = Listening
		st := c.statusLocked()
		c.mu.Unlock()

		c.metrics.ActiveSessions.Add(ctx, 1)
		go c.pump(s)
		go c.receive(s)

		s.log.Info("dictation: listening", "provider", tx.Provider())
		c.notify(Listening, nil)
		return st, nil
	}
	c.mu.Unlock()

	if capture != nil {
		_ = capture.Close()
		audio.Drain(capture.Frames())
	}
	if tx != nil {
		tx.Abort()
	}

	c.mu.Lock()
	if s.stopRequested || ctx.Err() != nil {
		c.cur = nil
		c.state = Idle
		c.mu.Unlock()
		c.notify(Idle, nil)
		reason := context.Canceled
		if !s.stopRequested {
			reason = ctx.Err()
		}
		s.log.Info("dictation: start cancelled", "reason", reason)
		span.SetStatus(otelcodes.Error, "cancelled")
		return Status{State: Idle}, fmt.Errorf("dictation: start: %w", reason)
	}
	s.cause = err
	c.state = Error
	st := c.statusLocked()
	c.mu.Unlock()

	code := CauseCode(err)
	c.metrics.RecordSessionError(ctx, code)
	recordSpanError(span, err)
	s.log.Warn("dictation: start failed", "cause", code, "err", err)
	c.notify(Error, err)
	return st, err
}

// acquire opens the device and the connection concurrently. On error the
// resources that were acquired are still returned so the caller can release
// them.
func (c *Controller) acquire(ctx context.Context) (*audio.Capture, *transcription.Session, error) {
	var (
		capture *audio.Capture
		tx      *transcription.Session
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		capture, err = c.source.Open(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		tx, err = transcription.Open(gctx, c.provider, c.tcfg, c.sessionOpts...)
		return err
	})
	err := g.Wait()
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Blame whichever side had not finished when the deadline hit.
		switch {
		case tx == nil && !errors.Is(err, transcribe.ErrConnect):
			err = fmt.Errorf("%w: handshake timed out: %w", transcribe.ErrConnect, err)
		case tx != nil && capture == nil && !errors.Is(err, audio.ErrDeviceUnavailable):
			err = fmt.Errorf("%w: device open timed out: %w", audio.ErrDeviceUnavailable, err)
		}
	}
	return capture, tx, err
}

// Stop ends the current session cooperatively. From [Listening] the device is
// closed first, captured frames are drained into the outbox, the outbox is
// flushed within the drain timeout, and only then is the connection closed.
// From [Starting] it cancels the startup. From [Error] it acknowledges the
// failure and returns to [Idle]. From [Idle] or [Stopping] it returns
// [ErrInvalidState].
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.cur
	switch c.state {
	case Idle, Stopping:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, state)

	case Error:
		c.cur = nil
		c.state = Idle
		c.mu.Unlock()
		c.notify(Idle, nil)
		return nil

	case Starting:
		s.stopRequested = true
		s.cancelStart()
		c.mu.Unlock()
		<-s.startDone
		return nil
	}

	// Listening.
	if s.ending {
		// A failure is already tearing the session down.
		c.mu.Unlock()
		<-s.ended
		return c.acknowledgeError(s)
	}
	s.ending = true
	c.state = Stopping
	c.mu.Unlock()
	c.notify(Stopping, nil)

	s.log.Info("dictation: stopping")
	if err := s.capture.Close(); err != nil {
		s.log.Warn("dictation: release device", "err", err)
	}
	<-s.pumpDone
	if err := s.tx.Close(ctx); err != nil {
		s.log.Warn("dictation: close connection", "err", err)
	}
	<-s.recvDone
	c.finish(s)

	c.mu.Lock()
	if c.cur == s {
		c.cur = nil
	}
	c.state = Idle
	c.mu.Unlock()
	close(s.ended)

	s.log.Info("dictation: stopped",
		"duration", time.Since(s.startedAt),
		"dropped", s.tx.Dropped(),
	)
	c.notify(Idle, nil)
	return nil
}

// Shutdown stops whatever is running and leaves the controller Idle. It is
// meant for process or client teardown and never returns ErrInvalidState.
func (c *Controller) Shutdown(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, s := c.state, c.cur
		c.mu.Unlock()

		switch state {
		case Idle:
			return nil
		case Stopping:
			<-s.ended
		default:
			if err := c.Stop(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
				return err
			}
		}
	}
}

func (c *Controller) acknowledgeError(s *session) error {
	c.mu.Lock()
	if c.cur != s || c.state != Error {
		c.mu.Unlock()
		return nil
	}
	c.cur = nil
	c.state = Idle
	c.mu.Unlock()
	c.notify(Idle, nil)
	return nil
}

// pump encodes captured frames and hands them to the session outbox until
// the capture ends. It keeps reading after a send failure so the capture
// goroutine never blocks.
func (c *Controller) pump(s *session) {
	defer close(s.pumpDone)

	enc := codec.NewEncoder(c.provider.Capabilities().Transport, codec.WithSampleRate(c.source.SampleRate()))
	ctx := context.Background()
	var sendErr error
	for frame := range s.capture.Frames() {
		c.metrics.FramesCaptured.Add(ctx, 1)
		if sendErr != nil {
			continue
		}
		chunk, err := enc.Encode(frame)
		if err != nil {
			s.log.Warn("dictation: skip frame", "err", err)
			continue
		}
		if err := s.tx.Send(chunk); err != nil {
			sendErr = err
			if !errors.Is(err, transcription.ErrInvalidState) {
				c.fail(s, err)
			}
		}
	}
	if err := s.capture.Err(); err != nil {
		c.fail(s, err)
		return
	}
	c.mu.Lock()
	exhausted := !s.ending
	c.mu.Unlock()
	if exhausted && c.onCaptureEnd != nil {
		s.log.Debug("dictation: capture exhausted")
		c.onCaptureEnd()
	}
}

// receive reconciles results in arrival order. It is the only writer to the
// note for the session.
func (c *Controller) receive(s *session) {
	defer close(s.recvDone)

	ctx := context.Background()
	provider := s.tx.Provider()
	for ev := range s.tx.Events() {
		c.metrics.RecordTranscriptEvent(ctx, provider, ev.IsFinal)
		appended, ok := s.rec.Apply(ev)
		if ok && c.onTranscript != nil {
			c.onTranscript(appended)
		}
		if c.onPreview != nil {
			c.onPreview(s.rec.Preview())
		}
		s.log.Debug("dictation: transcript event", "seq", ev.Seq, "final", ev.IsFinal, "appended", ok)
	}

	err := s.tx.Err()
	if err == nil {
		err = fmt.Errorf("%w: service ended the session", transcribe.ErrTransport)
	}
	c.fail(s, err)
}

// fail starts an error teardown unless the session is already ending.
func (c *Controller) fail(s *session, err error) {
	c.mu.Lock()
	if c.cur != s || s.ending {
		c.mu.Unlock()
		return
	}
	s.ending = true
	c.mu.Unlock()

	s.log.Error("dictation: session failed", "cause", CauseCode(err), "err", err)
	go c.abort(s, err)
}

// abort releases every resource of a failed session and then enters Error.
func (c *Controller) abort(s *session, cause error) {
	_ = s.capture.Close()
	s.tx.Abort()
	<-s.pumpDone
	<-s.recvDone
	c.finish(s)

	c.mu.Lock()
	s.cause = cause
	if c.cur == s {
		c.state = Error
	}
	c.mu.Unlock()
	close(s.ended)

	c.metrics.RecordSessionError(context.Background(), CauseCode(cause))
	c.notify(Error, cause)
}

// finish records the metrics of a session leaving Listening.
func (c *Controller) finish(s *session) {
	ctx := context.Background()
	c.metrics.ActiveSessions.Add(ctx, -1)
	c.metrics.SessionDuration.Record(ctx, time.Since(s.startedAt).Seconds())
}

func (c *Controller) notify(state State, cause error) {
	if c.onStatus != nil {
		c.onStatus(state, cause)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, CauseCode(err))
}
