// Package transcription manages the outbound half of a live dictation
// session: one connection to a streaming transcription service, fed from a
// bounded drop-oldest outbox by a dedicated sender goroutine.
//
// Capture must never wait on the network, so [Session.Send] only enqueues.
// When the outbox is full the oldest unsent chunk is evicted and counted;
// momentary gaps in the transcript are preferred over a stalled microphone.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clinicrx/dictation/internal/observe"
	"github.com/clinicrx/dictation/internal/queue"
	"github.com/clinicrx/dictation/pkg/codec"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

// ErrInvalidState is returned by Send once the session has been closed or
// when chunks arrive out of sequence order.
var ErrInvalidState = errors.New("transcription: invalid state")

const (
	defaultQueueCapacity = 32
	defaultDrainTimeout  = 2 * time.Second

	// dropLogInterval controls how often repeated drops are logged.
	dropLogInterval = 100
)

// Option configures a [Session].
type Option func(*Session)

// WithQueueCapacity sets the maximum number of unsent chunks held in the
// outbox. Values <= 0 are ignored.
func WithQueueCapacity(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithDrainTimeout bounds how long Close waits for queued chunks to be
// transmitted before closing the connection anyway.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session owns one connection to a transcription service for the lifetime of
// a dictation attempt. All methods are safe for concurrent use.
type Session struct {
	capacity     int
	drainTimeout time.Duration
	metrics      *observe.Metrics

	provider string
	conn     transcribe.Conn
	outbox   *queue.DropOldest[codec.EncodedChunk]

	// sendCtx governs the sender goroutine and in-flight Conn.Send calls.
	sendCtx    context.Context
	cancelSend context.CancelFunc
	senderDone chan struct{}

	mu       sync.Mutex
	closed   bool
	err      error
	enqueued bool
	lastSeq  uint64

	closeOnce sync.Once
	closeErr  error
}

// Open connects to the service and starts the sender. The returned error
// wraps [transcribe.ErrConnect] on failure; the caller decides whether to
// retry.
func Open(ctx context.Context, p transcribe.Provider, cfg transcribe.Config, opts ...Option) (*Session, error) {
	s := &Session{
		capacity:     defaultQueueCapacity,
		drainTimeout: defaultDrainTimeout,
		provider:     p.Capabilities().Name,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	start := time.Now()
	conn, err := p.Connect(ctx, cfg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordConnect(ctx, s.provider, status, time.Since(start))
	if err != nil {
		if !errors.Is(err, transcribe.ErrConnect) {
			err = fmt.Errorf("%w: %w", transcribe.ErrConnect, err)
		}
		return nil, fmt.Errorf("transcription: open %s: %w", s.provider, err)
	}

	s.conn = conn
	s.outbox = queue.New[codec.EncodedChunk](s.capacity)
	s.sendCtx, s.cancelSend = context.WithCancel(context.WithoutCancel(ctx))
	s.senderDone = make(chan struct{})
	go s.sendLoop()

	slog.Debug("transcription: session open",
		"provider", s.provider,
		"queue_capacity", s.capacity,
		"connect_latency", time.Since(start),
	)
	return s, nil
}

// Send enqueues chunk for asynchronous transmission and never blocks on the
// network. If the outbox is full the oldest unsent chunk is dropped.
//
// Chunks must arrive in strictly increasing Seq order. Send returns
// [ErrInvalidState] after Close or Abort, and the session's error once
// transmission has failed.
func (s *Session) Send(chunk codec.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: send after close", ErrInvalidState)
	}
	if s.err != nil {
		return s.err
	}
	if s.enqueued && chunk.Seq <= s.lastSeq {
		return fmt.Errorf("%w: seq %d does not follow %d", ErrInvalidState, chunk.Seq, s.lastSeq)
	}

	old, evicted, ok := s.outbox.Push(chunk)
	if !ok {
		return fmt.Errorf("%w: send after close", ErrInvalidState)
	}
	s.enqueued = true
	s.lastSeq = chunk.Seq

	if evicted {
		s.metrics.RecordChunkDropped(s.sendCtx, s.provider)
		if n := s.outbox.Dropped(); n == 1 || n%dropLogInterval == 0 {
			slog.Warn("transcription: outbox full, dropped oldest chunk",
				"provider", s.provider,
				"seq", old.Seq,
				"dropped", n,
			)
		}
	}
	return nil
}

// Events returns the ordered stream of recognition results. The channel is
// closed when the connection ends, normally or on error.
func (s *Session) Events() <-chan transcribe.Event {
	return s.conn.Events()
}

// Err returns the error that ended the session abnormally, or nil. It wraps
// [transcribe.ErrTransport] for send and receive failures.
func (s *Session) Err() error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.conn.Err()
}

// Dropped returns how many chunks were evicted from a full outbox.
func (s *Session) Dropped() uint64 {
	return s.outbox.Dropped()
}

// Provider returns the name of the connected provider.
func (s *Session) Provider() string { return s.provider }

// Close stops accepting chunks, waits until the outbox has been transmitted,
// the drain timeout elapses or ctx ends, whichever comes first, and then
// closes the connection. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.markClosed()
	s.closeOnce.Do(func() {
		timer := time.NewTimer(s.drainTimeout)
		defer timer.Stop()

		select {
		case <-s.senderDone:
		case <-timer.C:
			slog.Warn("transcription: drain timeout, closing with unsent chunks",
				"provider", s.provider,
				"pending", s.outbox.Len(),
				"timeout", s.drainTimeout,
			)
		case <-ctx.Done():
		}
		s.closeErr = s.shutdown()
	})
	return s.closeErr
}

// Abort closes the connection immediately, discarding unsent chunks. Used on
// the error path. Safe to call more than once and after Close.
func (s *Session) Abort() {
	s.markClosed()
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown()
	})
}

// markClosed flips the session to closed and seals the outbox.
func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.outbox.Close()
}

// shutdown cancels in-flight sends, closes the connection, and waits for the
// sender goroutine to exit.
func (s *Session) shutdown() error {
	s.cancelSend()
	err := s.conn.Close()
	<-s.senderDone
	if err != nil {
		return fmt.Errorf("transcription: close %s: %w", s.provider, err)
	}
	return nil
}

// sendLoop transmits queued chunks in order until the outbox is closed and
// drained, the send context is cancelled, or a send fails.
func (s *Session) sendLoop() {
	defer close(s.senderDone)
	for {
		chunk, err := s.outbox.Pop(s.sendCtx)
		if err != nil {
			return
		}
		if err := s.conn.Send(s.sendCtx, chunk); err != nil {
			if s.sendCtx.Err() != nil {
				return
			}
			s.fail(chunk.Seq, err)
			return
		}
		s.metrics.RecordChunkSent(s.sendCtx, s.provider)
	}
}

// fail records a transmit failure and tears the connection down so that the
// event stream terminates and the controller observes the error.
func (s *Session) fail(seq uint64, err error) {
	if !errors.Is(err, transcribe.ErrTransport) {
		err = fmt.Errorf("%w: %w", transcribe.ErrTransport, err)
	}
	err = fmt.Errorf("transcription: send seq %d: %w", seq, err)

	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	slog.Error("transcription: send failed", "provider", s.provider, "seq", seq, "err", err)
	s.outbox.Close()
	if cerr := s.conn.Close(); cerr != nil {
		slog.Debug("transcription: close after send failure", "provider", s.provider, "err", cerr)
	}
}
