package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clinicrx/dictation/internal/dictation"
	"github.com/clinicrx/dictation/internal/observe"
	"github.com/clinicrx/dictation/internal/transcription"
	"github.com/clinicrx/dictation/pkg/audio"
	"github.com/clinicrx/dictation/pkg/audio/push"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

const (
	readLimit      = 1 << 20
	outboxSize     = 64
	writeTimeout   = 5 * time.Second
	disconnectWait = 5 * time.Second
)

// remoteNote mirrors the length of the note field that lives in the browser.
// The text itself is forwarded by the transcript callback; only the length
// is needed here to decide on separators.
type remoteNote struct {
	mu sync.Mutex
	n  int
}

func (n *remoteNote) Append(text string) {
	n.mu.Lock()
	n.n += len(text)
	n.mu.Unlock()
}

func (n *remoteNote) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.n
}

func (n *remoteNote) reset(length int) {
	n.mu.Lock()
	n.n = length
	n.mu.Unlock()
}

// client is one websocket connection.
type client struct {
	conn *websocket.Conn
	dev  *push.Device
	note *remoteNote
	ctrl *dictation.Controller
	log  *slog.Logger

	// encoding is only touched by the read loop.
	encoding string

	out  chan serverMessage
	done <-chan struct{}

	opsCtx context.Context
	ops    sync.WaitGroup
}

func (s *Server) handleDictation(w http.ResponseWriter, r *http.Request) {
	ctx := observe.WithAttrs(r.Context(), slog.String("remote", r.RemoteAddr))
	log := observe.Logger(ctx)

	// Counted before the upgrade: once hijacked the connection is invisible
	// to http.Server.Shutdown and only clients.Wait holds shutdown back.
	s.clients.Add(1)
	defer s.clients.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		log.Warn("dictation: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	s.metrics.ActiveClients.Add(ctx, 1)
	defer s.metrics.ActiveClients.Add(context.WithoutCancel(ctx), -1)

	p, settings := s.current()
	c := newClient(conn, p, settings, s.metrics, log)
	c.serve(ctx)
}

func newClient(conn *websocket.Conn, p transcribe.Provider, settings Settings, m *observe.Metrics, log *slog.Logger) *client {
	c := &client{
		conn:     conn,
		dev:      push.New(audio.Format{SampleRate: audio.DefaultSampleRate, Channels: 1}),
		note:     &remoteNote{},
		log:      log,
		encoding: encodingF32LE,
		out:      make(chan serverMessage, outboxSize),
	}
	c.ctrl = dictation.New(c.dev, p, c.note,
		dictation.WithTranscribeConfig(settings.Transcribe),
		dictation.WithSourceOptions(
			audio.WithFrameSize(settings.FrameSize),
			audio.WithSampleRate(settings.SampleRate),
		),
		dictation.WithSessionOptions(
			transcription.WithQueueCapacity(settings.QueueCapacity),
			transcription.WithDrainTimeout(settings.DrainTimeout),
			transcription.WithMetrics(m),
		),
		dictation.WithConnectTimeout(settings.ConnectTimeout),
		dictation.WithMetrics(m),
		dictation.OnTranscript(func(text string) {
			c.send(textMessage(msgTranscript, text))
		}),
		dictation.OnPreview(func(text string) {
			c.send(textMessage(msgPreview, text))
		}),
		dictation.OnStatusChange(c.statusChanged),
	)
	return c
}

// serve runs the connection until the peer goes away or ctx is cancelled,
// then stops any active session.
func (c *client) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.done = ctx.Done()

	opsCtx, opsCancel := context.WithCancel(ctx)
	defer opsCancel()
	c.opsCtx = opsCtx

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	c.send(serverMessage{Type: msgStatus, State: dictation.Idle.String()})

	err := c.readLoop(ctx)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		c.log.Debug("dictation: client disconnected")
	case ctx.Err() != nil:
		c.log.Debug("dictation: server shutting down")
	default:
		c.log.Info("dictation: connection ended", "err", err)
	}

	// A Start still in its handshake is abandoned; nobody is left to hear
	// the result.
	opsCancel()
	c.ops.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectWait)
	if err := c.ctrl.Shutdown(stopCtx); err != nil {
		c.log.Warn("dictation: shutdown on disconnect", "err", err)
	}
	stopCancel()

	cancel()
	<-writerDone
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *client) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(data)
		case websocket.MessageText:
			c.handleMessage(data)
		}
	}
}

func (c *client) handleAudio(data []byte) {
	switch c.encoding {
	case encodingS16LE:
		c.dev.WritePCM16(data)
	default:
		c.dev.Write(decodeF32LE(data))
	}
}

func (c *client) handleMessage(data []byte) {
	var m clientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		c.sendError(codeBadMessage, err.Error())
		return
	}

	switch m.Type {
	case msgStart:
		if err := validateStart(&m); err != nil {
			c.sendError(codeBadMessage, err.Error())
			return
		}
		if st := c.ctrl.Status().State; st != dictation.Idle && st != dictation.Error {
			c.sendError(codeInvalidState, "start while "+st.String())
			return
		}
		c.encoding = m.Encoding
		rate := m.SampleRate
		if rate == 0 {
			rate = audio.DefaultSampleRate
		}
		c.dev.SetFormat(audio.Format{SampleRate: rate, Channels: m.Channels})
		c.note.reset(m.NoteLength)
		c.async(func(ctx context.Context) error {
			_, err := c.ctrl.Start(ctx)
			return err
		})

	case msgStop:
		c.async(c.ctrl.Stop)

	case msgMicError:
		c.dev.Fail(micError(m.Reason))

	default:
		c.sendError(codeUnsupported, fmt.Sprintf("unknown message type %q", m.Type))
	}
}

// async runs a controller call off the read loop so audio keeps flowing
// during the handshake and the drain. Misuse is reported to the client;
// every other failure already surfaced as a status message.
func (c *client) async(fn func(context.Context) error) {
	c.ops.Add(1)
	go func() {
		defer c.ops.Done()
		if err := fn(c.opsCtx); errors.Is(err, dictation.ErrInvalidState) {
			c.sendError(codeInvalidState, err.Error())
		}
	}()
}

func micError(reason string) error {
	switch reason {
	case reasonPermissionDenied:
		return fmt.Errorf("client reported %s: %w", reason, audio.ErrPermissionDenied)
	default:
		return fmt.Errorf("client reported %s: %w", reason, audio.ErrDeviceUnavailable)
	}
}

func (c *client) statusChanged(state dictation.State, cause error) {
	msg := serverMessage{
		Type:  msgStatus,
		State: state.String(),
	}
	if state != dictation.Idle {
		msg.SessionID = c.ctrl.Status().SessionID
	}
	if cause != nil {
		msg.Cause = dictation.CauseCode(cause)
		msg.Message = cause.Error()
	}
	c.send(msg)
}

func (c *client) sendError(code, message string) {
	c.send(serverMessage{Type: msgError, Code: code, Message: message})
}

// send queues msg for the writer. It blocks while the outbox is full and
// gives up once the connection is done.
func (c *client) send(msg serverMessage) {
	select {
	case c.out <- msg:
	case <-c.done:
	}
}

// writeLoop writes queued messages in order. After a write error it keeps
// consuming so senders never block on a dead peer.
func (c *client) writeLoop(ctx context.Context) {
	broken := false
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			if broken {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				broken = true
				c.log.Debug("dictation: write failed", "type", msg.Type, "err", err)
			}
		}
	}
}
