// Package gemini implements the transcribe.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks; the service's
// input transcription of the clinician's speech is surfaced as transcript
// events. Fragments accumulate into an utterance that is reported as a partial
// after every fragment and committed as a final when the turn ends.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clinicrx/dictation/pkg/codec"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

// Compile-time assertions that Provider and conn satisfy the transcribe interfaces.
var _ transcribe.Provider = (*Provider)(nil)
var _ transcribe.Conn = (*conn)(nil)

const (
	providerName   = "gemini-live"
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 32
	readLimit   = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements transcribe.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() transcribe.Capabilities {
	return transcribe.Capabilities{
		Name:      providerName,
		Transport: codec.Base64,
		Partials:  true,
	}
}

// Connect establishes a new Gemini Live session and waits for the service to
// acknowledge the setup message. ctx bounds the whole handshake.
func (p *Provider) Connect(ctx context.Context, cfg transcribe.Config) (transcribe.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", transcribe.ErrConnect, err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan transcribe.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: connCancel,
	}

	if err := c.writeJSON(ctx, newSetupMessage(p.model, cfg)); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", transcribe.ErrConnect, err)
	}
	if err := c.awaitSetupComplete(ctx); err != nil {
		connCancel()
		ws.Close(websocket.StatusNormalClosure, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", transcribe.ErrConnect, err)
	}

	go c.receiveLoop()
	go c.keepaliveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string              `json:"model"`
	GenerationConfig         generationConfig    `json:"generationConfig"`
	SystemInstruction        *systemInstruction  `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *audioTranscription `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *audioTranscription `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	LanguageCode string `json:"languageCode,omitempty"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

// audioTranscription is an empty object that switches transcription on.
type audioTranscription struct{}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

func newSetupMessage(model string, cfg transcribe.Config) setupMessage {
	modality := cfg.ResponseModality
	if modality == "" {
		modality = transcribe.ModalityAudio
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{strings.ToUpper(string(modality))},
			},
			InputAudioTranscription: &audioTranscription{},
		},
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &audioTranscription{}
	}
	if cfg.Language != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{LanguageCode: cfg.Language}
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Sprintf("server error %d: %s", e.Code, msg)
	}
	return "server error: " + msg
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan transcribe.Event

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	// utterance state, owned by receiveLoop
	utterance strings.Builder
	seq       uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// awaitSetupComplete reads until the service acknowledges the setup message.
func (c *conn) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// If the connection was closed locally, commit what was heard.
			if c.ctx.Err() != nil {
				c.flushUtterance()
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.flushUtterance()
				return
			}
			c.setErr(fmt.Errorf("gemini: read: %w: %w", transcribe.ErrTransport, err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed message", "err", err)
			continue
		}

		if msg.Error != nil {
			c.setErr(fmt.Errorf("gemini: %w: %w", transcribe.ErrTransport, msg.Error))
			c.ws.Close(websocket.StatusNormalClosure, "server error")
			return
		}
		if msg.GoAway != nil {
			slog.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil && !c.handleServerContent(msg.ServerContent) {
			return
		}
	}
}

// handleServerContent reports false when the connection was closed while an
// event was being delivered.
func (c *conn) handleServerContent(sc *serverContent) bool {
	if in := sc.InputTranscription; in != nil && in.Text != "" {
		c.utterance.WriteString(in.Text)
		text := strings.TrimSpace(c.utterance.String())
		if text != "" && !in.Finished {
			if !c.emit(transcribe.Event{Seq: c.seq, Text: text}) {
				return false
			}
		}
	}

	// Model output transcription: what the model said back. Not dictation.
	if out := sc.OutputTranscription; out != nil && out.Text != "" {
		slog.Debug("gemini: model output transcription", "text", out.Text)
	}

	finished := sc.InputTranscription != nil && sc.InputTranscription.Finished
	if finished || sc.TurnComplete || sc.Interrupted {
		return c.commitUtterance()
	}
	return true
}

// commitUtterance emits the pending utterance as a final and starts the next
// one. An empty utterance consumes no sequence number.
func (c *conn) commitUtterance() bool {
	text := strings.TrimSpace(c.utterance.String())
	c.utterance.Reset()
	if text == "" {
		return true
	}
	ev := transcribe.Event{Seq: c.seq, Text: text, IsFinal: true}
	c.seq++
	return c.emit(ev)
}

func (c *conn) emit(ev transcribe.Event) bool {
	ev.Received = time.Now()
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// flushUtterance commits the pending utterance without blocking. It runs after
// the connection has ended, when nobody may be reading events any more.
func (c *conn) flushUtterance() {
	text := strings.TrimSpace(c.utterance.String())
	c.utterance.Reset()
	if text == "" {
		return
	}
	select {
	case c.events <- transcribe.Event{Seq: c.seq, Text: text, IsFinal: true, Received: time.Now()}:
		c.seq++
	default:
		slog.Warn("gemini: dropping pending utterance at close", "seq", c.seq)
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// ── Conn methods ───────────────────────────────────────────────────────────────

// Send delivers one PCM chunk (16 kHz, s16le, mono) to the service.
func (c *conn) Send(ctx context.Context, chunk codec.EncodedChunk) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gemini: send: %w", transcribe.ErrClosed)
	}
	c.mu.Unlock()

	data := string(chunk.Data)
	if chunk.Transport == codec.Raw {
		data = base64.StdEncoding.EncodeToString(chunk.Data)
	}
	mime := chunk.MIMEType
	if mime == "" {
		mime = codec.MIMEType(16000)
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: mime, Data: data}},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("gemini: send chunk %d: %w", chunk.Seq, err)
		}
		return fmt.Errorf("gemini: send chunk %d: %w: %w", chunk.Seq, transcribe.ErrTransport, err)
	}
	return nil
}

// Events returns the channel on which transcript events arrive.
func (c *conn) Events() <-chan transcribe.Event { return c.events }

// Err returns the first non-nil error that caused the connection to terminate.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
