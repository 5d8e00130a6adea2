// Package deepgram provides a Deepgram-backed transcription provider using the
// Deepgram streaming WebSocket API. It implements the transcribe.Provider
// interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clinicrx/dictation/pkg/codec"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

var _ transcribe.Provider = (*Provider)(nil)
var _ transcribe.Conn = (*conn)(nil)

const (
	providerName      = "deepgram"
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3-medical"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	eventBuffer  = 64
	closeTimeout = 3 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3-medical", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements transcribe.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities returns static metadata about the Deepgram provider.
func (p *Provider) Capabilities() transcribe.Capabilities {
	return transcribe.Capabilities{
		Name:      providerName,
		Transport: codec.Raw,
		Partials:  true,
	}
}

// Connect opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate and cfg.Language.
func (p *Provider) Connect(ctx context.Context, cfg transcribe.Config) (transcribe.Conn, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w: %w", transcribe.ErrConnect, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w: %w", transcribe.ErrConnect, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:       ws,
		events:   make(chan transcribe.Event, eventBuffer),
		readDone: make(chan struct{}),
		ctx:      connCtx,
		cancel:   cancel,
	}
	go c.readLoop()

	return c, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg transcribe.Config) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- conn ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// conn is a live Deepgram streaming session. It implements transcribe.Conn.
type conn struct {
	ws       *websocket.Conn
	events   chan transcribe.Event
	readDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	errVal error
}

// Send writes one chunk of PCM as a binary message.
func (c *conn) Send(ctx context.Context, chunk codec.EncodedChunk) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("deepgram: send: %w", transcribe.ErrClosed)
	}

	pcm, err := chunk.PCM()
	if err != nil {
		return fmt.Errorf("deepgram: send chunk %d: %w", chunk.Seq, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("deepgram: send chunk %d: %w: %w", chunk.Seq, transcribe.ErrTransport, err)
	}
	return nil
}

// Events returns the channel of transcript events.
func (c *conn) Events() <-chan transcribe.Event { return c.events }

// Err returns the error that ended the session abnormally, or nil.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close asks Deepgram to flush pending results, waits briefly for them, and
// terminates the session.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Send a close message to Deepgram to flush pending audio.
	writeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err == nil {
		select {
		case <-c.readDone:
		case <-writeCtx.Done():
		}
	}
	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	<-c.readDone
	return nil
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// readLoop receives JSON messages from Deepgram and forwards them as events.
func (c *conn) readLoop() {
	defer close(c.readDone)
	defer close(c.events)

	var seq uint64
	for {
		_, msg, err := c.ws.Read(c.ctx)
		if err != nil {
			// Normal close or local cancellation: exit gracefully.
			if c.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.setErr(fmt.Errorf("deepgram: read: %w: %w", transcribe.ErrTransport, err))
			return
		}

		text, isFinal, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		ev := transcribe.Event{Seq: seq, Text: text, IsFinal: isFinal, Received: time.Now()}
		if isFinal {
			seq++
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

// parseDeepgramResponse extracts the transcript from a raw Deepgram message.
// Returns ok=false if the message should be ignored: non-result messages and
// results with an empty transcript.
func parseDeepgramResponse(data []byte) (text string, isFinal, ok bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, false
	}
	if resp.Type != "Results" {
		return "", false, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return "", false, false
	}
	text = resp.Channel.Alternatives[0].Transcript
	if text == "" {
		return "", false, false
	}
	return text, resp.IsFinal, true
}
