// Package cloudspeech provides a Google Cloud Speech-to-Text v2 transcription
// provider over gRPC bidirectional streaming. It implements the
// transcribe.Provider interface.
package cloudspeech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/clinicrx/dictation/pkg/codec"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

var _ transcribe.Provider = (*Provider)(nil)
var _ transcribe.Conn = (*conn)(nil)

const (
	providerName          = "cloud-speech"
	speechAPIEndpointPort = 443
	defaultLocation       = "global"
	defaultModel          = "long"
	defaultLanguage       = "en-US"
	defaultSampleRate     = 16000

	eventBuffer  = 64
	closeTimeout = 3 * time.Second
)

// Config holds the Google Cloud settings for the provider.
type Config struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
	Model           string
	Language        string
}

// recognizeStream is the part of the generated gRPC stream client the
// provider uses.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// dialFunc opens a stream and returns a function releasing the client.
type dialFunc func(ctx, streamCtx context.Context) (recognizeStream, func() error, error)

// Provider implements transcribe.Provider backed by Cloud Speech-to-Text v2.
type Provider struct {
	projectID string
	location  string
	model     string
	language  string

	dial dialFunc
}

// New creates a Cloud Speech Provider. ProjectID is required.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("cloudspeech: project ID must not be empty")
	}
	p := &Provider{
		projectID: cfg.ProjectID,
		location:  strings.TrimSpace(cfg.Location),
		model:     strings.TrimSpace(cfg.Model),
		language:  cfg.Language,
	}
	if p.location == "" {
		p.location = defaultLocation
	}
	if p.model == "" {
		p.model = defaultModel
	}
	if p.language == "" {
		p.language = defaultLanguage
	}
	p.dial = p.grpcDialer([]byte(cfg.CredentialsJSON))
	return p, nil
}

// Capabilities returns static metadata about the Cloud Speech provider.
func (p *Provider) Capabilities() transcribe.Capabilities {
	return transcribe.Capabilities{
		Name:      providerName,
		Transport: codec.Raw,
		Partials:  true,
	}
}

func (p *Provider) grpcDialer(credentialsJSON []byte) dialFunc {
	return func(ctx, streamCtx context.Context) (recognizeStream, func() error, error) {
		detect := &credentials.DetectOptions{
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		}
		if len(credentialsJSON) > 0 {
			detect.CredentialsJSON = credentialsJSON
		}
		creds, err := credentials.DetectDefault(detect)
		if err != nil {
			return nil, nil, fmt.Errorf("detect credentials: %w", err)
		}

		opts := []option.ClientOption{
			option.WithAuthCredentials(creds),
		}
		if p.location != "global" {
			opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", p.location, speechAPIEndpointPort)))
		}

		client, err := speech.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		stream, err := client.StreamingRecognize(streamCtx)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return stream, client.Close, nil
	}
}

// Connect opens a streaming recognition session and sends the recognizer
// configuration.
func (p *Provider) Connect(ctx context.Context, cfg transcribe.Config) (transcribe.Conn, error) {
	language := cfg.Language
	if language == "" {
		language = p.language
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, closeClient, err := p.dial(ctx, streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cloudspeech: dial: %w: %w", transcribe.ErrConnect, err)
	}

	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", p.projectID, p.location)
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		Recognizer: recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         p.model,
					LanguageCodes: []string{language},
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(rate),
							AudioChannelCount: 1,
						},
					},
					Features: &speechpb.RecognitionFeatures{EnableAutomaticPunctuation: true},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
			},
		},
	})
	if err != nil {
		_ = stream.CloseSend()
		_ = closeClient()
		cancel()
		return nil, fmt.Errorf("cloudspeech: send config: %w: %w", transcribe.ErrConnect, err)
	}
	slog.Debug("cloud speech stream initialized", "recognizer", recognizer, "language", language, "model", p.model)

	c := &conn{
		stream:      stream,
		closeClient: closeClient,
		ctx:         streamCtx,
		cancel:      cancel,
		events:      make(chan transcribe.Event, eventBuffer),
		recvDone:    make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

// conn is a live Cloud Speech stream. It implements transcribe.Conn.
type conn struct {
	stream      recognizeStream
	closeClient func() error
	ctx         context.Context
	cancel      context.CancelFunc

	events   chan transcribe.Event
	recvDone chan struct{}

	sendMu sync.Mutex // gRPC streams allow one concurrent sender

	mu     sync.Mutex
	closed bool
	errVal error
}

// Send streams one chunk of LINEAR16 audio. A gRPC send blocked on flow
// control only returns once the stream is cancelled, so cancelling ctx
// cancels the whole stream.
func (c *conn) Send(ctx context.Context, chunk codec.EncodedChunk) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("cloudspeech: send: %w", transcribe.ErrClosed)
	}

	pcm, err := chunk.PCM()
	if err != nil {
		return fmt.Errorf("cloudspeech: send chunk %d: %w", chunk.Seq, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()
	err = c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: pcm},
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("cloudspeech: send chunk %d: %w", chunk.Seq, ctx.Err())
		}
		return fmt.Errorf("cloudspeech: send chunk %d: %w: %w", chunk.Seq, transcribe.ErrTransport, err)
	}
	return nil
}

// Events returns the channel of transcript events.
func (c *conn) Events() <-chan transcribe.Event { return c.events }

// Err returns the error that ended the stream abnormally, or nil.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close half-closes the stream so the service can flush its last results,
// waits briefly for them, and releases the client. If a send is still in
// flight the stream is cancelled first and pending results are lost.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if !c.sendMu.TryLock() {
		// A send is still in flight and may be stuck on a stalled network.
		c.cancel()
		c.sendMu.Lock()
	}
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()

	select {
	case <-c.recvDone:
	case <-time.After(closeTimeout):
		slog.Warn("cloud speech: timed out waiting for final results")
	}
	c.cancel()
	<-c.recvDone
	return c.closeClient()
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *conn) recvLoop() {
	defer close(c.recvDone)
	defer close(c.events)

	var seq uint64
	for {
		resp, err := c.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if c.isClosed() && status.Code(err) == codes.Canceled {
				return
			}
			c.setErr(fmt.Errorf("cloudspeech: recv (%s): %w: %w", status.Code(err), transcribe.ErrTransport, err))
			return
		}

		var interim strings.Builder
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			text := strings.TrimSpace(alts[0].GetTranscript())
			if text == "" {
				continue
			}
			if !result.GetIsFinal() {
				if interim.Len() > 0 {
					interim.WriteByte(' ')
				}
				interim.WriteString(text)
				continue
			}
			if !c.emit(transcribe.Event{Seq: seq, Text: text, IsFinal: true}) {
				return
			}
			seq++
		}
		if interim.Len() > 0 && !c.emit(transcribe.Event{Seq: seq, Text: interim.String()}) {
			return
		}
	}
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
