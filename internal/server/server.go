// Package server exposes dictation over HTTP.
//
// A browser form opens a websocket on /v1/dictation, streams microphone
// audio as binary frames and steers the session with small JSON messages;
// the server answers with state changes, committed transcript text to append
// to the note field, and the live preview. Each websocket owns one
// [dictation.Controller]. The same mux serves /healthz, /readyz and
// /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinicrx/dictation/internal/health"
	"github.com/clinicrx/dictation/internal/observe"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

const (
	defaultAddr       = ":8080"
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Settings are the per-session parameters applied to connections opened
// after they are set.
type Settings struct {
	Transcribe     transcribe.Config
	SampleRate     int
	FrameSize      int
	QueueCapacity  int
	DrainTimeout   time.Duration
	ConnectTimeout time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithAddr sets the listen address. Default: ":8080".
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithTLS serves HTTPS with the given PEM files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithAllowedOrigins lists origin host patterns (path.Match syntax) allowed
// to open the dictation websocket. The request's own host is always allowed.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, origins...) }
}

// WithHealth sets the health handler. Default: a handler with no checks.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default: the Prometheus
// default gatherer.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server is the dictation HTTP server.
type Server struct {
	addr              string
	certFile, keyFile string
	origins           []string
	health            *health.Handler
	metrics           *observe.Metrics
	metricsHandler    http.Handler

	mu       sync.RWMutex
	provider transcribe.Provider
	settings Settings

	clients sync.WaitGroup
}

// New creates a Server that transcribes with p.
func New(p transcribe.Provider, settings Settings, opts ...Option) *Server {
	s := &Server{
		addr:     defaultAddr,
		provider: p,
		settings: settings,
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	return s
}

// Update swaps the provider and settings used by connections opened from now
// on. Sessions already running keep what they started with.
func (s *Server) Update(p transcribe.Provider, settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p != nil {
		s.provider = p
	}
	s.settings = settings
}

func (s *Server) current() (transcribe.Provider, Settings) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider, s.settings
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/dictation", s.handleDictation)
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)
	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully:
// open websockets stop their sessions (draining what was captured) before it
// returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is like ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", ln.Addr().String(), "tls", s.certFile != "")
		if s.certFile != "" {
			errCh <- srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	// Hijacked websocket connections are not tracked by http.Server.
	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("server: dictation clients still open at shutdown deadline")
	}

	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
