package resilience

import (
	"context"
	"fmt"

	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

// GuardedProvider wraps a [transcribe.Provider] with a [CircuitBreaker] on
// Connect. Established connections are not affected.
type GuardedProvider struct {
	inner   transcribe.Provider
	breaker *CircuitBreaker
}

// Guard returns p protected by a breaker configured with cfg. An empty
// cfg.Name defaults to the provider's name.
func Guard(p transcribe.Provider, cfg CircuitBreakerConfig) *GuardedProvider {
	if cfg.Name == "" {
		cfg.Name = p.Capabilities().Name
	}
	return &GuardedProvider{inner: p, breaker: NewCircuitBreaker(cfg)}
}

// Connect forwards to the wrapped provider unless the breaker is open, in
// which case it fails immediately with an error wrapping both
// [transcribe.ErrConnect] and [ErrCircuitOpen].
func (g *GuardedProvider) Connect(ctx context.Context, cfg transcribe.Config) (transcribe.Conn, error) {
	var conn transcribe.Conn
	err := g.breaker.Execute(func() error {
		var err error
		conn, err = g.inner.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		if err == ErrCircuitOpen {
			return nil, fmt.Errorf("resilience: %s: %w: %w", g.breaker.name, transcribe.ErrConnect, ErrCircuitOpen)
		}
		return nil, err
	}
	return conn, nil
}

// Capabilities returns the wrapped provider's capabilities.
func (g *GuardedProvider) Capabilities() transcribe.Capabilities {
	return g.inner.Capabilities()
}

// Breaker exposes the breaker for readiness reporting.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }

var _ transcribe.Provider = (*GuardedProvider)(nil)
