package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/samber/do/v2"

	"github.com/clinicrx/dictation/internal/config"
	"github.com/clinicrx/dictation/internal/health"
	"github.com/clinicrx/dictation/internal/observe"
	"github.com/clinicrx/dictation/internal/resilience"
	"github.com/clinicrx/dictation/internal/server"
)

// liveProvider holds the guarded transcription provider handed to sessions
// opened from now on. A config reload swaps it without touching sessions
// that are already running.
type liveProvider struct {
	reg *config.Registry
	cur atomic.Pointer[resilience.GuardedProvider]
}

// build instantiates the provider named in cfg behind a fresh breaker. It
// does not swap it in.
func (l *liveProvider) build(cfg *config.Config) (*resilience.GuardedProvider, error) {
	p, err := l.reg.CreateTranscribe(cfg.Provider)
	if err != nil {
		return nil, err
	}
	return resilience.Guard(p, resilience.CircuitBreakerConfig{
		Name:        cfg.Provider.Name,
		MaxFailures: cfg.Resilience.MaxFailures,
		Cooldown:    cfg.Resilience.Cooldown,
	}), nil
}

func (l *liveProvider) current() *resilience.GuardedProvider { return l.cur.Load() }

func (l *liveProvider) swap(g *resilience.GuardedProvider) { l.cur.Store(g) }

// Ready fails while the current provider's breaker is open.
func (l *liveProvider) Ready(ctx context.Context) error {
	g := l.current()
	if g == nil {
		return errors.New("no transcription provider")
	}
	return g.Breaker().Ready(ctx)
}

// setupDI builds the dependency graph. Services are constructed lazily on
// first invoke.
func setupDI(cfg *config.Config, level *slog.LevelVar) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, level)

	do.Provide(injector, func(i do.Injector) (*config.Registry, error) {
		reg := config.NewRegistry()
		registerBuiltins(reg)
		return reg, nil
	})

	do.Provide(injector, func(i do.Injector) (*observe.Metrics, error) {
		return observe.DefaultMetrics(), nil
	})

	do.Provide(injector, func(i do.Injector) (*liveProvider, error) {
		c := do.MustInvoke[*config.Config](i)
		lp := &liveProvider{reg: do.MustInvoke[*config.Registry](i)}
		g, err := lp.build(c)
		if err != nil {
			return nil, err
		}
		lp.swap(g)
		return lp, nil
	})

	do.Provide(injector, func(i do.Injector) (*health.Handler, error) {
		lp := do.MustInvoke[*liveProvider](i)
		return health.New(health.Checker{Name: "transcribe", Check: lp.Ready}), nil
	})

	do.Provide(injector, func(i do.Injector) (*server.Server, error) {
		c := do.MustInvoke[*config.Config](i)
		lp := do.MustInvoke[*liveProvider](i)
		opts := []server.Option{
			server.WithAddr(c.Server.ListenAddr),
			server.WithAllowedOrigins(c.Server.AllowedOrigins...),
			server.WithHealth(do.MustInvoke[*health.Handler](i)),
			server.WithMetrics(do.MustInvoke[*observe.Metrics](i)),
		}
		if c.Server.TLS != nil {
			opts = append(opts, server.WithTLS(c.Server.TLS.CertFile, c.Server.TLS.KeyFile))
		}
		return server.New(lp.current(), serverSettings(c), opts...), nil
	})

	return injector
}
