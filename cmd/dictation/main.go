// Command dictation serves speech-to-text dictation for clinical note fields.
//
// By default it listens for browser websockets (see internal/server). With
// -wav or -stdin it transcribes a single recording and prints the resulting
// note to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/samber/do/v2"

	"github.com/clinicrx/dictation/internal/config"
	"github.com/clinicrx/dictation/internal/dictation"
	"github.com/clinicrx/dictation/internal/observe"
	"github.com/clinicrx/dictation/internal/reconcile"
	"github.com/clinicrx/dictation/internal/server"
	"github.com/clinicrx/dictation/internal/transcription"
	"github.com/clinicrx/dictation/pkg/audio"
	"github.com/clinicrx/dictation/pkg/audio/push"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

// stopGrace is added to the drain timeout when stopping a one-shot session.
const stopGrace = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "dictation.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the configuration")
	wavPath := flag.String("wav", "", "transcribe this WAV file once and print the note")
	fromStdin := flag.Bool("stdin", false, "transcribe raw s16le mono PCM from a live source on stdin and print the note")
	flag.Parse()

	configSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configSet = true
		}
	})

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "dictation: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	watchPath := *configPath
	if errors.Is(err, os.ErrNotExist) && !configSet {
		// No file at the default location: run from the environment alone.
		cfg, err = config.FromEnv()
		watchPath = ""
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dictation: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dictation: %v\n", err)
		}
		return 1
	}

	oneShot := *wavPath != "" || *fromStdin
	oneShotAudio(&cfg.Audio, *wavPath, *fromStdin)

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("dictation starting",
		"config", watchPath,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "dictation"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Dependency graph ──────────────────────────────────────────────────────
	injector := setupDI(cfg, level)

	if oneShot {
		return transcribeOnce(ctx, injector, *fromStdin)
	}
	return serve(ctx, injector, watchPath)
}

// ── Server mode ───────────────────────────────────────────────────────────────

func serve(ctx context.Context, injector do.Injector, watchPath string) int {
	cfg := do.MustInvoke[*config.Config](injector)
	srv, err := do.Invoke[*server.Server](injector)
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	if watchPath != "" {
		w, err := config.NewWatcher(watchPath, reloader(injector))
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
	}

	printStartupSummary(cfg, do.MustInvoke[*config.Registry](injector).TranscribeNames())

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloader applies a changed config file. The log level, provider and
// session settings take effect for connections opened afterwards; anything
// else needs a restart.
func reloader(injector do.Injector) func(old, new *config.Config) {
	boot := do.MustInvoke[*config.Config](injector)
	level := do.MustInvoke[*slog.LevelVar](injector)
	lp := do.MustInvoke[*liveProvider](injector)
	srv := do.MustInvoke[*server.Server](injector)

	return func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.IsZero() {
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("config reload: log level changed", "level", d.NewLogLevel)
		}
		if d.ProviderChanged || d.ResilienceChanged {
			g, err := lp.build(new)
			if err != nil {
				slog.Error("config reload: keeping previous provider", "provider", new.Provider.Name, "err", err)
			} else {
				lp.swap(g)
				slog.Info("config reload: provider rebuilt", "provider", new.Provider.Name)
			}
		}
		if d.ProviderChanged || d.ResilienceChanged || d.SessionChanged {
			settings := serverSettings(new)
			settings.SampleRate = boot.Audio.SampleRate
			settings.FrameSize = boot.Audio.FrameSize
			srv.Update(lp.current(), settings)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config reload: restart required to apply", "fields", d.RestartRequired)
		}
	}
}

// ── One-shot mode ─────────────────────────────────────────────────────────────

// transcribeOnce runs a single session over the configured device until the
// recording ends, then prints the note.
func transcribeOnce(ctx context.Context, injector do.Injector, fromStdin bool) int {
	cfg := do.MustInvoke[*config.Config](injector)
	m := do.MustInvoke[*observe.Metrics](injector)
	lp, err := do.Invoke[*liveProvider](injector)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}
	dev, err := do.MustInvoke[*config.Registry](injector).CreateDevice(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio device", "err", err)
		return 1
	}

	var (
		endOnce sync.Once
		ended   = make(chan struct{})
		failed  = make(chan error, 1)
	)
	end := func() { endOnce.Do(func() { close(ended) }) }

	note := reconcile.NewBuffer("")
	ctrl := newOneShotController(cfg, dev, lp.current(), m, note, end, func(cause error) {
		select {
		case failed <- cause:
		default:
		}
	})

	if _, err := ctrl.Start(ctx); err != nil {
		slog.Error("failed to start dictation", "err", err)
		return 1
	}

	if pd, ok := dev.(*push.Device); ok && fromStdin {
		go func() {
			defer end()
			if err := feedPCM(ctx, pd, os.Stdin, cfg.Audio.FrameSize); err != nil {
				slog.Warn("stdin read error", "err", err)
			}
		}()
	}

	code := 0
	select {
	case <-ended:
	case err := <-failed:
		slog.Error("dictation failed", "err", err)
		code = 1
	case <-ctx.Done():
		slog.Info("interrupted, stopping")
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Session.DrainTimeout+stopGrace)
	defer cancel()
	if err := ctrl.Stop(sctx); err != nil {
		slog.Error("stop error", "err", err)
		code = 1
	}

	fmt.Println(note.String())
	return code
}

// oneShotAudio points the audio section at the one-shot input. Recordings
// are always played at real-time cadence.
func oneShotAudio(a *config.AudioConfig, wavPath string, fromStdin bool) {
	switch {
	case wavPath != "":
		a.Device = "wav"
		a.Path = wavPath
		a.Realtime = true
	case fromStdin:
		a.Device = "push"
	}
}

// newOneShotController wires a controller for a single recording. onEnd runs
// when the device runs out; onFail receives the cause when the session fails.
func newOneShotController(cfg *config.Config, dev audio.Device, p transcribe.Provider, m *observe.Metrics,
	note reconcile.NoteBuffer, onEnd func(), onFail func(error)) *dictation.Controller {
	return dictation.New(dev, p, note,
		dictation.WithTranscribeConfig(transcribeConfig(cfg)),
		dictation.WithSourceOptions(
			audio.WithFrameSize(cfg.Audio.FrameSize),
			audio.WithSampleRate(cfg.Audio.SampleRate),
		),
		dictation.WithSessionOptions(
			transcription.WithQueueCapacity(cfg.Session.QueueCapacity),
			transcription.WithDrainTimeout(cfg.Session.DrainTimeout),
			transcription.WithMetrics(m),
		),
		dictation.WithConnectTimeout(cfg.Session.ConnectTimeout),
		dictation.WithMetrics(m),
		dictation.OnPreview(func(text string) {
			slog.Debug("preview", "text", text)
		}),
		dictation.OnStatusChange(func(state dictation.State, cause error) {
			slog.Info("dictation state", "state", state, "cause", dictation.CauseCode(cause))
			if state == dictation.Error {
				onFail(cause)
			}
		}),
		dictation.OnCaptureEnd(onEnd),
	)
}

// feedPCM copies s16le samples from r into dev, frameSize samples at a time,
// until r is exhausted or ctx is done.
func feedPCM(ctx context.Context, dev *push.Device, r io.Reader, frameSize int) error {
	buf := make([]byte, 2*frameSize)
	for ctx.Err() == nil {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			dev.WritePCM16(buf[:n&^1])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, available []string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Dictation startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name, cfg.Provider.Model)
	printRow("Language", cfg.Provider.Language, "")
	printRow("Device", cfg.Audio.Device, "")
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled", "")
	} else {
		printRow("TLS", "(disabled)", "")
	}
	fmt.Printf("║  %-12s    : %-19d ║\n", "Providers", len(available))
	fmt.Printf("║  %-12s    : %-19s ║\n", "Breaker", fmt.Sprintf("%d / %s", cfg.Resilience.MaxFailures, cfg.Resilience.Cooldown))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
