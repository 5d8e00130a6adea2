package main

import (
	"fmt"
	"os"

	"github.com/clinicrx/dictation/internal/config"
	"github.com/clinicrx/dictation/internal/server"
	"github.com/clinicrx/dictation/pkg/audio"
	"github.com/clinicrx/dictation/pkg/audio/push"
	"github.com/clinicrx/dictation/pkg/audio/wavfile"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
	"github.com/clinicrx/dictation/pkg/provider/transcribe/cloudspeech"
	"github.com/clinicrx/dictation/pkg/provider/transcribe/deepgram"
	"github.com/clinicrx/dictation/pkg/provider/transcribe/gemini"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins registers the transcription services and input devices
// that ship with the dictation server.
func registerBuiltins(reg *config.Registry) {
	// ── Transcription ─────────────────────────────────────────────────────────
	reg.RegisterTranscribe("gemini-live", func(e config.ProviderEntry) (transcribe.Provider, error) {
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})

	reg.RegisterTranscribe("deepgram", func(e config.ProviderEntry) (transcribe.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.Language != "" {
			opts = append(opts, deepgram.WithLanguage(e.Language))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterTranscribe("cloud-speech", func(e config.ProviderEntry) (transcribe.Provider, error) {
		creds := e.OptionString("credentials_json")
		if path := e.OptionString("credentials_file"); creds == "" && path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("cloud-speech: read credentials: %w", err)
			}
			creds = string(data)
		}
		return cloudspeech.New(cloudspeech.Config{
			ProjectID:       e.OptionString("project_id"),
			CredentialsJSON: creds,
			Location:        e.OptionString("location"),
			Model:           e.Model,
			Language:        e.Language,
		})
	})

	// ── Devices ───────────────────────────────────────────────────────────────
	reg.RegisterDevice("push", func(a config.AudioConfig) (audio.Device, error) {
		return push.New(audio.Format{SampleRate: a.SampleRate, Channels: 1}), nil
	})

	reg.RegisterDevice("wav", func(a config.AudioConfig) (audio.Device, error) {
		if a.Path == "" {
			return nil, fmt.Errorf("wav device: path is required")
		}
		return wavfile.New(a.Path,
			wavfile.WithBlockSize(a.FrameSize),
			wavfile.WithRealtime(a.Realtime),
		), nil
	})
}

// transcribeConfig maps the session section onto the request sent to the
// service.
func transcribeConfig(cfg *config.Config) transcribe.Config {
	return transcribe.Config{
		ResponseModality:    transcribe.Modality(cfg.Session.ResponseModality),
		OutputTranscription: cfg.Session.OutputTranscription == nil || *cfg.Session.OutputTranscription,
		Language:            cfg.Provider.Language,
		SampleRate:          cfg.Audio.SampleRate,
		Instructions:        cfg.Session.Instructions,
	}
}

func serverSettings(cfg *config.Config) server.Settings {
	return server.Settings{
		Transcribe:     transcribeConfig(cfg),
		SampleRate:     cfg.Audio.SampleRate,
		FrameSize:      cfg.Audio.FrameSize,
		QueueCapacity:  cfg.Session.QueueCapacity,
		DrainTimeout:   cfg.Session.DrainTimeout,
		ConnectTimeout: cfg.Session.ConnectTimeout,
	}
}
