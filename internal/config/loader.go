package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the transcription providers built into the binary.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "deepgram", "cloud-speech"}

// ValidDeviceNames lists the input devices built into the binary.
var ValidDeviceNames = []string{"push", "wav"}

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	environ map[string]string
}

// WithEnvironment replaces the process environment as the source of
// overrides. Tests use it to stay independent of the host.
func WithEnvironment(environ map[string]string) LoadOption {
	return func(o *loadOptions) { o.environ = environ }
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", f, err)
		}
		slog.Debug("config: loaded environment file", "path", f)
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string, opts ...LoadOption) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, opts...); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults and environment overrides only, for
// running without a config file.
func FromEnv(opts ...LoadOption) (*Config, error) {
	cfg := &Config{}
	if err := ApplyEnv(cfg, opts...); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields tagged with `env` from the environment.
// Unset variables leave the YAML values untouched.
func ApplyEnv(cfg *Config, opts ...LoadOption) error {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	envOpts := env.Options{}
	if o.environ != nil {
		envOpts.Environment = o.environ
	}
	if err := env.ParseWithOptions(cfg, envOpts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name, may be a typo or a provider registered by an embedding binary",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	switch cfg.Provider.Name {
	case "gemini-live", "deepgram":
		if cfg.Provider.APIKey == "" {
			errs = append(errs, fmt.Errorf("provider.api_key is required for %s (or set DICTATION_API_KEY)", cfg.Provider.Name))
		}
	case "cloud-speech":
		if cfg.Provider.OptionString("project_id") == "" {
			errs = append(errs, errors.New("provider.options.project_id is required for cloud-speech"))
		}
	}

	// Audio
	if cfg.Audio.Device != "" && !slices.Contains(ValidDeviceNames, cfg.Audio.Device) {
		errs = append(errs, fmt.Errorf("audio.device %q is invalid; valid values: push, wav", cfg.Audio.Device))
	}
	if cfg.Audio.Device == "wav" && cfg.Audio.Path == "" {
		errs = append(errs, errors.New("audio.path is required when audio.device is wav"))
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	} else if cfg.Audio.SampleRate != 0 && cfg.Audio.SampleRate != DefaultSampleRate {
		slog.Warn("audio.sample_rate differs from 16000; most transcription services expect 16 kHz",
			"sample_rate", cfg.Audio.SampleRate)
	}
	if cfg.Audio.FrameSize < 0 || cfg.Audio.FrameSize > 1<<16 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d is out of range [1, 65536]", cfg.Audio.FrameSize))
	}

	// Session
	if cfg.Session.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("session.queue_capacity %d must be positive", cfg.Session.QueueCapacity))
	}
	if cfg.Session.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.drain_timeout %v must be positive", cfg.Session.DrainTimeout))
	}
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %v must be positive", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.ResponseModality != "" && !cfg.Session.ResponseModality.IsValid() {
		errs = append(errs, fmt.Errorf("session.response_modality %q is invalid; valid values: audio, text", cfg.Session.ResponseModality))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must be positive", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("resilience.cooldown %v must be positive", cfg.Resilience.Cooldown))
	}

	return errors.Join(errs...)
}
