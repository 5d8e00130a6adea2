// Package config provides the configuration schema, loader, and provider
// registry for the dictation service.
package config

import "time"

// LogLevel controls log verbosity for the dictation server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Modality is the response modality requested from the transcription service.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// IsValid reports whether m is a recognised modality.
func (m Modality) IsValid() bool {
	return m == ModalityAudio || m == ModalityText
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] and then overridden from the environment.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderEntry    `yaml:"provider"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" env:"DICTATION_LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"DICTATION_LOG_LEVEL"`

	// AllowedOrigins lists browser origins allowed to open the dictation
	// websocket. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the transcription service. Name is
// looked up in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider ("gemini-live", "deepgram",
	// "cloud-speech").
	Name string `yaml:"name" env:"DICTATION_PROVIDER"`

	// APIKey authenticates against the service, where it uses keys.
	APIKey string `yaml:"api_key" env:"DICTATION_API_KEY"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Language is the BCP-47 recognition language (e.g., "en-US").
	Language string `yaml:"language"`

	// Options holds provider-specific values not covered above, e.g.
	// project_id and location for cloud-speech.
	Options map[string]any `yaml:"options"`
}

// AudioConfig configures capture.
type AudioConfig struct {
	// Device selects the registered input device: "push" (browser microphone
	// over the websocket) or "wav" (file playback, for demos and tests).
	Device string `yaml:"device"`

	// Path is the WAV file played by the "wav" device.
	Path string `yaml:"path"`

	// Realtime paces the "wav" device at the file's own speed.
	Realtime bool `yaml:"realtime"`

	// SampleRate is the rate frames are produced at. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per frame. Default: 4096.
	FrameSize int `yaml:"frame_size"`
}

// SessionConfig tunes the transcription session.
type SessionConfig struct {
	// QueueCapacity is the number of unsent chunks held before the oldest is
	// dropped. Default: 32.
	QueueCapacity int `yaml:"queue_capacity"`

	// DrainTimeout bounds how long Stop waits for unsent chunks. Default: 2s.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// ConnectTimeout bounds device acquisition and the service handshake.
	// Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ResponseModality is requested from services that answer. Default: audio.
	ResponseModality Modality `yaml:"response_modality"`

	// OutputTranscription asks the service to transcribe its own speech.
	// Default: true.
	OutputTranscription *bool `yaml:"output_transcription"`

	// Instructions is an optional system prompt for services that take one.
	Instructions string `yaml:"instructions"`
}

// ResilienceConfig tunes the connect circuit breaker.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failed connects that open the
	// breaker. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultProvider       = "gemini-live"
	DefaultDevice         = "push"
	DefaultSampleRate     = 16000
	DefaultFrameSize      = 4096
	DefaultQueueCapacity  = 32
	DefaultDrainTimeout   = 2 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxFailures    = 3
	DefaultCooldown       = 30 * time.Second
)

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = DefaultDevice
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Session.QueueCapacity == 0 {
		cfg.Session.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Session.DrainTimeout == 0 {
		cfg.Session.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Session.ResponseModality == "" {
		cfg.Session.ResponseModality = ModalityAudio
	}
	if cfg.Session.OutputTranscription == nil {
		on := true
		cfg.Session.OutputTranscription = &on
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.Cooldown == 0 {
		cfg.Resilience.Cooldown = DefaultCooldown
	}
}

// OptionString returns Provider.Options[key] as a string, or "".
func (p ProviderEntry) OptionString(key string) string {
	if v, ok := p.Options[key].(string); ok {
		return v
	}
	return ""
}
