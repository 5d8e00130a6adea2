package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProviderChanged is set when the transcription provider must be rebuilt.
	// Sessions already listening keep the provider they started with.
	ProviderChanged bool

	// SessionChanged is set when queue, drain, connect or request settings
	// changed. Applies to the next session.
	SessionChanged bool

	// ResilienceChanged is set when the breaker thresholds changed.
	ResilienceChanged bool

	// RestartRequired names changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.ProviderChanged && !d.SessionChanged &&
		!d.ResilienceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !providerEqual(old.Provider, new.Provider) {
		d.ProviderChanged = true
	}

	if !sessionEqual(old.Session, new.Session) {
		d.SessionChanged = true
	}

	if old.Resilience != new.Resilience {
		d.ResilienceChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}

func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Language == b.Language &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}

func sessionEqual(a, b SessionConfig) bool {
	if a.QueueCapacity != b.QueueCapacity ||
		a.DrainTimeout != b.DrainTimeout ||
		a.ConnectTimeout != b.ConnectTimeout ||
		a.ResponseModality != b.ResponseModality ||
		a.Instructions != b.Instructions {
		return false
	}
	switch {
	case a.OutputTranscription == nil || b.OutputTranscription == nil:
		return a.OutputTranscription == b.OutputTranscription
	default:
		return *a.OutputTranscription == *b.OutputTranscription
	}
}
