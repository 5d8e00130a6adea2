package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/clinicrx/dictation/pkg/audio"
	"github.com/clinicrx/dictation/pkg/provider/transcribe"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider and device names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transcribe map[string]func(ProviderEntry) (transcribe.Provider, error)
	devices    map[string]func(AudioConfig) (audio.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcribe: make(map[string]func(ProviderEntry) (transcribe.Provider, error)),
		devices:    make(map[string]func(AudioConfig) (audio.Device, error)),
	}
}

// RegisterTranscribe registers a transcription provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscribe(name string, factory func(ProviderEntry) (transcribe.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribe[name] = factory
}

// RegisterDevice registers an input device factory under name.
func (r *Registry) RegisterDevice(name string, factory func(AudioConfig) (audio.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateTranscribe instantiates the provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTranscribe(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcribe[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcribe/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateDevice instantiates the input device registered under cfg.Device.
func (r *Registry) CreateDevice(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// TranscribeNames returns the registered provider names in sorted order.
func (r *Registry) TranscribeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transcribe))
	for name := range r.transcribe {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
