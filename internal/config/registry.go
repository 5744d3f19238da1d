package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/biopulse/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered under the requested source name.
var ErrSourceNotRegistered = errors.New("config: source not registered")

// SourceFactory builds an audio source from its configuration block.
type SourceFactory func(SourceConfig) (audio.Source, error)

// Registry maps source names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]SourceFactory)}
}

// RegisterSource registers a source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSource instantiates the source registered under cfg.Name.
// Returns [ErrSourceNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSource(cfg SourceConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotRegistered, cfg.Name)
	}
	src, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create source %q: %w", cfg.Name, err)
	}
	return src, nil
}

// SourceNames returns the registered names in sorted order.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
