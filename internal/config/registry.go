package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dcaud/dcaud/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by [Registry.CreateVAD] when no
// factory has been registered under the requested engine name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// VADFactory builds a VAD engine from its config entry.
type VADFactory func(VADEntry) (vad.Engine, error)

// Registry maps VAD engine names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	vad map[string]VADFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{vad: make(map[string]VADFactory)}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(entry VADEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// VADNames returns the registered engine names in sorted order.
func (r *Registry) VADNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.vad))
	for n := range r.vad {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// OptString returns the string option key, or "" when it is missing or not
// a string.
func (v VADEntry) OptString(key string) string {
	s, _ := v.Options[key].(string)
	return s
}

// OptFloat returns the numeric option key. YAML integers are accepted.
func (v VADEntry) OptFloat(key string) (float64, bool) {
	switch n := v.Options[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
