package transports

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Factory builds a transport from its raw settings map. Factories are
// expected to validate settings and return a descriptive error on bad
// config rather than failing later at Start.
type Factory func(settings map[string]any, logger *slog.Logger) (Transport, error)

// Registry maps transport names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(name)] = factory
}

// Build constructs the named transport from settings.
func (r *Registry) Build(name string, settings map[string]any, logger *slog.Logger) (Transport, error) {
	r.mu.RLock()
	factory := r.factories[normalize(name)]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("transport not registered: %s (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return factory(settings, logger)
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
