package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maintains a mapping of source names to their builders and
// capabilities. Source packages register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global source registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new source registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// normalizeName canonicalizes a source name. Config validation treats the
// SourceSystem value case-insensitively, so the registry must too.
func normalizeName(name string) string {
	return strings.ToLower(name)
}

// Register adds a source builder to the registry. The name should match the
// SourceSystem config value (e.g., "sse", "websocket"); matching is
// case-insensitive.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[normalizeName(name)] = builder
}

// RegisterWithCapabilities adds a source builder and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[normalizeName(name)] = builder
	r.capabilities[normalizeName(name)] = caps
}

// GetCapabilities returns the capabilities for a registered source.
// Returns a zero Capabilities struct if the source is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[normalizeName(name)]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates a source using the registered builder for the config's SourceSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	name := cfg.GetSourceSystem()

	r.mu.RLock()
	builder, ok := r.builders[normalizeName(name)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown source: %q (registered: %v)", name, r.Names())
	}

	return builder(ctx, cfg, logger)
}

// Names returns the list of registered source names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Has returns true if a source is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[normalizeName(name)]
	return ok
}

// Register adds a source builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a source builder and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a source using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Source, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}

// GetCapabilities returns the capabilities for a source by name, using the
// default registry. Returns a zero Capabilities struct if the source is unknown.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
