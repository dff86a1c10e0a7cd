package adapter

import (
	"fmt"
	"sync"
)

// Registry manages language plugin registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Language
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Language),
	}
}

// Register adds a plugin to the registry, keyed by its language tag.
func (r *Registry) Register(plugin Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[plugin.Language()] = plugin
}

// Get retrieves a plugin by language tag.
func (r *Registry) Get(language string) (Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugin, ok := r.plugins[language]
	return plugin, ok
}

// Resolve is Get with a descriptive error for unknown languages.
func (r *Registry) Resolve(language string) (Language, error) {
	plugin, ok := r.Get(language)
	if !ok {
		return nil, fmt.Errorf("adapter: no plugin registered for language %q (have %v)", language, r.Languages())
	}
	return plugin, nil
}

// Languages returns the registered language tags.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.plugins))
	for tag := range r.plugins {
		tags = append(tags, tag)
	}
	return tags
}

// List returns all registered plugins.
func (r *Registry) List() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugins := make([]Language, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	return plugins
}

// DefaultRegistry holds the built-in language plugins.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register(NewPython())
	DefaultRegistry.Register(NewGo())
	js := NewJavaScript()
	DefaultRegistry.Register(js)
	DefaultRegistry.Register(NewTypeScript(js))
	DefaultRegistry.Register(NewRust())
}
