package tools

import (
	"fmt"
	"sort"
	"sync"
)

type (
	// Factory builds a tool instance from optional configuration. Factories
	// are registered once per process and invoked per agent so each agent
	// owns its tool instances (and any sandbox handles they hold).
	Factory func(config map[string]any) (Tool, error)

	// Registry maps registry identifiers to tool factories. It is safe for
	// concurrent use. The agent configuration references tools by registry id
	// ("*" selects every registered tool).
	Registry struct {
		mu        sync.RWMutex
		factories map[string]Factory
	}
)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates id with a tool factory, replacing any previous
// registration under the same id.
func (r *Registry) Register(id string, f Factory) {
	if id == "" || f == nil {
		return
	}
	r.mu.Lock()
	r.factories[id] = f
	r.mu.Unlock()
}

// RegisterTool registers a pre-built tool under its own name. The factory
// ignores configuration and returns the shared instance, so the tool must be
// safe for concurrent use across agents.
func (r *Registry) RegisterTool(t Tool) {
	if t == nil {
		return
	}
	r.Register(t.Name(), func(map[string]any) (Tool, error) { return t, nil })
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	_, ok := r.factories[id]
	r.mu.RUnlock()
	return ok
}

// Get builds the tool registered under id with no configuration.
func (r *Registry) Get(id string) (Tool, error) {
	return r.Create(id, nil)
}

// Create builds the tool registered under id with the given configuration.
func (r *Registry) Create(id string, config map[string]any) (Tool, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool registry: unknown tool %q", id)
	}
	t, err := f(config)
	if err != nil {
		return nil, fmt.Errorf("tool registry: create %q: %w", id, err)
	}
	return t, nil
}

// List returns the registered ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
