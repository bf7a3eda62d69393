package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defName   string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider. The first registered provider
// becomes the default.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 {
		r.defName = p.Name()
	}
	r.providers[p.Name()] = p
}

// Unregister removes a provider by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	if r.defName == name {
		r.defName = ""
		for n := range r.providers {
			r.defName = n
			break
		}
	}
}

// Get returns a provider by name. An empty name returns the default.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return p, nil
}

// List returns registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
