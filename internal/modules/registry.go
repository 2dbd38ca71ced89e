// Package modules holds the registry of action handlers and the version compatibility check.
package modules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// Registry is a thread-safe map of module id to Module.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]dragonscale.Module
}

// NewRegistry creates a registry holding the given modules.
func NewRegistry(mods ...dragonscale.Module) (*Registry, error) {
	r := &Registry{modules: make(map[string]dragonscale.Module, len(mods))}
	for _, m := range mods {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a module. Names must be unique.
func (r *Registry) Register(m dragonscale.Module) error {
	if m == nil || m.Name() == "" {
		return dragonscale.NewValidationError("registry", "module must have a name", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name()]; exists {
		return dragonscale.NewValidationError("registry", fmt.Sprintf("module '%s' already registered", m.Name()), nil)
	}
	r.modules[m.Name()] = m
	return nil
}

// Get returns a module by id.
func (r *Registry) Get(name string) (dragonscale.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Names returns the sorted module ids.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for name := range r.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Versions returns the available module versions, the input to CheckCompatibility.
func (r *Registry) Versions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.modules))
	for name, m := range r.modules {
		out[name] = m.Version()
	}
	return out
}

// Execute dispatches one action to the named module.
func (r *Registry) Execute(ctx context.Context, module, action string, params map[string]any) (any, error) {
	m, ok := r.Get(module)
	if !ok {
		return nil, dragonscale.NewModuleNotFoundError("dispatch", module)
	}
	return m.Execute(ctx, action, params)
}
