package job

import (
	"fmt"
	"sort"
	"sync"

	"yqhp/sim-engine/internal/model"
)

// Factory builds Work from a materialized node.
type Factory func(node *model.Node, spec Spec, svc Services) (Work, error)

// Registry maps runnable node kinds to factories.
type Registry struct {
	factories map[model.Kind]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[model.Kind]Factory)}
	r.Register(model.KindSimulation, newSimulation)
	r.Register(model.KindScript, newScript)
	return r
}

// Register registers a factory for kind, replacing any earlier one.
func (r *Registry) Register(kind model.Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Runnable reports whether kind has a factory.
func (r *Registry) Runnable(kind model.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// New builds Work for node.
func (r *Registry) New(node *model.Node, spec Spec, svc Services) (Work, error) {
	r.mu.RLock()
	f, ok := r.factories[node.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: kind %q is not runnable", node.Name, node.Kind)
	}
	return f(node, spec, svc)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []model.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultRegistry is the process-wide registry.
var DefaultRegistry = NewRegistry()

// Register registers a factory in the default registry.
func Register(kind model.Kind, f Factory) { DefaultRegistry.Register(kind, f) }

// Runnable reports whether kind is runnable in the default registry.
func Runnable(kind model.Kind) bool { return DefaultRegistry.Runnable(kind) }

// FromNode builds Work from the default registry.
func FromNode(node *model.Node, spec Spec, svc Services) (Work, error) {
	return DefaultRegistry.New(node, spec, svc)
}
