package execution

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages execution strategy factories.
type Registry struct {
	strategies map[Name]func() Strategy
	mu         sync.RWMutex
}

// NewRegistry creates a registry with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{
		strategies: make(map[Name]func() Strategy),
	}

	r.Register(Sync, func() Strategy { return NewSyncStrategy() })
	r.Register(Concurrent, func() Strategy { return NewConcurrentStrategy() })
	r.Register(Distributed, func() Strategy { return NewDistributedStrategy() })

	return r
}

// Register registers a strategy factory.
func (r *Registry) Register(name Name, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = factory
}

// Get returns a new instance of the named strategy.
func (r *Registry) Get(name Name) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown execution strategy: %s", name)
	}

	return factory(), nil
}

// GetOrDefault returns the named strategy, or concurrent if name is empty.
func (r *Registry) GetOrDefault(name Name) (Strategy, error) {
	if name == "" {
		name = Concurrent
	}
	return r.Get(name)
}

// List returns all registered strategy names, sorted.
func (r *Registry) List() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]Name, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// DefaultRegistry is the default strategy registry.
var DefaultRegistry = NewRegistry()

// GetStrategy returns the named strategy from the default registry.
func GetStrategy(name Name) (Strategy, error) {
	return DefaultRegistry.Get(name)
}

// GetStrategyOrDefault returns the named strategy from the default
// registry, or concurrent if name is empty.
func GetStrategyOrDefault(name Name) (Strategy, error) {
	return DefaultRegistry.GetOrDefault(name)
}
