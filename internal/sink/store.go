// Package sink is the result store of a run. All writes go through one
// Writer goroutine; readers see the snapshot taken by the last Refresh.
package sink

import (
	"sort"
	"sync"

	"yqhp/sim-engine/internal/config"
	"yqhp/sim-engine/pkg/types"
)

// NameColumn identifies the item that produced a row. Clean matches on it.
const NameColumn = "SimulationName"

// Store is the storage backend behind the Writer and Reader. Mutating
// methods are only called from the Writer goroutine.
type Store interface {
	// Append appends rows to the named table, creating it or widening its
	// columns as needed.
	Append(t *types.Table) error
	// Stage holds rows under tx until Commit or Discard.
	Stage(tx string, t *types.Table) error
	Commit(tx string) error
	Discard(tx string) error
	// Clean drops every table when wipeAll is set, otherwise deletes the
	// rows whose NameColumn is one of names.
	Clean(names []string, wipeAll bool) error
	// Tables returns the table names, sorted.
	Tables() ([]string, error)
	Read(name string) (*types.Table, error)
	Close() error
}

// Factory opens a Store from configuration.
type Factory func(cfg config.SinkConfig) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a store driver available to Open.
func Register(driver string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[driver] = f
}

// Drivers lists the registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OpenStore creates a Store for cfg.Driver.
func OpenStore(cfg config.SinkConfig) (Store, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnknownDriverError{Driver: cfg.Driver}
	}
	return f(cfg)
}

// UnknownDriverError is returned for an unregistered driver.
type UnknownDriverError struct {
	Driver string
}

func (e *UnknownDriverError) Error() string {
	return "unknown sink driver: " + e.Driver
}

func init() {
	Register("memory", func(config.SinkConfig) (Store, error) { return NewMemoryStore(), nil })
	Register("sqlite", func(cfg config.SinkConfig) (Store, error) { return OpenSQLite(cfg.Path, cfg.PoolSize) })
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
