package sink

import (
	"fmt"
	"sort"
	"sync"

	"yqhp/sim-engine/pkg/types"
)

// Reader serves a snapshot of the store. The snapshot only changes on
// Refresh.
type Reader struct {
	store Store

	mu     sync.RWMutex
	tables map[string]*types.Table
}

// NewReader creates a Reader with an empty snapshot.
func NewReader(store Store) *Reader {
	return &Reader{store: store, tables: make(map[string]*types.Table)}
}

// Refresh reloads every table from the store.
func (r *Reader) Refresh() error {
	names, err := r.store.Tables()
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	tables := make(map[string]*types.Table, len(names))
	for _, name := range names {
		t, err := r.store.Read(name)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", name, err)
		}
		tables[name] = t
	}

	r.mu.Lock()
	r.tables = tables
	r.mu.Unlock()
	return nil
}

// Table returns a copy of the named table from the snapshot.
func (r *Reader) Table(name string) (*types.Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// TableNames returns the snapshot's table names, sorted.
func (r *Reader) TableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tables))
	for name := range r.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RowCounts returns the number of rows per table in the snapshot.
func (r *Reader) RowCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.tables))
	for name, t := range r.tables {
		out[name] = t.Len()
	}
	return out
}
