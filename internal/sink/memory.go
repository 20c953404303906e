package sink

import (
	"fmt"
	"sort"
	"sync"

	"yqhp/sim-engine/pkg/types"
)

// MemoryStore keeps tables in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*types.Table
	staged map[string][]*types.Table
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]*types.Table),
		staged: make(map[string][]*types.Table),
	}
}

func (m *MemoryStore) Append(t *types.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(t)
	return nil
}

func (m *MemoryStore) appendLocked(t *types.Table) {
	dst, ok := m.tables[t.Name]
	if !ok {
		dst = types.NewTable(t.Name)
		m.tables[t.Name] = dst
	}
	dst.Merge(t)
}

func (m *MemoryStore) Stage(tx string, t *types.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged[tx] = append(m.staged[tx], t.Clone())
	return nil
}

func (m *MemoryStore) Commit(tx string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.staged[tx] {
		m.appendLocked(t)
	}
	delete(m.staged, tx)
	return nil
}

func (m *MemoryStore) Discard(tx string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staged, tx)
	return nil
}

func (m *MemoryStore) Clean(names []string, wipeAll bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wipeAll {
		m.tables = make(map[string]*types.Table)
		m.staged = make(map[string][]*types.Table)
		return nil
	}

	drop := nameSet(names)
	for _, t := range m.tables {
		col := t.ColumnIndex(NameColumn)
		if col < 0 {
			continue
		}
		kept := t.Rows[:0]
		for _, row := range t.Rows {
			if _, ok := drop[fmt.Sprint(row[col])]; !ok {
				kept = append(kept, row)
			}
		}
		t.Rows = kept
	}
	return nil
}

func (m *MemoryStore) Tables() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tables))
	for name := range m.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Read(name string) (*types.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s not found", name)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Close() error { return nil }
