package types

import (
	"fmt"
	"sort"
)

// Tag is a key/value label attached to a job descriptor.
type Tag struct {
	Key   string `cbor:"k" yaml:"key" json:"key"`
	Value string `cbor:"v" yaml:"value" json:"value"`
}

// Table is a named, column-oriented batch of result rows.
type Table struct {
	Name    string   `cbor:"name" json:"name"`
	Columns []string `cbor:"columns" json:"columns"`
	Rows    [][]any  `cbor:"rows" json:"rows"`
}

// NewTable creates an empty table with the given column headers.
func NewTable(name string, columns ...string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Name: name, Columns: cols}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex returns the index of the named column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// AddRow appends a row. The number of values must match the column count.
func (t *Table) AddRow(values ...any) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("table %s: row has %d values, want %d", t.Name, len(values), len(t.Columns))
	}
	row := make([]any, len(values))
	copy(row, values)
	t.Rows = append(t.Rows, row)
	return nil
}

// AddRecord appends a row given as a column->value map. Unknown columns are
// added to the table and earlier rows are padded with nil.
func (t *Table) AddRecord(record map[string]any) {
	keys := make([]string, 0, len(record))
	for k := range record {
		if t.ColumnIndex(k) < 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.addColumn(k)
	}

	row := make([]any, len(t.Columns))
	for k, v := range record {
		row[t.ColumnIndex(k)] = v
	}
	t.Rows = append(t.Rows, row)
}

func (t *Table) addColumn(name string) {
	t.Columns = append(t.Columns, name)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], nil)
	}
}

// Merge appends the rows of other, aligning columns by name.
func (t *Table) Merge(other *Table) {
	if other == nil {
		return
	}
	idx := make([]int, len(other.Columns))
	for i, c := range other.Columns {
		j := t.ColumnIndex(c)
		if j < 0 {
			t.addColumn(c)
			j = len(t.Columns) - 1
		}
		idx[i] = j
	}
	for _, src := range other.Rows {
		row := make([]any, len(t.Columns))
		for i, v := range src {
			if i < len(idx) {
				row[idx[i]] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
}

// Column returns all values of the named column.
func (t *Table) Column(name string) []any {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil
	}
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// Records returns the rows as column->value maps.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.Rows))
	for r, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for i, c := range t.Columns {
			if i < len(row) {
				rec[c] = row[i]
			}
		}
		out[r] = rec
	}
	return out
}

// Clone returns a deep copy of the table's structure. Cell values are
// copied by assignment.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := NewTable(t.Name, t.Columns...)
	c.Rows = make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		r := make([]any, len(row))
		copy(r, row)
		c.Rows[i] = r
	}
	return c
}
