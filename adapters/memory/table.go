package memory

import (
	"fmt"
	"sort"

	"dataexpect/domain/core"
	"dataexpect/domain/metric"
	"dataexpect/internal/metrics"

	"github.com/spf13/cast"
)

// Table is an immutable row store. Filtering returns a view that remembers
// the row positions of the original table.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]any
	ids     []int
}

// NewTable builds a table. Every row must match the column count.
func NewTable(columns []string, rows [][]any) (*Table, error) {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if _, dup := index[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		index[c] = i
	}
	ids := make([]int, len(rows))
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		for j, v := range row {
			row[j] = metrics.Normalize(v)
		}
		ids[i] = i
	}
	return &Table{columns: append([]string(nil), columns...), index: index, rows: rows, ids: ids}, nil
}

// FromRecords builds a table from maps. Columns fixes the column order; when
// empty the sorted union of keys is used. Missing keys become nulls.
func FromRecords(records []map[string]any, columns ...string) (*Table, error) {
	if len(columns) == 0 {
		seen := make(map[string]bool)
		for _, r := range records {
			for k := range r {
				if !seen[k] {
					seen[k] = true
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}
	rows := make([][]any, len(records))
	for i, r := range records {
		row := make([]any, len(columns))
		for j, c := range columns {
			row[j] = r[c]
		}
		rows[i] = row
	}
	return NewTable(columns, rows)
}

// MustTable panics on a malformed table. For fixtures.
func MustTable(columns []string, rows [][]any) *Table {
	t, err := NewTable(columns, rows)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the values of one column in row order.
func (t *Table) Column(name string) ([]any, error) {
	j, ok := t.index[name]
	if !ok {
		return nil, core.NewColumnNotFoundError(name)
	}
	out := make([]any, len(t.rows))
	for i, row := range t.rows {
		out[i] = row[j]
	}
	return out, nil
}

// Value returns one cell.
func (t *Table) Value(row int, column string) (any, bool) {
	j, ok := t.index[column]
	if !ok {
		return nil, false
	}
	return t.rows[row][j], true
}

// RowIndex is the position of row i in the unfiltered table.
func (t *Table) RowIndex(i int) int { return t.ids[i] }

// RowMap copies row i into a column-keyed map.
func (t *Table) RowMap(i int) map[string]any {
	out := make(map[string]any, len(t.columns))
	for j, c := range t.columns {
		out[c] = t.rows[i][j]
	}
	return out
}

// Filter keeps the rows for which keep returns true.
func (t *Table) Filter(keep func(i int) (bool, error)) (*Table, error) {
	view := &Table{columns: t.columns, index: t.index}
	for i, row := range t.rows {
		ok, err := keep(i)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", t.ids[i], err)
		}
		if ok {
			view.rows = append(view.rows, row)
			view.ids = append(view.ids, t.ids[i])
		}
	}
	return view, nil
}

// ColumnTypes infers a type name per column from its non-null values.
func (t *Table) ColumnTypes() []metric.ColumnType {
	out := make([]metric.ColumnType, len(t.columns))
	for j, c := range t.columns {
		seen := ""
		for _, row := range t.rows {
			v := row[j]
			if metrics.IsNull(v) {
				continue
			}
			seen = MergeType(seen, TypeOf(v))
		}
		if seen == "" {
			seen = metric.TypeNull
		}
		out[j] = metric.ColumnType{Name: c, Type: seen}
	}
	return out
}

// TypeOf names the type of one non-null value.
func TypeOf(v any) string {
	switch v.(type) {
	case int64, int, int32:
		return metric.TypeInteger
	case float64, float32:
		return metric.TypeFloat
	case bool:
		return metric.TypeBoolean
	case string:
		return metric.TypeString
	}
	if _, err := cast.ToTimeE(v); err == nil {
		return metric.TypeDatetime
	}
	return metric.TypeMixed
}

// MergeType widens the type seen so far by one more observed type. An empty
// seen means nothing observed yet.
func MergeType(seen, typ string) string {
	switch {
	case seen == "" || seen == metric.TypeNull:
		return typ
	case typ == "" || typ == metric.TypeNull || seen == typ:
		return seen
	case isNumericType(seen) && isNumericType(typ):
		return metric.TypeFloat
	default:
		return metric.TypeMixed
	}
}

func isNumericType(t string) bool {
	return t == metric.TypeInteger || t == metric.TypeFloat
}
