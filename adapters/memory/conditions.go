package memory

import (
	"context"
	"fmt"

	"dataexpect/domain/metric"
	"dataexpect/internal/metrics"
	"dataexpect/ports"
)

// Condition is the evaluated map condition over a compute domain: one flag
// per row of Table marking the rows that violate it.
type Condition struct {
	Table      *Table
	Columns    []string
	Unexpected []bool
}

// Count is the number of unexpected rows.
func (c *Condition) Count() int {
	n := 0
	for _, u := range c.Unexpected {
		if u {
			n++
		}
	}
	return n
}

// value is what unexpected_values reports for row i: the cell for a single
// column, otherwise the domain columns as a map.
func (c *Condition) value(i int) any {
	if len(c.Columns) == 1 {
		v, _ := c.Table.Value(i, c.Columns[0])
		return v
	}
	out := make(map[string]any, len(c.Columns))
	for _, col := range c.Columns {
		out[col], _ = c.Table.Value(i, col)
	}
	return out
}

// columnExpectation decides, for the considered values of a column, which
// meet the condition.
type columnExpectation func(cfg *metric.Configuration, values []any) ([]bool, error)

// each lifts an element-wise predicate.
func each(build metrics.PredicateBuilder) columnExpectation {
	return func(cfg *metric.Configuration, values []any) ([]bool, error) {
		test, err := build(cfg.ValueKwargs)
		if err != nil {
			return nil, err
		}
		out := make([]bool, len(values))
		for i, v := range values {
			ok, err := test(v)
			if err != nil {
				return nil, err
			}
			out[i] = ok
		}
		return out, nil
	}
}

var conditionKeys = append(append([]string{}, columnKeys...), metric.KeyFilterNulls)

func columnCondition(filterNulls bool, expect columnExpectation, valueKeys ...string) *ports.MetricProvider {
	return &ports.MetricProvider{
		Backend:    metric.BackendInMemory,
		DomainType: metric.DomainColumn,
		DomainKeys: conditionKeys,
		ValueKeys:  valueKeys,
		Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
			t, col, err := columnDomain(ctx, eng, cfg.DomainKwargs)
			if err != nil {
				return nil, err
			}
			all, err := t.Column(col)
			if err != nil {
				return nil, err
			}
			filter := metrics.FilterNulls(cfg.DomainKwargs, filterNulls)
			var considered []any
			var positions []int
			for i, v := range all {
				if filter && metrics.IsNull(v) {
					continue
				}
				considered = append(considered, v)
				positions = append(positions, i)
			}
			expected, err := expect(cfg, considered)
			if err != nil {
				return nil, err
			}
			cond := &Condition{Table: t, Columns: []string{col}, Unexpected: make([]bool, t.Len())}
			for k, pos := range positions {
				cond.Unexpected[pos] = !expected[k]
			}
			return cond, nil
		},
	}
}

func multicolumnCondition(build func(kw metric.ValueKwargs) (func(row []any) (bool, error), error), valueKeys ...string) *ports.MetricProvider {
	return &ports.MetricProvider{
		Backend:    metric.BackendInMemory,
		DomainType: metric.DomainMulticolumn,
		DomainKeys: append(append([]string{}, tableKeys...), metric.KeyColumnList, metric.KeyIgnoreRowIf),
		ValueKeys:  valueKeys,
		Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
			cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainMulticolumn)
			if err != nil {
				return nil, err
			}
			expect, err := build(cfg.ValueKwargs)
			if err != nil {
				return nil, err
			}
			t := cd.Data.(*Table)
			cols := metrics.AccessorColumns(cd.AccessorKwargs)
			cond := &Condition{Table: t, Columns: cols, Unexpected: make([]bool, t.Len())}
			row := make([]any, len(cols))
			for i := 0; i < t.Len(); i++ {
				for j, c := range cols {
					row[j], _ = t.Value(i, c)
				}
				ok, err := expect(row)
				if err != nil {
					return nil, err
				}
				cond.Unexpected[i] = !ok
			}
			return cond, nil
		},
	}
}

func registerConditions(reg ports.ProviderRegistrar) error {
	conditions := map[string]*ports.MetricProvider{
		metric.ColumnValuesUnique: columnCondition(true, func(_ *metric.Configuration, values []any) ([]bool, error) {
			c := counter(values)
			out := make([]bool, len(values))
			for i, v := range values {
				out[i] = c.Count(v) == 1
			}
			return out, nil
		}),
		metric.MulticolumnSumEqual: multicolumnCondition(metrics.SumEqual, "sum_total"),
	}
	for name, p := range metrics.ColumnPredicates {
		conditions[name] = columnCondition(p.FilterNulls, each(p.Build), p.ValueKeys...)
	}
	conditions[metric.ColumnValuesUnique].FunctionType = metric.FunctionWindowCondition

	for base, cond := range conditions {
		if err := metrics.RegisterFamily(reg, base, metrics.Family{
			Condition:   cond,
			Count:       unexpectedCount,
			Values:      unexpectedValues,
			IndexList:   unexpectedIndexList,
			ValueCounts: unexpectedValueCounts,
			Rows:        unexpectedRows,
		}); err != nil {
			return err
		}
	}
	return nil
}

func conditionOf(cfg *metric.Configuration, deps metric.Dependencies) (*Condition, error) {
	cond, ok := deps[metric.DepUnexpectedCondition].(*Condition)
	if !ok {
		return nil, fmt.Errorf("%s: condition has unexpected type %T", cfg.Name, deps[metric.DepUnexpectedCondition])
	}
	return cond, nil
}

// scan visits unexpected rows in order until visit returns false.
func scan(cond *Condition, visit func(i int) bool) {
	for i, u := range cond.Unexpected {
		if u && !visit(i) {
			return
		}
	}
}

func unexpectedCount(_ context.Context, _ ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	return cond.Count(), nil
}

func unexpectedValues(_ context.Context, _ ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	limit := metrics.ResultLimit(cfg.ValueKwargs)
	out := []any{}
	scan(cond, func(i int) bool {
		if metrics.Limited(len(out), limit) {
			return false
		}
		out = append(out, cond.value(i))
		return true
	})
	return out, nil
}

func unexpectedIndexList(_ context.Context, _ ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	limit := metrics.ResultLimit(cfg.ValueKwargs)
	out := []int{}
	scan(cond, func(i int) bool {
		if metrics.Limited(len(out), limit) {
			return false
		}
		out = append(out, cond.Table.RowIndex(i))
		return true
	})
	return out, nil
}

func unexpectedValueCounts(_ context.Context, _ ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	c := metrics.NewCounter()
	scan(cond, func(i int) bool {
		c.Add(cond.value(i))
		return true
	})
	return c.Top(metrics.ResultLimit(cfg.ValueKwargs)), nil
}

func unexpectedRows(_ context.Context, _ ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	limit := metrics.ResultLimit(cfg.ValueKwargs)
	out := []map[string]any{}
	scan(cond, func(i int) bool {
		if metrics.Limited(len(out), limit) {
			return false
		}
		out = append(out, cond.Table.RowMap(i))
		return true
	})
	return out, nil
}
