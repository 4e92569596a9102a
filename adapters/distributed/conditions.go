package distributed

import (
	"context"
	"fmt"

	"dataexpect/adapters/memory"
	"dataexpect/domain/metric"
	"dataexpect/internal/metrics"
	"dataexpect/ports"
)

// Condition is an evaluated map condition: one mask per partition of Frame
// flagging the rows that violate it.
type Condition struct {
	Frame    *Frame
	DomainID metric.ID
	Columns  []string
	Masks    [][]bool
}

// Count is the number of unexpected rows.
func (c *Condition) Count() int {
	n := 0
	c.scan(func(int, *memory.Table, int) bool { n++; return true })
	return n
}

// scan visits the unexpected rows in batch order until visit returns false.
func (c *Condition) scan(visit func(k int, part *memory.Table, i int) bool) {
	for k, part := range c.Frame.Partitions() {
		for i, u := range c.Masks[k] {
			if u && !visit(k, part, i) {
				return
			}
		}
	}
}

func (c *Condition) value(part *memory.Table, i int) any {
	if len(c.Columns) == 1 {
		v, _ := part.Value(i, c.Columns[0])
		return v
	}
	out := make(map[string]any, len(c.Columns))
	for _, col := range c.Columns {
		out[col], _ = part.Value(i, col)
	}
	return out
}

// rowTest flags row i of a partition as expected or not; considered is false
// for rows outside the condition, such as filtered nulls.
type rowTest func(part *memory.Table, i int) (expected, considered bool, err error)

// prepare builds the row test of one partition pass. It may inspect the
// whole frame first, as window conditions do.
type prepare func(ctx context.Context, cfg *metric.Configuration, f *Frame, cols []string) (rowTest, error)

func evaluate(ctx context.Context, cd *ports.ComputeDomain, cfg *metric.Configuration, cols []string, build prepare) (*Condition, error) {
	f := cd.Data.(*Frame)
	test, err := build(ctx, cfg, f, cols)
	if err != nil {
		return nil, err
	}
	cond := &Condition{Frame: f, DomainID: cd.ID, Columns: cols, Masks: make([][]bool, len(f.Partitions()))}
	err = f.Each(ctx, func(_ context.Context, k int, part *memory.Table) error {
		mask := make([]bool, part.Len())
		for i := range mask {
			ok, considered, err := test(part, i)
			if err != nil {
				return fmt.Errorf("row %d: %w", part.RowIndex(i), err)
			}
			mask[i] = considered && !ok
		}
		cond.Masks[k] = mask
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cond, nil
}

var conditionKeys = append(append([]string{}, columnKeys...), metric.KeyFilterNulls)

func columnCondition(filterNulls bool, build prepare, valueKeys ...string) *ports.MetricProvider {
	return &ports.MetricProvider{
		Backend:    metric.BackendDistributed,
		DomainType: metric.DomainColumn,
		DomainKeys: conditionKeys,
		ValueKeys:  valueKeys,
		Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
			cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainColumn)
			if err != nil {
				return nil, err
			}
			col := cd.AccessorKwargs[metric.KeyColumn].(string)
			filter := metrics.FilterNulls(cfg.DomainKwargs, filterNulls)
			return evaluate(ctx, cd, cfg, []string{col}, func(ctx context.Context, cfg *metric.Configuration, f *Frame, cols []string) (rowTest, error) {
				test, err := build(ctx, cfg, f, cols)
				if err != nil {
					return nil, err
				}
				return func(part *memory.Table, i int) (bool, bool, error) {
					if filter {
						if v, _ := part.Value(i, col); metrics.IsNull(v) {
							return true, false, nil
						}
					}
					return test(part, i)
				}, nil
			})
		},
	}
}

// predicate lifts an element-wise predicate over the single domain column.
func predicate(build metrics.PredicateBuilder) prepare {
	return func(_ context.Context, cfg *metric.Configuration, _ *Frame, cols []string) (rowTest, error) {
		test, err := build(cfg.ValueKwargs)
		if err != nil {
			return nil, err
		}
		return func(part *memory.Table, i int) (bool, bool, error) {
			v, _ := part.Value(i, cols[0])
			ok, err := test(v)
			return ok, true, err
		}, nil
	}
}

// unique counts values over every partition before flagging repeats.
func unique(ctx context.Context, _ *metric.Configuration, f *Frame, cols []string) (rowTest, error) {
	counts, err := countValues(ctx, f, cols[0])
	if err != nil {
		return nil, err
	}
	return func(part *memory.Table, i int) (bool, bool, error) {
		v, _ := part.Value(i, cols[0])
		return counts.Count(v) <= 1, true, nil
	}, nil
}

func multicolumnSumEqual() *ports.MetricProvider {
	return &ports.MetricProvider{
		Backend:    metric.BackendDistributed,
		DomainType: metric.DomainMulticolumn,
		DomainKeys: append(append([]string{}, tableKeys...), metric.KeyColumnList, metric.KeyIgnoreRowIf),
		ValueKeys:  []string{"sum_total"},
		Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
			cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainMulticolumn)
			if err != nil {
				return nil, err
			}
			cols := metrics.AccessorColumns(cd.AccessorKwargs)
			return evaluate(ctx, cd, cfg, cols, func(_ context.Context, cfg *metric.Configuration, _ *Frame, cols []string) (rowTest, error) {
				test, err := metrics.SumEqual(cfg.ValueKwargs)
				if err != nil {
					return nil, err
				}
				return func(part *memory.Table, i int) (bool, bool, error) {
					row := make([]any, len(cols))
					for j, c := range cols {
						row[j], _ = part.Value(i, c)
					}
					ok, err := test(row)
					return ok, true, err
				}, nil
			})
		},
	}
}

func registerConditions(reg ports.ProviderRegistrar) error {
	conditions := map[string]*ports.MetricProvider{
		metric.ColumnValuesUnique:  columnCondition(true, unique),
		metric.MulticolumnSumEqual: multicolumnSumEqual(),
	}
	for name, p := range metrics.ColumnPredicates {
		conditions[name] = columnCondition(p.FilterNulls, predicate(p.Build), p.ValueKeys...)
	}
	conditions[metric.ColumnValuesUnique].FunctionType = metric.FunctionWindowCondition

	for base, cond := range conditions {
		family := metrics.Family{
			Condition:    cond,
			Count:        unexpectedCountPartial,
			CountPartial: true,
			Values:       unexpectedValues,
			IndexList:    unexpectedIndexList,
			ValueCounts:  unexpectedValueCounts,
			Rows:         unexpectedRows,
		}
		if cond.FunctionType == metric.FunctionWindowCondition {
			family.Count = unexpectedCountDirect
			family.CountPartial = false
		}
		if err := metrics.RegisterFamily(reg, base, family); err != nil {
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

func unexpectedCountPartial(_ context.Context, _ ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	return metric.Deferred{
		Backend:  metric.BackendDistributed,
		DomainID: cond.DomainID,
		Domain:   cfg.DomainKwargs,
		Expr:     &Aggregate{New: func() Accumulator { return &unexpectedCount{cond: cond} }},
	}, nil
}

func unexpectedCountDirect(_ context.Context, _ ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
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
	cond.scan(func(_ int, part *memory.Table, i int) bool {
		if metrics.Limited(len(out), limit) {
			return false
		}
		out = append(out, cond.value(part, i))
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
	cond.scan(func(_ int, part *memory.Table, i int) bool {
		if metrics.Limited(len(out), limit) {
			return false
		}
		out = append(out, part.RowIndex(i))
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
	cond.scan(func(_ int, part *memory.Table, i int) bool {
		c.Add(cond.value(part, i))
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
	cond.scan(func(_ int, part *memory.Table, i int) bool {
		if metrics.Limited(len(out), limit) {
			return false
		}
		out = append(out, part.RowMap(i))
		return true
	})
	return out, nil
}
