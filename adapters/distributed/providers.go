package distributed

import (
	"context"
	"fmt"

	"dataexpect/adapters/memory"
	"dataexpect/domain/metric"
	"dataexpect/internal/metrics"
	"dataexpect/ports"

	"github.com/montanaflynn/stats"
)

var (
	tableKeys  = []string{metric.KeyBatchID, metric.KeyTable, metric.KeyRowCondition, metric.KeyConditionParser}
	columnKeys = append(append([]string{}, tableKeys...), metric.KeyColumn)
)

// Register adds every distributed provider.
func Register(reg ports.ProviderRegistrar) error {
	aggregates := map[string]*ports.MetricProvider{
		metric.TableRowCount: {
			DomainType: metric.DomainTable,
			DomainKeys: tableKeys,
			Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
				cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainTable)
				if err != nil {
					return nil, err
				}
				return deferred(cd, cfg, func() Accumulator { return &rowCount{} }), nil
			},
		},
		metric.ColumnMin:                columnPartial(func(c string) Accumulator { return newExtreme(c, -1) }),
		metric.ColumnMax:                columnPartial(func(c string) Accumulator { return newExtreme(c, 1) }),
		metric.ColumnMean:               columnPartial(newMean),
		metric.ColumnSum:                columnPartial(newSum),
		metric.ColumnStandardDeviation:  columnPartial(newStdDev),
		metric.ColumnValuesNonNullCount: columnPartial(newNonNullCount),
	}
	for name, p := range aggregates {
		p.Backend = metric.BackendDistributed
		if err := metrics.RegisterAggregate(reg, name, p); err != nil {
			return err
		}
	}

	providers := []*ports.MetricProvider{
		{
			Name:       metric.TableColumnTypes,
			DomainType: metric.DomainTable,
			DomainKeys: tableKeys,
			ValueKeys:  []string{"include_nested"},
			Fn:         columnTypes,
		},
		{
			Name:       metric.TableColumns,
			DomainType: metric.DomainTable,
			DomainKeys: tableKeys,
			Fn:         columnNames,
			Dependencies: map[string]ports.DependencyTemplate{
				metric.TableColumnTypes: {MetricName: metric.TableColumnTypes},
			},
		},
		{
			Name:       metric.ColumnValueCounts,
			DomainType: metric.DomainColumn,
			DomainKeys: columnKeys,
			ValueKeys:  []string{"sort", "collate"},
			Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
				c, err := columnCounter(ctx, eng, cfg)
				if err != nil {
					return nil, err
				}
				return c.Sorted(cfg.ValueKwargs.StringOr("sort", metrics.SortByValue))
			},
		},
		{
			Name:       metric.ColumnDistinctValues,
			DomainType: metric.DomainColumn,
			DomainKeys: columnKeys,
			Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
				c, err := columnCounter(ctx, eng, cfg)
				if err != nil {
					return nil, err
				}
				return c.Values(), nil
			},
		},
		{
			Name:       metric.ColumnQuantileValues,
			DomainType: metric.DomainColumn,
			DomainKeys: columnKeys,
			ValueKeys:  []string{"quantiles", "allow_relative_error"},
			Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
				qs, err := metrics.Quantiles(cfg.ValueKwargs)
				if err != nil {
					return nil, err
				}
				fs, err := columnFloats(ctx, eng, cfg)
				if err != nil {
					return nil, err
				}
				return metrics.NearestQuantiles(fs, qs)
			},
		},
		{
			Name:       metric.ColumnMedian,
			DomainType: metric.DomainColumn,
			DomainKeys: columnKeys,
			Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
				fs, err := columnFloats(ctx, eng, cfg)
				if err != nil {
					return nil, err
				}
				if len(fs) == 0 {
					return nil, nil
				}
				return stats.Median(fs)
			},
		},
		metrics.PartitionProvider(metric.BackendDistributed),
	}
	for _, p := range providers {
		p.Backend = metric.BackendDistributed
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return registerConditions(reg)
}

func deferred(cd *ports.ComputeDomain, cfg *metric.Configuration, newAcc func() Accumulator) metric.Deferred {
	return metric.Deferred{
		Backend:  metric.BackendDistributed,
		DomainID: cd.ID,
		Domain:   cfg.DomainKwargs,
		Expr:     &Aggregate{New: newAcc},
	}
}

func columnPartial(newAcc func(column string) Accumulator) *ports.MetricProvider {
	return &ports.MetricProvider{
		DomainType: metric.DomainColumn,
		DomainKeys: columnKeys,
		Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
			cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainColumn)
			if err != nil {
				return nil, err
			}
			col := cd.AccessorKwargs[metric.KeyColumn].(string)
			return deferred(cd, cfg, func() Accumulator { return newAcc(col) }), nil
		},
	}
}

func columnDomain(ctx context.Context, eng ports.ExecutionEngine, d metric.DomainKwargs) (*Frame, string, error) {
	cd, err := eng.GetComputeDomain(ctx, d, metric.DomainColumn)
	if err != nil {
		return nil, "", err
	}
	return cd.Data.(*Frame), cd.AccessorKwargs[metric.KeyColumn].(string), nil
}

func columnTypes(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
	cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainTable)
	if err != nil {
		return nil, err
	}
	f := cd.Data.(*Frame)
	perPart := make([][]metric.ColumnType, len(f.Partitions()))
	err = f.Each(ctx, func(_ context.Context, k int, part *memory.Table) error {
		perPart[k] = part.ColumnTypes()
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]metric.ColumnType, len(f.columns))
	for j, c := range f.columns {
		seen := ""
		for _, types := range perPart {
			seen = memory.MergeType(seen, types[j].Type)
		}
		if seen == "" {
			seen = metric.TypeNull
		}
		out[j] = metric.ColumnType{Name: c, Type: seen}
	}
	return out, nil
}

func columnNames(_ context.Context, _ ports.ExecutionEngine, _ *metric.Configuration, deps metric.Dependencies) (any, error) {
	types, ok := deps[metric.TableColumnTypes].([]metric.ColumnType)
	if !ok {
		return nil, fmt.Errorf("table.column_types has unexpected type %T", deps[metric.TableColumnTypes])
	}
	names := make([]string, len(types))
	for i, ct := range types {
		names[i] = ct.Name
	}
	return names, nil
}

// columnCounter counts the non-null values per partition and merges the
// counters.
func columnCounter(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration) (*metrics.Counter, error) {
	f, col, err := columnDomain(ctx, eng, cfg.DomainKwargs)
	if err != nil {
		return nil, err
	}
	return countValues(ctx, f, col)
}

func countValues(ctx context.Context, f *Frame, col string) (*metrics.Counter, error) {
	total := metrics.NewCounter()
	counters := make([]*metrics.Counter, len(f.Partitions()))
	err := f.Each(ctx, func(_ context.Context, k int, part *memory.Table) error {
		vs, err := part.Column(col)
		if err != nil {
			return err
		}
		c := metrics.NewCounter()
		for _, v := range vs {
			if !metrics.IsNull(v) {
				c.Add(v)
			}
		}
		counters[k] = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, c := range counters {
		total.Merge(c)
	}
	return total, nil
}

func columnFloats(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration) ([]float64, error) {
	f, col, err := columnDomain(ctx, eng, cfg.DomainKwargs)
	if err != nil {
		return nil, err
	}
	values, err := f.Collect(ctx, col)
	if err != nil {
		return nil, err
	}
	return metrics.Floats(values)
}
