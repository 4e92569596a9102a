package memory

import (
	"context"
	"fmt"

	"dataexpect/domain/metric"
	"dataexpect/internal/metrics"
	"dataexpect/ports"

	"github.com/montanaflynn/stats"
)

var (
	tableKeys  = []string{metric.KeyBatchID, metric.KeyTable, metric.KeyRowCondition, metric.KeyConditionParser}
	columnKeys = append(append([]string{}, tableKeys...), metric.KeyColumn)
)

// Register adds every in-memory provider.
func Register(reg ports.ProviderRegistrar) error {
	providers := []*ports.MetricProvider{
		{
			Name:       metric.TableRowCount,
			DomainType: metric.DomainTable,
			DomainKeys: tableKeys,
			Fn: withTable(func(_ *metric.Configuration, t *Table) (any, error) {
				return t.Len(), nil
			}),
		},
		{
			Name:       metric.TableColumnTypes,
			DomainType: metric.DomainTable,
			DomainKeys: tableKeys,
			ValueKeys:  []string{"include_nested"},
			Fn: withTable(func(_ *metric.Configuration, t *Table) (any, error) {
				return t.ColumnTypes(), nil
			}),
		},
		{
			Name:       metric.TableColumns,
			DomainType: metric.DomainTable,
			DomainKeys: tableKeys,
			Fn:         columnNamesFromTypes,
			Dependencies: map[string]ports.DependencyTemplate{
				metric.TableColumnTypes: {MetricName: metric.TableColumnTypes},
			},
		},
		columnAggregate(metric.ColumnMin, columnMin),
		columnAggregate(metric.ColumnMax, columnMax),
		columnAggregate(metric.ColumnMean, numeric(func(fs stats.Float64Data) (any, error) {
			if len(fs) == 0 {
				return nil, nil
			}
			return stats.Mean(fs)
		})),
		columnAggregate(metric.ColumnSum, numeric(func(fs stats.Float64Data) (any, error) {
			if len(fs) == 0 {
				return 0.0, nil
			}
			return stats.Sum(fs)
		})),
		columnAggregate(metric.ColumnStandardDeviation, numeric(func(fs stats.Float64Data) (any, error) {
			if len(fs) < 2 {
				return nil, nil
			}
			return stats.StandardDeviationSample(fs)
		})),
		columnAggregate(metric.ColumnMedian, numeric(func(fs stats.Float64Data) (any, error) {
			if len(fs) == 0 {
				return nil, nil
			}
			return stats.Median(fs)
		})),
		columnAggregate(metric.ColumnValuesNonNullCount, func(_ *metric.Configuration, values []any) (any, error) {
			return len(values), nil
		}),
		columnAggregate(metric.ColumnValueCounts, func(cfg *metric.Configuration, values []any) (any, error) {
			return counter(values).Sorted(cfg.ValueKwargs.StringOr("sort", metrics.SortByValue))
		}, "sort", "collate"),
		columnAggregate(metric.ColumnDistinctValues, func(_ *metric.Configuration, values []any) (any, error) {
			return counter(values).Values(), nil
		}),
		columnAggregate(metric.ColumnQuantileValues, func(cfg *metric.Configuration, values []any) (any, error) {
			qs, err := metrics.Quantiles(cfg.ValueKwargs)
			if err != nil {
				return nil, err
			}
			fs, err := metrics.Floats(values)
			if err != nil {
				return nil, err
			}
			return metrics.NearestQuantiles(fs, qs)
		}, "quantiles", "allow_relative_error"),
		metrics.PartitionProvider(metric.BackendInMemory),
	}

	for _, p := range providers {
		p.Backend = metric.BackendInMemory
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return registerConditions(reg)
}

func withTable(fn func(cfg *metric.Configuration, t *Table) (any, error)) ports.ProviderFunc {
	return func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
		cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainTable)
		if err != nil {
			return nil, err
		}
		return fn(cfg, cd.Data.(*Table))
	}
}

func columnNamesFromTypes(_ context.Context, _ ports.ExecutionEngine, _ *metric.Configuration, deps metric.Dependencies) (any, error) {
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

// columnAggregate wraps fn over the non-null values of the domain column.
func columnAggregate(name string, fn func(cfg *metric.Configuration, values []any) (any, error), valueKeys ...string) *ports.MetricProvider {
	return &ports.MetricProvider{
		Name:       name,
		DomainType: metric.DomainColumn,
		DomainKeys: columnKeys,
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
			values := make([]any, 0, len(all))
			for _, v := range all {
				if !metrics.IsNull(v) {
					values = append(values, v)
				}
			}
			return fn(cfg, values)
		},
	}
}

func columnDomain(ctx context.Context, eng ports.ExecutionEngine, d metric.DomainKwargs) (*Table, string, error) {
	cd, err := eng.GetComputeDomain(ctx, d, metric.DomainColumn)
	if err != nil {
		return nil, "", err
	}
	return cd.Data.(*Table), cd.AccessorKwargs[metric.KeyColumn].(string), nil
}

func numeric(fn func(fs stats.Float64Data) (any, error)) func(*metric.Configuration, []any) (any, error) {
	return func(_ *metric.Configuration, values []any) (any, error) {
		fs, err := metrics.Floats(values)
		if err != nil {
			return nil, err
		}
		return fn(fs)
	}
}

func columnMin(_ *metric.Configuration, values []any) (any, error) {
	return extreme(values, -1)
}

func columnMax(_ *metric.Configuration, values []any) (any, error) {
	return extreme(values, 1)
}

// extreme keeps numbers numeric and orders anything else with Compare.
func extreme(values []any, sign int) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if allNumeric(values) {
		fs, err := metrics.Floats(values)
		if err != nil {
			return nil, err
		}
		if sign < 0 {
			return stats.Min(fs)
		}
		return stats.Max(fs)
	}
	best := values[0]
	for _, v := range values[1:] {
		c, err := metrics.Compare(v, best, false)
		if err != nil {
			return nil, err
		}
		if c*sign > 0 {
			best = v
		}
	}
	return best, nil
}

func allNumeric(values []any) bool {
	for _, v := range values {
		if !metrics.IsNumeric(v) {
			return false
		}
	}
	return true
}

func counter(values []any) *metrics.Counter {
	c := metrics.NewCounter()
	for _, v := range values {
		c.Add(v)
	}
	return c
}
