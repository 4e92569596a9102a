package sqlengine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"dataexpect/domain/metric"
	"dataexpect/internal/metrics"
	"dataexpect/ports"

	"github.com/spf13/cast"
)

var (
	tableKeys  = []string{metric.KeyBatchID, metric.KeyTable, metric.KeyRowCondition, metric.KeyConditionParser}
	columnKeys = append(append([]string{}, tableKeys...), metric.KeyColumn)
)

// Register adds every SQL provider.
func Register(reg ports.ProviderRegistrar) error {
	aggregates := map[string]*ports.MetricProvider{
		metric.TableRowCount: {
			DomainType: metric.DomainTable,
			DomainKeys: tableKeys,
			Fn: tablePartial(func(*metric.Configuration) *Aggregate {
				return &Aggregate{Selects: []string{"COUNT(*)"}, Combine: asInt}
			}),
		},
		metric.ColumnMin: columnPartial(func(c string) *Aggregate {
			return &Aggregate{Selects: []string{"MIN(" + c + ")"}, Combine: asScalar}
		}),
		metric.ColumnMax: columnPartial(func(c string) *Aggregate {
			return &Aggregate{Selects: []string{"MAX(" + c + ")"}, Combine: asScalar}
		}),
		metric.ColumnSum: columnPartial(func(c string) *Aggregate {
			return &Aggregate{Selects: []string{"SUM(" + c + ")"}, Combine: asFloatOrZero}
		}),
		metric.ColumnMean: columnPartial(func(c string) *Aggregate {
			return &Aggregate{Selects: []string{"AVG(1.0 * " + c + ")"}, Combine: asFloat}
		}),
		metric.ColumnValuesNonNullCount: columnPartial(func(c string) *Aggregate {
			return &Aggregate{Selects: []string{"COUNT(" + c + ")"}, Combine: asInt}
		}),
		metric.ColumnStandardDeviation: columnPartial(func(c string) *Aggregate {
			return &Aggregate{
				Selects: []string{"COUNT(" + c + ")", "SUM(1.0 * " + c + ")", "SUM(1.0 * " + c + " * " + c + ")"},
				Combine: sampleStdDev,
			}
		}),
	}
	for name, p := range aggregates {
		p.Backend = metric.BackendSQL
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
			Fn:         valueCounts,
		},
		{
			Name:       metric.ColumnDistinctValues,
			DomainType: metric.DomainColumn,
			DomainKeys: columnKeys,
			Fn:         distinctValues,
			Dependencies: map[string]ports.DependencyTemplate{
				metric.ColumnValueCounts: {MetricName: metric.ColumnValueCounts, ValueKwargs: metric.ValueKwargs{"sort": metrics.SortByValue}},
			},
		},
		{
			Name:       metric.ColumnQuantileValues,
			DomainType: metric.DomainColumn,
			DomainKeys: columnKeys,
			ValueKeys:  []string{"quantiles", "allow_relative_error"},
			Fn:         quantileValues,
			Dependencies: map[string]ports.DependencyTemplate{
				metric.ColumnValuesNonNullCount: {MetricName: metric.ColumnValuesNonNullCount},
			},
		},
		{
			Name:       metric.ColumnMedian,
			DomainType: metric.DomainColumn,
			DomainKeys: columnKeys,
			Fn:         median,
			Dependencies: map[string]ports.DependencyTemplate{
				metric.ColumnValuesNonNullCount: {MetricName: metric.ColumnValuesNonNullCount},
			},
		},
		{
			Name:       metric.QueryTable,
			DomainType: metric.DomainTable,
			DomainKeys: tableKeys,
			ValueKeys:  []string{"query"},
			Fn:         queryTable,
		},
		{
			Name:       metric.UnexpectedRowsQueryTable,
			DomainType: metric.DomainTable,
			DomainKeys: tableKeys,
			ValueKeys:  []string{"unexpected_rows_query"},
			Fn:         unexpectedRowsQuery,
		},
		metrics.PartitionProvider(metric.BackendSQL),
	}
	for _, p := range providers {
		p.Backend = metric.BackendSQL
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return registerConditions(reg)
}

func engineOf(eng ports.ExecutionEngine) (*Engine, error) {
	e, ok := eng.(*Engine)
	if !ok {
		return nil, fmt.Errorf("sql provider called with %T", eng)
	}
	return e, nil
}

func tablePartial(build func(cfg *metric.Configuration) *Aggregate) ports.ProviderFunc {
	return func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
		cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainTable)
		if err != nil {
			return nil, err
		}
		return metric.Deferred{Backend: metric.BackendSQL, DomainID: cd.ID, Domain: cfg.DomainKwargs, Expr: build(cfg)}, nil
	}
}

func columnPartial(build func(column string) *Aggregate) *ports.MetricProvider {
	return &ports.MetricProvider{
		DomainType: metric.DomainColumn,
		DomainKeys: columnKeys,
		Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
			cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainColumn)
			if err != nil {
				return nil, err
			}
			col := Quote(cd.AccessorKwargs[metric.KeyColumn].(string))
			return metric.Deferred{Backend: metric.BackendSQL, DomainID: cd.ID, Domain: cfg.DomainKwargs, Expr: build(col)}, nil
		},
	}
}

func columnDomain(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration) (*Engine, Selectable, string, error) {
	e, err := engineOf(eng)
	if err != nil {
		return nil, Selectable{}, "", err
	}
	cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainColumn)
	if err != nil {
		return nil, Selectable{}, "", err
	}
	return e, cd.Data.(Selectable), Quote(cd.AccessorKwargs[metric.KeyColumn].(string)), nil
}

func asInt(row []any) (any, error) {
	if row[0] == nil {
		return 0, nil
	}
	return cast.ToIntE(row[0])
}

func asFloat(row []any) (any, error) {
	if row[0] == nil {
		return nil, nil
	}
	return metrics.ToFloat(row[0])
}

func asFloatOrZero(row []any) (any, error) {
	if row[0] == nil {
		return 0.0, nil
	}
	return metrics.ToFloat(row[0])
}

// asScalar reports numbers as float64 and leaves anything else as scanned.
func asScalar(row []any) (any, error) {
	v := row[0]
	if metrics.IsNumeric(v) {
		return metrics.ToFloat(v)
	}
	if s, ok := v.(string); ok {
		if f, err := metrics.ToFloat(s); err == nil && looksNumeric(s) {
			return f, nil
		}
	}
	return v, nil
}

func looksNumeric(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.' && r != '-' && r != '+' && r != 'e' && r != 'E'
	}) < 0
}

func sampleStdDev(row []any) (any, error) {
	n, err := cast.ToFloat64E(row[0])
	if err != nil {
		return nil, err
	}
	if n < 2 {
		return nil, nil
	}
	sum, err := metrics.ToFloat(row[1])
	if err != nil {
		return nil, err
	}
	sumSq, err := metrics.ToFloat(row[2])
	if err != nil {
		return nil, err
	}
	variance := (sumSq - sum*sum/n) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance), nil
}

func columnTypes(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
	e, err := engineOf(eng)
	if err != nil {
		return nil, err
	}
	cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainTable)
	if err != nil {
		return nil, err
	}
	cols, err := e.describe(ctx, cd.Data.(Selectable).From)
	if err != nil {
		return nil, err
	}
	return append([]metric.ColumnType(nil), cols...), nil
}

func normalizeType(dbType string) string {
	t := strings.ToUpper(dbType)
	switch {
	case strings.Contains(t, "INT"):
		return metric.TypeInteger
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOAT"), strings.Contains(t, "DOUBLE"), strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return metric.TypeFloat
	case strings.Contains(t, "BOOL"):
		return metric.TypeBoolean
	case strings.Contains(t, "TIME"), strings.Contains(t, "DATE"):
		return metric.TypeDatetime
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "CLOB"):
		return metric.TypeString
	case t == "":
		return metric.TypeMixed
	default:
		return strings.ToLower(dbType)
	}
}

func columnNames(_ context.Context, _ ports.ExecutionEngine, _ *metric.Configuration, deps metric.Dependencies) (any, error) {
	types, ok := deps[metric.TableColumnTypes].([]metric.ColumnType)
	if !ok {
		return nil, fmt.Errorf("table.column_types has unexpected type %T", deps[metric.TableColumnTypes])
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.Name
	}
	return names, nil
}

func valueCounts(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
	e, sel, col, err := columnDomain(ctx, eng, cfg)
	if err != nil {
		return nil, err
	}
	query, args := sel.And(col+" IS NOT NULL").Select([]string{col, "COUNT(*)"}, nil)
	rows, err := e.queryRows(ctx, query+" GROUP BY "+col, args...)
	if err != nil {
		return nil, err
	}
	c := metrics.NewCounter()
	for _, r := range rows {
		n, err := cast.ToIntE(r[1])
		if err != nil {
			return nil, err
		}
		c.AddN(r[0], n)
	}
	return c.Sorted(cfg.ValueKwargs.StringOr("sort", metrics.SortByValue))
}

func distinctValues(_ context.Context, _ ports.ExecutionEngine, _ *metric.Configuration, deps metric.Dependencies) (any, error) {
	counts, ok := deps[metric.ColumnValueCounts].([]metric.ValueCount)
	if !ok {
		return nil, fmt.Errorf("column.value_counts has unexpected type %T", deps[metric.ColumnValueCounts])
	}
	out := make([]any, len(counts))
	for i, vc := range counts {
		out[i] = vc.Value
	}
	return out, nil
}

// valueAtRank fetches the non-null value at a zero-based rank in sort order.
func valueAtRank(ctx context.Context, e *Engine, sel Selectable, col string, rank int) (float64, error) {
	query, args := sel.And(col+" IS NOT NULL").Select([]string{col}, nil)
	query += " ORDER BY " + col + " LIMIT 1 OFFSET ?"
	row, err := e.queryRow(ctx, query, append(args, rank)...)
	if err != nil {
		return 0, err
	}
	return metrics.ToFloat(row[0])
}

func quantileValues(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	qs, err := metrics.Quantiles(cfg.ValueKwargs)
	if err != nil {
		return nil, err
	}
	n, err := cast.ToIntE(deps[metric.ColumnValuesNonNullCount])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("quantiles of an empty column")
	}
	e, sel, col, err := columnDomain(ctx, eng, cfg)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(qs))
	for i, q := range qs {
		rank, err := metrics.QuantileRank(q, n)
		if err != nil {
			return nil, err
		}
		if out[i], err = valueAtRank(ctx, e, sel, col, rank); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func median(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	n, err := cast.ToIntE(deps[metric.ColumnValuesNonNullCount])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	e, sel, col, err := columnDomain(ctx, eng, cfg)
	if err != nil {
		return nil, err
	}
	lo, err := valueAtRank(ctx, e, sel, col, (n-1)/2)
	if err != nil {
		return nil, err
	}
	if n%2 == 1 {
		return lo, nil
	}
	hi, err := valueAtRank(ctx, e, sel, col, n/2)
	if err != nil {
		return nil, err
	}
	return (lo + hi) / 2, nil
}

// BatchPlaceholder in a query.table query is replaced by the batch rows.
const BatchPlaceholder = "{batch}"

func renderBatchQuery(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, key string) (*Engine, string, []any, error) {
	e, err := engineOf(eng)
	if err != nil {
		return nil, "", nil, err
	}
	query := cfg.ValueKwargs.StringOr(key, "")
	if query == "" {
		return nil, "", nil, fmt.Errorf("%s is required", key)
	}
	cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainTable)
	if err != nil {
		return nil, "", nil, err
	}
	if !strings.Contains(query, BatchPlaceholder) {
		return e, query, nil, nil
	}
	sub, args := cd.Data.(Selectable).Subquery()
	var all []any
	for i := 0; i < strings.Count(query, BatchPlaceholder); i++ {
		all = append(all, args...)
	}
	return e, strings.ReplaceAll(query, BatchPlaceholder, sub), all, nil
}

func queryTable(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
	e, query, args, err := renderBatchQuery(ctx, eng, cfg, "query")
	if err != nil {
		return nil, err
	}
	return e.queryMaps(ctx, query, args...)
}

func unexpectedRowsQuery(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
	e, query, args, err := renderBatchQuery(ctx, eng, cfg, "unexpected_rows_query")
	if err != nil {
		return nil, err
	}
	return e.queryMaps(ctx, query, args...)
}
