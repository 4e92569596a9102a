package sqlengine

import (
	"context"
	"fmt"
	"strings"

	"dataexpect/domain/metric"
	"dataexpect/internal/metrics"
	"dataexpect/ports"

	"github.com/spf13/cast"
)

// Condition is a map condition rendered to SQL. Base is the compute domain
// identified by DomainID, Filter narrows it to the rows considered and
// Unexpected selects the considered rows that violate the condition.
type Condition struct {
	Base       Selectable
	DomainID   metric.ID
	Columns    []string
	Filter     string
	Unexpected string
	Args       []any
}

// Domain is the Selectable of the considered rows.
func (c *Condition) Domain() Selectable {
	if c.Filter == "" {
		return c.Base
	}
	return c.Base.And(c.Filter)
}

// Rows is the Selectable of the unexpected rows.
func (c *Condition) Rows() Selectable {
	return c.Domain().And(c.Unexpected, c.Args...)
}

func (c *Condition) quoted() []string {
	out := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		out[i] = Quote(col)
	}
	return out
}

// expectedSQL renders the expected-row predicate of a column condition.
type expectedSQL func(e *Engine, cfg *metric.Configuration, col string, domain Selectable) (string, []any, error)

var conditionKeys = append(append([]string{}, columnKeys...), metric.KeyFilterNulls)

func columnCondition(filterNulls bool, expected expectedSQL, valueKeys ...string) *ports.MetricProvider {
	return &ports.MetricProvider{
		Backend:    metric.BackendSQL,
		DomainType: metric.DomainColumn,
		DomainKeys: conditionKeys,
		ValueKeys:  valueKeys,
		Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
			e, err := engineOf(eng)
			if err != nil {
				return nil, err
			}
			cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainColumn)
			if err != nil {
				return nil, err
			}
			name := cd.AccessorKwargs[metric.KeyColumn].(string)
			col := Quote(name)
			cond := &Condition{
				Base:     cd.Data.(Selectable),
				DomainID: cd.ID,
				Columns:  []string{name},
			}
			if metrics.FilterNulls(cfg.DomainKwargs, filterNulls) {
				cond.Filter = col + " IS NOT NULL"
			}
			expr, args, err := expected(e, cfg, col, cond.Domain())
			if err != nil {
				return nil, err
			}
			cond.Unexpected = "NOT (" + expr + ")"
			cond.Args = args
			return cond, nil
		},
	}
}

func registerConditions(reg ports.ProviderRegistrar) error {
	conditions := map[string]*ports.MetricProvider{
		metric.ColumnValuesNonNull: columnCondition(false, func(_ *Engine, _ *metric.Configuration, col string, _ Selectable) (string, []any, error) {
			return col + " IS NOT NULL", nil, nil
		}),
		metric.ColumnValuesNull: columnCondition(false, func(_ *Engine, _ *metric.Configuration, col string, _ Selectable) (string, []any, error) {
			return col + " IS NULL", nil, nil
		}),
		metric.ColumnValuesBetween: columnCondition(true, betweenSQL,
			"min_value", "max_value", "strict_min", "strict_max", "allow_cross_type_comparisons"),
		metric.ColumnValuesInSet: columnCondition(true, func(_ *Engine, cfg *metric.Configuration, col string, _ Selectable) (string, []any, error) {
			return inSetSQL(cfg, col, "IN")
		}, "value_set"),
		metric.ColumnValuesNotInSet: columnCondition(true, func(_ *Engine, cfg *metric.Configuration, col string, _ Selectable) (string, []any, error) {
			return inSetSQL(cfg, col, "NOT IN")
		}, "value_set"),
		metric.ColumnValuesMatchRegex: columnCondition(true, func(e *Engine, cfg *metric.Configuration, col string, _ Selectable) (string, []any, error) {
			re, err := metrics.RegexKwarg(cfg.ValueKwargs)
			if err != nil {
				return "", nil, err
			}
			return e.dialect.Regex(col), []any{re.String()}, nil
		}, "regex"),
		metric.ColumnValuesUnique: columnCondition(true, func(_ *Engine, _ *metric.Configuration, col string, domain Selectable) (string, []any, error) {
			dups, args := domain.Select([]string{col}, nil)
			return col + " NOT IN (" + dups + " GROUP BY " + col + " HAVING COUNT(*) > 1)", args, nil
		}),
		metric.MulticolumnSumEqual: multicolumnSumEqual(),
	}
	conditions[metric.ColumnValuesUnique].FunctionType = metric.FunctionWindowCondition

	for base, cond := range conditions {
		family := metrics.Family{
			Condition:    cond,
			Count:        unexpectedCountPartial,
			CountPartial: true,
			Values:       unexpectedValues,
			ValueCounts:  unexpectedValueCounts,
			Rows:         unexpectedRows,
		}
		if cond.FunctionType == metric.FunctionWindowCondition {
			family.Count = unexpectedCountQuery
			family.CountPartial = false
		}
		if err := metrics.RegisterFamily(reg, base, family); err != nil {
			return err
		}
	}
	return nil
}

func betweenSQL(_ *Engine, cfg *metric.Configuration, col string, _ Selectable) (string, []any, error) {
	b, err := metrics.ParseBetween(cfg.ValueKwargs)
	if err != nil {
		return "", nil, err
	}
	var parts []string
	var args []any
	if b.Min != nil {
		op := ">="
		if b.StrictMin {
			op = ">"
		}
		parts = append(parts, col+" "+op+" ?")
		args = append(args, b.Min)
	}
	if b.Max != nil {
		op := "<="
		if b.StrictMax {
			op = "<"
		}
		parts = append(parts, col+" "+op+" ?")
		args = append(args, b.Max)
	}
	return strings.Join(parts, " AND "), args, nil
}

func inSetSQL(cfg *metric.Configuration, col, op string) (string, []any, error) {
	raw, err := cfg.ValueKwargs.Slice("value_set")
	if err != nil {
		return "", nil, err
	}
	if raw == nil {
		return "", nil, fmt.Errorf("value_set is required")
	}
	if len(raw) == 0 {
		if op == "IN" {
			return "1 = 0", nil, nil
		}
		return "1 = 1", nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(raw)), ", ")
	return col + " " + op + " (" + marks + ")", raw, nil
}

func multicolumnSumEqual() *ports.MetricProvider {
	return &ports.MetricProvider{
		Backend:    metric.BackendSQL,
		DomainType: metric.DomainMulticolumn,
		DomainKeys: append(append([]string{}, tableKeys...), metric.KeyColumnList, metric.KeyIgnoreRowIf),
		ValueKeys:  []string{"sum_total"},
		Fn: func(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, _ metric.Dependencies) (any, error) {
			cd, err := eng.GetComputeDomain(ctx, cfg.DomainKwargs, metric.DomainMulticolumn)
			if err != nil {
				return nil, err
			}
			total, err := cfg.ValueKwargs.Float("sum_total")
			if err != nil {
				return nil, err
			}
			if total == nil {
				return nil, fmt.Errorf("sum_total is required")
			}
			cols := metrics.AccessorColumns(cd.AccessorKwargs)
			terms := make([]string, len(cols))
			for i, c := range cols {
				terms[i] = "COALESCE(" + Quote(c) + ", 0)"
			}
			return &Condition{
				Base:       cd.Data.(Selectable),
				DomainID:   cd.ID,
				Columns:    cols,
				Unexpected: "NOT (" + strings.Join(terms, " + ") + " = ?)",
				Args:       []any{*total},
			}, nil
		},
	}
}

func conditionOf(cfg *metric.Configuration, deps metric.Dependencies) (*Condition, error) {
	cond, ok := deps[metric.DepUnexpectedCondition].(*Condition)
	if !ok {
		return nil, fmt.Errorf("%s: condition has unexpected type %T", cfg.Name, deps[metric.DepUnexpectedCondition])
	}
	return cond, nil
}

func limitClause(limit int) (string, []any) {
	if limit < 0 {
		return "", nil
	}
	return " LIMIT ?", []any{limit}
}

func unexpectedCountPartial(_ context.Context, _ ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	return metric.Deferred{
		Backend:  metric.BackendSQL,
		DomainID: cond.DomainID,
		Domain:   cfg.DomainKwargs,
		Expr:     countAggregate(cond),
	}, nil
}

// countAggregate counts unexpected rows from inside a SELECT over the base
// domain so the count shares its statement with other partials.
func countAggregate(cond *Condition) *Aggregate {
	when := "(" + cond.Unexpected + ")"
	if cond.Filter != "" {
		when = "(" + cond.Filter + ") AND " + when
	}
	return &Aggregate{
		Selects: []string{"SUM(CASE WHEN " + when + " THEN 1 ELSE 0 END)"},
		Args:    append([]any(nil), cond.Args...),
		Combine: asInt,
	}
}

func unexpectedCountQuery(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	e, err := engineOf(eng)
	if err != nil {
		return nil, err
	}
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	query, args := cond.Rows().Select([]string{"COUNT(*)"}, nil)
	row, err := e.queryRow(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return cast.ToIntE(row[0])
}

func unexpectedValues(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	e, err := engineOf(eng)
	if err != nil {
		return nil, err
	}
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	query, args := cond.Rows().Select(cond.quoted(), nil)
	limit, limitArgs := limitClause(metrics.ResultLimit(cfg.ValueKwargs))
	rows, err := e.queryRows(ctx, query+limit, append(args, limitArgs...)...)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = cond.value(r)
	}
	return out, nil
}

func (c *Condition) value(row []any) any {
	if len(c.Columns) == 1 {
		return row[0]
	}
	m := make(map[string]any, len(c.Columns))
	for i, col := range c.Columns {
		m[col] = row[i]
	}
	return m
}

func unexpectedValueCounts(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	e, err := engineOf(eng)
	if err != nil {
		return nil, err
	}
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	cols := strings.Join(cond.quoted(), ", ")
	query, args := cond.Rows().Select([]string{cols, "COUNT(*)"}, nil)
	rows, err := e.queryRows(ctx, query+" GROUP BY "+cols, args...)
	if err != nil {
		return nil, err
	}
	c := metrics.NewCounter()
	for _, r := range rows {
		n, err := cast.ToIntE(r[len(r)-1])
		if err != nil {
			return nil, err
		}
		c.AddN(cond.value(r[:len(r)-1]), n)
	}
	return c.Top(metrics.ResultLimit(cfg.ValueKwargs)), nil
}

func unexpectedRows(ctx context.Context, eng ports.ExecutionEngine, cfg *metric.Configuration, deps metric.Dependencies) (any, error) {
	e, err := engineOf(eng)
	if err != nil {
		return nil, err
	}
	cond, err := conditionOf(cfg, deps)
	if err != nil {
		return nil, err
	}
	query, args := cond.Rows().Select([]string{"*"}, nil)
	limit, limitArgs := limitClause(metrics.ResultLimit(cfg.ValueKwargs))
	return e.queryMaps(ctx, query+limit, append(args, limitArgs...)...)
}
