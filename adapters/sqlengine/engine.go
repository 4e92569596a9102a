package sqlengine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"dataexpect/domain/core"
	"dataexpect/domain/metric"
	"dataexpect/internal"
	"dataexpect/internal/metrics"
	"dataexpect/internal/rowcondition"
	"dataexpect/ports"

	"github.com/jmoiron/sqlx"
)

var _ ports.ExecutionEngine = (*Engine)(nil)

// Batch names the rows under validation: a table, or a query used as a
// derived table when Query is set.
type Batch struct {
	ID    string
	Table string
	Query string
}

// Aggregate is the Expr of a deferred SQL partial. Its Selects become
// columns of one shared SELECT; Combine folds them into the metric value.
type Aggregate struct {
	Selects []string
	Args    []any
	Combine func(row []any) (any, error)
}

// Engine computes metrics with SQL against a sqlx database.
type Engine struct {
	db      *sqlx.DB
	dialect Dialect
	batch   Batch
	logger  *internal.Logger
	queries atomic.Int64

	mu      sync.Mutex
	domains map[metric.ID]Selectable
	schemas map[string][]metric.ColumnType
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *internal.Logger) Option {
	return func(e *Engine) { e.logger = l.With("SQLEngine") }
}

func WithDialect(d Dialect) Option {
	return func(e *Engine) { e.dialect = d }
}

// NewEngine binds a batch to a database. The dialect follows the driver name
// unless overridden.
func NewEngine(db *sqlx.DB, batch Batch, opts ...Option) *Engine {
	e := &Engine{
		db:      db,
		dialect: DialectFor(db.DriverName()),
		batch:   batch,
		logger:  internal.DefaultLogger.With("SQLEngine"),
		domains: make(map[metric.ID]Selectable),
		schemas: make(map[string][]metric.ColumnType),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Backend() metric.Backend { return metric.BackendSQL }

func (e *Engine) BatchID() string { return e.batch.ID }

func (e *Engine) Dialect() Dialect { return e.dialect }

// Queries is the number of metric statements issued so far. Schema lookups
// are cached per FROM target and not counted.
func (e *Engine) Queries() int64 { return e.queries.Load() }

// GetComputeDomain renders the batch, row condition and ignore_row_if into a
// Selectable. Column domains share the Selectable of their table.
func (e *Engine) GetComputeDomain(ctx context.Context, d metric.DomainKwargs, domainType metric.DomainType) (*ports.ComputeDomain, error) {
	accessor, err := metrics.Accessor(d, domainType)
	if err != nil {
		return nil, err
	}

	from := e.from(d)
	if cols := metrics.AccessorColumns(accessor); len(cols) > 0 {
		known, err := e.describe(ctx, from)
		if err != nil {
			return nil, err
		}
		for _, col := range cols {
			if !hasColumn(known, col) {
				return nil, core.NewColumnNotFoundError(col)
			}
		}
	}

	sel := Selectable{From: from}
	if d.RowCondition != "" {
		switch {
		case d.ConditionParser == rowcondition.ParserSQL:
			sel = sel.And(d.RowCondition)
		case rowcondition.IsStructured(d.ConditionParser):
			expr, err := rowcondition.Compile(d.RowCondition)
			if err != nil {
				return nil, err
			}
			cond, args := expr.SQL(Quote)
			sel = sel.And(cond, args...)
		default:
			return nil, fmt.Errorf("%w: unknown condition_parser %q", core.ErrInvalidRowCondition, d.ConditionParser)
		}
	}

	if domainType == metric.DomainColumnPair || domainType == metric.DomainMulticolumn {
		cols := metrics.AccessorColumns(accessor)
		filter, err := ignoreRowFilter(d, domainType, cols)
		if err != nil {
			return nil, err
		}
		if filter != "" {
			sel = sel.And(filter)
		}
	}

	id := metric.DomainIDOf(metrics.Scope(d, domainType))
	e.mu.Lock()
	e.domains[id] = sel
	e.mu.Unlock()

	return &ports.ComputeDomain{
		Data:           sel,
		AccessorKwargs: accessor,
		ResidualKwargs: d.Extra,
		ID:             id,
	}, nil
}

func (e *Engine) from(d metric.DomainKwargs) string {
	if e.batch.Query != "" {
		return "(" + e.batch.Query + ") AS batch"
	}
	table := e.batch.Table
	if d.Table != "" {
		table = d.Table
	}
	return Quote(table)
}

// describe returns the columns of a FROM target without reading rows.
func (e *Engine) describe(ctx context.Context, from string) ([]metric.ColumnType, error) {
	e.mu.Lock()
	cached, ok := e.schemas[from]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	query := "SELECT * FROM " + from + " WHERE 1 = 0"
	e.logger.Trace("query: %s", query)
	rows, err := e.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]metric.ColumnType, len(types))
	for i, t := range types {
		cols[i] = metric.ColumnType{Name: t.Name(), Type: normalizeType(t.DatabaseTypeName())}
	}

	e.mu.Lock()
	e.schemas[from] = cols
	e.mu.Unlock()
	return cols, nil
}

func hasColumn(cols []metric.ColumnType, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

func ignoreRowFilter(d metric.DomainKwargs, domainType metric.DomainType, cols []string) (string, error) {
	if _, err := metrics.IgnoreRowIf(d, domainType); err != nil {
		return "", err
	}
	mode := d.IgnoreRowIf
	if mode == "" {
		mode = metrics.Scope(d, domainType).IgnoreRowIf
	}
	nulls := make([]string, len(cols))
	for i, c := range cols {
		nulls[i] = Quote(c) + " IS NULL"
	}
	switch mode {
	case metrics.IgnoreBothMissing, metrics.IgnoreAllMissing:
		return "NOT (" + strings.Join(nulls, " AND ") + ")", nil
	case metrics.IgnoreEitherMissing, metrics.IgnoreAnyMissing:
		return "NOT (" + strings.Join(nulls, " OR ") + ")", nil
	default:
		return "", nil
	}
}

type pending struct {
	id   metric.ID
	name string
	agg  *Aggregate
}

// ResolveMetrics runs value metrics directly and bundles every aggregate
// partial of one compute domain into a single SELECT.
func (e *Engine) ResolveMetrics(ctx context.Context, tasks []ports.MetricTask, resolved metric.Values) (metric.Values, metric.Failures, error) {
	values := make(metric.Values, len(tasks))
	failures := make(metric.Failures)
	groups := make(map[metric.ID][]pending)
	var order []metric.ID

	for _, task := range tasks {
		id := task.Config.ID()
		if v, ok := resolved[id]; ok {
			values[id] = v
			continue
		}
		v, err := e.compute(ctx, task)
		if err != nil {
			failures[id] = core.NewMetricComputationError(string(id), task.Config.Name, err)
			continue
		}
		deferred, ok := v.(metric.Deferred)
		if !ok {
			values[id] = v
			continue
		}
		agg, ok := deferred.Expr.(*Aggregate)
		if !ok {
			failures[id] = core.NewMetricComputationError(string(id), task.Config.Name, fmt.Errorf("unexpected partial expression %T", deferred.Expr))
			continue
		}
		if _, seen := groups[deferred.DomainID]; !seen {
			order = append(order, deferred.DomainID)
		}
		groups[deferred.DomainID] = append(groups[deferred.DomainID], pending{id: id, name: task.Config.Name, agg: agg})
	}

	for _, domainID := range order {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		e.runBundle(ctx, domainID, groups[domainID], values, failures)
	}
	return values, failures, nil
}

func (e *Engine) runBundle(ctx context.Context, domainID metric.ID, group []pending, values metric.Values, failures metric.Failures) {
	e.mu.Lock()
	sel, ok := e.domains[domainID]
	e.mu.Unlock()
	fail := func(err error) {
		for _, p := range group {
			failures[p.id] = core.NewMetricComputationError(string(p.id), p.name, err)
		}
	}
	if !ok {
		fail(fmt.Errorf("unknown compute domain %s", domainID.Short()))
		return
	}

	var exprs []string
	var args []any
	for _, p := range group {
		exprs = append(exprs, p.agg.Selects...)
		args = append(args, p.agg.Args...)
	}
	query, args := sel.Select(exprs, args)

	row, err := e.queryRow(ctx, query, args...)
	if err != nil {
		fail(err)
		return
	}

	offset := 0
	for _, p := range group {
		cols := row[offset : offset+len(p.agg.Selects)]
		offset += len(p.agg.Selects)
		var v any = cols[0]
		if p.agg.Combine != nil {
			v, err = p.agg.Combine(cols)
			if err != nil {
				failures[p.id] = core.NewMetricComputationError(string(p.id), p.name, err)
				continue
			}
		}
		values[p.id] = v
	}
	e.logger.Debug("computed %d metrics on domain_id %s", len(group), domainID.Short())
}

func (e *Engine) compute(ctx context.Context, task ports.MetricTask) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("provider %s panicked: %v\n%s", task.Config.Name, r, debug.Stack())
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return task.Provider.Fn(ctx, e, task.Config, task.Dependencies)
}

// queryRow runs a single-row query and returns the normalized columns.
func (e *Engine) queryRow(ctx context.Context, query string, args ...any) ([]any, error) {
	e.queries.Add(1)
	e.logger.Trace("query: %s %v", query, args)
	row := e.db.QueryRowxContext(ctx, e.db.Rebind(query), args...)
	cols, err := row.SliceScan()
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	for i := range cols {
		cols[i] = metrics.Normalize(cols[i])
	}
	return cols, nil
}

// queryRows runs a query and returns every row as normalized slices.
func (e *Engine) queryRows(ctx context.Context, query string, args ...any) ([][]any, error) {
	e.queries.Add(1)
	e.logger.Trace("query: %s %v", query, args)
	rows, err := e.db.QueryxContext(ctx, e.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		cols, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		for i := range cols {
			cols[i] = metrics.Normalize(cols[i])
		}
		out = append(out, cols)
	}
	return out, rows.Err()
}

// queryMaps runs a query and returns column-keyed rows.
func (e *Engine) queryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	e.queries.Add(1)
	e.logger.Trace("query: %s %v", query, args)
	rows, err := e.db.QueryxContext(ctx, e.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		m := make(map[string]any)
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		for k, v := range m {
			m[k] = metrics.Normalize(v)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
