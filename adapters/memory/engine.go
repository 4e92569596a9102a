package memory

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"dataexpect/domain/core"
	"dataexpect/domain/metric"
	"dataexpect/internal"
	"dataexpect/internal/metrics"
	"dataexpect/internal/rowcondition"
	"dataexpect/ports"
)

var _ ports.ExecutionEngine = (*Engine)(nil)

// Engine evaluates metrics directly against an in-memory Table. Every metric
// is a value metric; there is nothing to bundle.
type Engine struct {
	batchID string
	table   *Table
	logger  *internal.Logger

	mu      sync.Mutex
	domains map[metric.ID]*Table
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *internal.Logger) Option {
	return func(e *Engine) { e.logger = l.With("MemoryEngine") }
}

// NewEngine wraps a table as one batch.
func NewEngine(batchID string, table *Table, opts ...Option) *Engine {
	e := &Engine{
		batchID: batchID,
		table:   table,
		logger:  internal.DefaultLogger.With("MemoryEngine"),
		domains: make(map[metric.ID]*Table),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Backend() metric.Backend { return metric.BackendInMemory }

func (e *Engine) BatchID() string { return e.batchID }

// Table returns the unfiltered batch.
func (e *Engine) Table() *Table { return e.table }

// GetComputeDomain applies the row condition and, for pair and multicolumn
// domains, ignore_row_if. Views are cached per distinct domain.
func (e *Engine) GetComputeDomain(_ context.Context, d metric.DomainKwargs, domainType metric.DomainType) (*ports.ComputeDomain, error) {
	accessor, err := metrics.Accessor(d, domainType)
	if err != nil {
		return nil, err
	}
	for _, col := range metrics.AccessorColumns(accessor) {
		if !e.table.HasColumn(col) {
			return nil, core.NewColumnNotFoundError(col)
		}
	}

	key := metric.DomainIDOf(metrics.Scope(d, domainType))
	e.mu.Lock()
	view, ok := e.domains[key]
	e.mu.Unlock()
	if !ok {
		view, err = Restrict(e.table, d, domainType, accessor)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.domains[key] = view
		e.mu.Unlock()
	}

	return &ports.ComputeDomain{
		Data:           view,
		AccessorKwargs: accessor,
		ResidualKwargs: d.Extra,
		ID:             key,
	}, nil
}

// Restrict applies the row condition of d and, for pair and multicolumn
// domains, ignore_row_if to t.
func Restrict(t *Table, d metric.DomainKwargs, domainType metric.DomainType, accessor map[string]any) (*Table, error) {
	view := t
	if d.RowCondition != "" {
		if !rowcondition.IsStructured(d.ConditionParser) {
			return nil, fmt.Errorf("%w: condition_parser %q is not supported in memory", core.ErrInvalidRowCondition, d.ConditionParser)
		}
		expr, err := rowcondition.Compile(d.RowCondition)
		if err != nil {
			return nil, err
		}
		base := view
		view, err = base.Filter(func(i int) (bool, error) {
			return expr.Eval(func(col string) (any, bool) { return base.Value(i, col) })
		})
		if err != nil {
			return nil, err
		}
	}

	cols := metrics.AccessorColumns(accessor)
	if domainType == metric.DomainColumnPair || domainType == metric.DomainMulticolumn {
		ignore, err := metrics.IgnoreRowIf(d, domainType)
		if err != nil {
			return nil, err
		}
		base := view
		return base.Filter(func(i int) (bool, error) {
			missing := 0
			for _, c := range cols {
				v, _ := base.Value(i, c)
				if metrics.IsNull(v) {
					missing++
				}
			}
			return !ignore(missing, len(cols)), nil
		})
	}
	return view, nil
}

// ResolveMetrics evaluates each task in order. A provider that fails or
// panics fails only its own metric.
func (e *Engine) ResolveMetrics(ctx context.Context, tasks []ports.MetricTask, resolved metric.Values) (metric.Values, metric.Failures, error) {
	values := make(metric.Values, len(tasks))
	failures := make(metric.Failures)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
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
		if _, deferred := v.(metric.Deferred); deferred {
			failures[id] = core.NewMetricComputationError(string(id), task.Config.Name, fmt.Errorf("memory engine does not bundle partial metrics"))
			continue
		}
		values[id] = v
	}
	e.logger.Trace("resolved %d metrics, %d failed", len(values), len(failures))
	return values, failures, nil
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
