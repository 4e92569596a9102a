package distributed

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"dataexpect/adapters/memory"
	"dataexpect/domain/core"
	"dataexpect/domain/metric"
	"dataexpect/internal"
	"dataexpect/internal/metrics"
	"dataexpect/ports"
)

var _ ports.ExecutionEngine = (*Engine)(nil)

// Engine computes metrics over a partitioned Frame. Aggregate partials that
// share a compute domain are folded in one parallel pass over its partitions.
type Engine struct {
	batchID string
	frame   *Frame
	logger  *internal.Logger

	mu      sync.Mutex
	domains map[metric.ID]*Frame
	passes  int
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *internal.Logger) Option {
	return func(e *Engine) { e.logger = l.With("DistributedEngine") }
}

// NewEngine binds a frame as one batch.
func NewEngine(batchID string, frame *Frame, opts ...Option) *Engine {
	e := &Engine{
		batchID: batchID,
		frame:   frame,
		logger:  internal.DefaultLogger.With("DistributedEngine"),
		domains: make(map[metric.ID]*Frame),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Backend() metric.Backend { return metric.BackendDistributed }

func (e *Engine) BatchID() string { return e.batchID }

func (e *Engine) Frame() *Frame { return e.frame }

// Passes is the number of aggregate passes run so far.
func (e *Engine) Passes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.passes
}

// GetComputeDomain restricts every partition the way the in-memory engine
// restricts its table. Restricted frames are cached per distinct domain.
func (e *Engine) GetComputeDomain(ctx context.Context, d metric.DomainKwargs, domainType metric.DomainType) (*ports.ComputeDomain, error) {
	accessor, err := metrics.Accessor(d, domainType)
	if err != nil {
		return nil, err
	}
	for _, col := range metrics.AccessorColumns(accessor) {
		if !e.frame.HasColumn(col) {
			return nil, core.NewColumnNotFoundError(col)
		}
	}

	key := metric.DomainIDOf(metrics.Scope(d, domainType))
	e.mu.Lock()
	view, ok := e.domains[key]
	e.mu.Unlock()
	if !ok {
		view, err = e.frame.Map(ctx, func(part *memory.Table) (*memory.Table, error) {
			return memory.Restrict(part, d, domainType, accessor)
		})
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if cached, ok := e.domains[key]; ok {
			view = cached
		} else {
			e.domains[key] = view
		}
		e.mu.Unlock()
	}

	return &ports.ComputeDomain{
		Data:           view,
		AccessorKwargs: accessor,
		ResidualKwargs: d.Extra,
		ID:             key,
	}, nil
}

type pending struct {
	id   metric.ID
	name string
	agg  *Aggregate
}

// ResolveMetrics runs value metrics directly and folds the partials of each
// compute domain in a single pass.
func (e *Engine) ResolveMetrics(ctx context.Context, tasks []ports.MetricTask, resolved metric.Values) (metric.Values, metric.Failures, error) {
	values := make(metric.Values, len(tasks))
	failures := make(metric.Failures)
	groups := make(map[metric.ID][]pending)
	var order []metric.ID

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
		e.runPass(ctx, domainID, groups[domainID], values, failures)
	}
	return values, failures, nil
}

// runPass gives every partition its own accumulators, visits each row once
// and merges the partition states in order.
func (e *Engine) runPass(ctx context.Context, domainID metric.ID, group []pending, values metric.Values, failures metric.Failures) {
	e.mu.Lock()
	frame, ok := e.domains[domainID]
	e.passes++
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

	parts := frame.Partitions()
	states := make([][]Accumulator, len(parts))
	errs := make([][]error, len(parts))
	err := frame.Each(ctx, func(_ context.Context, k int, part *memory.Table) error {
		accs := make([]Accumulator, len(group))
		perr := make([]error, len(group))
		for j, p := range group {
			accs[j] = p.agg.New()
		}
		for i := 0; i < part.Len(); i++ {
			for j, acc := range accs {
				if perr[j] != nil {
					continue
				}
				perr[j] = acc.Add(k, part, i)
			}
		}
		states[k], errs[k] = accs, perr
		return nil
	})
	if err != nil {
		fail(err)
		return
	}

	for j, p := range group {
		v, err := combine(states, errs, j)
		if err != nil {
			failures[p.id] = core.NewMetricComputationError(string(p.id), p.name, err)
			continue
		}
		values[p.id] = v
	}
	e.logger.Debug("computed %d metrics on domain_id %s over %d partitions", len(group), domainID.Short(), len(parts))
}

func combine(states [][]Accumulator, errs [][]error, j int) (any, error) {
	var acc Accumulator
	for k := range states {
		if errs[k][j] != nil {
			return nil, fmt.Errorf("partition %d: %w", k, errs[k][j])
		}
		if acc == nil {
			acc = states[k][j]
			continue
		}
		if err := acc.Merge(states[k][j]); err != nil {
			return nil, err
		}
	}
	return acc.Result()
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
