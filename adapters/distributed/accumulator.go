package distributed

import (
	"fmt"
	"math"

	"dataexpect/adapters/memory"
	"dataexpect/internal/metrics"

	"gonum.org/v1/gonum/stat"
)

// Accumulator is the partial state of one aggregate. Each partition fills
// its own accumulator; the states are then merged in partition order.
type Accumulator interface {
	// Add folds row i of partition k into the state.
	Add(k int, part *memory.Table, i int) error
	Merge(other Accumulator) error
	Result() (any, error)
}

// Aggregate is the Expr of a deferred distributed partial.
type Aggregate struct {
	New func() Accumulator
}

type rowCount struct{ n int }

func (a *rowCount) Add(int, *memory.Table, int) error { a.n++; return nil }

func (a *rowCount) Merge(o Accumulator) error {
	other, err := as[*rowCount](o)
	if err != nil {
		return err
	}
	a.n += other.n
	return nil
}

func (a *rowCount) Result() (any, error) { return a.n, nil }

// columnAccumulator reads the non-null values of one column.
type columnAccumulator struct {
	column string
}

func (c columnAccumulator) value(part *memory.Table, i int) (any, bool) {
	v, _ := part.Value(i, c.column)
	return v, !metrics.IsNull(v)
}

type nonNullCount struct {
	columnAccumulator
	n int
}

func newNonNullCount(column string) Accumulator {
	return &nonNullCount{columnAccumulator: columnAccumulator{column: column}}
}

func (a *nonNullCount) Add(_ int, part *memory.Table, i int) error {
	if _, ok := a.value(part, i); ok {
		a.n++
	}
	return nil
}

func (a *nonNullCount) Merge(o Accumulator) error {
	other, err := as[*nonNullCount](o)
	if err != nil {
		return err
	}
	a.n += other.n
	return nil
}

func (a *nonNullCount) Result() (any, error) { return a.n, nil }

// extreme tracks the minimum (sign -1) or maximum (sign 1). Numbers are
// reported as float64.
type extreme struct {
	columnAccumulator
	sign int
	best any
}

func newExtreme(column string, sign int) Accumulator {
	return &extreme{columnAccumulator: columnAccumulator{column: column}, sign: sign}
}

func (a *extreme) offer(v any) error {
	if metrics.IsNull(v) {
		return nil
	}
	if a.best == nil {
		a.best = v
		return nil
	}
	c, err := metrics.Compare(v, a.best, false)
	if err != nil {
		return err
	}
	if c*a.sign > 0 {
		a.best = v
	}
	return nil
}

func (a *extreme) Add(_ int, part *memory.Table, i int) error {
	v, ok := a.value(part, i)
	if !ok {
		return nil
	}
	return a.offer(v)
}

func (a *extreme) Merge(o Accumulator) error {
	other, err := as[*extreme](o)
	if err != nil {
		return err
	}
	return a.offer(other.best)
}

func (a *extreme) Result() (any, error) {
	if metrics.IsNumeric(a.best) {
		return metrics.ToFloat(a.best)
	}
	return a.best, nil
}

// moments keeps count, mean and the sum of squared deviations, merged with
// the pairwise update of Chan et al. Values are buffered per partition and
// folded in with gonum.
type moments struct {
	columnAccumulator
	buf  []float64
	n    float64
	mean float64
	m2   float64
	sum  float64
}

func newMoments(column string) *moments {
	return &moments{columnAccumulator: columnAccumulator{column: column}}
}

func (a *moments) Add(_ int, part *memory.Table, i int) error {
	v, ok := a.value(part, i)
	if !ok {
		return nil
	}
	f, err := metrics.ToFloat(v)
	if err != nil {
		return err
	}
	a.buf = append(a.buf, f)
	return nil
}

func (a *moments) flush() {
	if len(a.buf) == 0 {
		return
	}
	mean, variance := stat.MeanVariance(a.buf, nil)
	n := float64(len(a.buf))
	m2 := 0.0
	if len(a.buf) > 1 {
		m2 = variance * (n - 1)
	}
	a.combine(n, mean, m2)
	for _, f := range a.buf {
		a.sum += f
	}
	a.buf = a.buf[:0]
}

func (a *moments) combine(n, mean, m2 float64) {
	if a.n == 0 {
		a.n, a.mean, a.m2 = n, mean, m2
		return
	}
	total := a.n + n
	delta := mean - a.mean
	a.m2 += m2 + delta*delta*a.n*n/total
	a.mean += delta * n / total
	a.n = total
}

func (a *moments) absorb(other *moments) {
	a.flush()
	other.flush()
	if other.n > 0 {
		a.combine(other.n, other.mean, other.m2)
		a.sum += other.sum
	}
}

type momentResult struct {
	*moments
	result func(m *moments) (any, error)
}

func (r momentResult) Merge(o Accumulator) error {
	other, err := as[momentResult](o)
	if err != nil {
		return err
	}
	r.absorb(other.moments)
	return nil
}

func (r momentResult) Result() (any, error) {
	r.flush()
	return r.result(r.moments)
}

func newMean(column string) Accumulator {
	return momentResult{moments: newMoments(column), result: func(m *moments) (any, error) {
		if m.n == 0 {
			return nil, nil
		}
		return m.mean, nil
	}}
}

func newSum(column string) Accumulator {
	return momentResult{moments: newMoments(column), result: func(m *moments) (any, error) {
		return m.sum, nil
	}}
}

func newStdDev(column string) Accumulator {
	return momentResult{moments: newMoments(column), result: func(m *moments) (any, error) {
		if m.n < 2 {
			return nil, nil
		}
		return math.Sqrt(m.m2 / (m.n - 1)), nil
	}}
}

// unexpectedCount counts the flagged rows of a condition.
type unexpectedCount struct {
	cond *Condition
	n    int
}

func (a *unexpectedCount) Add(k int, _ *memory.Table, i int) error {
	if a.cond.Masks[k][i] {
		a.n++
	}
	return nil
}

func (a *unexpectedCount) Merge(o Accumulator) error {
	other, err := as[*unexpectedCount](o)
	if err != nil {
		return err
	}
	a.n += other.n
	return nil
}

func (a *unexpectedCount) Result() (any, error) { return a.n, nil }

func as[T Accumulator](o Accumulator) (T, error) {
	other, ok := o.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cannot merge %T into %T", o, zero)
	}
	return other, nil
}
