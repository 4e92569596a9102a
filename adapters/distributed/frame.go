package distributed

import (
	"context"
	"fmt"
	"slices"

	"dataexpect/adapters/memory"

	"golang.org/x/sync/errgroup"
)

// Frame is a batch split into partitions that are processed independently
// and combined afterwards. Row indices stay those of the unsplit batch.
type Frame struct {
	columns []string
	parts   []*memory.Table
}

// NewFrame groups partitions that share one column layout.
func NewFrame(parts ...*memory.Table) (*Frame, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("frame needs at least one partition")
	}
	columns := parts[0].Columns()
	for i, p := range parts[1:] {
		if !slices.Equal(columns, p.Columns()) {
			return nil, fmt.Errorf("partition %d columns %v differ from %v", i+1, p.Columns(), columns)
		}
	}
	return &Frame{columns: columns, parts: parts}, nil
}

// Split deals the rows of t into n contiguous partitions.
func Split(t *memory.Table, n int) (*Frame, error) {
	if n < 1 {
		n = 1
	}
	size := (t.Len() + n - 1) / n
	if size == 0 {
		size = 1
	}
	parts := make([]*memory.Table, 0, n)
	for k := 0; k < n; k++ {
		lo, hi := k*size, (k+1)*size
		part, err := t.Filter(func(i int) (bool, error) { return i >= lo && i < hi, nil })
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return NewFrame(parts...)
}

func (f *Frame) Columns() []string { return append([]string(nil), f.columns...) }

func (f *Frame) HasColumn(name string) bool { return slices.Contains(f.columns, name) }

func (f *Frame) Partitions() []*memory.Table { return f.parts }

// Len is the row count over all partitions.
func (f *Frame) Len() int {
	n := 0
	for _, p := range f.parts {
		n += p.Len()
	}
	return n
}

// Each runs fn on every partition concurrently.
func (f *Frame) Each(ctx context.Context, fn func(ctx context.Context, k int, part *memory.Table) error) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for k, part := range f.parts {
		k, part := k, part
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			return fn(egCtx, k, part)
		})
	}
	return eg.Wait()
}

// Map replaces every partition by fn's result, concurrently.
func (f *Frame) Map(ctx context.Context, fn func(part *memory.Table) (*memory.Table, error)) (*Frame, error) {
	out := make([]*memory.Table, len(f.parts))
	err := f.Each(ctx, func(_ context.Context, k int, part *memory.Table) error {
		p, err := fn(part)
		if err != nil {
			return fmt.Errorf("partition %d: %w", k, err)
		}
		out[k] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Frame{columns: f.columns, parts: out}, nil
}

// Collect gathers one column in batch order.
func (f *Frame) Collect(ctx context.Context, column string) ([]any, error) {
	chunks := make([][]any, len(f.parts))
	err := f.Each(ctx, func(_ context.Context, k int, part *memory.Table) error {
		vs, err := part.Column(column)
		chunks[k] = vs
		return err
	})
	if err != nil {
		return nil, err
	}
	var out []any
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}
