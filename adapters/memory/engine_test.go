package memory_test

import (
	"context"
	"testing"

	"dataexpect/adapters/memory"
	"dataexpect/domain/core"
	"dataexpect/domain/metric"
	"dataexpect/internal/graph"
	"dataexpect/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ageTable() *memory.Table {
	return memory.MustTable(
		[]string{"id", "age", "country"},
		[][]any{
			{1, 10, "NL"},
			{2, 20, "DE"},
			{3, 30, "NL"},
			{4, nil, "FR"},
		},
	)
}

func resolve(t *testing.T, tbl *memory.Table, cfgs ...*metric.Configuration) *graph.Resolution {
	t.Helper()
	reg := registry.New()
	require.NoError(t, memory.Register(reg))
	reg.Seal()

	r := graph.NewResolver(reg)
	g, err := r.Build(context.Background(), cfgs, metric.BackendInMemory)
	require.NoError(t, err)
	res, err := r.Resolve(context.Background(), g, memory.NewEngine("batch-1", tbl), nil)
	require.NoError(t, err)
	return res
}

func column(name string) metric.DomainKwargs {
	return metric.DomainKwargs{Column: name}
}

func TestEngine_ColumnAggregates(t *testing.T) {
	cfgs := map[string]*metric.Configuration{
		"min":     metric.NewConfiguration(metric.ColumnMin, column("age"), nil),
		"max":     metric.NewConfiguration(metric.ColumnMax, column("age"), nil),
		"mean":    metric.NewConfiguration(metric.ColumnMean, column("age"), nil),
		"sum":     metric.NewConfiguration(metric.ColumnSum, column("age"), nil),
		"median":  metric.NewConfiguration(metric.ColumnMedian, column("age"), nil),
		"std":     metric.NewConfiguration(metric.ColumnStandardDeviation, column("age"), nil),
		"nonnull": metric.NewConfiguration(metric.ColumnValuesNonNullCount, column("age"), nil),
		"rows":    metric.NewConfiguration(metric.TableRowCount, metric.DomainKwargs{}, nil),
	}
	var all []*metric.Configuration
	for _, c := range cfgs {
		all = append(all, c)
	}
	res := resolve(t, ageTable(), all...)
	require.Empty(t, res.Failures)

	assert.Equal(t, 10.0, res.Values[cfgs["min"].ID()])
	assert.Equal(t, 30.0, res.Values[cfgs["max"].ID()])
	assert.Equal(t, 20.0, res.Values[cfgs["mean"].ID()])
	assert.Equal(t, 60.0, res.Values[cfgs["sum"].ID()])
	assert.Equal(t, 20.0, res.Values[cfgs["median"].ID()])
	assert.InDelta(t, 10.0, res.Values[cfgs["std"].ID()], 1e-9)
	assert.Equal(t, 3, res.Values[cfgs["nonnull"].ID()])
	assert.Equal(t, 4, res.Values[cfgs["rows"].ID()])
}

func TestEngine_StringExtremes(t *testing.T) {
	minCfg := metric.NewConfiguration(metric.ColumnMin, column("country"), nil)
	maxCfg := metric.NewConfiguration(metric.ColumnMax, column("country"), nil)
	res := resolve(t, ageTable(), minCfg, maxCfg)

	assert.Equal(t, "DE", res.Values[minCfg.ID()])
	assert.Equal(t, "NL", res.Values[maxCfg.ID()])
}

func TestEngine_MapConditionFamily(t *testing.T) {
	between := metric.ValueKwargs{"min_value": 15, "max_value": 35}
	count := metric.NewConfiguration(metric.ColumnValuesBetween+metric.SuffixUnexpectedCount, column("age"), between)
	values := metric.NewConfiguration(metric.ColumnValuesBetween+metric.SuffixUnexpectedValues, column("age"),
		between.With("result_format", map[string]any{"result_format": "COMPLETE"}))
	index := metric.NewConfiguration(metric.ColumnValuesBetween+metric.SuffixUnexpectedIndexList, column("age"),
		between.With("result_format", map[string]any{"result_format": "COMPLETE"}))
	missing := metric.NewConfiguration(metric.ColumnValuesNonNull+metric.SuffixUnexpectedCount, column("age"), nil)

	res := resolve(t, ageTable(), count, values, index, missing)
	require.Empty(t, res.Failures)

	assert.Equal(t, 1, res.Values[count.ID()])
	assert.Equal(t, []any{int64(10)}, res.Values[values.ID()])
	assert.Equal(t, []int{0}, res.Values[index.ID()])
	assert.Equal(t, 1, res.Values[missing.ID()])
}

func TestEngine_ConditionSharedAcrossDerivedMetrics(t *testing.T) {
	kw := metric.ValueKwargs{"value_set": []any{"NL", "DE"}}
	count := metric.NewConfiguration(metric.ColumnValuesInSet+metric.SuffixUnexpectedCount, column("country"), kw)
	values := metric.NewConfiguration(metric.ColumnValuesInSet+metric.SuffixUnexpectedValues, column("country"),
		kw.With("result_format", "SUMMARY"))

	reg := registry.New()
	require.NoError(t, memory.Register(reg))
	g, err := graph.NewResolver(reg).Build(context.Background(), []*metric.Configuration{count, values}, metric.BackendInMemory)
	require.NoError(t, err)

	conditions := 0
	for _, n := range g.Nodes() {
		if n.Config.Name == metric.ColumnValuesInSet+metric.SuffixCondition {
			conditions++
		}
	}
	assert.Equal(t, 1, conditions)
}

func TestEngine_UniqueWindow(t *testing.T) {
	tbl := memory.MustTable([]string{"code"}, [][]any{{"a"}, {"b"}, {"b"}, {nil}, {"c"}})
	count := metric.NewConfiguration(metric.ColumnValuesUnique+metric.SuffixUnexpectedCount, column("code"), nil)
	counts := metric.NewConfiguration(metric.ColumnValuesUnique+metric.SuffixUnexpectedValueCounts, column("code"), nil)

	res := resolve(t, tbl, count, counts)
	require.Empty(t, res.Failures)
	assert.Equal(t, 2, res.Values[count.ID()])
	assert.Equal(t, []metric.ValueCount{{Value: "b", Count: 2}}, res.Values[counts.ID()])
}

func TestEngine_RowCondition(t *testing.T) {
	d := metric.DomainKwargs{RowCondition: `col("age") > 15`, ConditionParser: "great_expectations"}
	rows := metric.NewConfiguration(metric.TableRowCount, d, nil)
	d.Column = "age"
	minCfg := metric.NewConfiguration(metric.ColumnMin, d, nil)

	res := resolve(t, ageTable(), rows, minCfg)
	require.Empty(t, res.Failures)
	assert.Equal(t, 2, res.Values[rows.ID()])
	assert.Equal(t, 20.0, res.Values[minCfg.ID()])
}

func TestEngine_Partition(t *testing.T) {
	tests := []struct {
		name string
		kw   metric.ValueKwargs
		want []float64
	}{
		{"uniform", metric.ValueKwargs{"bins": "uniform", "n_bins": 2}, []float64{10, 20, 30}},
		{"quantile", metric.ValueKwargs{"bins": "quantile", "n_bins": 2}, []float64{10, 20, 30}},
		{"auto", metric.ValueKwargs{"bins": "auto"}, []float64{10, 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := metric.NewConfiguration(metric.ColumnPartition, column("age"), tt.kw)
			res := resolve(t, ageTable(), cfg)
			require.Empty(t, res.Failures)
			assert.InDeltaSlice(t, tt.want, res.Values[cfg.ID()], 1e-9)
		})
	}
}

func TestEngine_PartitionUnknownBinsIsFatal(t *testing.T) {
	reg := registry.New()
	require.NoError(t, memory.Register(reg))
	cfg := metric.NewConfiguration(metric.ColumnPartition, column("age"), metric.ValueKwargs{"bins": "fibonacci"})

	_, err := graph.NewResolver(reg).Build(context.Background(), []*metric.Configuration{cfg}, metric.BackendInMemory)
	require.Error(t, err)
	assert.True(t, core.IsResolutionError(err))
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestEngine_ValueCountsAndQuantiles(t *testing.T) {
	counts := metric.NewConfiguration(metric.ColumnValueCounts, column("country"), metric.ValueKwargs{"sort": "count"})
	distinct := metric.NewConfiguration(metric.ColumnDistinctValues, column("country"), nil)
	quantiles := metric.NewConfiguration(metric.ColumnQuantileValues, column("age"), metric.ValueKwargs{"quantiles": []float64{0, 0.5, 1}})

	res := resolve(t, ageTable(), counts, distinct, quantiles)
	require.Empty(t, res.Failures)
	assert.Equal(t, []metric.ValueCount{{Value: "NL", Count: 2}, {Value: "DE", Count: 1}, {Value: "FR", Count: 1}}, res.Values[counts.ID()])
	assert.Equal(t, []any{"DE", "FR", "NL"}, res.Values[distinct.ID()])
	assert.Equal(t, []float64{10, 20, 30}, res.Values[quantiles.ID()])
}

func TestEngine_MulticolumnSum(t *testing.T) {
	tbl := memory.MustTable([]string{"a", "b", "c"}, [][]any{{1, 2, 3}, {2, 2, 2}, {nil, nil, nil}, {0.5, 5.5, 0}})
	count := metric.NewConfiguration(metric.MulticolumnSumEqual+metric.SuffixUnexpectedCount,
		metric.DomainKwargs{ColumnList: []string{"a", "b", "c"}}, metric.ValueKwargs{"sum_total": 6})

	res := resolve(t, tbl, count)
	require.Empty(t, res.Failures)
	assert.Equal(t, 0, res.Values[count.ID()])
}

func TestEngine_JSON(t *testing.T) {
	tbl := memory.MustTable([]string{"doc"}, [][]any{{`{"a": 1}`}, {`{"a": "x"}`}, {`not json`}})
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{"type": "integer"}},
	}
	parseable := metric.NewConfiguration(metric.ColumnValuesJSONParseable+metric.SuffixUnexpectedCount, column("doc"), nil)
	matches := metric.NewConfiguration(metric.ColumnValuesMatchJSONSchema+metric.SuffixUnexpectedCount, column("doc"),
		metric.ValueKwargs{"json_schema": schema})

	res := resolve(t, tbl, parseable, matches)
	require.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Values[parseable.ID()])
	assert.Equal(t, 2, res.Values[matches.ID()])
}

func TestEngine_MissingColumnFailsOnlyThatMetric(t *testing.T) {
	bad := metric.NewConfiguration(metric.ColumnMax, column("height"), nil)
	good := metric.NewConfiguration(metric.ColumnMax, column("age"), nil)

	res := resolve(t, ageTable(), bad, good)
	require.Contains(t, res.Failures, bad.ID())
	assert.ErrorIs(t, res.Failures[bad.ID()], core.ErrColumnNotFound)
	assert.True(t, core.IsComputationError(res.Failures[bad.ID()]))
	assert.Equal(t, 30.0, res.Values[good.ID()])
}

func TestEngine_QueryMetricsHaveNoMemoryProvider(t *testing.T) {
	cfg := metric.NewConfiguration(metric.QueryTable, metric.DomainKwargs{}, metric.ValueKwargs{"query": "SELECT 1"})
	res := resolve(t, ageTable(), cfg)
	assert.True(t, core.IsProviderNotFound(res.Failures[cfg.ID()]))
}
