package sqlengine_test

import (
	"bytes"
	"context"
	"testing"

	"dataexpect/adapters/memory"
	"dataexpect/adapters/sqlengine"
	"dataexpect/domain/core"
	"dataexpect/domain/metric"
	"dataexpect/internal"
	"dataexpect/internal/graph"
	"dataexpect/internal/registry"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schema = `
CREATE TABLE people (id INTEGER, age INTEGER, country TEXT);
INSERT INTO people VALUES (1, 10, 'NL'), (2, 20, 'DE'), (3, 30, 'NL'), (4, NULL, 'FR');
CREATE TABLE codes (code TEXT);
INSERT INTO codes VALUES ('a'), ('b'), ('b'), (NULL), ('c');
`

func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open(sqlengine.SQLiteDriver, ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a fresh database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(schema)
	require.NoError(t, err)
	return db
}

func resolve(t *testing.T, e *sqlengine.Engine, cfgs ...*metric.Configuration) *graph.Resolution {
	t.Helper()
	reg := registry.New()
	require.NoError(t, sqlengine.Register(reg))
	reg.Seal()

	r := graph.NewResolver(reg)
	g, err := r.Build(context.Background(), cfgs, metric.BackendSQL)
	require.NoError(t, err)
	res, err := r.Resolve(context.Background(), g, e, nil)
	require.NoError(t, err)
	return res
}

func people(t *testing.T) *sqlengine.Engine {
	return sqlengine.NewEngine(openDB(t), sqlengine.Batch{ID: "batch-1", Table: "people"})
}

func column(name string) metric.DomainKwargs {
	return metric.DomainKwargs{Column: name}
}

func TestEngine_AggregatesShareOneSelect(t *testing.T) {
	cfgs := map[string]*metric.Configuration{
		"rows":    metric.NewConfiguration(metric.TableRowCount, metric.DomainKwargs{}, nil),
		"min":     metric.NewConfiguration(metric.ColumnMin, column("age"), nil),
		"max":     metric.NewConfiguration(metric.ColumnMax, column("age"), nil),
		"mean":    metric.NewConfiguration(metric.ColumnMean, column("age"), nil),
		"sum":     metric.NewConfiguration(metric.ColumnSum, column("age"), nil),
		"std":     metric.NewConfiguration(metric.ColumnStandardDeviation, column("age"), nil),
		"nonnull": metric.NewConfiguration(metric.ColumnValuesNonNullCount, column("age"), nil),
	}
	var all []*metric.Configuration
	for _, c := range cfgs {
		all = append(all, c)
	}
	e := people(t)
	res := resolve(t, e, all...)
	require.Empty(t, res.Failures)

	assert.Equal(t, int64(1), e.Queries())
	assert.Equal(t, 4, res.Values[cfgs["rows"].ID()])
	assert.Equal(t, 10.0, res.Values[cfgs["min"].ID()])
	assert.Equal(t, 30.0, res.Values[cfgs["max"].ID()])
	assert.InDelta(t, 20.0, res.Values[cfgs["mean"].ID()], 1e-9)
	assert.Equal(t, 60.0, res.Values[cfgs["sum"].ID()])
	assert.InDelta(t, 10.0, res.Values[cfgs["std"].ID()], 1e-9)
	assert.Equal(t, 3, res.Values[cfgs["nonnull"].ID()])
}

func TestEngine_LogsBundleSize(t *testing.T) {
	var buf bytes.Buffer
	logger := internal.NewLoggerWithWriter(internal.LogLevelDebug, "text", &buf)
	e := sqlengine.NewEngine(openDB(t), sqlengine.Batch{ID: "batch-1", Table: "people"}, sqlengine.WithLogger(logger))

	res := resolve(t, e,
		metric.NewConfiguration(metric.TableRowCount, metric.DomainKwargs{}, nil),
		metric.NewConfiguration(metric.ColumnMin, column("age"), nil),
		metric.NewConfiguration(metric.ColumnMax, column("age"), nil),
		metric.NewConfiguration(metric.ColumnMean, column("age"), nil),
	)
	require.Empty(t, res.Failures)
	assert.Equal(t, int64(1), e.Queries())
	assert.Contains(t, buf.String(), "computed 4 metrics on domain_id")
}

func TestEngine_MapConditionFamily(t *testing.T) {
	complete := map[string]any{"result_format": "COMPLETE"}
	between := metric.ValueKwargs{"min_value": 15, "max_value": 35}
	inSet := metric.ValueKwargs{"value_set": []any{"NL", "DE"}}

	tests := []struct {
		name   string
		cfg    *metric.Configuration
		expect any
	}{
		{
			name:   "between count",
			cfg:    metric.NewConfiguration(metric.ColumnValuesBetween+metric.SuffixUnexpectedCount, column("age"), between),
			expect: 1,
		},
		{
			name: "between values",
			cfg: metric.NewConfiguration(metric.ColumnValuesBetween+metric.SuffixUnexpectedValues, column("age"),
				between.With("result_format", complete)),
			expect: []any{int64(10)},
		},
		{
			name:   "nonnull count",
			cfg:    metric.NewConfiguration(metric.ColumnValuesNonNull+metric.SuffixUnexpectedCount, column("age"), nil),
			expect: 1,
		},
		{
			name: "in set values",
			cfg: metric.NewConfiguration(metric.ColumnValuesInSet+metric.SuffixUnexpectedValues, column("country"),
				inSet.With("result_format", "SUMMARY")),
			expect: []any{"FR"},
		},
		{
			name:   "not in set count",
			cfg:    metric.NewConfiguration(metric.ColumnValuesNotInSet+metric.SuffixUnexpectedCount, column("country"), inSet),
			expect: 3,
		},
		{
			name: "regex count",
			cfg: metric.NewConfiguration(metric.ColumnValuesMatchRegex+metric.SuffixUnexpectedCount, column("country"),
				metric.ValueKwargs{"regex": "^N"}),
			expect: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := resolve(t, people(t), tt.cfg)
			require.Empty(t, res.Failures)
			assert.Equal(t, tt.expect, res.Values[tt.cfg.ID()])
		})
	}
}

func TestEngine_UnexpectedRows(t *testing.T) {
	cfg := metric.NewConfiguration(metric.ColumnValuesInSet+metric.SuffixUnexpectedRows, column("country"),
		metric.ValueKwargs{"value_set": []any{"NL", "DE"}})
	res := resolve(t, people(t), cfg)
	require.Empty(t, res.Failures)

	rows, ok := res.Values[cfg.ID()].([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(4), rows[0]["id"])
	assert.Nil(t, rows[0]["age"])
}

func TestEngine_UniqueWindow(t *testing.T) {
	e := sqlengine.NewEngine(openDB(t), sqlengine.Batch{ID: "batch-1", Table: "codes"})
	count := metric.NewConfiguration(metric.ColumnValuesUnique+metric.SuffixUnexpectedCount, column("code"), nil)
	counts := metric.NewConfiguration(metric.ColumnValuesUnique+metric.SuffixUnexpectedValueCounts, column("code"), nil)

	res := resolve(t, e, count, counts)
	require.Empty(t, res.Failures)
	assert.Equal(t, 2, res.Values[count.ID()])
	assert.Equal(t, []metric.ValueCount{{Value: "b", Count: 2}}, res.Values[counts.ID()])
}

func TestEngine_RowCondition(t *testing.T) {
	tests := []struct {
		name   string
		domain metric.DomainKwargs
	}{
		{"sql", metric.DomainKwargs{RowCondition: `"age" > 15`, ConditionParser: "sql"}},
		{"structured", metric.DomainKwargs{RowCondition: `col("age") > 15`, ConditionParser: "great_expectations"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := metric.NewConfiguration(metric.TableRowCount, tt.domain, nil)
			d := tt.domain
			d.Column = "age"
			minCfg := metric.NewConfiguration(metric.ColumnMin, d, nil)

			res := resolve(t, people(t), rows, minCfg)
			require.Empty(t, res.Failures)
			assert.Equal(t, 2, res.Values[rows.ID()])
			assert.Equal(t, 20.0, res.Values[minCfg.ID()])
		})
	}
}

func TestEngine_QueryTable(t *testing.T) {
	cfg := metric.NewConfiguration(metric.QueryTable, metric.DomainKwargs{RowCondition: `col("country") == "NL"`},
		metric.ValueKwargs{"query": "SELECT COUNT(*) AS n FROM {batch}"})
	res := resolve(t, people(t), cfg)
	require.Empty(t, res.Failures)
	assert.Equal(t, []map[string]any{{"n": int64(2)}}, res.Values[cfg.ID()])
}

func TestEngine_ValueCountsAndQuantiles(t *testing.T) {
	distinct := metric.NewConfiguration(metric.ColumnDistinctValues, column("country"), nil)
	quantiles := metric.NewConfiguration(metric.ColumnQuantileValues, column("age"), metric.ValueKwargs{"quantiles": []float64{0, 0.5, 1}})
	median := metric.NewConfiguration(metric.ColumnMedian, column("age"), nil)

	res := resolve(t, people(t), distinct, quantiles, median)
	require.Empty(t, res.Failures)
	assert.Equal(t, []any{"DE", "FR", "NL"}, res.Values[distinct.ID()])
	assert.Equal(t, []float64{10, 20, 30}, res.Values[quantiles.ID()])
	assert.Equal(t, 20.0, res.Values[median.ID()])
}

func TestEngine_ColumnTypes(t *testing.T) {
	cfg := metric.NewConfiguration(metric.TableColumns, metric.DomainKwargs{}, nil)
	res := resolve(t, people(t), cfg)
	require.Empty(t, res.Failures)
	assert.Equal(t, []string{"id", "age", "country"}, res.Values[cfg.ID()])
}

func TestEngine_JSONMetricsHaveNoSQLProvider(t *testing.T) {
	cfg := metric.NewConfiguration(metric.ColumnValuesJSONParseable+metric.SuffixUnexpectedCount, column("country"), nil)
	res := resolve(t, people(t), cfg)
	assert.True(t, core.IsProviderNotFound(res.Failures[cfg.ID()]))
}

func TestEngine_MissingColumnFailsOnlyThatMetric(t *testing.T) {
	good := metric.NewConfiguration(metric.ColumnMin, column("age"), nil)
	bad := metric.NewConfiguration(metric.ColumnMax, column("ghost"), nil)
	upper := metric.NewConfiguration(metric.ColumnMean, metric.DomainKwargs{Column: "Age"}, nil)

	e := people(t)
	res := resolve(t, e, good, bad, upper)

	require.Contains(t, res.Failures, bad.ID())
	assert.ErrorIs(t, res.Failures[bad.ID()], core.ErrColumnNotFound)
	assert.True(t, core.IsComputationError(res.Failures[bad.ID()]))
	assert.NotContains(t, res.Values, bad.ID())

	assert.ErrorIs(t, res.Failures[upper.ID()], core.ErrColumnNotFound)
	assert.Equal(t, 10.0, res.Values[good.ID()])
	assert.Equal(t, int64(1), e.Queries())
}

func TestEngine_MissingTableFailsItsMetrics(t *testing.T) {
	e := sqlengine.NewEngine(openDB(t), sqlengine.Batch{ID: "batch-1", Table: "nope"})
	cfg := metric.NewConfiguration(metric.TableRowCount, metric.DomainKwargs{}, nil)
	res := resolve(t, e, cfg)
	require.Contains(t, res.Failures, cfg.ID())
	assert.True(t, core.IsComputationError(res.Failures[cfg.ID()]))
	assert.ErrorIs(t, res.Failures[cfg.ID()], core.ErrUpstreamMetricFailed)
}

func TestLoad_CopiesMemoryTable(t *testing.T) {
	db := openDB(t)
	tbl := memory.MustTable(
		[]string{"id", "score", "label"},
		[][]any{{1, 1.5, "x"}, {2, nil, "y"}, {3, 4.5, nil}},
	)
	require.NoError(t, sqlengine.Load(context.Background(), db, "scores", tbl))
	// loading again replaces the table
	require.NoError(t, sqlengine.Load(context.Background(), db, "scores", tbl))

	e := sqlengine.NewEngine(db, sqlengine.Batch{ID: "batch-2", Table: "scores"})
	rows := metric.NewConfiguration(metric.TableRowCount, metric.DomainKwargs{}, nil)
	mean := metric.NewConfiguration(metric.ColumnMean, column("score"), nil)
	nulls := metric.NewConfiguration(metric.ColumnValuesNonNull+metric.SuffixUnexpectedCount, column("label"), nil)
	res := resolve(t, e, rows, mean, nulls)
	require.Empty(t, res.Failures)

	assert.EqualValues(t, 3, res.Values[rows.ID()])
	assert.InDelta(t, 3.0, res.Values[mean.ID()], 1e-9)
	assert.EqualValues(t, 1, res.Values[nulls.ID()])
}
