package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"dataexpect/domain/expectation"
	"dataexpect/domain/metric"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peopleCSV = "id,age,country\n1,10,NL\n2,20,DE\n3,30,NL\n4,,FR\n"

const peopleSuite = `
name: people
expectations:
  - expectation_type: expect_table_row_count_to_be_between
    kwargs: {min_value: 1, max_value: 10}
  - expectation_type: expect_column_values_to_be_in_set
    kwargs:
      column: country
      value_set: [NL, DE, FR]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseKwargs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    metric.ValueKwargs
		wantErr bool
	}{
		{"empty", nil, metric.ValueKwargs{}, false},
		{"typed values", []string{"min_value=3", "strict=true", "mostly=0.9"},
			metric.ValueKwargs{"min_value": 3, "strict": true, "mostly": 0.9}, false},
		{"list", []string{"value_set=[a, b]"}, metric.ValueKwargs{"value_set": []any{"a", "b"}}, false},
		{"value with equals", []string{"regex=a=b"}, metric.ValueKwargs{"regex": "a=b"}, false},
		{"missing equals", []string{"quantiles"}, nil, true},
		{"missing key", []string{"=3"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKwargs(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunValidate_Backends(t *testing.T) {
	t.Setenv("LOG_LEVEL", "ERROR")
	data := writeFile(t, "people.csv", peopleCSV)
	suitePath := writeFile(t, "people.yaml", peopleSuite)

	tests := []struct {
		name  string
		flags batchFlags
	}{
		{"memory", batchFlags{backend: "memory", data: data}},
		{"distributed", batchFlags{backend: "distributed", data: data}},
		{"sqlite", batchFlags{backend: "sql", driver: "sqlite3", data: data, table: "people"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, runValidate(context.Background(), &out, &tt.flags, suitePath, "", "json"))

			var res expectation.SuiteValidationResult
			require.NoError(t, json.Unmarshal(out.Bytes(), &res))
			assert.True(t, res.Success)
			assert.Equal(t, "people", res.BatchID)
			assert.Equal(t, "people", res.Meta["suite"])
			assert.Equal(t, 2, res.Statistics.EvaluatedExpectations)
		})
	}
}

func TestRunValidate_FailingSuite(t *testing.T) {
	t.Setenv("LOG_LEVEL", "ERROR")
	data := writeFile(t, "people.csv", peopleCSV)
	suitePath := writeFile(t, "strict.yaml", `
name: strict
expectations:
  - expectation_type: expect_column_values_to_not_be_null
    kwargs: {column: age}
`)

	var out bytes.Buffer
	err := runValidate(context.Background(), &out, &batchFlags{data: data}, suitePath, "", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 expectations unsuccessful")
	assert.Contains(t, out.String(), "[FAIL] expect_column_values_to_not_be_null (age): 1 unexpected")
}

func TestRunMetric(t *testing.T) {
	t.Setenv("LOG_LEVEL", "ERROR")
	data := writeFile(t, "people.csv", peopleCSV)

	var out bytes.Buffer
	err := runMetric(context.Background(), &out, &batchFlags{data: data}, metric.ColumnMax,
		metric.DomainKwargs{Column: "age"}, metric.ValueKwargs{})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 30.0, got["value"])
}

func TestRunProviders(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runProviders(&out, "sql"))
	assert.Contains(t, out.String(), "sql (")
	assert.Contains(t, out.String(), metric.QueryTable)
	assert.NotContains(t, out.String(), "memory (")

	assert.Error(t, runProviders(&out, "cobol"))
}
