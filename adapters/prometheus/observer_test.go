package prometheus

import (
	"errors"
	"testing"
	"time"

	"dataexpect/domain/expectation"
	"dataexpect/domain/metric"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserver_RecordsRunEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg)

	o.RunStarted(metric.BackendInMemory, 2)
	o.LayerResolved(metric.BackendInMemory, 0, 3, 0, time.Millisecond)
	o.LayerResolved(metric.BackendInMemory, 1, 2, 1, time.Millisecond)
	o.MetricFailed(metric.BackendInMemory, "column.mean")

	pass := expectation.NewConfiguration("expect_column_min_to_be_between", nil)
	fail := expectation.NewConfiguration("expect_column_values_to_not_be_null", nil)
	o.RunCompleted(&expectation.SuiteValidationResult{
		Backend: metric.BackendInMemory,
		Success: false,
		Results: []*expectation.ValidationResult{
			{Success: true, ExpectationConfig: pass},
			expectation.Failed(fail, errors.New("boom"), ""),
		},
	}, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(o.runsStarted.WithLabelValues("memory")))
	assert.Equal(t, 5.0, testutil.ToFloat64(o.layerMetrics.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metricErrors.WithLabelValues("memory", "column.mean")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.runsCompleted.WithLabelValues("memory", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.expectations.WithLabelValues("expect_column_min_to_be_between", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.expectations.WithLabelValues("expect_column_values_to_not_be_null", "false")))
	assert.Equal(t, 1, testutil.CollectAndCount(o.layerDuration))
}

func TestObserver_IgnoresNilResult(t *testing.T) {
	o := NewObserver(prometheus.NewRegistry())
	assert.NotPanics(t, func() { o.RunCompleted(nil, time.Second) })
	assert.Equal(t, 0, testutil.CollectAndCount(o.runsCompleted))
}
