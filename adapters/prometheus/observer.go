// Package prometheus exports run, layer and metric events as Prometheus
// collectors.
package prometheus

import (
	"time"

	"dataexpect/domain/expectation"
	"dataexpect/domain/metric"
	"dataexpect/ports"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer implements ports.RunObserver on a set of collectors.
type Observer struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	expectations  *prometheus.CounterVec
	layerMetrics  *prometheus.CounterVec
	layerDuration *prometheus.HistogramVec
	metricErrors  *prometheus.CounterVec
}

var _ ports.RunObserver = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataexpect_runs_started_total",
			Help: "Validation runs started, by backend",
		}, []string{"backend"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataexpect_runs_completed_total",
			Help: "Validation runs completed, by backend and outcome",
		}, []string{"backend", "success"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataexpect_run_duration_seconds",
			Help:    "Wall time of a validation run",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"backend"}),
		expectations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataexpect_expectations_evaluated_total",
			Help: "Expectations evaluated, by type and outcome",
		}, []string{"expectation_type", "success"}),
		layerMetrics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataexpect_metrics_resolved_total",
			Help: "Metrics submitted to an engine, by backend",
		}, []string{"backend"}),
		layerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataexpect_layer_duration_seconds",
			Help:    "Wall time of one resolution layer",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"backend"}),
		metricErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataexpect_metric_failures_total",
			Help: "Metric computations that failed, by backend and metric",
		}, []string{"backend", "metric"}),
	}
	reg.MustRegister(
		o.runsStarted, o.runsCompleted, o.runDuration, o.expectations,
		o.layerMetrics, o.layerDuration, o.metricErrors,
	)
	return o
}

func (o *Observer) RunStarted(backend metric.Backend, _ int) {
	o.runsStarted.WithLabelValues(backend.String()).Inc()
}

func (o *Observer) LayerResolved(backend metric.Backend, _, metrics, _ int, elapsed time.Duration) {
	o.layerMetrics.WithLabelValues(backend.String()).Add(float64(metrics))
	o.layerDuration.WithLabelValues(backend.String()).Observe(elapsed.Seconds())
}

func (o *Observer) MetricFailed(backend metric.Backend, metricName string) {
	o.metricErrors.WithLabelValues(backend.String(), metricName).Inc()
}

func (o *Observer) RunCompleted(result *expectation.SuiteValidationResult, elapsed time.Duration) {
	if result == nil {
		return
	}
	backend := result.Backend.String()
	o.runsCompleted.WithLabelValues(backend, outcome(result.Success)).Inc()
	o.runDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	for _, r := range result.Results {
		o.expectations.WithLabelValues(r.ExpectationConfig.Type, outcome(r.Success)).Inc()
	}
}

func outcome(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
