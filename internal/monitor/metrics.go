package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "harness"

// Metrics holds all Prometheus metrics for the function harness.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	SourceFetches     *prometheus.CounterVec
	OutputsTotal      *prometheus.CounterVec
	PollIterations    *prometheus.CounterVec
	PollErrors        *prometheus.CounterVec
	ContainerdLatency *prometheus.HistogramVec
	RequestsInFlight  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of function executions by language and final state.",
			},
			[]string{"language", "state"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of function executions in seconds, source retrieval included.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_errors_total",
				Help:      "Total execution failures by error category.",
			},
			[]string{"category"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Number of executions currently in progress.",
			},
		),

		SourceFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "fetches_total",
				Help:      "Function sources resolved, by scheme.",
			},
			[]string{"scheme"},
		),

		OutputsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outputs",
				Name:      "materialized_total",
				Help:      "Result items materialized, by kind.",
			},
			[]string{"kind"},
		),

		PollIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "iterations_total",
				Help:      "Status fetches performed by the run poller, by engine.",
			},
			[]string{"engine"},
		),

		PollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "errors_total",
				Help:      "Failed status fetches or pushes, by engine and stage.",
			},
			[]string{"engine", "stage"},
		),

		ContainerdLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "containerd_operation_duration_seconds",
				Help:      "Duration of containerd API operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SourceFetches,
		m.OutputsTotal,
		m.PollIterations,
		m.PollErrors,
		m.ContainerdLatency,
		m.RequestsInFlight,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(language, state string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, state).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordError records an execution failure by category.
func (m *Metrics) RecordError(category string) {
	m.ExecutionErrors.WithLabelValues(category).Inc()
}

// RecordSourceFetch counts a resolved source.
func (m *Metrics) RecordSourceFetch(scheme string) {
	m.SourceFetches.WithLabelValues(scheme).Inc()
}

// RecordOutput counts a materialized result item.
func (m *Metrics) RecordOutput(kind string) {
	m.OutputsTotal.WithLabelValues(kind).Inc()
}
