package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records pipeline stage timings and deployment results
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	deployments   *prometheus.CounterVec
	runs          *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates pipeline metrics on a private registry
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "harness"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage", "status"},
	)

	m.deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Total number of deployment attempts by result code",
		},
		[]string{"node", "result"},
	)

	m.runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of harness runs by final status",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(m.stageDuration, m.deployments, m.runs)
	return m
}

// Registry returns the Prometheus registry for HTTP handler setup
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) stage(stage string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

func (m *Metrics) deployment(node, result string) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(node, result).Inc()
}

func (m *Metrics) run(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}
