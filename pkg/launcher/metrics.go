package launcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting launcher metrics
type MetricsCollector interface {
	// NodeStateTransition records a state transition for a node
	NodeStateTransition(node string, from, to NodeState)

	// NodeLaunchDuration records spawn-to-ready (or spawn-to-failure) time
	NodeLaunchDuration(node string, duration time.Duration, err error)

	// NodeStopDuration records how long a node took to stop
	NodeStopDuration(node string, duration time.Duration, forced bool)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) NodeStateTransition(node string, from, to NodeState)              {}
func (n *noopMetricsCollector) NodeLaunchDuration(node string, duration time.Duration, err error) {}
func (n *noopMetricsCollector) NodeStopDuration(node string, duration time.Duration, forced bool) {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	launchDuration   *prometheus.HistogramVec
	stopDuration     *prometheus.HistogramVec
	forcedKills      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "launcher"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_state_transitions_total",
			Help:      "Total number of node state transitions",
		},
		[]string{"node", "from_state", "to_state"},
	)

	pmc.launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_launch_duration_seconds",
			Help:      "Time from spawn until a node was ready or failed",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"node", "status"},
	)

	pmc.stopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_stop_duration_seconds",
			Help:      "Duration of node stop operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	pmc.forcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_forced_kills_total",
			Help:      "Total number of nodes killed after the stop grace period",
		},
		[]string{"node"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.launchDuration,
		pmc.stopDuration,
		pmc.forcedKills,
	)

	return pmc
}

// NodeStateTransition records a state transition
func (pmc *PrometheusMetricsCollector) NodeStateTransition(node string, from, to NodeState) {
	pmc.stateTransitions.WithLabelValues(node, from.String(), to.String()).Inc()
}

// NodeLaunchDuration records the duration of a launch
func (pmc *PrometheusMetricsCollector) NodeLaunchDuration(node string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.launchDuration.WithLabelValues(node, status).Observe(duration.Seconds())
}

// NodeStopDuration records the duration of a stop
func (pmc *PrometheusMetricsCollector) NodeStopDuration(node string, duration time.Duration, forced bool) {
	pmc.stopDuration.WithLabelValues(node).Observe(duration.Seconds())
	if forced {
		pmc.forcedKills.WithLabelValues(node).Inc()
	}
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
