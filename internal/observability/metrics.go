package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for polybox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Adapter operation metrics, one series per capability and resolution.
	AdapterOperationsTotal   *prometheus.CounterVec
	AdapterOperationDuration *prometheus.HistogramVec

	// Execution primitive metrics.
	CommandExecutionsTotal   *prometheus.CounterVec
	CommandExecutionDuration *prometheus.HistogramVec
	CommandOutputTruncated   *prometheus.CounterVec

	// Lifecycle metrics.
	StatusTransitionsTotal *prometheus.CounterVec
	SandboxesActive        prometheus.Gauge

	// Monitor metrics.
	SandboxUp             *prometheus.GaugeVec
	SandboxCPUUsage       *prometheus.GaugeVec
	SandboxMemoryUsedMiB  *prometheus.GaugeVec
	MonitorChecksTotal    *prometheus.CounterVec
	MonitorCheckDurations prometheus.Histogram

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		AdapterOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polybox",
			Subsystem: "adapter",
			Name:      "operations_total",
			Help:      "Total adapter operations by capability, resolution and outcome.",
		}, []string{"provider", "operation", "resolution", "status"}),

		AdapterOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "polybox",
			Subsystem: "adapter",
			Name:      "operation_duration_seconds",
			Help:      "Adapter operation duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"provider", "operation", "resolution"}),

		CommandExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polybox",
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "Total commands run through the execution primitive.",
		}, []string{"provider", "status"}),

		CommandExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "polybox",
			Subsystem: "command",
			Name:      "execution_duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"provider"}),

		CommandOutputTruncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polybox",
			Subsystem: "command",
			Name:      "output_truncated_total",
			Help:      "Commands whose output hit the provider cap.",
		}, []string{"provider"}),

		StatusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polybox",
			Subsystem: "sandbox",
			Name:      "status_transitions_total",
			Help:      "Sandbox status transitions by target state.",
		}, []string{"provider", "state"}),

		SandboxesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "polybox",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Sandboxes currently registered and not deleted.",
		}),

		SandboxUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "polybox",
			Subsystem: "sandbox",
			Name:      "up",
			Help:      "1 if the last health ping succeeded.",
		}, []string{"sandbox", "provider"}),

		SandboxCPUUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "polybox",
			Subsystem: "sandbox",
			Name:      "cpu_used_percent",
			Help:      "CPU usage sampled by the monitor.",
		}, []string{"sandbox"}),

		SandboxMemoryUsedMiB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "polybox",
			Subsystem: "sandbox",
			Name:      "memory_used_mib",
			Help:      "Memory in use sampled by the monitor.",
		}, []string{"sandbox"}),

		MonitorChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polybox",
			Subsystem: "monitor",
			Name:      "checks_total",
			Help:      "Health checks performed by result.",
		}, []string{"result"}),

		MonitorCheckDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "polybox",
			Subsystem: "monitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one monitor sweep over all sandboxes.",
			Buckets:   prometheus.DefBuckets,
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polybox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "polybox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polybox",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limit.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "polybox",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.AdapterOperationsTotal,
		m.AdapterOperationDuration,
		m.CommandExecutionsTotal,
		m.CommandExecutionDuration,
		m.CommandOutputTruncated,
		m.StatusTransitionsTotal,
		m.SandboxesActive,
		m.SandboxUp,
		m.SandboxCPUUsage,
		m.SandboxMemoryUsedMiB,
		m.MonitorChecksTotal,
		m.MonitorCheckDurations,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}

// ForgetSandbox drops the per-sandbox series of a deleted sandbox.
func (m *MetricsCollector) ForgetSandbox(id, provider string) {
	if m == nil {
		return
	}
	m.SandboxUp.DeleteLabelValues(id, provider)
	m.SandboxCPUUsage.DeleteLabelValues(id)
	m.SandboxMemoryUsedMiB.DeleteLabelValues(id)
}
