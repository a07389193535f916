// Package metrics exposes scheduler, ledger and cluster manager activity to prometheus.
// Every method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wingman"

// Metrics collectors of one service instance
type Metrics struct {
	registry *prometheus.Registry

	tasks            *prometheus.GaugeVec
	submitted        *prometheus.CounterVec
	deferred         prometheus.Counter
	submitErrors     *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	rpcRequests      *prometheus.CounterVec
	clusterState     *prometheus.GaugeVec
	clusterCommands  *prometheus.CounterVec
	nodesDisappeared prometheus.Counter
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tasks",
			Help:      "Number of tasks in the ledger by status",
		}, []string{"status"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "submitted_total",
			Help:      "Tasks handed to an execution backend, by backend",
		}, []string{"backend"}),
		deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "deferred_total",
			Help:      "Candidate tasks skipped because an earlier group of their run is unfinished",
		}),
		submitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "submit_errors_total",
			Help:      "Failed submissions, by backend",
		}, []string{"backend"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one submission cycle",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Ledger RPC calls by method and outcome",
		}, []string{"method", "success"}),
		clusterState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "state",
			Help:      "1 for the current state of the cluster manager, 0 otherwise",
		}, []string{"state"}),
		clusterCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "commands_total",
			Help:      "Provisioning commands run by the cluster manager, by command and exit code",
		}, []string{"command", "exit_code"}),
		nodesDisappeared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nodes",
			Name:      "disappeared_total",
			Help:      "Nodes whose heartbeat expired",
		}),
	}
	reg.MustRegister(
		m.tasks,
		m.submitted,
		m.deferred,
		m.submitErrors,
		m.cycleDuration,
		m.rpcRequests,
		m.clusterState,
		m.clusterCommands,
		m.nodesDisappeared,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetTaskCounts replaces the per-status task gauges
func (m *Metrics) SetTaskCounts(counts map[string]int64) {
	if m == nil {
		return
	}
	for status, count := range counts {
		m.tasks.WithLabelValues(status).Set(float64(count))
	}
}

// TaskSubmitted counts a submission through backend
func (m *Metrics) TaskSubmitted(backend string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(backend).Inc()
}

// TaskDeferred counts a candidate held back by group ordering
func (m *Metrics) TaskDeferred() {
	if m == nil {
		return
	}
	m.deferred.Inc()
}

// SubmitFailed counts a failed submission through backend
func (m *Metrics) SubmitFailed(backend string) {
	if m == nil {
		return
	}
	m.submitErrors.WithLabelValues(backend).Inc()
}

// ObserveCycle records the duration of a scheduler cycle
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

// RPCHandled counts a ledger RPC call
func (m *Metrics) RPCHandled(method string, success bool) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, strconv.FormatBool(success)).Inc()
}

// SetClusterState marks state as current among all known states
func (m *Metrics) SetClusterState(current string, all []string) {
	if m == nil {
		return
	}
	for _, state := range all {
		value := 0.0
		if state == current {
			value = 1
		}
		m.clusterState.WithLabelValues(state).Set(value)
	}
}

// ClusterCommandFinished counts a provisioning command by exit code
func (m *Metrics) ClusterCommandFinished(command string, exitCode int) {
	if m == nil {
		return
	}
	m.clusterCommands.WithLabelValues(command, strconv.Itoa(exitCode)).Inc()
}

// NodeDisappeared counts a node reaped after its heartbeat expired
func (m *Metrics) NodeDisappeared() {
	if m == nil {
		return
	}
	m.nodesDisappeared.Inc()
}
