// Package metrics exposes workflow counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alpacacode"

// Metrics holds the workflow collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted       *prometheus.CounterVec
	runsFinished      *prometheus.CounterVec
	phaseTransitions  *prometheus.CounterVec
	commandsIssued    *prometheus.CounterVec
	phaseRetries      *prometheus.CounterVec
	resultsDiscarded  *prometheus.CounterVec
	activeRuns        prometheus.Gauge
	validationOutcome *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_started_total", Help: "Workflow runs started, by mode.",
		}, []string{"mode"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_finished_total", Help: "Workflow runs that reached a terminal status.",
		}, []string{"status"}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "phase_transitions_total", Help: "Orchestrator phase transitions.",
		}, []string{"from", "to"}),
		commandsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_issued_total", Help: "Commands published to agents.",
		}, []string{"agent", "type"}),
		phaseRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "phase_retries_total", Help: "Phase commands re-issued after a timeout or retryable error.",
		}, []string{"phase", "reason"}),
		resultsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "results_discarded_total", Help: "Result messages acknowledged without effect.",
		}, []string{"reason"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_runs", Help: "Runs not yet in a terminal status.",
		}),
		validationOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "validation_results_total", Help: "Validation verdicts received, by source and status.",
		}, []string{"source", "status"}),
	}

	m.registry.MustRegister(
		m.runsStarted, m.runsFinished, m.phaseTransitions, m.commandsIssued,
		m.phaseRetries, m.resultsDiscarded, m.activeRuns, m.validationOutcome,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RunStarted(mode string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.activeRuns.Dec()
}

// RunRecovered counts a run picked up again after a restart.
func (m *Metrics) RunRecovered() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) PhaseTransition(from, to string) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) CommandIssued(agent, msgType string) {
	if m == nil {
		return
	}
	m.commandsIssued.WithLabelValues(agent, msgType).Inc()
}

func (m *Metrics) PhaseRetried(phase, reason string) {
	if m == nil {
		return
	}
	m.phaseRetries.WithLabelValues(phase, reason).Inc()
}

func (m *Metrics) ResultDiscarded(reason string) {
	if m == nil {
		return
	}
	m.resultsDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) ValidationResult(source, status string) {
	if m == nil {
		return
	}
	m.validationOutcome.WithLabelValues(source, status).Inc()
}
