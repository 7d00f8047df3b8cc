package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the detection pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	ActiveRuns         prometheus.Gauge
	StepErrors         *prometheus.CounterVec
	TracesFetched      prometheus.Counter
	TracesDiscarded    *prometheus.CounterVec
	CandidatesFound    prometheus.Histogram
	AgentInvocations   *prometheus.CounterVec
	AgentDuration      prometheus.Histogram
	PullRequests       *prometheus.CounterVec
	IncidentsRecorded  *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	RunsRejectedActive prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slowquery",
				Name:      "detection_runs_total",
				Help:      "Total number of detection runs by type and final status.",
			},
			[]string{"run_type", "status"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "slowquery",
				Name:      "detection_run_duration_seconds",
				Help:      "Duration of detection runs in seconds.",
				Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"run_type"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "slowquery",
				Name:      "active_detection_runs",
				Help:      "Number of detection runs currently in progress.",
			},
		),

		StepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slowquery",
				Name:      "step_errors_total",
				Help:      "Total pipeline step failures by step name.",
			},
			[]string{"step"},
		),

		TracesFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "slowquery",
				Name:      "traces_fetched_total",
				Help:      "Total traces read from the tracing backend.",
			},
		),

		TracesDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slowquery",
				Name:      "traces_discarded_total",
				Help:      "Traces that did not become candidates, by reason.",
			},
			[]string{"reason"},
		),

		CandidatesFound: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "slowquery",
				Name:      "candidates_per_run",
				Help:      "Number of slow-trace candidates found per run.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
			},
		),

		AgentInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slowquery",
				Name:      "agent_invocations_total",
				Help:      "Remediation attempts by outcome.",
			},
			[]string{"outcome"},
		),

		AgentDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "slowquery",
				Name:      "agent_duration_seconds",
				Help:      "Wall time of remediation attempts including git steps.",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1800},
			},
		),

		PullRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slowquery",
				Name:      "pull_requests_total",
				Help:      "Pull request registrations by status.",
			},
			[]string{"status"},
		),

		IncidentsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slowquery",
				Name:      "incidents_recorded_total",
				Help:      "Incidents stored, by severity.",
			},
			[]string{"severity"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "slowquery",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RunsRejectedActive: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "slowquery",
				Subsystem: "api",
				Name:      "detect_rejected_total",
				Help:      "Detect requests rejected because a run was already active.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ActiveRuns,
		m.StepErrors,
		m.TracesFetched,
		m.TracesDiscarded,
		m.CandidatesFound,
		m.AgentInvocations,
		m.AgentDuration,
		m.PullRequests,
		m.IncidentsRecorded,
		m.RequestsInFlight,
		m.RunsRejectedActive,
	)

	return m
}

// The Record helpers accept a nil receiver so callers can run without metrics.

// RecordRun records a finished detection run.
func (m *Metrics) RecordRun(runType, status string, durationSec float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(runType, status).Inc()
	m.RunDuration.WithLabelValues(runType).Observe(durationSec)
}

// RecordStepError counts a failed pipeline step.
func (m *Metrics) RecordStepError(step string) {
	if m == nil {
		return
	}
	m.StepErrors.WithLabelValues(step).Inc()
}

// RecordMining records the outcome of trace analysis.
func (m *Metrics) RecordMining(fetched, duplicates, noCalls, fast, candidates int) {
	if m == nil {
		return
	}
	m.TracesFetched.Add(float64(fetched))
	m.TracesDiscarded.WithLabelValues("duplicate").Add(float64(duplicates))
	m.TracesDiscarded.WithLabelValues("no_call_operations").Add(float64(noCalls))
	m.TracesDiscarded.WithLabelValues("below_threshold").Add(float64(fast))
	m.CandidatesFound.Observe(float64(candidates))
}

// RecordAgent records one remediation attempt.
func (m *Metrics) RecordAgent(outcome string, durationSec float64) {
	if m == nil {
		return
	}
	m.AgentInvocations.WithLabelValues(outcome).Inc()
	m.AgentDuration.Observe(durationSec)
}

// RecordPullRequest counts a registration attempt.
func (m *Metrics) RecordPullRequest(status string) {
	if m == nil {
		return
	}
	m.PullRequests.WithLabelValues(status).Inc()
}

// RecordIncident counts a stored incident.
func (m *Metrics) RecordIncident(severity string) {
	if m == nil {
		return
	}
	m.IncidentsRecorded.WithLabelValues(severity).Inc()
}

// RunStarted and RunFinished track the active-run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}
