// Package metrics exposes supervisor activity as Prometheus collectors on a
// dedicated registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/healwatch/internal/detect"
	"github.com/psantana5/healwatch/pkg/models"
)

// Metrics holds every healwatch collector
type Metrics struct {
	registry *prometheus.Registry

	faultsDetected    *prometheus.CounterVec
	detectorFailures  *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	attempts          *prometheus.CounterVec
	remediations      *prometheus.CounterVec
	remediationTime   prometheus.Histogram
	queueDepth        prometheus.Gauge
	workers           *prometheus.GaugeVec
	held              prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpRequestLength *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		faultsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healwatch_faults_detected_total",
				Help: "Faults emitted by the detector",
			},
			[]string{"kind", "severity"},
		),
		detectorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healwatch_detector_failures_total",
				Help: "Detector collaborator failures, retried on the next tick",
			},
			[]string{"source"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healwatch_workflow_transitions_total",
				Help: "Correction workflow state transitions",
			},
			[]string{"to"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healwatch_correction_attempts_total",
				Help: "Correction attempt results",
			},
			[]string{"result"},
		),
		remediations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healwatch_remediations_total",
				Help: "Remediations by terminal disposition",
			},
			[]string{"outcome", "severity"},
		),
		remediationTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "healwatch_remediation_duration_seconds",
				Help:    "Time from dequeue to terminal disposition",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "healwatch_fault_queue_depth",
				Help: "Faults waiting for remediation",
			},
		),
		workers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "healwatch_workers",
				Help: "Supervised workers by run-state",
			},
			[]string{"state"},
		),
		held: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "healwatch_held",
				Help: "1 while an abandoned critical or high fault awaits acknowledgement",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healwatch_http_requests_total",
				Help: "Operator API requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestLength: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "healwatch_http_request_duration_seconds",
				Help:    "Operator API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.faultsDetected,
		m.detectorFailures,
		m.transitions,
		m.attempts,
		m.remediations,
		m.remediationTime,
		m.queueDepth,
		m.workers,
		m.held,
		m.httpRequests,
		m.httpRequestLength,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FaultDetected implements detect.Observer
func (m *Metrics) FaultDetected(f models.Fault) {
	m.faultsDetected.WithLabelValues(string(f.Kind), f.Severity.String()).Inc()
}

// DetectionFailed implements detect.Observer
func (m *Metrics) DetectionFailed(err *detect.DetectionFailure) {
	m.detectorFailures.WithLabelValues(err.Source).Inc()
}

// StateChanged implements workflow.Observer
func (m *Metrics) StateChanged(f models.Fault, tr models.StateTransition) {
	m.transitions.WithLabelValues(string(tr.To)).Inc()
}

// AttemptResult implements workflow.Observer
func (m *Metrics) AttemptResult(f models.Fault, result string) {
	m.attempts.WithLabelValues(result).Inc()
}

// RemediationFinished records a terminal disposition
func (m *Metrics) RemediationFinished(f models.Fault, outcome models.WorkflowState, took time.Duration) {
	m.remediations.WithLabelValues(string(outcome), f.Severity.String()).Inc()
	m.remediationTime.Observe(took.Seconds())
}

// SetQueueDepth sets the fault queue gauge
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// SetWorkers sets the worker gauges from run-state counts
func (m *Metrics) SetWorkers(counts map[models.RunState]int) {
	for _, state := range []models.RunState{models.RunStateRunning, models.RunStatePaused, models.RunStateStopped} {
		m.workers.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// SetHeld sets the held gauge
func (m *Metrics) SetHeld(held bool) {
	if held {
		m.held.Set(1)
	} else {
		m.held.Set(0)
	}
}

// Middleware records request counts and latency. route labels the request
// by its route template rather than the raw path.
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			name := route(r)
			m.httpRequests.WithLabelValues(r.Method, name, strconv.Itoa(rw.statusCode)).Inc()
			m.httpRequestLength.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
